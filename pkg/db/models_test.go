package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func TestUpsertAndListFollowers(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	f := FollowerRow{ID: 1, Name: "alice", Coef: 1.5, Leverage: 10, Enabled: true}
	require.NoError(t, d.UpsertFollower(ctx, f))

	f.Name = "alice-renamed"
	require.NoError(t, d.UpsertFollower(ctx, f))

	got, err := d.ListFollowers(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "alice-renamed", got[0].Name)
}

func TestDeleteFollowerCascades(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.UpsertFollower(ctx, FollowerRow{ID: 1, Enabled: true}))
	require.NoError(t, d.UpsertPositionVar(ctx, PositionVarRow{FollowerID: 1, Symbol: "BTC_USDT", PosSide: "LONG", InPosition: true, Qty: 1}))

	require.NoError(t, d.DeleteFollower(ctx, 1))

	followers, err := d.ListFollowers(ctx)
	require.NoError(t, err)
	require.Empty(t, followers)

	pvs, err := d.ListPositionVars(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, pvs)
}

func TestMasterCredsRoundTrip(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	empty, err := d.GetMasterCreds(ctx)
	require.NoError(t, err)
	require.Equal(t, MasterCreds{}, empty)

	require.NoError(t, d.UpsertMasterCreds(ctx, MasterCreds{APIKeyEncrypted: "enc-key", TradingEnabled: true}))
	got, err := d.GetMasterCreds(ctx)
	require.NoError(t, err)
	require.Equal(t, "enc-key", got.APIKeyEncrypted)
	require.True(t, got.TradingEnabled)
}

func TestPositionVarUpsertOverwritesSameKey(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.UpsertFollower(ctx, FollowerRow{ID: 2, Enabled: true}))

	pv := PositionVarRow{FollowerID: 2, Symbol: "ETH_USDT", PosSide: "SHORT", InPosition: true, Qty: 3}
	require.NoError(t, d.UpsertPositionVar(ctx, pv))
	pv.Qty = 5
	require.NoError(t, d.UpsertPositionVar(ctx, pv))

	got, err := d.ListPositionVars(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 5.0, got[0].Qty)
}

func TestOrderRefUpsertAndDelete(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.UpsertFollower(ctx, FollowerRow{ID: 3, Enabled: true}))

	ref := OrderRefRow{FollowerID: 3, Symbol: "BTC_USDT", PosSide: "LONG", MasterOrderID: "m1", Kind: "LIMIT", CopyOrderID: "c1", Status: "OPEN"}
	require.NoError(t, d.UpsertOrderRef(ctx, ref))
	require.NoError(t, d.DeleteOrderRef(ctx, 3, "BTC_USDT", "LONG", "LIMIT", "m1"))
}

func TestPnLReportsOrderedNewestFirst(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.UpsertFollower(ctx, FollowerRow{ID: 4, Enabled: true}))

	pnl1, pnl2 := 10.0, -2.5
	require.NoError(t, d.InsertPnLReport(ctx, PnLReportRow{FollowerID: 4, Symbol: "BTC_USDT", PosSide: "LONG", PnLUSDT: &pnl1}))
	require.NoError(t, d.InsertPnLReport(ctx, PnLReportRow{FollowerID: 4, Symbol: "ETH_USDT", PosSide: "SHORT", PnLUSDT: &pnl2}))

	got, err := d.ListPnLReports(ctx, 4, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "ETH_USDT", got[0].Symbol)
}

func TestLogManualClose(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.LogManualClose(context.Background(), "1,2,3", 1000))
}
