package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/mexc"
	"copytrade-relay/pkg/crypto"
	"copytrade-relay/pkg/db"
)

type fakeGateway struct {
	pingErr error
	pings   int
}

func (f *fakeGateway) CreateOrder(context.Context, exchange.OrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}
func (f *fakeGateway) CreateTriggerOrder(context.Context, exchange.TriggerOrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}
func (f *fakeGateway) CancelOrders(context.Context, []string) error                  { return nil }
func (f *fakeGateway) CancelTriggerOrders(context.Context, []exchange.TriggerCancelRef) error {
	return nil
}
func (f *fakeGateway) CancelAllOrders(context.Context, string) error { return nil }
func (f *fakeGateway) GetOpenPositions(context.Context, string) ([]exchange.PositionSnapshot, error) {
	return nil, nil
}
func (f *fakeGateway) GetHistoricalOrdersReport(context.Context, string, int64, int64) ([]exchange.PnLRecord, error) {
	return nil, nil
}
func (f *fakeGateway) GetSymbolSpec(context.Context, string) (exchange.SymbolSpec, error) {
	return exchange.SymbolSpec{}, nil
}
func (f *fakeGateway) Ping(context.Context) error {
	f.pings++
	return f.pingErr
}

func testKeyManager(t *testing.T) *crypto.KeyManager {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("MASTER_ENCRYPTION_KEY", key)
	km, err := crypto.NewKeyManager()
	require.NoError(t, err)
	return km
}

func testStore(t *testing.T) *db.Database {
	t.Helper()
	store, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, db.ApplyMigrations(store))
	return store
}

func seedFollower(t *testing.T, store *db.Database, keys *crypto.KeyManager, id int) {
	t.Helper()
	encKey, err := keys.Encrypt("k-" + string(rune('a'+id)))
	require.NoError(t, err)
	encSecret, err := keys.Encrypt("s-" + string(rune('a'+id)))
	require.NoError(t, err)
	require.NoError(t, store.UpsertFollower(context.Background(), db.FollowerRow{
		ID: id, Name: "f", APIKeyEncrypted: encKey, APISecretEncrypted: encSecret,
		KeyVersion: keys.CurrentVersion(), Enabled: true,
	}))
}

func TestGetOrCreateBuildsGatewayFromDecryptedCreds(t *testing.T) {
	store := testStore(t)
	keys := testKeyManager(t)
	seedFollower(t, store, keys, 1)

	var gotKey, gotSecret string
	m := NewManager(store, keys, func(cfg mexc.Config) (exchange.Gateway, error) {
		gotKey, gotSecret = cfg.APIKey, cfg.APISecret
		return &fakeGateway{}, nil
	}, DefaultConfig())

	gw, err := m.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, gw)
	require.Equal(t, "k-b", gotKey)
	require.Equal(t, "s-b", gotSecret)
	require.Equal(t, 1, m.Stats().TotalGateways)
}

func TestGetOrCreateCachesAcrossCalls(t *testing.T) {
	store := testStore(t)
	keys := testKeyManager(t)
	seedFollower(t, store, keys, 1)

	calls := 0
	m := NewManager(store, keys, func(cfg mexc.Config) (exchange.Gateway, error) {
		calls++
		return &fakeGateway{}, nil
	}, DefaultConfig())

	_, err := m.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	_, err = m.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestGetOrCreateUnknownFollowerErrors(t *testing.T) {
	store := testStore(t)
	keys := testKeyManager(t)
	m := NewManager(store, keys, DefaultFactory, DefaultConfig())

	_, err := m.GetOrCreate(context.Background(), 99)
	require.ErrorIs(t, err, ErrFollowerNotFound)
}

func TestCircuitBreakerOpensAfterFailureThreshold(t *testing.T) {
	store := testStore(t)
	keys := testKeyManager(t)
	seedFollower(t, store, keys, 1)
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2

	m := NewManager(store, keys, func(mexc.Config) (exchange.Gateway, error) {
		return &fakeGateway{}, nil
	}, cfg)

	_, err := m.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	m.RecordFailure(1)
	m.RecordFailure(1)

	_, err = m.GetOrCreate(context.Background(), 1)
	require.ErrorIs(t, err, ErrGatewayUnhealthy)
}

func TestHealthCheckRecordsFailureOnPingError(t *testing.T) {
	store := testStore(t)
	keys := testKeyManager(t)
	seedFollower(t, store, keys, 1)

	fg := &fakeGateway{pingErr: context.DeadlineExceeded}
	m := NewManager(store, keys, func(mexc.Config) (exchange.Gateway, error) {
		return fg, nil
	}, DefaultConfig())

	_, err := m.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)

	m.healthCheck(context.Background(), 1)
	require.Equal(t, 1, fg.pings)
	m.mu.RLock()
	failures := m.gateways[1].Failures
	m.mu.RUnlock()
	require.Equal(t, 1, failures)
}
