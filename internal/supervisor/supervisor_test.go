package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionHardStopWins(t *testing.T) {
	got := transition(true, true, Creds{APIKey: "k", APISecret: "s"}, "abc", true)
	require.Equal(t, HardStop, got)
}

func TestTransitionPausedWhenTradingDisabled(t *testing.T) {
	got := transition(false, false, Creds{APIKey: "k", APISecret: "s"}, "abc", true)
	require.Equal(t, Paused, got)
}

func TestTransitionNoCredsWhenIncomplete(t *testing.T) {
	got := transition(false, true, Creds{APIKey: "k"}, "", true)
	require.Equal(t, NoCreds, got)
}

func TestTransitionReloadOnFirstRun(t *testing.T) {
	creds := Creds{APIKey: "k", APISecret: "s"}
	got := transition(false, true, creds, "", true)
	require.Equal(t, Reload, got)
}

func TestTransitionReloadOnCredsChange(t *testing.T) {
	creds := Creds{APIKey: "k", APISecret: "s"}
	got := transition(false, true, creds, "stale-hash", true)
	require.Equal(t, Reload, got)
}

func TestTransitionReloadWhenStreamDead(t *testing.T) {
	creds := Creds{APIKey: "k", APISecret: "s"}
	got := transition(false, true, creds, creds.Hash(), false)
	require.Equal(t, Reload, got)
}

func TestTransitionRunningSteadyState(t *testing.T) {
	creds := Creds{APIKey: "k", APISecret: "s"}
	got := transition(false, true, creds, creds.Hash(), true)
	require.Equal(t, Running, got)
}

func TestCredsHashStableAndSensitiveToEachField(t *testing.T) {
	a := Creds{APIKey: "k", APISecret: "s", Proxy: "p"}
	b := Creds{APIKey: "k", APISecret: "s", Proxy: "p"}
	require.Equal(t, a.Hash(), b.Hash())

	c := Creds{APIKey: "k", APISecret: "s2", Proxy: "p"}
	require.NotEqual(t, a.Hash(), c.Hash())
}

func TestSupervisorHardStopIsIdempotentAndObservable(t *testing.T) {
	s := New("wss://example.invalid", "USDT", nil)
	require.False(t, s.IsHardStopped())
	s.HardStop()
	s.HardStop()
	require.True(t, s.IsHardStopped())
}

func TestSupervisorManualCloseFiltersMasterWithoutBlocking(t *testing.T) {
	s := New("wss://example.invalid", "USDT", nil)
	// Only the master id: OnClose must be a no-op and never block on manualCh.
	s.ManualClose([]int{0})

	select {
	case got := <-s.manualCh:
		t.Fatalf("expected no queued command, got %+v", got)
	default:
	}
}
