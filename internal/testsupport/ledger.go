package testsupport

import (
	"testing"

	"cadence/internal/config"
	"cadence/internal/ledger"
)

// MustOpenLedger opens the job ledger for tests and registers cleanup.
func MustOpenLedger(t testing.TB, cfg *config.Config) *ledger.Store {
	t.Helper()

	store, err := ledger.OpenFromConfig(cfg)
	if err != nil {
		t.Fatalf("ledger.OpenFromConfig: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
