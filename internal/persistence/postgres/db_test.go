package postgres

import (
	"os"
	"testing"

	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/persistence/storetest"
)

func requireDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("WORLDSIM_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("WORLDSIM_TEST_PG_DSN is required for integration test")
	}
	return dsn
}

func TestPostgresStore(t *testing.T) {
	dsn := requireDSN(t)
	storetest.Run(t, func(t *testing.T) persistence.Store {
		db, err := Open(dsn)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		for _, table := range []string{"characters", "locations", "factions", "inventory", "orders",
			"trades", "events", "npc_essence", "world_meta"} {
			if err := db.db.Exec("TRUNCATE TABLE " + table).Error; err != nil {
				t.Fatalf("truncate %s: %v", table, err)
			}
		}
		return db
	})
}
