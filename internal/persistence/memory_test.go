package persistence_test

import (
	"testing"

	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/persistence/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) persistence.Store {
		return persistence.NewMemoryStore()
	})
}
