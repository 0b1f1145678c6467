package memstore_test

import (
	"testing"

	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/internal/store/memstore"
	"github.com/MrWong99/parley/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memstore.New() })
}
