package config

import (
	"fmt"
	"os"

	"github.com/asaplabs/asap-go/asap"
	"github.com/asaplabs/asap-go/store"
)

// Environment variables forming the storage contract. The backend set is
// closed: unknown values are an error, never a silent default.
const (
	EnvStorageBackend = "ASAP_STORAGE_BACKEND"
	EnvStoragePath    = "ASAP_STORAGE_PATH"
)

// Stores bundles the concrete storage backends selected by the
// environment. Close releases any underlying resources; for the memory
// backend it is a no-op.
type Stores struct {
	Snapshots   store.SnapshotStore
	Metering    store.MeteringStore
	Delegations store.DelegationStore

	closer func() error
}

// Close releases the underlying backend, if it holds resources.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// OpenStores selects and opens storage backends from the environment.
// ASAP_STORAGE_BACKEND chooses between "memory" (the default when unset)
// and "sqlite"; the sqlite backend requires ASAP_STORAGE_PATH.
func OpenStores() (*Stores, error) {
	backend := os.Getenv(EnvStorageBackend)
	switch backend {
	case "", "memory":
		return &Stores{
			Snapshots:   store.NewMemorySnapshotStore(),
			Metering:    store.NewMemoryMeteringStore(),
			Delegations: store.NewMemoryDelegationStore(),
		}, nil
	case "sqlite":
		path := os.Getenv(EnvStoragePath)
		if path == "" {
			return nil, asap.NewError(asap.AreaStorage, asap.KindIOError, "config.open_stores",
				fmt.Errorf("%s is required for the sqlite backend", EnvStoragePath))
		}
		db, err := store.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Snapshots:   db,
			Metering:    db,
			Delegations: db,
			closer:      db.Close,
		}, nil
	default:
		return nil, asap.NewError(asap.AreaStorage, asap.KindIOError, "config.open_stores",
			fmt.Errorf("unknown %s value %q (want memory or sqlite)", EnvStorageBackend, backend))
	}
}
