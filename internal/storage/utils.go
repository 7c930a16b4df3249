package storage

import (
	"github.com/europeana/metis-framework-sub004/pkg/storage"
)

// InitStore opens the PostgreSQL store at dbConnStr. An empty connection
// string selects the in-memory store, which only suits single process runs.
func InitStore(dbConnStr string) (storage.Store, error) {
	if dbConnStr == "" {
		return storage.NewMemoryStore(), nil
	}
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}
