package storage

import (
	"errors"
	"fmt"
)

var ErrUnsupportedStore = errors.New("unsupported store backend")

// NewStore opens the backend named by kind. An empty kind picks the
// default of this build. The sqlite backend needs a database path.
func NewStore(kind, sqlitePath string) (Store, error) {
	if kind == "" {
		kind = DefaultStoreKind()
	}
	switch kind {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if sqlitePath == "" {
			return nil, errors.New("sqlite store requires a database path")
		}
		return newSQLiteStore(sqlitePath)
	}
	return nil, fmt.Errorf("%w: %q (want memory or sqlite)", ErrUnsupportedStore, kind)
}

// CloseIfSupported releases backends that hold a handle, such as an open
// database.
func CloseIfSupported(store Store) error {
	if closer, ok := store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
