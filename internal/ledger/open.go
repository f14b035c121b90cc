package ledger

import (
	"fmt"

	"grid-bot/internal/config"
)

// Open builds the backend selected by cfg.Driver.
func Open(cfg config.LedgerConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return NewSQLiteStore(cfg.Path)
	case config.DriverPebble:
		return NewPebbleStore(cfg.Path)
	case config.DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown ledger driver %q", ErrPersistence, cfg.Driver)
	}
}
