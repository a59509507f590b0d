package history

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
)

// Open creates the history store selected by configuration.
func Open(cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case DriverSQLite:
		sc := SQLiteConfig{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				sc.Path = cfg.Storage.SQLite.Path
			}
			sc.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return OpenSQLite(sc, logger)
	case DriverPostgres:
		pg := cfg.Storage.Postgres
		if pg == nil {
			return nil, fmt.Errorf("postgres driver selected without postgres settings")
		}
		return OpenPostgres(PostgresConfig{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
