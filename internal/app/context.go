package app

import (
	"database/sql"

	"finrisk/internal/config"
	"finrisk/internal/db"
	"finrisk/internal/migrate"
)

// OpenWorkspace opens the workspace database, applies migrations, and loads
// finrisk.yml (defaults when absent). The caller owns the connection.
func OpenWorkspace(workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}
