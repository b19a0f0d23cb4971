package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/engine"
	"missionline/internal/migrate"
)

// Workspace is an opened missionline workspace: a migrated database, the
// loaded config and an engine over both.
type Workspace struct {
	Dir string
	// ConfigPath is the config file in use, or the YAML path when the
	// workspace runs on defaults.
	ConfigPath string
	Config     *config.Config
	Engine     engine.Engine

	conn *sql.DB
}

// Open loads config, opens and migrates the database and builds the engine.
// A nil logger keeps the engine quiet.
func Open(ctx context.Context, dir string, logger *log.Logger) (*Workspace, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	if logger != nil {
		e.Logger = logger
	}
	return &Workspace{
		Dir:        dir,
		ConfigPath: ConfigPath(dir),
		Config:     cfg,
		Engine:     e,
		conn:       conn,
	}, nil
}

// Close releases the database.
func (w *Workspace) Close() error {
	if w == nil || w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

// ConfigPath picks the workspace's config file, preferring YAML.
func ConfigPath(dir string) string {
	if _, err := os.Stat(config.Path(dir)); err == nil {
		return config.Path(dir)
	}
	if _, err := os.Stat(config.TOMLPath(dir)); err == nil {
		return config.TOMLPath(dir)
	}
	return config.Path(dir)
}

// Init creates the workspace database and writes the default config. An
// existing config is kept unless force is set.
func Init(ctx context.Context, dir string, force bool) (string, error) {
	path := config.Path(dir)
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !os.IsNotExist(err) {
		return path, err
	}
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return path, err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return path, err
	}
	w, err := Open(ctx, dir, nil)
	if err != nil {
		return path, err
	}
	return path, w.Close()
}
