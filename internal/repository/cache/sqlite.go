package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/metrics"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewSQLiteStore(path string, l logger.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &SQLiteStore{
		db:     db,
		logger: l,
	}

	err = c.runMigrations()
	if err != nil {
		db.Close()
		return nil, err
	}

	l.Info("sqlite tile store initialized", "path", path)

	return c, nil
}

func (c *SQLiteStore) runMigrations() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	err := goose.SetDialect("sqlite3")
	if err != nil {
		return err
	}

	return goose.Up(c.db, "migrations")
}

var _ TileStore = (*SQLiteStore)(nil)

func (c *SQLiteStore) Get(ctx context.Context, k tile.Key) (TileCacheValue, bool, error) {
	c.logger.Debug("sqlite store get", "tile", k.String())
	start := time.Now()
	defer func() {
		metrics.StoreOperationDuration.WithLabelValues("sqlite", "get").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT tile_data
	FROM tile_cache
	WHERE source = ? AND z = ? AND x = ? AND y = ?`

	var tileData []byte
	err := c.db.QueryRowContext(ctx, query, k.Source, k.Zoom(), k.Col(), k.Row()).Scan(&tileData)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		metrics.StoreErrors.WithLabelValues("sqlite", "get").Inc()
		c.logger.Error("sqlite store get failed", "tile", k.String(), "error", err)
		return nil, false, err
	}

	return tileData, true, nil
}

func (c *SQLiteStore) Set(ctx context.Context, k tile.Key, v TileCacheValue) error {
	c.logger.Debug("sqlite store set", "tile", k.String(), "size", len(v))
	start := time.Now()
	defer func() {
		metrics.StoreOperationDuration.WithLabelValues("sqlite", "set").Observe(time.Since(start).Seconds())
	}()

	query := `INSERT INTO tile_cache (source, z, x, y, tile_data)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(source, z, x, y) DO UPDATE SET tile_data = excluded.tile_data`

	_, err := c.db.ExecContext(ctx, query, k.Source, k.Zoom(), k.Col(), k.Row(), []byte(v))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("sqlite", "set").Inc()
		c.logger.Error("sqlite store set failed", "tile", k.String(), "error", err)
		return err
	}

	return nil
}

func (c *SQLiteStore) Close() error {
	return c.db.Close()
}
