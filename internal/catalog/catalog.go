// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package catalog is the relational catalog of the cube builder: grids,
// tiles, collections, bands, and the published items. It runs on DuckDB
// through database/sql, so a worker host carries its catalog in one file.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/raster"
)

// Catalog constants recorded on every published item.
const (
	// SRIDGrid is the SRID of the cube grid geometries.
	SRIDGrid = 100001
	// ApplicationID tags items written by this application.
	ApplicationID = 1
)

// ErrNotFound reports a missing catalog row.
var ErrNotFound = errors.New("catalog: not found")

// Collection is one cube (regular or identity) registered in the catalog.
type Collection struct {
	ID           int64
	Name         string
	Version      int
	GridRefSysID int64
}

// GridRefSys is a tile grid definition.
type GridRefSys struct {
	ID   int64
	Name string
	CRS  string
}

// Band is one band of a collection.
type Band struct {
	ID           int64
	CollectionID int64
	Name         string
	CommonName   string
	DataType     string
	Nodata       int64
}

// Item is one published (tile, period) entry with its assets.
type Item struct {
	Name          string
	CollectionID  int64
	TileID        int64
	StartDate     string
	EndDate       string
	CloudCover    float64
	Geom          string
	MinConvexHull string
	SRID          int
	ApplicationID int
	Assets        map[string]raster.Asset
}

// DB wraps the DuckDB connection.
type DB struct {
	conn *sql.DB
}

// Config selects the database file; an empty path opens an in-memory
// catalog.
type Config struct {
	Path      string
	MaxMemory string
	Threads   int
}

// New opens the catalog and bootstraps the schema.
func New(cfg Config) (*DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s", cfg.Path, threads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}
	conn.SetMaxOpenConns(threads)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	db := &DB{conn: conn}
	if err := db.ensureSchema(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the connection pool.
func (db *DB) Close() error { return db.conn.Close() }

// Conn exposes the pool for migrations and tests.
func (db *DB) Conn() *sql.DB { return db.conn }

func (db *DB) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS grid_ref_sys (
			id BIGINT PRIMARY KEY,
			name VARCHAR NOT NULL,
			crs VARCHAR NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS collections (
			id BIGINT PRIMARY KEY,
			name VARCHAR NOT NULL,
			version INTEGER NOT NULL,
			grid_ref_sys_id BIGINT,
			UNIQUE (name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS tiles (
			id BIGINT PRIMARY KEY,
			grid_ref_sys_id BIGINT NOT NULL,
			name VARCHAR NOT NULL,
			geom VARCHAR,
			xmin DOUBLE NOT NULL,
			ymax DOUBLE NOT NULL,
			dist_x DOUBLE NOT NULL,
			dist_y DOUBLE NOT NULL,
			UNIQUE (grid_ref_sys_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS bands (
			id BIGINT PRIMARY KEY,
			collection_id BIGINT NOT NULL,
			name VARCHAR NOT NULL,
			common_name VARCHAR,
			data_type VARCHAR,
			nodata BIGINT,
			UNIQUE (collection_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			name VARCHAR NOT NULL,
			collection_id BIGINT NOT NULL,
			tile_id BIGINT,
			start_date DATE,
			end_date DATE,
			cloud_cover DOUBLE,
			geom VARCHAR,
			min_convex_hull VARCHAR,
			srid INTEGER,
			application_id INTEGER,
			assets VARCHAR,
			updated TIMESTAMP,
			PRIMARY KEY (collection_id, name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: schema bootstrap: %w", err)
		}
	}
	return nil
}

// Collection resolves a cube by name and version.
func (db *DB) Collection(ctx context.Context, name string, version int) (*Collection, error) {
	var c Collection
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, version, COALESCE(grid_ref_sys_id, 0) FROM collections WHERE name = ? AND version = ?`,
		name, version,
	).Scan(&c.ID, &c.Name, &c.Version, &c.GridRefSysID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: collection %s version %d", ErrNotFound, name, version)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: collection %s: %w", name, err)
	}
	return &c, nil
}

// GridRefSys resolves a grid by id.
func (db *DB) GridRefSys(ctx context.Context, id int64) (*GridRefSys, error) {
	var g GridRefSys
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, crs FROM grid_ref_sys WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.CRS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: grid %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: grid %d: %w", id, err)
	}
	return &g, nil
}

// ResolveTiles returns the named tiles of a grid with their projected
// bounding boxes, in name order.
func (db *DB) ResolveTiles(ctx context.Context, gridID int64, names []string) ([]cube.Tile, error) {
	if len(names) == 0 {
		return nil, nil
	}
	query := `SELECT id, name, COALESCE(geom, ''), xmin, ymax, dist_x, dist_y
		FROM tiles WHERE grid_ref_sys_id = ? AND name IN (`
	args := []any{gridID}
	for i, n := range names {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, n)
	}
	query += ") ORDER BY name"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: resolve tiles: %w", err)
	}
	defer rows.Close()

	var tiles []cube.Tile
	for rows.Next() {
		var t cube.Tile
		var geom string
		if err := rows.Scan(&t.ID, &t.Name, &geom, &t.XMin, &t.YMax, &t.DistX, &t.DistY); err != nil {
			return nil, fmt.Errorf("catalog: scan tile: %w", err)
		}
		t.Geom = json.RawMessage(geom)
		tiles = append(tiles, t)
	}
	return tiles, rows.Err()
}

// Tile resolves one tile by grid and name.
func (db *DB) Tile(ctx context.Context, gridID int64, name string) (*cube.Tile, error) {
	tiles, err := db.ResolveTiles(ctx, gridID, []string{name})
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, fmt.Errorf("%w: tile %s in grid %d", ErrNotFound, name, gridID)
	}
	return &tiles[0], nil
}

// Bands lists the bands of a collection in name order.
func (db *DB) Bands(ctx context.Context, collectionID int64) ([]Band, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, collection_id, name, COALESCE(common_name, ''), COALESCE(data_type, ''), COALESCE(nodata, 0)
		 FROM bands WHERE collection_id = ? ORDER BY name`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: bands of %d: %w", collectionID, err)
	}
	defer rows.Close()

	var bands []Band
	for rows.Next() {
		var b Band
		if err := rows.Scan(&b.ID, &b.CollectionID, &b.Name, &b.CommonName, &b.DataType, &b.Nodata); err != nil {
			return nil, fmt.Errorf("catalog: scan band: %w", err)
		}
		bands = append(bands, b)
	}
	return bands, rows.Err()
}

// UpsertItems writes every item of a (tile, period) inside one transaction,
// so a crashed publish never leaves a half-registered period.
func (db *DB) UpsertItems(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	const stmt = `INSERT INTO items
		(name, collection_id, tile_id, start_date, end_date, cloud_cover,
		 geom, min_convex_hull, srid, application_id, assets, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection_id, name) DO UPDATE SET
			tile_id = excluded.tile_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			cloud_cover = excluded.cloud_cover,
			geom = excluded.geom,
			min_convex_hull = excluded.min_convex_hull,
			srid = excluded.srid,
			application_id = excluded.application_id,
			assets = excluded.assets,
			updated = excluded.updated`

	now := time.Now().UTC()
	for i := range items {
		item := &items[i]
		assets, err := json.Marshal(item.Assets)
		if err != nil {
			return fmt.Errorf("catalog: marshal assets of %s: %w", item.Name, err)
		}
		if _, err := tx.ExecContext(ctx, stmt,
			item.Name, item.CollectionID, item.TileID,
			item.StartDate, item.EndDate, item.CloudCover,
			item.Geom, item.MinConvexHull, item.SRID, item.ApplicationID,
			string(assets), now,
		); err != nil {
			return fmt.Errorf("catalog: upsert item %s: %w", item.Name, err)
		}
	}
	return tx.Commit()
}

// Item reads one published item back, mostly for tests and the API.
func (db *DB) Item(ctx context.Context, collectionID int64, name string) (*Item, error) {
	var item Item
	var assets string
	err := db.conn.QueryRowContext(ctx,
		`SELECT name, collection_id, COALESCE(tile_id, 0), CAST(start_date AS VARCHAR),
			CAST(end_date AS VARCHAR), cloud_cover, COALESCE(geom, ''),
			COALESCE(min_convex_hull, ''), srid, application_id, assets
		 FROM items WHERE collection_id = ? AND name = ?`,
		collectionID, name,
	).Scan(&item.Name, &item.CollectionID, &item.TileID, &item.StartDate, &item.EndDate,
		&item.CloudCover, &item.Geom, &item.MinConvexHull, &item.SRID, &item.ApplicationID, &assets)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: item %s: %w", name, err)
	}
	if assets != "" {
		if err := json.Unmarshal([]byte(assets), &item.Assets); err != nil {
			return nil, fmt.Errorf("catalog: decode assets of %s: %w", name, err)
		}
	}
	return &item, nil
}

// Seed helpers used by bootstrap tooling and tests.

// InsertGridRefSys registers a grid.
func (db *DB) InsertGridRefSys(ctx context.Context, g GridRefSys) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO grid_ref_sys (id, name, crs) VALUES (?, ?, ?)`, g.ID, g.Name, g.CRS)
	return err
}

// InsertCollection registers a cube.
func (db *DB) InsertCollection(ctx context.Context, c Collection) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO collections (id, name, version, grid_ref_sys_id) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.Version, c.GridRefSysID)
	return err
}

// InsertTile registers a tile with its projected bbox.
func (db *DB) InsertTile(ctx context.Context, gridID int64, t cube.Tile) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO tiles (id, grid_ref_sys_id, name, geom, xmin, ymax, dist_x, dist_y)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, gridID, t.Name, string(t.Geom), t.XMin, t.YMax, t.DistX, t.DistY)
	return err
}

// InsertBand registers a band of a collection.
func (db *DB) InsertBand(ctx context.Context, b Band) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO bands (id, collection_id, name, common_name, data_type, nodata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.CollectionID, b.Name, b.CommonName, b.DataType, b.Nodata)
	return err
}
