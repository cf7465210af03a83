// Package store is the Identity/Map Store (spec C1): node long/short names
// and the mesh↔Matrix message-id map, backed by a file SQLite database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mmrelay/mmrelay/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists node identities and the message map. Grounded on
// bdobrica-Ruriko/internal/ruriko/store/store.go: a single *sql.DB pinned to
// one open connection (SQLite is single-writer; database/sql then
// serializes callers for us, matching spec §5's "one connection per call is
// acceptable").
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	seq    atomic.Int64
}

// Open creates (or opens) the database at path and runs migrations.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger.With().Str("component", "store").Logger()}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrations: %w", err)
	}

	if err := s.seedSequence(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: seed sequence: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) seedSequence() error {
	var max sql.NullInt64
	row := s.db.QueryRow("SELECT MAX(inserted_seq) FROM message_map")
	if err := row.Scan(&max); err != nil {
		return err
	}
	s.seq.Store(max.Int64)
	return nil
}

func (s *Store) nextSeq() int64 {
	return s.seq.Add(1)
}

// GetLongname returns a node's long name, or ok=false if unknown.
func (s *Store) GetLongname(ctx context.Context, nodeID string) (string, bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, "SELECT name FROM longnames WHERE node_id = ?", nodeID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get longname: %w", err)
	}
	return name, true, nil
}

// GetShortname returns a node's short name, or ok=false if unknown.
func (s *Store) GetShortname(ctx context.Context, nodeID string) (string, bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, "SELECT name FROM shortnames WHERE node_id = ?", nodeID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get shortname: %w", err)
	}
	return name, true, nil
}

// SaveLongname upserts a node's long name.
func (s *Store) SaveLongname(ctx context.Context, nodeID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO longnames (node_id, name) VALUES (?, ?)
		ON CONFLICT(node_id) DO UPDATE SET name = excluded.name`, nodeID, name)
	if err != nil {
		return fmt.Errorf("save longname: %w", err)
	}
	return nil
}

// SaveShortname upserts a node's short name.
func (s *Store) SaveShortname(ctx context.Context, nodeID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shortnames (node_id, name) VALUES (?, ?)
		ON CONFLICT(node_id) DO UPDATE SET name = excluded.name`, nodeID, name)
	if err != nil {
		return fmt.Errorf("save shortname: %w", err)
	}
	return nil
}

// Identity returns both names, falling back to the node id itself when a
// name is unknown (spec §3 "Absent values fall back to the identifier").
func (s *Store) Identity(ctx context.Context, nodeID string) (types.NodeIdentity, error) {
	long, ok, err := s.GetLongname(ctx, nodeID)
	if err != nil {
		return types.NodeIdentity{}, err
	}
	if !ok {
		long = nodeID
	}
	short, ok, err := s.GetShortname(ctx, nodeID)
	if err != nil {
		return types.NodeIdentity{}, err
	}
	if !ok {
		short = nodeID
	}
	return types.NodeIdentity{LongName: long, ShortName: short}, nil
}

// StoreMap upserts a message map entry by mesh_id, assigning a fresh
// monotonic insert-order value every time (so an update also moves the row
// to the front of the pruning window, matching the Python implementation's
// plain INSERT semantics where mesh_id is practically never reused).
func (s *Store) StoreMap(ctx context.Context, entry types.MessageMapEntry) error {
	seq := s.nextSeq()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_map (mesh_id, matrix_event_id, room_id, text, meshnet, inserted_seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mesh_id) DO UPDATE SET
			matrix_event_id = excluded.matrix_event_id,
			room_id = excluded.room_id,
			text = excluded.text,
			meshnet = excluded.meshnet,
			inserted_seq = excluded.inserted_seq`,
		entry.MeshID, entry.MatrixEventID, entry.RoomID, entry.Text, entry.Meshnet, seq)
	if err != nil {
		return fmt.Errorf("store map: %w", err)
	}
	return nil
}

// LookupByMesh finds a message map row by its mesh message id.
func (s *Store) LookupByMesh(ctx context.Context, meshID uint32) (types.MessageMapEntry, bool, error) {
	return s.lookup(ctx, "mesh_id = ?", meshID)
}

// LookupByEvent finds a message map row by its Matrix event id.
func (s *Store) LookupByEvent(ctx context.Context, eventID string) (types.MessageMapEntry, bool, error) {
	return s.lookup(ctx, "matrix_event_id = ?", eventID)
}

func (s *Store) lookup(ctx context.Context, where string, arg interface{}) (types.MessageMapEntry, bool, error) {
	var e types.MessageMapEntry
	query := "SELECT mesh_id, matrix_event_id, room_id, text, meshnet FROM message_map WHERE " + where
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&e.MeshID, &e.MatrixEventID, &e.RoomID, &e.Text, &e.Meshnet)
	if err == sql.ErrNoRows {
		return types.MessageMapEntry{}, false, nil
	}
	if err != nil {
		return types.MessageMapEntry{}, false, fmt.Errorf("lookup message map: %w", err)
	}
	return e, true, nil
}

// Prune retains only the keepN most-recently-inserted message map rows.
// keepN <= 0 disables pruning entirely (spec §3). Pruning twice in a row is
// idempotent: the second call deletes nothing because fewer than keepN rows
// remain.
func (s *Store) Prune(ctx context.Context, keepN int) error {
	if keepN <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM message_map WHERE mesh_id NOT IN (
			SELECT mesh_id FROM message_map ORDER BY inserted_seq DESC LIMIT ?
		)`, keepN)
	if err != nil {
		return fmt.Errorf("prune message map: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug().Int64("pruned", n).Msg("pruned message map")
	}
	return nil
}

// WipeMap deletes every message map row, for operator maintenance.
func (s *Store) WipeMap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM message_map"); err != nil {
		return fmt.Errorf("wipe message map: %w", err)
	}
	return nil
}

// PluginData returns the stored JSON blob for (plugin, nodeID), if any.
func (s *Store) PluginData(ctx context.Context, plugin, nodeID string) (string, bool, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		"SELECT blob FROM plugin_data WHERE plugin = ? AND node_id = ?", plugin, nodeID).Scan(&blob)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get plugin data: %w", err)
	}
	return blob, true, nil
}

// SavePluginData upserts a plugin's blob for a node, then truncates that
// plugin's rows to maxRows (spec §3 "older rows are truncated on write").
// maxRows <= 0 means no cap.
func (s *Store) SavePluginData(ctx context.Context, plugin, nodeID, blob string, maxRows int) error {
	seq := s.nextSeq()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_data (plugin, node_id, blob, inserted_seq) VALUES (?, ?, ?, ?)
		ON CONFLICT(plugin, node_id) DO UPDATE SET blob = excluded.blob, inserted_seq = excluded.inserted_seq`,
		plugin, nodeID, blob, seq)
	if err != nil {
		return fmt.Errorf("save plugin data: %w", err)
	}
	if maxRows <= 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM plugin_data WHERE plugin = ? AND node_id NOT IN (
			SELECT node_id FROM plugin_data WHERE plugin = ? ORDER BY inserted_seq DESC LIMIT ?
		)`, plugin, plugin, maxRows)
	if err != nil {
		return fmt.Errorf("truncate plugin data: %w", err)
	}
	return nil
}
