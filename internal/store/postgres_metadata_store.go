package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/a6ar55/file-sync/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// PostgresMetadataStore implements MetadataStore for PostgreSQL
type PostgresMetadataStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresMetadataStore creates a new PostgreSQL metadata store
func NewPostgresMetadataStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresMetadataStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresMetadataStore{pool: pool, logger: logger}, nil
}

// EnsureSchema creates the coordinator tables if they do not exist
func (s *PostgresMetadataStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// AddNode registers a node
func (s *PostgresMetadataStore) AddNode(ctx context.Context, node *model.Node) error {
	query := `
		INSERT INTO nodes (node_id, name, address, port, capabilities, status, last_seen, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (node_id) DO UPDATE
		SET name = $2, address = $3, port = $4, capabilities = $5, status = $6, last_seen = $7
	`

	_, err := s.pool.Exec(ctx, query,
		node.NodeID,
		node.Name,
		node.Address,
		node.Port,
		node.Capabilities,
		node.Status,
		node.LastSeen,
		node.RegisteredAt,
	)

	return err
}

// GetNode retrieves a node by ID
func (s *PostgresMetadataStore) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	query := `
		SELECT node_id, name, address, port, capabilities, status, last_seen, registered_at
		FROM nodes
		WHERE node_id = $1
	`

	var node model.Node
	var status string
	err := s.pool.QueryRow(ctx, query, nodeID).Scan(
		&node.NodeID,
		&node.Name,
		&node.Address,
		&node.Port,
		&node.Capabilities,
		&status,
		&node.LastSeen,
		&node.RegisteredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	node.Status = model.NodeStatus(status)
	return &node, nil
}

// ListNodes retrieves all nodes
func (s *PostgresMetadataStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	query := `
		SELECT node_id, name, address, port, capabilities, status, last_seen, registered_at
		FROM nodes
		ORDER BY node_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make([]*model.Node, 0)
	for rows.Next() {
		var node model.Node
		var status string
		if err := rows.Scan(&node.NodeID, &node.Name, &node.Address, &node.Port,
			&node.Capabilities, &status, &node.LastSeen, &node.RegisteredAt); err != nil {
			return nil, err
		}
		node.Status = model.NodeStatus(status)
		nodes = append(nodes, &node)
	}

	return nodes, rows.Err()
}

// UpdateNodeStatus updates the status of a node
func (s *PostgresMetadataStore) UpdateNodeStatus(ctx context.Context, nodeID string, status model.NodeStatus) error {
	query := `UPDATE nodes SET status = $2 WHERE node_id = $1`

	result, err := s.pool.Exec(ctx, query, nodeID, string(status))
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchNode refreshes a node's last-seen timestamp
func (s *PostgresMetadataStore) TouchNode(ctx context.Context, nodeID string, seenAt time.Time) error {
	query := `UPDATE nodes SET last_seen = $2 WHERE node_id = $1`

	result, err := s.pool.Exec(ctx, query, nodeID, seenAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveNode deletes a node. Replica rows cascade via foreign key; the
// node's events are deleted explicitly so a node_removed event recorded
// afterwards is not swept away with them.
func (s *PostgresMetadataStore) RemoveNode(ctx context.Context, nodeID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM events WHERE node_id = $1`, nodeID); err != nil {
		return err
	}

	result, err := tx.Exec(ctx, `DELETE FROM nodes WHERE node_id = $1`, nodeID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// UpsertFile creates or updates a file record
func (s *PostgresMetadataStore) UpsertFile(ctx context.Context, file *model.File) error {
	query := `
		INSERT INTO files (file_id, name, path, size, owner_node, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (file_id) DO UPDATE
		SET name = $2, path = $3, size = $4, deleted = $6, updated_at = $8
	`

	_, err := s.pool.Exec(ctx, query,
		file.FileID,
		file.Name,
		file.Path,
		file.Size,
		file.OwnerNode,
		file.Deleted,
		file.CreatedAt,
		file.UpdatedAt,
	)

	return err
}

// GetFile retrieves a file by ID
func (s *PostgresMetadataStore) GetFile(ctx context.Context, fileID string) (*model.File, error) {
	query := `
		SELECT file_id, name, path, size, owner_node, deleted, created_at, updated_at
		FROM files
		WHERE file_id = $1
	`

	var file model.File
	err := s.pool.QueryRow(ctx, query, fileID).Scan(
		&file.FileID,
		&file.Name,
		&file.Path,
		&file.Size,
		&file.OwnerNode,
		&file.Deleted,
		&file.CreatedAt,
		&file.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	return &file, nil
}

// ListFiles retrieves all files
func (s *PostgresMetadataStore) ListFiles(ctx context.Context, includeDeleted bool) ([]*model.File, error) {
	query := `
		SELECT file_id, name, path, size, owner_node, deleted, created_at, updated_at
		FROM files
		WHERE deleted = FALSE OR $1
		ORDER BY file_id
	`

	rows, err := s.pool.Query(ctx, query, includeDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := make([]*model.File, 0)
	for rows.Next() {
		var file model.File
		if err := rows.Scan(&file.FileID, &file.Name, &file.Path, &file.Size,
			&file.OwnerNode, &file.Deleted, &file.CreatedAt, &file.UpdatedAt); err != nil {
			return nil, err
		}
		files = append(files, &file)
	}

	return files, rows.Err()
}

// MarkFileDeleted tombstones a file
func (s *PostgresMetadataStore) MarkFileDeleted(ctx context.Context, fileID string) error {
	query := `UPDATE files SET deleted = TRUE, updated_at = NOW() WHERE file_id = $1`

	result, err := s.pool.Exec(ctx, query, fileID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateVersion persists a version, its chunk list, and the new head set in
// one transaction
func (s *PostgresMetadataStore) CreateVersion(ctx context.Context, version *model.FileVersion, newHeads []string) error {
	clockJSON, err := json.Marshal(version.VectorClock)
	if err != nil {
		return fmt.Errorf("failed to marshal vector clock: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insertVersion := `
		INSERT INTO file_versions (file_id, version_id, parent_ids, vector_clock, size, content_hash, created_by, created_at, is_head)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
	`
	if _, err := tx.Exec(ctx, insertVersion,
		version.FileID,
		version.VersionID,
		version.ParentIDs,
		clockJSON,
		version.Size,
		version.ContentHash,
		version.CreatedByNode,
		version.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}

	insertChunk := `
		INSERT INTO version_chunks (file_id, version_id, idx, chunk_off, size, hash)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, chunk := range version.Chunks {
		if _, err := tx.Exec(ctx, insertChunk,
			version.FileID, version.VersionID, chunk.Index, chunk.Offset, chunk.Size, chunk.Hash); err != nil {
			return fmt.Errorf("failed to insert chunk signature: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE file_versions SET is_head = FALSE WHERE file_id = $1 AND is_head`,
		version.FileID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE file_versions SET is_head = TRUE WHERE file_id = $1 AND version_id = ANY($2)`,
		version.FileID, newHeads); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresMetadataStore) scanVersion(ctx context.Context, row pgx.Row) (*model.FileVersion, error) {
	var version model.FileVersion
	var clockJSON []byte
	var isHead bool
	err := row.Scan(
		&version.FileID,
		&version.VersionID,
		&version.ParentIDs,
		&clockJSON,
		&version.Size,
		&version.ContentHash,
		&version.CreatedByNode,
		&version.CreatedAt,
		&isHead,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(clockJSON, &version.VectorClock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vector clock: %w", err)
	}

	chunks, err := s.loadChunks(ctx, version.FileID, version.VersionID)
	if err != nil {
		return nil, err
	}
	version.Chunks = chunks
	return &version, nil
}

func (s *PostgresMetadataStore) loadChunks(ctx context.Context, fileID, versionID string) ([]model.ChunkSignature, error) {
	query := `
		SELECT idx, chunk_off, size, hash
		FROM version_chunks
		WHERE file_id = $1 AND version_id = $2
		ORDER BY idx
	`

	rows, err := s.pool.Query(ctx, query, fileID, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks := make([]model.ChunkSignature, 0)
	for rows.Next() {
		var chunk model.ChunkSignature
		if err := rows.Scan(&chunk.Index, &chunk.Offset, &chunk.Size, &chunk.Hash); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}

	return chunks, rows.Err()
}

const versionColumns = `file_id, version_id, parent_ids, vector_clock, size, content_hash, created_by, created_at, is_head`

// GetVersion retrieves one version of a file
func (s *PostgresMetadataStore) GetVersion(ctx context.Context, fileID, versionID string) (*model.FileVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM file_versions WHERE file_id = $1 AND version_id = $2`
	return s.scanVersion(ctx, s.pool.QueryRow(ctx, query, fileID, versionID))
}

func (s *PostgresMetadataStore) queryVersions(ctx context.Context, query string, args ...any) ([]*model.FileVersion, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type rawVersion struct {
		version   model.FileVersion
		clockJSON []byte
	}
	raw := make([]rawVersion, 0)
	for rows.Next() {
		var rv rawVersion
		var isHead bool
		if err := rows.Scan(&rv.version.FileID, &rv.version.VersionID, &rv.version.ParentIDs,
			&rv.clockJSON, &rv.version.Size, &rv.version.ContentHash,
			&rv.version.CreatedByNode, &rv.version.CreatedAt, &isHead); err != nil {
			return nil, err
		}
		raw = append(raw, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	versions := make([]*model.FileVersion, 0, len(raw))
	for i := range raw {
		if err := json.Unmarshal(raw[i].clockJSON, &raw[i].version.VectorClock); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vector clock: %w", err)
		}
		chunks, err := s.loadChunks(ctx, raw[i].version.FileID, raw[i].version.VersionID)
		if err != nil {
			return nil, err
		}
		raw[i].version.Chunks = chunks
		versions = append(versions, &raw[i].version)
	}
	return versions, nil
}

// ListVersions retrieves all versions of a file in creation order
func (s *PostgresMetadataStore) ListVersions(ctx context.Context, fileID string) ([]*model.FileVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM file_versions WHERE file_id = $1 ORDER BY created_at, version_id`
	return s.queryVersions(ctx, query, fileID)
}

// Heads retrieves the current head versions of a file
func (s *PostgresMetadataStore) Heads(ctx context.Context, fileID string) ([]*model.FileVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM file_versions WHERE file_id = $1 AND is_head ORDER BY version_id`
	return s.queryVersions(ctx, query, fileID)
}

// SetReplica records the latest version applied on a target node
func (s *PostgresMetadataStore) SetReplica(ctx context.Context, fileID, nodeID, versionID string) error {
	query := `
		INSERT INTO version_replicas (file_id, node_id, version_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (file_id, node_id) DO UPDATE
		SET version_id = $3, updated_at = NOW()
	`

	_, err := s.pool.Exec(ctx, query, fileID, nodeID, versionID)
	return err
}

// GetReplica returns the latest version applied on a target node
func (s *PostgresMetadataStore) GetReplica(ctx context.Context, fileID, nodeID string) (string, error) {
	query := `SELECT version_id FROM version_replicas WHERE file_id = $1 AND node_id = $2`

	var versionID string
	err := s.pool.QueryRow(ctx, query, fileID, nodeID).Scan(&versionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return versionID, nil
}

// AppendEvent stores an event and fills in its assigned sequence number
func (s *PostgresMetadataStore) AppendEvent(ctx context.Context, event *model.Event) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	clockJSON, err := json.Marshal(event.VectorClock)
	if err != nil {
		return fmt.Errorf("failed to marshal vector clock: %w", err)
	}

	query := `
		INSERT INTO events (event_id, timestamp, node_id, file_id, event_type, data, vector_clock, processed)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
		RETURNING sequence
	`

	return s.pool.QueryRow(ctx, query,
		event.EventID,
		event.Timestamp,
		event.NodeID,
		event.FileID,
		string(event.Type),
		dataJSON,
		clockJSON,
		event.Processed,
	).Scan(&event.Sequence)
}

// RecentEvents retrieves up to limit events, most recent first
func (s *PostgresMetadataStore) RecentEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	query := `
		SELECT sequence, event_id, timestamp, node_id, COALESCE(file_id, ''), event_type, data, vector_clock, processed
		FROM events
		ORDER BY sequence DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*model.Event, 0)
	for rows.Next() {
		var event model.Event
		var eventType string
		var dataJSON, clockJSON []byte
		if err := rows.Scan(&event.Sequence, &event.EventID, &event.Timestamp, &event.NodeID,
			&event.FileID, &eventType, &dataJSON, &clockJSON, &event.Processed); err != nil {
			return nil, err
		}
		event.Type = model.EventType(eventType)
		if err := json.Unmarshal(clockJSON, &event.VectorClock); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vector clock: %w", err)
		}
		data, err := model.DecodeEventData(event.Type, dataJSON)
		if err != nil {
			return nil, err
		}
		event.Data = data
		events = append(events, &event)
	}

	return events, rows.Err()
}

// MaxEventSequence returns the highest assigned sequence number
func (s *PostgresMetadataStore) MaxEventSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM events`).Scan(&seq)
	return seq, err
}

// MarkEventProcessed flags an event as handled
func (s *PostgresMetadataStore) MarkEventProcessed(ctx context.Context, eventID string) error {
	result, err := s.pool.Exec(ctx, `UPDATE events SET processed = TRUE WHERE event_id = $1`, eventID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateConflict records a detected conflict
func (s *PostgresMetadataStore) CreateConflict(ctx context.Context, conflict *model.Conflict) error {
	query := `
		INSERT INTO conflicts (conflict_id, file_id, version_a, version_b, detected_at, resolved)
		VALUES ($1, $2, $3, $4, $5, FALSE)
	`

	_, err := s.pool.Exec(ctx, query,
		conflict.ConflictID,
		conflict.FileID,
		conflict.VersionA,
		conflict.VersionB,
		conflict.DetectedAt,
	)
	return err
}

// GetConflict retrieves a conflict by ID
func (s *PostgresMetadataStore) GetConflict(ctx context.Context, conflictID string) (*model.Conflict, error) {
	query := `
		SELECT conflict_id, file_id, version_a, version_b, detected_at, resolved, resolution, winner_id, COALESCE(resolved_at, 'epoch'::timestamptz)
		FROM conflicts
		WHERE conflict_id = $1
	`

	var conflict model.Conflict
	err := s.pool.QueryRow(ctx, query, conflictID).Scan(
		&conflict.ConflictID,
		&conflict.FileID,
		&conflict.VersionA,
		&conflict.VersionB,
		&conflict.DetectedAt,
		&conflict.Resolved,
		&conflict.Resolution,
		&conflict.WinnerID,
		&conflict.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}

	return &conflict, nil
}

// ListUnresolvedConflicts retrieves all open conflicts
func (s *PostgresMetadataStore) ListUnresolvedConflicts(ctx context.Context) ([]*model.Conflict, error) {
	query := `
		SELECT conflict_id, file_id, version_a, version_b, detected_at, resolved, resolution, winner_id
		FROM conflicts
		WHERE NOT resolved
		ORDER BY detected_at
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conflicts := make([]*model.Conflict, 0)
	for rows.Next() {
		var conflict model.Conflict
		if err := rows.Scan(&conflict.ConflictID, &conflict.FileID, &conflict.VersionA,
			&conflict.VersionB, &conflict.DetectedAt, &conflict.Resolved,
			&conflict.Resolution, &conflict.WinnerID); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, &conflict)
	}

	return conflicts, rows.Err()
}

// MarkConflictResolved records the chosen winner
func (s *PostgresMetadataStore) MarkConflictResolved(ctx context.Context, conflictID, winnerID, resolution string) error {
	query := `
		UPDATE conflicts
		SET resolved = TRUE, winner_id = $2, resolution = $3, resolved_at = NOW()
		WHERE conflict_id = $1
	`

	result, err := s.pool.Exec(ctx, query, conflictID, winnerID, resolution)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database connection
func (s *PostgresMetadataStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresMetadataStore) Close() {
	s.pool.Close()
}
