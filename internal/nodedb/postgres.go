package nodedb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbus-io/anti-entropy/internal/segment"
)

const segmentQuery = `
	SELECT unified_id, conjoined_part, collection_id, key, timestamp,
	       segment_num, file_size, status, file_adler32, file_hash,
	       source_node_id, handoff_node_id,
	       file_user_size, file_user_hash, file_tombstone_unified_id
	FROM nimbusio_node.segment
	WHERE status <> 'C'
	ORDER BY unified_id, conjoined_part, handoff_node_id NULLS LAST
`

const damagedQuery = `
	SELECT unified_id, conjoined_part
	FROM nimbusio_node.damaged_segment
`

// PostgresConfig configures a node database connection.
type PostgresConfig struct {
	Node           string
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// Postgres reads segment metadata from a nimbus.io node database.
type Postgres struct {
	pool *pgxpool.Pool
	node string
	log  *slog.Logger
}

// NewPostgres connects to a node database and checks the connection.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN for node %s: %w", cfg.Node, err)
	}

	poolCfg.MaxConns = 2
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for node %s: %w", cfg.Node, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping node %s database: %w", cfg.Node, err)
	}

	log := slog.With("component", "nodedb", "node", cfg.Node)
	log.Debug("connected to node database")

	return &Postgres{pool: pool, node: cfg.Node, log: log}, nil
}

// StreamSegments implements Database.
func (p *Postgres) StreamSegments(ctx context.Context, fn func(segment.Row) error) error {
	rows, err := p.pool.Query(ctx, segmentQuery)
	if err != nil {
		return fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		row, err := scanSegment(rows)
		if err != nil {
			return fmt.Errorf("scan segment row %d: %w", count, err)
		}
		if err := fn(row); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read segments: %w", err)
	}

	p.log.Debug("streamed segments", "rows", count)
	return nil
}

func scanSegment(rows pgx.Rows) (segment.Row, error) {
	var (
		unifiedID     int64
		conjoinedPart int32
		collectionID  int32
		key           string
		timestamp     time.Time
		segmentNum    int16
		fileSize      int64
		status        string
		adler32       int32
		fileHash      []byte
		sourceNodeID  int32
		handoffNodeID *int32
		userSize      *int64
		userHash      []byte
		tombstoneID   *int64
	)
	if err := rows.Scan(
		&unifiedID, &conjoinedPart, &collectionID, &key, &timestamp,
		&segmentNum, &fileSize, &status, &adler32, &fileHash,
		&sourceNodeID, &handoffNodeID,
		&userSize, &userHash, &tombstoneID,
	); err != nil {
		return segment.Row{}, err
	}

	st, err := segment.ParseStatus(status)
	if err != nil {
		return segment.Row{}, err
	}

	row := segment.Row{
		UnifiedID:     uint64(unifiedID),
		ConjoinedPart: uint32(conjoinedPart),
		CollectionID:  uint32(collectionID),
		Key:           key,
		Timestamp:     timestamp.UTC(),
		SegmentNum:    uint8(segmentNum),
		FileSize:      fileSize,
		Status:        st,
		FileAdler32:   adler32,
		FileHash:      fileHash,
		SourceNodeID:  uint32(sourceNodeID),
		FileUserHash:  userHash,
	}
	if handoffNodeID != nil {
		id := uint32(*handoffNodeID)
		row.HandoffNodeID = &id
	}
	if userSize != nil {
		row.FileUserSize = *userSize
	}
	if tombstoneID != nil {
		id := uint64(*tombstoneID)
		row.FileTombstoneUnifiedID = &id
	}
	return row, nil
}

// DamagedKeys implements Database.
func (p *Postgres) DamagedKeys(ctx context.Context) ([]segment.Key, error) {
	rows, err := p.pool.Query(ctx, damagedQuery)
	if err != nil {
		return nil, fmt.Errorf("query damaged segments: %w", err)
	}
	defer rows.Close()

	var keys []segment.Key
	for rows.Next() {
		var unifiedID int64
		var conjoinedPart int32
		if err := rows.Scan(&unifiedID, &conjoinedPart); err != nil {
			return nil, fmt.Errorf("scan damaged segment: %w", err)
		}
		keys = append(keys, segment.Key{UnifiedID: uint64(unifiedID), ConjoinedPart: uint32(conjoinedPart)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read damaged segments: %w", err)
	}
	return keys, nil
}

// Close implements Database.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

var _ Database = (*Postgres)(nil)
