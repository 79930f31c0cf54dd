// Package postgres is a remote.Store backed by a PostgreSQL table of JSONB
// documents, accessed through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/remote"
)

const schema = `
CREATE TABLE IF NOT EXISTS herdtrail_documents (
	entity_type TEXT        NOT NULL,
	entity_id   TEXT        NOT NULL,
	version     BIGINT      NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	edited_at   TIMESTAMPTZ,
	mutation_id TEXT        NOT NULL,
	fields      JSONB       NOT NULL,
	PRIMARY KEY (entity_type, entity_id)
)`

// addEditedAt upgrades tables created before edit times were recorded.
const addEditedAt = `ALTER TABLE herdtrail_documents ADD COLUMN IF NOT EXISTS edited_at TIMESTAMPTZ`

// Config configures the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store is the PostgreSQL remote store.
//
// Thread-safety: Store is safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ remote.Store = (*Store)(nil)

// Open connects, checks the connection and creates the documents table if
// needed.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse remote dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pcfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create remote pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping remote store: %w", classify(err))
	}
	for _, stmt := range []string{schema, addEditedAt} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create remote schema: %w", err)
		}
	}
	logger.Info("remote store connected",
		"host", pcfg.ConnConfig.Host,
		"database", pcfg.ConnConfig.Database,
		"max_conns", pcfg.MaxConns,
	)
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Get implements remote.Store.
func (s *Store) Get(ctx context.Context, entityType domain.EntityType, entityID string) (remote.Document, error) {
	doc := remote.Document{EntityType: entityType, EntityID: entityID}
	var (
		raw    []byte
		edited *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT version, updated_at, edited_at, mutation_id, fields
		FROM herdtrail_documents
		WHERE entity_type = $1 AND entity_id = $2
	`, string(entityType), entityID).Scan(&doc.Version, &doc.UpdatedAt, &edited, &doc.MutationID, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return remote.Document{}, fmt.Errorf("%s/%s: %w", entityType, entityID, remote.ErrNotFound)
	}
	if err != nil {
		return remote.Document{}, fmt.Errorf("get %s/%s: %w", entityType, entityID, classify(err))
	}
	if doc.Fields, err = canon.Decode(raw); err != nil {
		return remote.Document{}, fmt.Errorf("decode %s/%s: %w", entityType, entityID, err)
	}
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	if edited != nil {
		doc.EditedAt = edited.UTC()
	}
	return doc, nil
}

// Put implements remote.Store. Version 0 inserts; anything else is a
// version-conditioned update.
func (s *Store) Put(ctx context.Context, doc remote.Document, expectedVersion int64) (remote.Document, error) {
	fields, err := canon.Marshal(doc.Fields)
	if err != nil {
		return remote.Document{}, fmt.Errorf("encode %s/%s: %w", doc.EntityType, doc.EntityID, err)
	}

	var edited *time.Time
	if !doc.EditedAt.IsZero() {
		t := doc.EditedAt.UTC()
		edited = &t
	}

	var row pgx.Row
	if expectedVersion == 0 {
		row = s.pool.QueryRow(ctx, `
			INSERT INTO herdtrail_documents (entity_type, entity_id, version, updated_at, edited_at, mutation_id, fields)
			VALUES ($1, $2, 1, now(), $5, $3, $4)
			ON CONFLICT (entity_type, entity_id) DO NOTHING
			RETURNING version, updated_at
		`, string(doc.EntityType), doc.EntityID, doc.MutationID, fields, edited)
	} else {
		row = s.pool.QueryRow(ctx, `
			UPDATE herdtrail_documents
			SET version = version + 1, updated_at = now(), edited_at = $6, mutation_id = $3, fields = $4
			WHERE entity_type = $1 AND entity_id = $2 AND version = $5
			RETURNING version, updated_at
		`, string(doc.EntityType), doc.EntityID, doc.MutationID, fields, expectedVersion, edited)
	}

	err = row.Scan(&doc.Version, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return remote.Document{}, fmt.Errorf("%s/%s expected version %d: %w",
			doc.EntityType, doc.EntityID, expectedVersion, remote.ErrPreconditionFailed)
	}
	if err != nil {
		return remote.Document{}, fmt.Errorf("put %s/%s: %w", doc.EntityType, doc.EntityID, classify(err))
	}
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

// classify marks connection-level and retryable server errors transient.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "40"), // transaction rollback
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "57P01", pgErr.Code == "57P03":
			return remote.Transient(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return remote.Transient(err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return remote.Transient(err)
	}
	return err
}
