// Package postgres reads and updates CRM lead records.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"songflow/internal/domain"
	"songflow/internal/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool and verifies it.
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Ctx(ctx).Info().Msg("connected to postgres")
	return &DB{pool: pool}, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Migrate creates the leads table when it does not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Leads is the LeadRepository backed by the leads table.
type Leads struct {
	db *DB
}

func NewLeads(db *DB) *Leads { return &Leads{db: db} }

var _ ports.LeadRepository = (*Leads)(nil)

func (r *Leads) Get(ctx context.Context, id string) (*domain.Lead, error) {
	var (
		l      domain.Lead
		fields []byte
	)
	err := r.db.pool.QueryRow(ctx,
		`SELECT id, name, phone, fields, has_active_sequences, next_action_at, last_message_at, tags
		 FROM leads WHERE id = $1`,
		id,
	).Scan(&l.ID, &l.Name, &l.Phone, &fields, &l.HasActiveSequences, &l.NextActionAt, &l.LastMessageAt, &l.Tags)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrLeadNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead %s: %w", id, err)
	}

	l.Fields, err = decodeFields(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fields of lead %s: %w", id, err)
	}
	return &l, nil
}

// UpdateHints writes the non-nil hints in one statement. Tags are merged
// without duplicates.
func (r *Leads) UpdateHints(ctx context.Context, id string, h domain.LeadHints) error {
	var tags []string
	if len(h.AddTags) > 0 {
		tags = h.AddTags
	}
	tag, err := r.db.pool.Exec(ctx,
		`UPDATE leads SET
		   has_active_sequences = COALESCE($2, has_active_sequences),
		   next_action_at = COALESCE($3, next_action_at),
		   last_message_at = COALESCE($4, last_message_at),
		   tags = CASE WHEN $5::text[] IS NULL THEN tags
		               ELSE ARRAY(SELECT DISTINCT t FROM unnest(tags || $5::text[]) AS t ORDER BY t) END,
		   updated_at = NOW()
		 WHERE id = $1`,
		id, h.HasActiveSequences, h.NextActionAt, h.LastMessageAt, tags,
	)
	if err != nil {
		return fmt.Errorf("failed to update hints of lead %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrLeadNotFound, id)
	}
	return nil
}

// decodeFields flattens the free-form JSON fields into template strings.
func decodeFields(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch v := v.(type) {
		case nil:
		case string:
			out[k] = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			out[k] = string(b)
		}
	}
	return out, nil
}
