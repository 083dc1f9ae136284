// Package pgstore provides a PostgreSQL implementation of history.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/alertq"
	"github.com/linnemanlabs/mayday/internal/history"
)

var tracer = otel.Tracer("github.com/linnemanlabs/mayday/internal/history/pgstore")

//go:embed schema.sql
var schema string

// Store persists resolution history in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const historyColumns = `id, alert_id, channel_id, recipient_id, sender, tier, content,
	outcome, action, acknowledged_by, created_at, resolved_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Put inserts or replaces a history record.
func (s *Store) Put(ctx context.Context, r *history.Record) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	ackJSON, err := json.Marshal(nonNil(r.AcknowledgedBy))
	if err != nil {
		return fail(span, fmt.Errorf("marshal acknowledged_by: %w", err))
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO alert_history (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			action = EXCLUDED.action,
			acknowledged_by = EXCLUDED.acknowledged_by,
			resolved_at = EXCLUDED.resolved_at`,
		r.ID, r.AlertID, r.ChannelID, r.RecipientID, r.Sender, r.Tier.String(), r.Content,
		string(r.Outcome), string(r.Action), ackJSON, r.CreatedAt, r.ResolvedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert history: %w", err))
	}
	return nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*history.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+historyColumns+` FROM alert_history WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, err)
	}
	return r, true, nil
}

// ListByAlert returns every record for alertID, oldest first.
func (s *Store) ListByAlert(ctx context.Context, alertID string) ([]*history.Record, error) {
	ctx, span := startSpan(ctx, "pgstore.ListByAlert", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+` FROM alert_history WHERE alert_id = $1 ORDER BY resolved_at, id`, alertID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query history: %w", err))
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// ListByChannel returns up to limit records for channelID, newest first.
func (s *Store) ListByChannel(ctx context.Context, channelID string, limit int) ([]*history.Record, error) {
	ctx, span := startSpan(ctx, "pgstore.ListByChannel", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = history.DefaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+` FROM alert_history WHERE channel_id = $1 ORDER BY resolved_at DESC, id DESC LIMIT $2`,
		channelID, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query history: %w", err))
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

func collect(rows pgx.Rows) ([]*history.Record, error) {
	defer rows.Close()
	var out []*history.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*history.Record, error) {
	var (
		r                     history.Record
		tier, outcome, action string
		ackJSON               []byte
	)
	err := row.Scan(
		&r.ID, &r.AlertID, &r.ChannelID, &r.RecipientID, &r.Sender, &tier, &r.Content,
		&outcome, &action, &ackJSON, &r.CreatedAt, &r.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	if err := r.Tier.UnmarshalText([]byte(tier)); err != nil {
		return nil, fmt.Errorf("record %s: %w", r.ID, err)
	}
	r.Outcome = alertq.Outcome(outcome)
	r.Action = alert.Action(action)
	if err := json.Unmarshal(ackJSON, &r.AcknowledgedBy); err != nil {
		return nil, fmt.Errorf("unmarshal acknowledged_by: %w", err)
	}
	if len(r.AcknowledgedBy) == 0 {
		r.AcknowledgedBy = nil
	}
	return &r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
