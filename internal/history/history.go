// Package history persists import batches and their per-record sync
// outcomes so operators can review what a past run did.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/tfunke/schulsync/internal/provision"
)

// DefaultListLimit bounds unpaged batch listings.
const DefaultListLimit = 50

// ErrBatchNotFound is returned when a batch ID matches nothing.
var ErrBatchNotFound = errors.New("batch not found")

// DBTX is the query surface the store needs; *pgxpool.Pool and pgx.Tx both
// satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Source identifies which parser produced a batch.
type Source string

const (
	SourceXML Source = "xml"
	SourceCSV Source = "csv"
)

// Batch is one recorded import run.
type Batch struct {
	ID                string    `json:"id"`
	Source            Source    `json:"source"`
	Filename          string    `json:"filename"`
	RecordCount       int       `json:"recordCount"`
	WarningCount      int       `json:"warningCount"`
	DryRun            bool      `json:"dryRun"`
	CreatedBy         string    `json:"createdBy"`
	InstitutionNumber string    `json:"institutionNumber,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Outcome is one persisted per-record sync result.
type Outcome struct {
	BatchID        string `json:"batchId"`
	RecordID       string `json:"recordId"`
	Username       string `json:"username"`
	Success        bool   `json:"success"`
	AlreadyExisted bool   `json:"alreadyExisted"`
	Error          string `json:"error,omitempty"`
}

// Store reads and writes import history.
type Store struct {
	db DBTX
}

// New creates a Store over the given connection surface.
func New(db DBTX) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the history tables when missing. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS import_batches (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			filename TEXT NOT NULL,
			record_count INT NOT NULL,
			warning_count INT NOT NULL DEFAULT 0,
			dry_run BOOLEAN NOT NULL DEFAULT FALSE,
			created_by TEXT NOT NULL,
			institution_number TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS sync_outcomes (
			batch_id UUID NOT NULL REFERENCES import_batches(id) ON DELETE CASCADE,
			record_id TEXT NOT NULL,
			username TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			already_existed BOOLEAN NOT NULL,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS sync_outcomes_batch_idx ON sync_outcomes (batch_id);
	`)
	if err != nil {
		return fmt.Errorf("creating history schema: %w", err)
	}
	return nil
}

// BatchParams describes a run to be recorded.
type BatchParams struct {
	Source            Source
	Filename          string
	RecordCount       int
	WarningCount      int
	DryRun            bool
	CreatedBy         string
	InstitutionNumber string
}

// RecordBatch persists a new batch and returns it with its assigned ID.
func (s *Store) RecordBatch(ctx context.Context, params BatchParams) (*Batch, error) {
	batch := &Batch{
		ID:                uuid.NewString(),
		Source:            params.Source,
		Filename:          params.Filename,
		RecordCount:       params.RecordCount,
		WarningCount:      params.WarningCount,
		DryRun:            params.DryRun,
		CreatedBy:         params.CreatedBy,
		InstitutionNumber: params.InstitutionNumber,
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO import_batches
			(id, source, filename, record_count, warning_count, dry_run, created_by, institution_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		batch.ID, batch.Source, batch.Filename, batch.RecordCount,
		batch.WarningCount, batch.DryRun, batch.CreatedBy,
		textOrNull(batch.InstitutionNumber),
	).Scan(&batch.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting batch: %w", err)
	}
	return batch, nil
}

// RecordOutcomes persists a batch's per-record results in one round trip.
func (s *Store) RecordOutcomes(ctx context.Context, batchID string, results []provision.SyncResult) error {
	if len(results) == 0 {
		return nil
	}

	var b pgx.Batch
	for _, res := range results {
		b.Queue(`
			INSERT INTO sync_outcomes
				(batch_id, record_id, username, success, already_existed, error)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			batchID, res.RecordID, res.Username, res.Success,
			res.AlreadyExisted, textOrNull(res.Error),
		)
	}

	br := s.db.SendBatch(ctx, &b)
	defer br.Close()
	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting outcomes for batch %s: %w", batchID, err)
		}
	}
	return nil
}

// ListBatches returns batches newest first.
func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]Batch, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, source, filename, record_count, warning_count, dry_run,
		       created_by, institution_number, created_at
		FROM import_batches
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	batches := make([]Batch, 0, limit)
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

// GetBatch returns one batch and all its outcomes.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*Batch, []Outcome, error) {
	if _, err := uuid.Parse(batchID); err != nil {
		return nil, nil, ErrBatchNotFound
	}

	row := s.db.QueryRow(ctx, `
		SELECT id, source, filename, record_count, warning_count, dry_run,
		       created_by, institution_number, created_at
		FROM import_batches
		WHERE id = $1`,
		batchID,
	)
	batch, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT batch_id, record_id, username, success, already_existed, error
		FROM sync_outcomes
		WHERE batch_id = $1`,
		batchID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("loading outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var (
			o      Outcome
			errTxt pgtype.Text
		)
		if err := rows.Scan(&o.BatchID, &o.RecordID, &o.Username, &o.Success, &o.AlreadyExisted, &errTxt); err != nil {
			return nil, nil, fmt.Errorf("scanning outcome: %w", err)
		}
		o.Error = errTxt.String
		outcomes = append(outcomes, o)
	}
	return &batch, outcomes, rows.Err()
}

func scanBatch(row pgx.Row) (Batch, error) {
	var (
		b      Batch
		instNo pgtype.Text
	)
	err := row.Scan(&b.ID, &b.Source, &b.Filename, &b.RecordCount,
		&b.WarningCount, &b.DryRun, &b.CreatedBy, &instNo, &b.CreatedAt)
	if err != nil {
		return Batch{}, err
	}
	b.InstitutionNumber = instNo.String
	return b, nil
}

func textOrNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}
