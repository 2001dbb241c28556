package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// Outcome is the result of persisting one record.
type Outcome string

const (
	OutcomeInserted      Outcome = "inserted"
	OutcomeAlreadyExists Outcome = "already_exists"
)

// Writer turns normalized records into idempotent store writes. Uniqueness is
// left to the store's natural-key constraint; the Writer never touches the
// cache or the broadcaster.
type Writer struct {
	store  RecordInserter
	logger *slog.Logger
}

// NewWriter creates a writer on top of store.
func NewWriter(store RecordInserter, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, logger: logger.With("component", "writer")}
}

// Persist validates record and inserts it under its natural key.
//
// A malformed record is reported as a transient provider error, since it came
// from a provider payload. Any store failure other than a duplicate key is
// reported as a store write error.
func (w *Writer) Persist(ctx context.Context, record models.Record) (Outcome, error) {
	if err := record.Validate(); err != nil {
		return "", apperrors.Transient(record.Source, "validate", fmt.Errorf("malformed %s record: %w", record.Kind, err))
	}

	table, err := TableFor(record.Kind)
	if err != nil {
		return "", apperrors.StoreWrite("writer", "persist", err)
	}

	key := record.Key()
	result, err := w.store.InsertIfAbsent(ctx, table, key, record)
	switch {
	case errors.Is(err, ErrDuplicateKey):
		return OutcomeAlreadyExists, nil
	case err != nil:
		return "", apperrors.StoreWrite("writer", "persist", err)
	case result == Exists:
		w.logger.Debug("record already persisted", "table", table, "key", key.String())
		return OutcomeAlreadyExists, nil
	default:
		return OutcomeInserted, nil
	}
}

// Latest reads the newest records of kind for series. It is the store half of
// the API read-through path.
func Latest(ctx context.Context, reader RecordReader, kind models.RecordKind, series models.SeriesKey, limit int) ([]models.Record, error) {
	table, err := TableFor(kind)
	if err != nil {
		return nil, err
	}
	return reader.QueryLatest(ctx, table, series, limit)
}
