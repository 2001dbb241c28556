package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// recordColumns is the column list shared by every record table.
const recordColumns = "source, symbol, kind, observed_at, timeframe, trade_id, payload"

// row is the flattened form of a record as stored by the SQL backends.
type row struct {
	Source     string
	Symbol     string
	Kind       string
	ObservedAt time.Time
	Timeframe  string
	TradeID    string
	Payload    []byte
}

func encodeRow(key models.NaturalKey, record models.Record) (row, error) {
	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return row{}, fmt.Errorf("encode %s payload: %w", record.Kind, err)
	}
	return row{
		Source:     key.Source,
		Symbol:     key.Symbol,
		Kind:       string(key.Kind),
		ObservedAt: key.ObservedAt.UTC(),
		Timeframe:  string(key.Timeframe),
		TradeID:    key.TradeID,
		Payload:    payload,
	}, nil
}

func (r row) args() []any {
	return []any{r.Source, r.Symbol, r.Kind, r.ObservedAt, r.Timeframe, r.TradeID, string(r.Payload)}
}

func (r row) record() (models.Record, error) {
	kind := models.RecordKind(r.Kind)
	payload, err := models.DecodePayload(kind, r.Payload)
	if err != nil {
		return models.Record{}, err
	}
	return models.Record{
		Kind:       kind,
		Source:     r.Source,
		Symbol:     r.Symbol,
		ObservedAt: r.ObservedAt.UTC(),
		Timeframe:  models.Timeframe(r.Timeframe),
		Payload:    payload,
	}, nil
}

// latestQuery builds the newest-first select for a series. Placeholders are
// positional ($n), which both pgx and go-duckdb accept.
func latestQuery(table string, series models.SeriesKey, limit int) (string, []any) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE symbol = $1 AND timeframe = $2", recordColumns, table)
	args := []any{series.Symbol, string(series.Timeframe)}
	if series.Source != "" {
		query += " AND source = $3"
		args = append(args, series.Source)
	}
	query += fmt.Sprintf(" ORDER BY observed_at DESC, trade_id DESC LIMIT %d", limit)
	return query, args
}

func insertQuery(table string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (source, symbol, observed_at, timeframe, trade_id) DO NOTHING",
		table, recordColumns)
}
