package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/mayank-omega/crypto-data-engine/internal/storage"
)

// QueryFlags represents flags for the query command
type QueryFlags struct {
	Symbol    string
	Kind      string
	Timeframe string
	Source    string
	Limit     int
}

func (f *QueryFlags) series() (models.RecordKind, models.SeriesKey, error) {
	if f.Symbol == "" {
		return "", models.SeriesKey{}, fmt.Errorf("--symbol is required")
	}
	if f.Limit < 1 || f.Limit > 1000 {
		return "", models.SeriesKey{}, fmt.Errorf("--limit must be between 1 and 1000")
	}
	kind, err := models.ParseRecordKind(f.Kind)
	if err != nil {
		return "", models.SeriesKey{}, err
	}

	key := models.SeriesKey{Source: f.Source, Symbol: models.NormalizeSymbol(f.Symbol)}
	if kind == models.KindCandle {
		tf, err := models.ParseTimeframe(f.Timeframe)
		if err != nil {
			return "", models.SeriesKey{}, err
		}
		key.Timeframe = tf
	}
	return kind, key, nil
}

func newQueryCommand(flags *globalFlags) *cobra.Command {
	f := &QueryFlags{}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print the latest stored records of a series as JSON",
		Example: `  cryptoengine query --symbol BTCUSDT
  cryptoengine query --symbol ETHUSDT --kind candle --timeframe 1h --limit 24`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQuery(cmd.Context(), flags, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.Symbol, "symbol", "", "symbol, e.g. BTCUSDT")
	cmd.Flags().StringVar(&f.Kind, "kind", string(models.KindTicker), "record kind")
	cmd.Flags().StringVar(&f.Timeframe, "timeframe", string(models.Timeframe1h), "candle timeframe")
	cmd.Flags().StringVar(&f.Source, "provider", "", "restrict to one provider")
	cmd.Flags().IntVar(&f.Limit, "limit", 10, "number of records, newest first")
	return cmd
}

func runQuery(ctx context.Context, flags *globalFlags, f *QueryFlags, out io.Writer) error {
	kind, series, err := f.series()
	if err != nil {
		return err
	}

	a, err := loadApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.openStore(ctx); err != nil {
		return err
	}

	a.logger.Debug("querying store", "kind", kind, "series", series.String(), "limit", f.Limit)
	records, err := storage.Latest(ctx, a.store, kind, series, f.Limit)
	if err != nil {
		return withCode(ExitDataError, fmt.Errorf("query failed: %w", err))
	}
	if len(records) == 0 {
		return withCode(ExitDataError, fmt.Errorf("no %s data found for %s", kind, series.Symbol))
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}
