package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mayank-omega/crypto-data-engine/internal/collector"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// BackfillFlags represents flags for the backfill command
type BackfillFlags struct {
	Symbols    []string
	Providers  []string
	Timeframes []string
	Days       int
	PageSize   int
	Format     string
}

func (f *BackfillFlags) request() (collector.BackfillRequest, error) {
	if f.Days < 1 {
		return collector.BackfillRequest{}, fmt.Errorf("--days must be at least 1, got %d", f.Days)
	}
	req := collector.BackfillRequest{
		Symbols:   f.Symbols,
		Providers: f.Providers,
		Days:      f.Days,
		PageSize:  f.PageSize,
	}
	for _, raw := range f.Timeframes {
		tf, err := models.ParseTimeframe(raw)
		if err != nil {
			return req, err
		}
		req.Timeframes = append(req.Timeframes, tf)
	}
	return req, nil
}

func newBackfillCommand(flags *globalFlags) *cobra.Command {
	f := &BackfillFlags{}

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Page closed candle history into the store",
		Long: `Backfill pages closed candles of the last --days days from every provider
that serves candle history. Rows already stored are skipped, so a backfill can
be rerun after a partial failure.`,
		Example: `  cryptoengine backfill --symbols BTCUSDT,ETHUSDT --timeframes 1h --days 30
  cryptoengine backfill --provider binance --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackfill(cmd.Context(), flags, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&f.Symbols, "symbols", nil, "symbols to backfill (default: configured symbols)")
	cmd.Flags().StringSliceVar(&f.Providers, "provider", nil, "providers to page (default: all that serve history)")
	cmd.Flags().StringSliceVar(&f.Timeframes, "timeframes", nil, "candle timeframes (default: configured timeframes)")
	cmd.Flags().IntVar(&f.Days, "days", collector.DefaultBackfillDays, "days of history to page in")
	cmd.Flags().IntVar(&f.PageSize, "page-size", 0, "candles per request (default: provider maximum)")
	cmd.Flags().StringVar(&f.Format, "format", "table", "output format: table or json")
	return cmd
}

func runBackfill(ctx context.Context, flags *globalFlags, f *BackfillFlags, out io.Writer) error {
	req, err := f.request()
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
	if err := a.openPipeline(ctx); err != nil {
		return err
	}

	results, err := a.supervisor.Backfill(ctx, req)
	if err != nil && results == nil {
		return err
	}
	if perr := printBackfill(out, f.Format, results); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Error != nil {
			failed++
		}
	}
	if failed > 0 {
		return withCode(ExitDataError, fmt.Errorf("%d of %d series stopped early", failed, len(results)))
	}
	return nil
}

func printBackfill(out io.Writer, format string, results []collector.BackfillResult) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSYMBOL\tTIMEFRAME\tPAGES\tFETCHED\tINSERTED\tEXISTING\tDURATION\tERROR")
	for _, r := range results {
		errText := "-"
		if r.Error != nil {
			errText = fmt.Sprintf("%s: %s", r.Error.Kind, r.Error.Message)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.Key.Provider, r.Key.Symbol, r.Key.Timeframe,
			r.Pages, r.Fetched, r.Inserted, r.Existing, r.Duration, errText)
	}
	return tw.Flush()
}
