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

// CollectFlags represents flags for the collect command
type CollectFlags struct {
	Symbols    []string
	Kinds      []string
	Providers  []string
	Timeframes []string
	Format     string
}

// request converts the flags into a one-shot collection request.
func (f *CollectFlags) request() (collector.StartRequest, error) {
	req := collector.StartRequest{Symbols: f.Symbols, Providers: f.Providers}
	for _, raw := range f.Kinds {
		kind, err := models.ParseRecordKind(raw)
		if err != nil {
			return req, err
		}
		req.Kinds = append(req.Kinds, kind)
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

func newCollectCommand(flags *globalFlags) *cobra.Command {
	f := &CollectFlags{}

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one collection tick and print the outcomes",
		Example: `  cryptoengine collect --symbols BTCUSDT --kinds ticker,orderbook
  cryptoengine collect --provider coingecko --kinds metric`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollect(cmd.Context(), flags, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&f.Symbols, "symbols", nil, "symbols to collect (default: configured symbols)")
	cmd.Flags().StringSliceVar(&f.Kinds, "kinds", nil, "record kinds (default: each provider's configured kinds)")
	cmd.Flags().StringSliceVar(&f.Providers, "provider", nil, "providers to query (default: all enabled)")
	cmd.Flags().StringSliceVar(&f.Timeframes, "timeframes", nil, "candle timeframes (default: configured timeframes)")
	cmd.Flags().StringVar(&f.Format, "format", "table", "output format: table or json")
	return cmd
}

func runCollect(ctx context.Context, flags *globalFlags, f *CollectFlags, out io.Writer) error {
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

	results, err := a.supervisor.CollectOnce(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	if err := printResults(out, f.Format, results); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Error != nil {
			failed++
		}
	}
	if failed > 0 {
		return withCode(ExitDataError, fmt.Errorf("%d of %d collections failed", failed, len(results)))
	}
	return nil
}

func printResults(out io.Writer, format string, results []collector.TickResult) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSYMBOL\tKIND\tTIMEFRAME\tFETCHED\tINSERTED\tEXISTING\tDELIVERED\tDURATION\tERROR")
	for _, r := range results {
		errText := "-"
		if r.Error != nil {
			errText = fmt.Sprintf("%s: %s", r.Error.Kind, r.Error.Message)
		}
		tf := string(r.Key.Timeframe)
		if tf == "" {
			tf = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.Key.Provider, r.Key.Symbol, r.Key.Kind, tf,
			r.Fetched, r.Inserted, r.Existing, r.Delivered, r.Duration, errText)
	}
	return tw.Flush()
}
