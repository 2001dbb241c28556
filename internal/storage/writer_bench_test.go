package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// benchCandles pre-generates count hourly candles for symbol so allocation
// stays out of the timed loop.
func benchCandles(count int, symbol string) []models.Record {
	records := make([]models.Record, count)
	for i := range records {
		records[i] = candleRecord("binance", symbol, models.Timeframe1h, baseTime.Add(time.Duration(i)*time.Hour), fmt.Sprintf("%d", 40000+i))
	}
	return records
}

// BenchmarkWriter_Persist measures insert throughput on fresh keys followed by
// the already-exists path on the same keys.
func BenchmarkWriter_Persist(b *testing.B) {
	ctx := context.Background()
	records := benchCandles(1000, "BTCUSDT")

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		store := NewMemoryStore()
		if err := store.Initialize(ctx); err != nil {
			b.Fatalf("initialize: %v", err)
		}
		w := NewWriter(store, nil)
		b.StartTimer()

		for pass := 0; pass < 2; pass++ {
			for _, r := range records {
				if _, err := w.Persist(ctx, r); err != nil {
					b.Fatalf("persist: %v", err)
				}
			}
		}
	}
	b.ReportMetric(float64(b.N*len(records)*2)/b.Elapsed().Seconds(), "records/sec")
}

func BenchmarkLatest(b *testing.B) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Initialize(ctx); err != nil {
		b.Fatalf("initialize: %v", err)
	}
	w := NewWriter(store, nil)
	for _, r := range benchCandles(10000, "BTCUSDT") {
		if _, err := w.Persist(ctx, r); err != nil {
			b.Fatalf("persist: %v", err)
		}
	}
	series := models.SeriesKey{Symbol: "BTCUSDT", Timeframe: models.Timeframe1h}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		records, err := Latest(ctx, store, models.KindCandle, series, 100)
		if err != nil || len(records) != 100 {
			b.Fatalf("latest: %d records, err %v", len(records), err)
		}
	}
}

func BenchmarkWriter_ConcurrentJobs(b *testing.B) {
	ctx := context.Background()

	for _, jobs := range []int{1, 4, 8} {
		b.Run(fmt.Sprintf("jobs_%d", jobs), func(b *testing.B) {
			perJob := make([][]models.Record, jobs)
			for j := range perJob {
				perJob[j] = benchCandles(500, fmt.Sprintf("SYM%dUSDT", j))
			}

			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				store := NewMemoryStore()
				if err := store.Initialize(ctx); err != nil {
					b.Fatalf("initialize: %v", err)
				}
				w := NewWriter(store, nil)
				b.StartTimer()

				var wg sync.WaitGroup
				for _, records := range perJob {
					wg.Add(1)
					go func(records []models.Record) {
						defer wg.Done()
						for _, r := range records {
							if _, err := w.Persist(ctx, r); err != nil {
								b.Errorf("persist: %v", err)
								return
							}
						}
					}(records)
				}
				wg.Wait()
			}
			b.ReportMetric(float64(b.N*jobs*500)/b.Elapsed().Seconds(), "records/sec")
		})
	}
}
