package broadcast

import (
	"fmt"
	"sync"
	"testing"
)

// BenchmarkPublish measures fan-out to draining subscribers of one topic.
func BenchmarkPublish(b *testing.B) {
	record := ticker("50000")

	for _, subscribers := range []int{1, 16, 256} {
		b.Run(fmt.Sprintf("subscribers_%d", subscribers), func(b *testing.B) {
			bc := New(Options{QueueSize: 64, Policy: PolicyDropOldest}, nil, nil)
			defer bc.Close()

			var wg sync.WaitGroup
			for i := 0; i < subscribers; i++ {
				sub, err := bc.Subscribe("ticker:BTCUSDT")
				if err != nil {
					b.Fatalf("subscribe: %v", err)
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range sub.Messages() {
					}
				}()
			}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				bc.Publish("ticker:BTCUSDT", record)
			}
			b.StopTimer()

			bc.Close()
			wg.Wait()
		})
	}
}

// BenchmarkPublish_IndependentTopics publishes to disjoint topics in parallel.
func BenchmarkPublish_IndependentTopics(b *testing.B) {
	bc := New(Options{QueueSize: 64, Policy: PolicyDropOldest}, nil, nil)
	defer bc.Close()

	topics := make([]string, 8)
	for i := range topics {
		topics[i] = fmt.Sprintf("ticker:SYM%dUSDT", i)
		if _, err := bc.Subscribe(topics[i]); err != nil {
			b.Fatalf("subscribe: %v", err)
		}
	}
	record := ticker("50000")

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			bc.Publish(topics[i%len(topics)], record)
			i++
		}
	})
}
