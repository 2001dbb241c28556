package collector

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// fullJitterBackOff draws each delay uniformly from [0, ceiling], where the
// ceiling doubles from base on every call and is capped. The n-th call after a
// reset therefore yields rand[0, min(cap, base*2^(n-1))].
type fullJitterBackOff struct {
	exp    *backoff.ExponentialBackOff
	jitter func(n int64) int64
}

var _ backoff.BackOff = (*fullJitterBackOff)(nil)

func newFullJitterBackOff(base, maxDelay time.Duration) *fullJitterBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.MaxInterval = maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &fullJitterBackOff{exp: exp, jitter: rand.Int64N}
}

// NextBackOff implements backoff.BackOff.
func (b *fullJitterBackOff) NextBackOff() time.Duration {
	ceiling := b.exp.NextBackOff()
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(b.jitter(int64(ceiling) + 1))
}

// Reset implements backoff.BackOff.
func (b *fullJitterBackOff) Reset() {
	b.exp.Reset()
}
