package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestHostPacerEnforcesDelay(t *testing.T) {
	p := NewHostPacer(60 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, p.Wait(ctx, "acme.example"))
	require.NoError(t, p.Wait(ctx, "acme.example"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"second request to the same host must wait out the minimum delay")
}

func TestHostPacerHostsAreIndependent(t *testing.T) {
	p := NewHostPacer(300 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, p.Wait(ctx, "acme.example"))
	require.NoError(t, p.Wait(ctx, "borealis.example"))
	assert.Less(t, time.Since(start), 200*time.Millisecond,
		"different hosts must not share a bucket")
}

func TestHostPacerWaitCancellable(t *testing.T) {
	p := NewHostPacer(5 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Wait(ctx, "slow.example"))
	assert.Error(t, p.Wait(ctx, "slow.example"),
		"a wait that cannot finish inside the deadline must fail fast")
}

func TestHostPacerAcquireExcludesSameHost(t *testing.T) {
	p := NewHostPacer(time.Millisecond)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx, "acme.example"))

	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Acquire(blocked, "acme.example"),
		"a second acquire must wait for the holder to release")

	p.Release("acme.example")
	require.NoError(t, p.Acquire(ctx, "acme.example"))
	p.Release("acme.example")
}

func TestHostPacerAcquireHostsAreIndependent(t *testing.T) {
	p := NewHostPacer(time.Millisecond)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx, "acme.example"))
	defer p.Release("acme.example")

	other, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Acquire(other, "borealis.example"),
		"holding one host must not block another")
	p.Release("borealis.example")
}

func TestAdaptiveLimiterBackoffAndRecovery(t *testing.T) {
	lim := NewAdaptiveLimiter(rate.Limit(10), 1)

	lim.OnRateLimit()
	assert.InDelta(t, 5.0, float64(lim.Limit()), 0.001)

	lim.OnRateLimit()
	lim.OnRateLimit()
	assert.InDelta(t, 2.5, float64(lim.Limit()), 0.001,
		"rate floors at a quarter of the initial")

	for i := 0; i < 20; i++ {
		lim.OnSuccess()
	}
	assert.InDelta(t, 20.0, float64(lim.Limit()), 0.001,
		"rate caps at twice the initial")
}

func TestHostPacerAdaptsOnRateLimit(t *testing.T) {
	p := NewHostPacer(100 * time.Millisecond)

	before := p.slotFor("acme.example").lim.Limit()
	p.OnRateLimit("acme.example")
	after := p.slotFor("acme.example").lim.Limit()
	assert.Less(t, float64(after), float64(before))

	p.OnSuccess("acme.example")
	assert.Greater(t, float64(p.slotFor("acme.example").lim.Limit()), float64(after))
}
