package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/metrics"
)

// scriptedProvider replays a fixed sequence of answers.
type scriptedProvider struct {
	mu     sync.Mutex
	grants []Grant
	errs   []error
	calls  int
}

func (p *scriptedProvider) Fetch(context.Context, string) (Grant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i >= len(p.grants) {
		i = len(p.grants) - 1
	}
	return p.grants[i], p.errs[i]
}

// recordingSleeper notes every requested sleep without actually sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
}

func TestAcquireReturnsProxyImmediately(t *testing.T) {
	t.Parallel()
	metrics.Init()

	provider := &scriptedProvider{
		grants: []Grant{{Proxy: "10.0.0.1:8080"}},
		errs:   []error{nil},
	}
	sleeper := &recordingSleeper{}
	limiter := NewLimiter(1, "key-1", provider, 2*time.Second, 10*time.Second, sleeper, zap.NewNop())

	proxy, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:8080", proxy)
	require.Empty(t, sleeper.sleeps)
}

func TestAcquireHonorsWaitDirectivePlusMargin(t *testing.T) {
	t.Parallel()
	metrics.Init()

	const margin = 2 * time.Second
	provider := &scriptedProvider{
		grants: []Grant{{Wait: 12 * time.Second}, {Proxy: "10.0.0.2:8080"}},
		errs:   []error{nil, nil},
	}
	sleeper := &recordingSleeper{}
	limiter := NewLimiter(1, "key-1", provider, margin, 10*time.Second, sleeper, zap.NewNop())

	proxy, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:8080", proxy)

	// The directive is honored exactly, margin included.
	require.Equal(t, []time.Duration{12*time.Second + margin}, sleeper.sleeps)
	require.GreaterOrEqual(t, sleeper.sleeps[0], 12*time.Second)
}

func TestAcquireBacksOffOnTransientError(t *testing.T) {
	t.Parallel()
	metrics.Init()

	provider := &scriptedProvider{
		grants: []Grant{{}, {}, {Proxy: "10.0.0.3:8080"}},
		errs:   []error{errors.New("connection reset"), errors.New("timeout"), nil},
	}
	sleeper := &recordingSleeper{}
	limiter := NewLimiter(1, "key-1", provider, 2*time.Second, 10*time.Second, sleeper, zap.NewNop())

	proxy, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3:8080", proxy)
	require.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, sleeper.sleeps)
}

func TestAcquireStopsOnCancellation(t *testing.T) {
	t.Parallel()
	metrics.Init()

	provider := &scriptedProvider{
		grants: []Grant{{Wait: time.Minute}},
		errs:   []error{nil},
	}
	limiter := NewLimiter(1, "key-1", provider, 0, 10*time.Second, &recordingSleeper{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := limiter.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
