package resiliency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(url string) RequestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(WithMaxRetries(3), WithInitialBackoff(time.Millisecond))
	resp, err := c.Do(context.Background(), get(srv.URL))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	resp, err := NewClient(WithInitialBackoff(time.Millisecond)).Do(context.Background(), get(srv.URL))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientOpensBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(WithMaxRetries(0), WithInitialBackoff(time.Millisecond), WithBreaker(2, time.Hour))
	for range 2 {
		_, err := c.Do(context.Background(), get(srv.URL))
		require.Error(t, err)
	}
	_, err := c.Do(context.Background(), get(srv.URL))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("svc", 1, time.Minute)
	cb.clock = func() time.Time { return now }

	cb.Failure()
	assert.Equal(t, "OPEN", cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, "HALF_OPEN", cb.State())

	cb.Failure()
	assert.Equal(t, "OPEN", cb.State())

	now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, "CLOSED", cb.State())
}
