package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garimpo-io/garimpo/pkg/errors"
)

// fastPolicy keeps retry waits negligible so failure-path tests stay quick.
func fastPolicy(attempts int) Policy {
	return Policy{
		Strategy:     StrategyExponential,
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func testClient() *Client {
	return NewClient(DefaultConfig(), NewHostGate(0))
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := testClient()
	defer c.Close()

	refDate := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	doc, err := c.Fetch(context.Background(), Request{
		Source:     "cvm",
		DocumentID: "itr_2024",
		URL:        srv.URL,
		RefDate:    refDate,
	}, fastPolicy(3))

	require.NoError(t, err)
	assert.Equal(t, "cvm", doc.Source)
	assert.Equal(t, "itr_2024", doc.DocumentID)
	assert.Equal(t, refDate, doc.RefDate)
	assert.Equal(t, []byte("hello"), doc.Payload)
	assert.Equal(t, Fingerprint([]byte("hello")), doc.Fingerprint)
	assert.Equal(t, `"abc123"`, doc.ETag)
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", doc.LastModified)
	assert.False(t, doc.FetchedAt.IsZero())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.FailedRequests)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	c := testClient()
	defer c.Close()

	doc, err := c.Fetch(context.Background(), Request{Source: "cvm", URL: srv.URL}, fastPolicy(3))

	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), doc.Payload)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestFetchExhaustsAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BreakerThreshold = 0 // isolate retry behavior
	c := NewClient(cfg, NewHostGate(0))
	defer c.Close()

	_, err := c.Fetch(context.Background(), Request{Source: "cvm", URL: srv.URL}, fastPolicy(3))

	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.True(t, errors.IsType(err, errors.ErrorTypeHTTP))
	assert.Equal(t, 3, errors.DetailOf(err, "attempts"))
	assert.Contains(t, err.Error(), "all 3 attempts failed")
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := testClient()
	defer c.Close()

	_, err := c.Fetch(context.Background(), Request{Source: "b3", URL: srv.URL}, fastPolicy(5))

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.True(t, errors.IsType(err, errors.ErrorTypeHTTP))
	assert.Equal(t, http.StatusForbidden, errors.StatusCode(err))
}

func TestFetchNotFoundIsTyped(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testClient()
	defer c.Close()

	_, err := c.Fetch(context.Background(), Request{Source: "cvm", URL: srv.URL}, fastPolicy(5))

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "absence probes must not retry")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestFetchRetriesThrottling(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := testClient()
	defer c.Close()

	doc, err := c.Fetch(context.Background(), Request{Source: "snd", URL: srv.URL}, fastPolicy(3))

	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), doc.Payload)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestFetchPostForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "30/06/2024", r.PostFormValue("dataIni"))
		w.Write([]byte("tsv"))
	}))
	defer srv.Close()

	c := testClient()
	defer c.Close()

	doc, err := c.Fetch(context.Background(), Request{
		Source: "snd",
		URL:    srv.URL,
		Form:   url.Values{"dataIni": {"30/06/2024"}},
	}, fastPolicy(2))

	require.NoError(t, err)
	assert.Equal(t, []byte("tsv"), doc.Payload)
}

func TestFetchPerAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	cfg.BreakerThreshold = 0
	c := NewClient(cfg, NewHostGate(0))
	defer c.Close()

	start := time.Now()
	_, err := c.Fetch(context.Background(), Request{Source: "b3", URL: srv.URL}, fastPolicy(2))

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchCancelledDuringBackoff(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	policy := Policy{
		Strategy:     StrategyExponential,
		MaxAttempts:  3,
		InitialDelay: 5 * time.Second,
		Multiplier:   2.0,
	}

	start := time.Now()
	_, err := c.Fetch(ctx, Request{Source: "cvm", URL: srv.URL}, policy)

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchInvalidURL(t *testing.T) {
	c := testClient()
	defer c.Close()

	_, err := c.Fetch(context.Background(), Request{Source: "cvm", URL: "://bad"}, fastPolicy(1))

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestHostGateSpacesDispatches(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	const delay = 120 * time.Millisecond
	gate := NewHostGate(0)
	gate.SetDelay(u.Host, delay)

	c := NewClient(DefaultConfig(), gate)
	defer c.Close()

	// Concurrent workers against the same host must still space out.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Fetch(context.Background(), Request{Source: "cvm", URL: srv.URL}, fastPolicy(1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 3)
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, delay-20*time.Millisecond,
			"dispatch gap %d was %v, want at least ~%v", i, gap, delay)
	}
}

func TestHostGateUnthrottledByDefault(t *testing.T) {
	gate := NewHostGate(0)

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, gate.Wait(context.Background(), "example.com"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestHostGateRebindKeepsSpacing(t *testing.T) {
	const delay = 80 * time.Millisecond
	gate := NewHostGate(0)
	gate.SetDelay("www.debentures.com.br", delay)

	require.NoError(t, gate.Wait(context.Background(), "www.debentures.com.br"))

	// Re-binding the same interval must not reset the host's next-allowed
	// time and let a request through early.
	gate.SetDelay("www.debentures.com.br", delay)

	start := time.Now()
	require.NoError(t, gate.Wait(context.Background(), "www.debentures.com.br"))
	assert.GreaterOrEqual(t, time.Since(start), delay-20*time.Millisecond)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = time.Minute
	c := NewClient(cfg, NewHostGate(0))
	defer c.Close()

	_, err := c.Fetch(context.Background(), Request{Source: "cvm", URL: srv.URL},
		Policy{Strategy: StrategyFixed, MaxAttempts: 5, Delay: time.Millisecond})

	require.Error(t, err)
	// Two real dispatches trip the breaker; the remaining attempts fail fast.
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
}

func TestHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Last-Modified", "Tue, 11 Jun 2024 08:00:00 GMT")
	}))
	defer srv.Close()

	c := testClient()
	defer c.Close()

	etag, lastModified, err := c.Head(context.Background(), "cvm", srv.URL)

	require.NoError(t, err)
	assert.Equal(t, `"v2"`, etag)
	assert.Equal(t, "Tue, 11 Jun 2024 08:00:00 GMT", lastModified)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5"))

	future := time.Now().Add(90 * time.Minute).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(future), time.Hour)
}

func TestRequestMethodDefaults(t *testing.T) {
	assert.Equal(t, http.MethodGet, Request{URL: "http://x"}.method())
	assert.Equal(t, http.MethodPost, Request{URL: "http://x", Form: url.Values{}}.method())
	assert.Equal(t, http.MethodHead, Request{URL: "http://x", Method: http.MethodHead}.method())
}
