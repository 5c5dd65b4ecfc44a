package ttlock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sunbed/internal/config"
	"sunbed/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func testConfig(baseURL string) config.TTLockConfig {
	return config.TTLockConfig{
		BaseURL:         baseURL,
		ClientID:        "client",
		AccessToken:     "token",
		Timeout:         time.Second,
		MaxRetries:      3,
		InitialBackoff:  time.Second,
		BackoffFactor:   1.5,
		RateLimit:       20,
		RateWindow:      time.Minute,
		CircuitCooldown: time.Minute,
	}
}

type harness struct {
	client *Client
	state  *repository.MemorySharedState
	delays []time.Duration
}

func newHarness(t *testing.T, handler http.HandlerFunc) *harness {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	h := &harness{state: repository.NewMemorySharedState()}
	h.client = New(testConfig(srv.URL), h.state, nil)
	h.client.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	h.client.sleep = func(_ context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return nil
	}
	return h
}

func TestCreatePIN(t *testing.T) {
	from := time.Date(2025, 7, 1, 11, 0, 0, 0, time.UTC)
	to := from.Add(2 * time.Hour)

	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/keyboardPwd/add", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client", r.PostForm.Get("clientId"))
		assert.Equal(t, "token", r.PostForm.Get("accessToken"))
		assert.Equal(t, "777", r.PostForm.Get("lockId"))
		assert.Equal(t, "123456", r.PostForm.Get("keyboardPwd"))
		assert.Equal(t, "booking", r.PostForm.Get("keyboardPwdName"))
		assert.Equal(t, "2", r.PostForm.Get("addType"))
		assert.Equal(t, fmt.Sprint(from.UnixMilli()), r.PostForm.Get("startDate"))
		assert.Equal(t, fmt.Sprint(to.UnixMilli()), r.PostForm.Get("endDate"))
		assert.Equal(t, "1700000000000", r.PostForm.Get("date"))
		fmt.Fprint(w, `{"errcode":0,"keyboardPwdId":9001}`)
	})
	h.client.pin = func() (string, error) { return "123456", nil }

	pin, err := h.client.CreatePIN(context.Background(), "777", from, to)
	require.NoError(t, err)
	assert.Equal(t, "123456", pin.Code)
	assert.Equal(t, "9001", pin.PasswordID)
}

func TestCreatePIN_Collision(t *testing.T) {
	t.Run("RetriesWithNewCode", func(t *testing.T) {
		var calls int32
		h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				fmt.Fprint(w, `{"errcode":10006,"errmsg":"pin exists"}`)
				return
			}
			fmt.Fprint(w, `{"errcode":0,"keyboardPwdId":5}`)
		})
		var n int
		h.client.pin = func() (string, error) { n++; return fmt.Sprintf("00000%d", n), nil }

		pin, err := h.client.CreatePIN(context.Background(), "1", time.Now(), time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, "000003", pin.Code)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
		assert.Empty(t, h.delays, "collisions are not transport retries")
	})

	t.Run("GivesUp", func(t *testing.T) {
		var calls int32
		h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			fmt.Fprint(w, `{"errcode":10006,"errmsg":"pin exists"}`)
		})

		_, err := h.client.CreatePIN(context.Background(), "1", time.Now(), time.Now().Add(time.Hour))
		require.Error(t, err)
		assert.Equal(t, KindPinCollision, KindOf(err))
		assert.Contains(t, err.Error(), "failed to generate unique PIN")
		assert.Equal(t, int32(pinAttempts), atomic.LoadInt32(&calls))
	})
}

func TestAPIErrorIsNotRetried(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"errcode":-3,"errmsg":"invalid lock"}`)
	})

	err := h.client.RemoteUnlock(context.Background(), "42")
	require.Error(t, err)
	assert.Equal(t, KindAPI, KindOf(err))
	assert.Contains(t, err.Error(), "-3: invalid lock")
	assert.False(t, IsUnavailable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, open, _ := h.state.Get(context.Background(), circuitKey)
	assert.False(t, open)
}

func TestHTTPStatusIsNotRetried(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := h.client.DeletePIN(context.Background(), "42", "100")
	require.Error(t, err)
	assert.Equal(t, KindAPI, KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTransportFailureOpensCircuit(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("network must not be reached")
	})
	var attempts int32
	h.client.http.Transport = roundTripFunc(func(*http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("connection refused")
	})
	ctx := context.Background()

	_, err := h.client.QueryStatus(ctx, "42")
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond}, h.delays)

	_, open, _ := h.state.Get(ctx, circuitKey)
	assert.True(t, open)

	// breaker short-circuits every operation
	err = h.client.RemoteUnlock(ctx, "42")
	assert.Equal(t, KindCircuitOpen, KindOf(err))
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))

	require.NoError(t, h.state.Del(ctx, circuitKey))
	h.client.http.Transport = nil
	h.client.cfg.BaseURL = "http://127.0.0.1:1"
	h.delays = nil
	_, err = h.client.QueryStatus(ctx, "42")
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestTimeoutIsRetried(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		fmt.Fprint(w, `{"errcode":0,"lockStatus":1}`)
	})
	h.client.cfg.Timeout = 50 * time.Millisecond

	status, err := h.client.QueryStatus(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Len(t, h.delays, 1)
}

func TestSharedRateLimit(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"errcode":0}`)
	})
	ctx := context.Background()

	// other processes already used the window
	for i := 0; i < 20; i++ {
		_, err := h.state.IncrWindow(ctx, rateLimitKey, time.Minute)
		require.NoError(t, err)
	}

	err := h.client.RemoteUnlock(ctx, "42")
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestQueryStatus(t *testing.T) {
	cases := []struct {
		body    string
		locked  bool
		wantErr bool
	}{
		{body: `{"errcode":0,"lockStatus":1}`, locked: true},
		{body: `{"errcode":0,"lockStatus":0}`, locked: false},
		{body: `{"lockStatus":2}`, locked: false},
		{body: `{"errcode":0}`, wantErr: true},
		{body: `not json`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.body, func(t *testing.T) {
			h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v3/lock/queryStatus", r.URL.Path)
				fmt.Fprint(w, tc.body)
			})

			status, err := h.client.QueryStatus(context.Background(), "42")
			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindAPI, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "42", status.LockID)
			assert.Equal(t, tc.locked, status.Locked)
			assert.False(t, status.Cached)
		})
	}
}

func TestListRecords(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "/v3/lockRecord/list", r.URL.Path)
		assert.Equal(t, "2", r.PostForm.Get("pageNo"))
		assert.Equal(t, "20", r.PostForm.Get("pageSize"))
		fmt.Fprint(w, `{"list":[{"recordId":1,"recordType":4,"success":1,"username":"guest","keyboardPwd":"123456","lockDate":1700000000000},{"recordId":2,"recordType":11,"success":0}]}`)
	})

	records, err := h.client.ListRecords(context.Background(), "42", 2, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].RecordID)
	assert.True(t, records[0].Success)
	assert.Equal(t, "123456", records[0].KeyboardPwd)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000).UTC(), records[0].LockDate)
	assert.False(t, records[1].Success)
}

func TestInvalidIdentifiers(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("network must not be reached")
	})
	ctx := context.Background()

	_, err := h.client.QueryStatus(ctx, "abc")
	assert.Equal(t, KindConfig, KindOf(err))

	_, err = h.client.CreatePIN(ctx, "", time.Now(), time.Now())
	assert.Equal(t, KindConfig, KindOf(err))

	err = h.client.DeletePIN(ctx, "42", "not-a-number")
	assert.Equal(t, KindConfig, KindOf(err))
	assert.False(t, IsUnavailable(err))
}

func TestCancelledContext(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.client.RemoteUnlock(ctx, "42")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))

	_, open, _ := h.state.Get(context.Background(), circuitKey)
	assert.False(t, open, "caller cancellation does not trip the breaker")
}

func TestGeneratePIN(t *testing.T) {
	for i := 0; i < 50; i++ {
		pin, err := generatePIN()
		require.NoError(t, err)
		assert.Len(t, pin, 6)
		assert.Regexp(t, `^\d{6}$`, pin)
	}
}
