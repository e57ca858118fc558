package nextdns

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{
		APIKey:    "test-key-123",
		ProfileID: "abc123",
		BaseURL:   srv.URL,
		Retries:   1,
		CacheTTL:  time.Minute,
		RateLimit: 1000,
		RateWin:   time.Second,
	})
}

func listHandler(domains ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := make([]map[string]any, 0, len(domains))
		for _, d := range domains {
			entries = append(entries, map[string]any{"id": d, "active": true})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": entries})
	}
}

func TestGetDenylist_SendsAPIKey(t *testing.T) {
	var gotKey, gotPath string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotPath = r.URL.Path
		listHandler("reddit.com", "news.ycombinator.com")(w, r)
	}))

	domains, err := c.GetDenylist(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"reddit.com", "news.ycombinator.com"}, domains)
	require.Equal(t, "test-key-123", gotKey)
	require.Equal(t, "/profiles/abc123/denylist", gotPath)
}

func TestGetDenylist_CachesWithinTTL(t *testing.T) {
	var calls int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		listHandler("reddit.com")(w, r)
	}))

	for i := 0; i < 5; i++ {
		_, err := c.GetDenylist(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAddDeny_SkipsWhenPresent(t *testing.T) {
	var posts int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			atomic.AddInt32(&posts, 1)
			w.WriteHeader(http.StatusOK)
			return
		}
		listHandler("reddit.com")(w, r)
	}))

	require.NoError(t, c.AddDeny(context.Background(), "reddit.com"))
	require.NoError(t, c.AddDeny(context.Background(), "Reddit.COM."))
	require.Equal(t, int32(0), atomic.LoadInt32(&posts))
}

func TestAddDeny_PostsOnceAndInvalidates(t *testing.T) {
	var posts, gets int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			atomic.AddInt32(&posts, 1)
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "bumble.com", body["id"])
			require.Equal(t, true, body["active"])
			w.WriteHeader(http.StatusCreated)
		default:
			atomic.AddInt32(&gets, 1)
			listHandler("reddit.com")(w, r)
		}
	}))

	require.NoError(t, c.AddDeny(context.Background(), "bumble.com"))
	require.Equal(t, int32(1), atomic.LoadInt32(&posts))

	// Cache was invalidated, so the next read refetches.
	_, err := c.GetDenylist(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&gets))
}

func TestAddDeny_RejectsInvalidDomain(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for an invalid domain")
	}))

	err := c.AddDeny(context.Background(), "not a domain")
	require.ErrorIs(t, err, ErrInvalidDomain)
}

func TestRemoveDeny_AbsentIsNoop(t *testing.T) {
	var deletes int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			atomic.AddInt32(&deletes, 1)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		listHandler()(w, r)
	}))

	require.NoError(t, c.RemoveDeny(context.Background(), "reddit.com"))
	require.Equal(t, int32(0), atomic.LoadInt32(&deletes))
}

func TestRemoveDeny_TreatsNotFoundAsGone(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		listHandler("reddit.com")(w, r)
	}))

	require.NoError(t, c.RemoveDeny(context.Background(), "reddit.com"))
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		listHandler("reddit.com")(w, r)
	}))

	domains, err := c.GetDenylist(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"reddit.com"}, domains)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDo_UnauthorizedIsPermanent(t *testing.T) {
	var calls int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.GetDenylist(context.Background())
	require.Error(t, err)
	require.True(t, IsPermanent(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestSetService_CreatesOnNotFound(t *testing.T) {
	var patched, posted int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			atomic.AddInt32(&patched, 1)
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			atomic.AddInt32(&posted, 1)
			require.Equal(t, "/profiles/abc123/parentalControl/services", r.URL.Path)
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "tiktok", body["id"])
			require.Equal(t, true, body["active"])
			w.WriteHeader(http.StatusCreated)
		}
	}))

	require.NoError(t, c.SetService(context.Background(), "tiktok", true))
	require.Equal(t, int32(1), atomic.LoadInt32(&patched))
	require.Equal(t, int32(1), atomic.LoadInt32(&posted))
}

func TestGetParentalControl(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"categories": []map[string]any{{"id": "gambling", "active": true}},
			"services":   []map[string]any{{"id": "tiktok", "active": false}},
		}})
	}))

	pc, err := c.GetParentalControl(context.Background())
	require.NoError(t, err)
	require.True(t, pc.Categories["gambling"])
	require.False(t, pc.Services["tiktok"])
}

func TestBackoff_HonorsRetryAfter(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"5"}},
	}
	require.Equal(t, 5*time.Second, backoff(retryWaitMin, retryWaitMax, 0, resp))

	resp.Header.Set("Retry-After", "600")
	require.Equal(t, maxRetryAfterHint, backoff(retryWaitMin, retryWaitMax, 0, resp))
}

func TestBackoff_ExponentialCapped(t *testing.T) {
	for attempt, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		got := backoff(retryWaitMin, retryWaitMax, attempt, nil)
		require.GreaterOrEqual(t, got, want)
		require.Less(t, got, want+time.Second)
	}
	got := backoff(retryWaitMin, retryWaitMax, 10, nil)
	require.LessOrEqual(t, got, retryWaitMax+time.Second)
}
