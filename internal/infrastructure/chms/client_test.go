package chms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"steeple-core-chms-sync-layer/internal/domain"
	"steeple-core-chms-sync-layer/internal/infrastructure/ratelimit"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCounterStore struct {
	counts map[string]int64
}

func (s *memCounterStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if s.counts == nil {
		s.counts = make(map[string]int64)
	}
	s.counts[key]++
	return s.counts[key], window, nil
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	limiter := ratelimit.NewLimiter(&memCounterStore{}, zerolog.Nop())
	limiter.RegisterBucket(domain.RateLimitBucket{Key: "test-api", Window: time.Second, Limit: 1000})
	return NewClient("pco", serverURL, "test-api", limiter, zerolog.Nop()).(*Client)
}

func TestListPageDecodesEnvelope(t *testing.T) {
	var gotAuth, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "1", "attributes": map[string]any{"first_name": "Ada"}},
				{"id": "2", "attributes": map[string]any{"first_name": "Bea"}},
			},
			"meta": map[string]any{"next": map[string]any{"offset": 100}},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	page, err := client.ListPage(context.Background(), "secret-token", "people", 0)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Contains(t, gotQuery, "offset=0")
	assert.Contains(t, gotQuery, "per_page=100")
	assert.Len(t, page.Records, 2)
	require.NotNil(t, page.NextOffset)
	assert.Equal(t, 100, *page.NextOffset)
}

func TestListPageLastPageHasNoCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "3"}},
			"meta": map[string]any{},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	page, err := client.ListPage(context.Background(), "secret-token", "people", 200)
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.Nil(t, page.NextOffset)
}

func TestCreateRecordReturnsExternalID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		data := body["data"].(map[string]any)
		assert.Equal(t, "Ada", data["attributes"].(map[string]any)["first_name"])
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "ext-42", "attributes": data["attributes"]},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	id, err := client.CreateRecord(context.Background(), "secret-token", "people",
		map[string]any{"first_name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "ext-42", id)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   domain.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, domain.ErrRateLimitExceeded},
		{"unauthorized", http.StatusUnauthorized, domain.ErrTokenRefresh},
		{"forbidden", http.StatusForbidden, domain.ErrTokenRefresh},
		{"server error", http.StatusBadGateway, domain.ErrConnection},
		{"bad request", http.StatusUnprocessableEntity, domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)
			_, err := client.ListPage(context.Background(), "secret-token", "people", 0)
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}

func TestRateHeadersFeedLimiter(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", "30")
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.ListPage(context.Background(), "secret-token", "people", 0)
	require.NoError(t, err)

	// Quota is exhausted per the server; the next request must be delayed
	// until the reported reset.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.ListPage(ctx, "secret-token", "people", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestDeleteRecord(t *testing.T) {
	var gotPath, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	err := client.DeleteRecord(context.Background(), "secret-token", "people", "ext-9")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/people/ext-9", gotPath)
}

func TestPagerFollowsCursors(t *testing.T) {
	offsets := []int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		var n int
		fmt.Sscanf(offset, "%d", &n)
		offsets = append(offsets, n)

		resp := map[string]any{
			"data": []map[string]any{{"id": fmt.Sprintf("rec-%d", n)}},
		}
		if n < 200 {
			resp["meta"] = map[string]any{"next": map[string]any{"offset": n + 100}}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	pager := NewPager(client, "secret-token", "people")

	var records []string
	for {
		page, err := pager.Next(context.Background())
		require.NoError(t, err)
		if page == nil {
			break
		}
		for _, rec := range page.Records {
			records = append(records, rec["id"].(string))
		}
	}

	assert.Equal(t, []int{0, 100, 200}, offsets)
	assert.Equal(t, []string{"rec-0", "rec-100", "rec-200"}, records)

	// Exhausted pagers stay exhausted until Reset.
	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, page)

	pager.Reset()
	page, err = pager.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, []int{0, 100, 200, 0}, offsets)
}
