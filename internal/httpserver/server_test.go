package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/flatlanders-feed/internal/domain"
)

const testFeedURI = "at://did:plc:publisher/app.bsky.feed.generator/flatlanders"

type fakeFeeds struct {
	gotLimit  int
	gotCursor string
	skeleton  *domain.FeedSkeleton
	err       error
}

func (f *fakeFeeds) DescribeGenerator(serviceDID string) domain.GeneratorDescription {
	return domain.GeneratorDescription{DID: serviceDID, Feeds: []domain.FeedDescription{{URI: testFeedURI}}}
}

func (f *fakeFeeds) GetFeedSkeleton(_ context.Context, feedURI string, limit int, cursor string) (*domain.FeedSkeleton, error) {
	f.gotLimit = limit
	f.gotCursor = cursor
	if f.err != nil {
		return nil, f.err
	}
	if feedURI != testFeedURI {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFeed, feedURI)
	}
	return f.skeleton, nil
}

func newTestServer(t *testing.T, feeds FeedProvider) http.Handler {
	t.Helper()
	s, err := NewServer(Config{
		Port:       3000,
		ServiceDID: "did:web:feeds.example.com",
		Hostname:   "feeds.example.com",
	}, feeds, prometheus.NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s.Handler()
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func skeletonPath(query string) string {
	return "/xrpc/app.bsky.feed.getFeedSkeleton?feed=" + testFeedURI + query
}

func TestGetFeedSkeleton_OK(t *testing.T) {
	feeds := &fakeFeeds{skeleton: &domain.FeedSkeleton{
		Cursor: "1731623115.778000::cid2",
		Posts: []domain.SkeletonPost{
			{Post: "at://did:plc:a/app.bsky.feed.post/1"},
			{Post: "at://did:plc:a/app.bsky.feed.post/2"},
		},
	}}
	h := newTestServer(t, feeds)

	rec, body := get(t, h, skeletonPath("&limit=2&cursor=1731623116.000000::cid9"))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 2, feeds.gotLimit)
	assert.Equal(t, "1731623116.000000::cid9", feeds.gotCursor)
	assert.Equal(t, "1731623115.778000::cid2", body["cursor"])
	assert.Equal(t, []any{
		map[string]any{"post": "at://did:plc:a/app.bsky.feed.post/1"},
		map[string]any{"post": "at://did:plc:a/app.bsky.feed.post/2"},
	}, body["feed"])
}

func TestGetFeedSkeleton_EndOfFeedOmitsCursor(t *testing.T) {
	feeds := &fakeFeeds{skeleton: &domain.FeedSkeleton{}}
	h := newTestServer(t, feeds)

	rec, body := get(t, h, skeletonPath(""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultLimit, feeds.gotLimit)
	assert.NotContains(t, body, "cursor")
	assert.Equal(t, []any{}, body["feed"])
}

func TestGetFeedSkeleton_Errors(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		feedErr  error
		wantCode int
		wantErr  string
	}{
		{name: "missing feed", target: "/xrpc/app.bsky.feed.getFeedSkeleton", wantCode: http.StatusBadRequest, wantErr: "InvalidRequest"},
		{name: "limit too large", target: skeletonPath("&limit=101"), wantCode: http.StatusBadRequest, wantErr: "InvalidRequest"},
		{name: "limit zero", target: skeletonPath("&limit=0"), wantCode: http.StatusBadRequest, wantErr: "InvalidRequest"},
		{name: "limit not a number", target: skeletonPath("&limit=ten"), wantCode: http.StatusBadRequest, wantErr: "InvalidRequest"},
		{name: "unknown feed", target: "/xrpc/app.bsky.feed.getFeedSkeleton?feed=at://did:plc:x/app.bsky.feed.generator/other", wantCode: http.StatusBadRequest, wantErr: "UnknownFeed"},
		{name: "malformed cursor", target: skeletonPath("&cursor=bad"), feedErr: fmt.Errorf("%w: bad", domain.ErrMalformedCursor), wantCode: http.StatusBadRequest, wantErr: "BadCursor"},
		{name: "store failure", target: skeletonPath(""), feedErr: errors.New("db down"), wantCode: http.StatusInternalServerError, wantErr: "InternalError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &fakeFeeds{err: tt.feedErr, skeleton: &domain.FeedSkeleton{}})

			rec, body := get(t, h, tt.target)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}
}

func TestDescribeFeedGenerator(t *testing.T) {
	h := newTestServer(t, &fakeFeeds{})

	rec, body := get(t, h, "/xrpc/app.bsky.feed.describeFeedGenerator")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "did:web:feeds.example.com", body["did"])
	assert.Equal(t, []any{map[string]any{"uri": testFeedURI}}, body["feeds"])
}

func TestDIDDocument(t *testing.T) {
	h := newTestServer(t, &fakeFeeds{})

	rec, body := get(t, h, "/.well-known/did.json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "did:web:feeds.example.com", body["id"])

	services, ok := body["service"].([]any)
	require.True(t, ok)
	require.Len(t, services, 1)
	assert.Equal(t, "https://feeds.example.com", services[0].(map[string]any)["serviceEndpoint"])
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t, &fakeFeeds{})

	rec, body := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, _ = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `feedgen_http_requests_total{pattern="GET /health",status="200"} 1`)
}
