package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajiaco/pkg/domain"
)

func TestServeWSStreamsAndReplays(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub := NewHub()
	require.NoError(t, hub.Publish(ctx, "S1", roleEvent(1000, 1)))
	require.NoError(t, hub.Publish(ctx, "S1", roleEvent(1000, 2)))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since := int64(-1)
		if raw := r.URL.Query().Get("since"); raw != "" {
			since, _ = strconv.ParseInt(raw, 10, 64)
		}
		ServeWS(hub, nil, w, r, "S1", since)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live?since=1"
	conn, err := Dial(ctx, url)
	require.NoError(t, err)

	replayed, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), replayed.Seq)

	require.Eventually(t, func() bool { return hub.Subscribers("S1") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Publish(ctx, "S1", Event{Model: domain.EntitySession, ModelID: 1, Fields: map[string]any{"demo": true}}))
	live, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, domain.EntitySession, live.Model)
	assert.Equal(t, true, live.Fields["demo"])

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers("S1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	assert.Error(t, err)
}
