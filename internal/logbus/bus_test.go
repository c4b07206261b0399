package logbus

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingKeepsNewest(t *testing.T) {
	b := New(2)
	b.Publish(Event{RequestID: "a"})
	b.Publish(Event{RequestID: "b"})
	b.Publish(Event{RequestID: "c"})

	got := b.Recent()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].RequestID)
	assert.Equal(t, "c", got[1].RequestID)
	assert.False(t, got[1].TS.IsZero())
}

func TestNilBusIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(Event{RequestID: "x"})
	assert.Nil(t, b.Recent())
}

func TestServeSSEReplaysAndTails(t *testing.T) {
	b := New(10)
	b.Publish(Event{RequestID: "old", Status: 200})

	srv := httptest.NewServer(http.HandlerFunc(b.ServeSSE))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	next := func() string {
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "data: ") {
				return line
			}
		}
		return ""
	}
	assert.Contains(t, next(), `"request_id":"old"`)

	b.Publish(Event{RequestID: "new", Status: 502, Kind: "ProviderTimeoutError"})
	line := next()
	assert.Contains(t, line, `"request_id":"new"`)
	assert.Contains(t, line, `"kind":"ProviderTimeoutError"`)
}
