package daemon

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
	"github.com/tidwall/gjson"
)

type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrames parses the stream in the background; the channel closes when
// the body ends.
func readFrames(body *bufio.Reader) <-chan sseFrame {
	out := make(chan sseFrame, 16)
	go func() {
		defer close(out)
		var cur sseFrame
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				out <- cur
				cur = sseFrame{}
			case strings.HasPrefix(line, "id: "):
				cur.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return out
}

// nextFrame returns the next frame of the given type, skipping others.
func nextFrame(t *testing.T, frames <-chan sseFrame, event string) sseFrame {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "stream ended before %s", event)
			if f.event == event {
				return f
			}
		case <-timeout:
			t.Fatalf("no %s event within 5s", event)
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server) (<-chan sseFrame, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	return readFrames(bufio.NewReader(resp.Body)), cancel
}

func TestSSEStreamsConfigEvents(t *testing.T) {
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	frames, cancel := openStream(t, srv)
	defer cancel()

	hello := nextFrame(t, frames, "connected")
	assert.Empty(t, hello.id)
	assert.Equal(t, "connected to event stream", gjson.Get(hello.data, "message").String())

	rec := do(t, d, http.MethodGet, "/api/v1/events/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "subscribers").Int())

	rec = do(t, d, http.MethodPost, "/api/v1/configs", `{"name":"a","base_url":"https://x.com","auth_token":"t1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, d, http.MethodPost, "/api/v1/configs/a/switch", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	changed := nextFrame(t, frames, string(EventConfigChanged))
	assert.NotEmpty(t, changed.id)
	assert.Equal(t, "add", gjson.Get(changed.data, "operation").String())
	assert.Equal(t, "a", gjson.Get(changed.data, "sections.0").String())

	switched := nextFrame(t, frames, string(EventConfigSwitched))
	assert.Equal(t, "a", gjson.Get(switched.data, "to").String())
	assert.NotContains(t, switched.data, "t1")

	cancel()
	assert.Eventually(t, func() bool {
		return d.eventBus.SubscriberCount() == 0
	}, 5*time.Second, 10*time.Millisecond, "subscriber released after disconnect")
}

func TestSSEHeartbeatAndShutdown(t *testing.T) {
	d := newTestDaemon(t)
	d.heartbeat = 20 * time.Millisecond
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	frames, cancel := openStream(t, srv)
	defer cancel()

	nextFrame(t, frames, "connected")
	status := nextFrame(t, frames, string(EventDaemonStatus))
	assert.Equal(t, "running", gjson.Get(status.data, "status").String())
	assert.Equal(t, int64(1), gjson.Get(status.data, "subscribers").Int())

	close(d.shutdownCh)
	bye := nextFrame(t, frames, "shutdown")
	assert.Equal(t, "daemon shutting down", gjson.Get(bye.data, "message").String())

	// The handler returns after the shutdown frame, ending the body.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("stream still open after shutdown")
		}
	}
}
