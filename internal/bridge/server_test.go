package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatfuse/internal/chat"
	"chatfuse/internal/ingest"
	"chatfuse/internal/logger"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(Config{Addr: "127.0.0.1:0"}, logger.NopLogger())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dial(t *testing.T, s *Server, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+path, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// collect returns a snapshot func over the messages the server emitted.
func collect(s *Server) func() []chat.Message {
	var mu sync.Mutex
	var msgs []chat.Message
	s.OnMessage(func(m chat.Message) {
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
	})
	return func() []chat.Message {
		mu.Lock()
		defer mu.Unlock()
		out := make([]chat.Message, len(msgs))
		copy(out, msgs)
		return out
	}
}

func waitForMessages(t *testing.T, snapshot func() []chat.Message, n int) []chat.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(snapshot()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return snapshot()
}

func TestCommentBecomesMessage(t *testing.T) {
	s := startTestServer(t)
	snapshot := collect(s)
	conn := dial(t, s, "/")

	frame := `{"type":"comment","data":{"id":"a1","username":"bob","text":"hi","timestamp":1700000000000}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	msgs := waitForMessages(t, snapshot, 1)
	m := msgs[0]
	assert.Equal(t, chat.PlatformInstagram, m.Platform, "missing platform defaults to instagram")
	assert.Equal(t, "a1", m.ID)
	assert.Equal(t, "bob", m.Username)
	assert.Equal(t, "hi", m.Text)
	assert.Equal(t, time.UnixMilli(1700000000000), m.Timestamp)
}

func TestPathHintSuppliesPlatform(t *testing.T) {
	s := startTestServer(t)
	snapshot := collect(s)
	conn := dial(t, s, "/tiktok")

	frame := `{"type":"comment","data":{"id":"a1","username":"bob","text":"hi"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	msgs := waitForMessages(t, snapshot, 1)
	assert.Equal(t, chat.PlatformTikTok, msgs[0].Platform)
}

func TestPayloadPlatformWinsOverHint(t *testing.T) {
	s := startTestServer(t)
	snapshot := collect(s)
	conn := dial(t, s, "/tiktok")

	frame := `{"type":"comment","data":{"id":"a1","username":"bob","text":"hi","platform":"youtube"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	msgs := waitForMessages(t, snapshot, 1)
	assert.Equal(t, chat.PlatformYouTube, msgs[0].Platform)
}

func TestEmptyTextDiscarded(t *testing.T) {
	s := startTestServer(t)
	snapshot := collect(s)
	conn := dial(t, s, "/")

	frames := []string{
		`{"type":"comment","data":{"id":"a1","username":"bob","text":""}}`,
		`{"type":"comment","data":{"id":"a2","username":"bob"}}`,
		`{"type":"comment"}`,
		`{"type":"comment","data":{"id":"a3","username":"bob","text":"kept"}}`,
	}
	for _, f := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	msgs := waitForMessages(t, snapshot, 1)
	require.Len(t, msgs, 1, "empty-text payloads are silently discarded")
	assert.Equal(t, "kept", msgs[0].Text)
}

func TestMissingIDGenerated(t *testing.T) {
	s := startTestServer(t)
	snapshot := collect(s)
	conn := dial(t, s, "/")

	frame := `{"type":"comment","data":{"username":"bob","text":"hi"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	msgs := waitForMessages(t, snapshot, 2)
	assert.NotEmpty(t, msgs[0].ID)
	assert.NotEmpty(t, msgs[1].ID)
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID, "generated ids must be unique")
}

func TestBatchedFrameDeliversEveryComment(t *testing.T) {
	s := startTestServer(t)
	snapshot := collect(s)
	conn := dial(t, s, "/")

	// One text frame may batch several newline-delimited envelopes.
	frame := `{"type":"comment","data":{"id":"a1","username":"bob","text":"first"}}` + "\n" +
		`{"type":"comment","data":{"id":"a2","username":"bob","text":"second"}}` + "\n"
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	msgs := waitForMessages(t, snapshot, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	s := startTestServer(t)
	snapshot := collect(s)
	conn := dial(t, s, "/")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	frame := `{"type":"comment","data":{"id":"a1","username":"bob","text":"still here"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	msgs := waitForMessages(t, snapshot, 1)
	assert.Equal(t, "still here", msgs[0].Text)
}

func TestInformationalAndUnknownTypesIgnored(t *testing.T) {
	s := startTestServer(t)
	snapshot := collect(s)
	conn := dial(t, s, "/")

	frames := []string{
		`{"type":"connected","platform":"instagram","url":"https://instagram.com/live","timestamp":1700000000000}`,
		`{"type":"status","detail":"scraping"}`,
		`{"type":"pong"}`,
		`{"type":"something_new","data":{"text":"ignored"}}`,
		`{"type":"comment","data":{"id":"a1","username":"bob","text":"hi"}}`,
	}
	for _, f := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	msgs := waitForMessages(t, snapshot, 1)
	require.Len(t, msgs, 1)
}

func TestPlainHTTPReturnsStatus(t *testing.T) {
	s := startTestServer(t)
	conn := dial(t, s, "/")
	_ = conn

	require.Eventually(t, func() bool { return s.ClientCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body statusBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Clients)
}

func TestSessionRemovedOnClose(t *testing.T) {
	s := startTestServer(t)
	conn := dial(t, s, "/")

	require.Eventually(t, func() bool { return s.ClientCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.ClientCount() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestBindFailureIsFatal(t *testing.T) {
	first := startTestServer(t)

	second := NewServer(Config{Addr: first.Addr()}, logger.NopLogger())
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, ingest.StateError, second.State())
	assert.Error(t, second.LastError())
}

func TestStartStopLifecycle(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0"}, logger.NopLogger())
	assert.Equal(t, ingest.StateDisconnected, s.State())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, ingest.StateConnected, s.State())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, ingest.StateDisconnected, s.State())
}
