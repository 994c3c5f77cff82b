package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/recall/pkg/types"
)

// sttServer runs a fake streaming STT service. reply decides what to send after stop.
func sttServer(t *testing.T, reply func(conn *websocket.Conn, audioBytes int)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer stt-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var start sttControl
		if err := conn.ReadJSON(&start); err != nil || start.Type != "start" {
			return
		}
		total := 0
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				total += len(data)
				continue
			}
			if strings.Contains(string(data), `"stop"`) {
				break
			}
		}
		reply(conn, total)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamingTranscriber_Final(t *testing.T) {
	audio := make([]byte, 10000)
	url := sttServer(t, func(conn *websocket.Conn, n int) {
		assert.Equal(t, 10000, n)
		_ = conn.WriteJSON(sttEvent{Type: "partial", Text: "what's the song"})
		_ = conn.WriteJSON(sttEvent{Type: "final", Text: "what's the song that goes", Confidence: 0.93, Language: "en"})
	})

	tr := NewStreamingTranscriber(TranscriberConfig{Endpoint: url, APIKey: "stt-key"}, newTestGuard(NameTranscriber, 2*time.Second))
	got, err := tr.Transcribe(context.Background(), audio)
	require.NoError(t, err)
	assert.Equal(t, "what's the song that goes", got.Text)
	assert.Equal(t, 0.93, got.Confidence)
	assert.Equal(t, "en", got.Language)
}

func TestStreamingTranscriber_ServerError(t *testing.T) {
	url := sttServer(t, func(conn *websocket.Conn, _ int) {
		_ = conn.WriteJSON(sttEvent{Type: "error", Code: "invalid_audio", Message: "not pcm"})
	})
	tr := NewStreamingTranscriber(TranscriberConfig{Endpoint: url, APIKey: "stt-key"}, newTestGuard(NameTranscriber, 2*time.Second))
	_, err := tr.Transcribe(context.Background(), []byte{1, 2})
	assert.Equal(t, types.ErrKindInvalidInput, KindOf(err))
}

func TestStreamingTranscriber_HandshakeRejected(t *testing.T) {
	url := sttServer(t, func(*websocket.Conn, int) {})
	tr := NewStreamingTranscriber(TranscriberConfig{Endpoint: url, APIKey: "wrong"}, newTestGuard(NameTranscriber, 2*time.Second))
	_, err := tr.Transcribe(context.Background(), []byte{1, 2})
	assert.Equal(t, types.ErrKindUnauthenticated, KindOf(err))
}

func TestStreamingTranscriber_Timeout(t *testing.T) {
	url := sttServer(t, func(conn *websocket.Conn, _ int) {
		time.Sleep(300 * time.Millisecond)
	})
	tr := NewStreamingTranscriber(TranscriberConfig{Endpoint: url, APIKey: "stt-key"}, newTestGuard(NameTranscriber, 50*time.Millisecond))
	_, err := tr.Transcribe(context.Background(), []byte{1, 2})
	assert.Equal(t, types.ErrKindTimeout, KindOf(err))
}

func TestStreamingTranscriber_NotConfiguredAndEmpty(t *testing.T) {
	tr := NewStreamingTranscriber(TranscriberConfig{}, newTestGuard(NameTranscriber, time.Second))
	_, err := tr.Transcribe(context.Background(), []byte{1})
	assert.True(t, IsSkippable(err))

	tr = NewStreamingTranscriber(TranscriberConfig{Endpoint: "ws://127.0.0.1:1"}, newTestGuard(NameTranscriber, time.Second))
	_, err = tr.Transcribe(context.Background(), nil)
	assert.Equal(t, types.ErrKindInvalidInput, KindOf(err))
}
