package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/normanking/recall/pkg/types"
)

// DefaultChunkSize is 100ms of 16 kHz mono 16-bit PCM.
const DefaultChunkSize = 3200

// TranscriberConfig holds configuration for the streaming speech-to-text client.
type TranscriberConfig struct {
	// Endpoint is the WebSocket endpoint, e.g. wss://stt.example.com/v1/stream
	Endpoint string
	// APIKey is sent as a bearer token during the handshake.
	APIKey string
	// SampleRate of the submitted PCM audio.
	SampleRate int
	// ChunkSize is the number of bytes per binary frame.
	ChunkSize int
}

// sttControl is a client-to-server control frame.
type sttControl struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

// sttEvent is a server-to-client frame.
type sttEvent struct {
	Type       string  `json:"type"` // partial, final, error
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Code       string  `json:"code"`
	Message    string  `json:"message"`
}

// StreamingTranscriber streams audio over a WebSocket session and waits for the final transcript.
type StreamingTranscriber struct {
	config TranscriberConfig
	guard  *Guard
	dialer websocket.Dialer
}

// NewStreamingTranscriber creates the speech-to-text adapter.
func NewStreamingTranscriber(cfg TranscriberConfig, guard *Guard) *StreamingTranscriber {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &StreamingTranscriber{
		config: cfg,
		guard:  guard,
		dialer: websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}
}

// Transcribe implements Transcriber.
func (s *StreamingTranscriber) Transcribe(ctx context.Context, audio []byte) (Transcript, error) {
	if s.config.Endpoint == "" {
		return Transcript{}, newError(NameTranscriber, types.ErrKindNotConfigured, ErrNotConfigured)
	}
	if len(audio) == 0 {
		return Transcript{}, newError(NameTranscriber, types.ErrKindInvalidInput, errors.New("empty audio"))
	}

	var out Transcript
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		t, err := s.session(ctx, audio)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *StreamingTranscriber) session(ctx context.Context, audio []byte) (Transcript, error) {
	header := http.Header{}
	if s.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.config.Endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return Transcript{}, newError(NameTranscriber, kindForStatus(resp.StatusCode),
				fmt.Errorf("handshake status %d", resp.StatusCode))
		}
		return Transcript{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		_ = conn.SetWriteDeadline(dl)
	}
	// Unblock reads when the turn is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(sttControl{Type: "start", SampleRate: s.config.SampleRate, Encoding: "pcm_s16le"}); err != nil {
		return Transcript{}, s.ioError(ctx, "write start", err)
	}
	for off := 0; off < len(audio); off += s.config.ChunkSize {
		end := min(off+s.config.ChunkSize, len(audio))
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[off:end]); err != nil {
			return Transcript{}, s.ioError(ctx, "write audio", err)
		}
	}
	if err := conn.WriteJSON(sttControl{Type: "stop"}); err != nil {
		return Transcript{}, s.ioError(ctx, "write stop", err)
	}

	var partial string
	for {
		var ev sttEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return Transcript{}, s.ioError(ctx, "read", err)
		}
		switch ev.Type {
		case "partial":
			partial = ev.Text
		case "final":
			text := ev.Text
			if text == "" {
				text = partial
			}
			return Transcript{Text: text, Confidence: types.ClampConfidence(ev.Confidence), Language: ev.Language}, nil
		case "error":
			return Transcript{}, newError(NameTranscriber, kindForSTTCode(ev.Code), fmt.Errorf("%s: %s", ev.Code, ev.Message))
		}
	}
}

// ioError prefers the context's error over the connection error it caused.
func (s *StreamingTranscriber) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%s: %w", op, err)
}

func kindForSTTCode(code string) types.ErrorKind {
	switch code {
	case "unauthorized", "forbidden":
		return types.ErrKindUnauthenticated
	case "invalid_audio", "unsupported_format", "bad_request":
		return types.ErrKindInvalidInput
	default:
		return types.ErrKindProviderUnavailable
	}
}
