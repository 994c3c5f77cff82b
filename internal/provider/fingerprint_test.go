package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/recall/pkg/types"
)

func newFingerprintServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *HTTPFingerprinter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	fp := NewHTTPFingerprinter(FingerprintConfig{
		Name:     NameHumming,
		Endpoint: srv.URL,
		APIKey:   "test-key",
		Mode:     ModePartial,
	}, newTestGuard(NameHumming, time.Second))
	return srv, fp
}

func TestHTTPFingerprinter_Match(t *testing.T) {
	_, fp := newFingerprintServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/identify", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req identifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, ModePartial, req.Mode)
		assert.NotEmpty(t, req.Audio)

		_ = json.NewEncoder(w).Encode(identifyResponse{
			Status: "match",
			Matches: []identifyMatch{
				{Title: "Clair de Lune", Artist: "Debussy", Confidence: 0.62, Source: "corpus:123"},
				{Title: "Gymnopédie No.1", Artist: "Satie", Confidence: 0.91, Source: "corpus:456"},
			},
		})
	})

	out, err := fp.Identify(context.Background(), []byte{1, 2, 3, 4})
	require.NoError(t, err)

	match, ok := out.(Match)
	require.True(t, ok, "expected Match, got %T", out)
	require.Len(t, match.Candidates, 2)
	assert.Equal(t, "Gymnopédie No.1 - Satie", match.Candidates[0].Label, "sorted best first")
	assert.Equal(t, NameHumming, match.Candidates[0].Provider)
	assert.Equal(t, "corpus:456", match.Candidates[0].Evidence[0].Source)
}

func TestHTTPFingerprinter_NoMatch(t *testing.T) {
	_, fp := newFingerprintServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"no_match","matches":[]}`))
	})
	out, err := fp.Identify(context.Background(), []byte{1})
	require.NoError(t, err)
	assert.IsType(t, NoMatch{}, out)
}

func TestHTTPFingerprinter_StatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		want     types.ErrorKind
		attempts int32
	}{
		{"unauthorized", http.StatusUnauthorized, types.ErrKindUnauthenticated, 1},
		{"bad request", http.StatusBadRequest, types.ErrKindInvalidInput, 1},
		{"server error retried", http.StatusServiceUnavailable, types.ErrKindProviderUnavailable, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			_, fp := newFingerprintServer(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				http.Error(w, "nope", tt.status)
			})
			_, err := fp.Identify(context.Background(), []byte{1})
			assert.Equal(t, tt.want, KindOf(err))
			assert.Equal(t, tt.attempts, hits.Load())
		})
	}
}

func TestHTTPFingerprinter_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	fp := NewHTTPFingerprinter(FingerprintConfig{Name: NameFingerprint, Endpoint: srv.URL},
		newTestGuard(NameFingerprint, 30*time.Millisecond))
	_, err := fp.Identify(context.Background(), []byte{1})
	assert.Equal(t, types.ErrKindTimeout, KindOf(err))
}

func TestHTTPFingerprinter_NotConfigured(t *testing.T) {
	fp := NewHTTPFingerprinter(FingerprintConfig{Name: NameFingerprint}, newTestGuard(NameFingerprint, time.Second))
	_, err := fp.Identify(context.Background(), []byte{1})
	assert.True(t, IsSkippable(err))
}
