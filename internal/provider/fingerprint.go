package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/normanking/recall/pkg/types"
)

// Fingerprint matching modes.
const (
	ModePartial = "partial" // hummed or sung fragment, melody contour matching
	ModeFull    = "full"    // recorded track audio, acoustic fingerprint matching
)

// FingerprintConfig configures an HTTP fingerprint service.
type FingerprintConfig struct {
	// Name is the adapter name (NameHumming or NameFingerprint).
	Name string
	// Endpoint is the service base URL; requests go to Endpoint + "/identify".
	Endpoint string
	APIKey   string
	// Mode is sent to the service: ModePartial or ModeFull.
	Mode string
	// MaxResults bounds the candidates kept per response.
	MaxResults int
}

type identifyRequest struct {
	Audio string `json:"audio"`
	Mode  string `json:"mode"`
	Limit int    `json:"limit,omitempty"`
}

type identifyResponse struct {
	Status  string          `json:"status"` // match, no_match
	Matches []identifyMatch `json:"matches"`
}

type identifyMatch struct {
	Title      string  `json:"title"`
	Artist     string  `json:"artist"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Offset     float64 `json:"offset_seconds"`
}

// HTTPFingerprinter calls a JSON fingerprint-matching service.
type HTTPFingerprinter struct {
	config     FingerprintConfig
	guard      *Guard
	httpClient *http.Client
}

// NewHTTPFingerprinter creates a fingerprint adapter. The guard owns the timeout,
// so the HTTP client carries none of its own.
func NewHTTPFingerprinter(cfg FingerprintConfig, guard *Guard) *HTTPFingerprinter {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeFull
	}
	return &HTTPFingerprinter{
		config:     cfg,
		guard:      guard,
		httpClient: &http.Client{},
	}
}

// Name implements Fingerprinter.
func (f *HTTPFingerprinter) Name() string { return f.config.Name }

// Identify implements Fingerprinter.
func (f *HTTPFingerprinter) Identify(ctx context.Context, audio []byte) (FingerprintOutcome, error) {
	if f.config.Endpoint == "" {
		return nil, newError(f.config.Name, types.ErrKindNotConfigured, ErrNotConfigured)
	}
	if len(audio) == 0 {
		return nil, newError(f.config.Name, types.ErrKindInvalidInput, errors.New("empty audio"))
	}

	body, err := json.Marshal(identifyRequest{
		Audio: base64.StdEncoding.EncodeToString(audio),
		Mode:  f.config.Mode,
		Limit: f.config.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var out FingerprintOutcome
	err = f.guard.Do(ctx, func(ctx context.Context) error {
		res, err := f.call(ctx, body)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (f *HTTPFingerprinter) call(ctx context.Context, body []byte) (FingerprintOutcome, error) {
	url := strings.TrimRight(f.config.Endpoint, "/") + "/identify"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, newError(f.config.Name, types.ErrKindInvalidInput, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if f.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.config.APIKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(f.config.Name, resp)
	}

	var decoded identifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, newError(f.config.Name, types.ErrKindProviderUnavailable, fmt.Errorf("decode response: %w", err))
	}

	if decoded.Status == "no_match" || len(decoded.Matches) == 0 {
		return NoMatch{}, nil
	}

	candidates := make([]types.Candidate, 0, len(decoded.Matches))
	for _, m := range decoded.Matches {
		label := m.Title
		if m.Artist != "" {
			label = m.Title + " - " + m.Artist
		}
		if strings.TrimSpace(label) == "" {
			continue
		}
		var evidence []types.Evidence
		if m.Source != "" {
			evidence = append(evidence, types.Evidence{
				Snippet: fmt.Sprintf("matched at %.1fs", m.Offset),
				Source:  m.Source,
			})
		}
		candidates = append(candidates, types.Candidate{
			Label:      label,
			Confidence: types.ClampConfidence(m.Confidence),
			Evidence:   evidence,
			Provider:   f.config.Name,
		})
	}
	if len(candidates) == 0 {
		return NoMatch{}, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Confidence > candidates[j].Confidence })
	if len(candidates) > f.config.MaxResults {
		candidates = candidates[:f.config.MaxResults]
	}
	return Match{Candidates: candidates}, nil
}
