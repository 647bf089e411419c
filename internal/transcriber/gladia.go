package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultAPIURL = "https://api.gladia.io/v2/live"
	apiKeyHeader  = "x-gladia-key"
)

type languageConfig struct {
	Languages     []string `json:"languages"`
	CodeSwitching bool     `json:"code_switching,omitempty"`
}

type vocabularyConfig struct {
	Vocabulary []string `json:"vocabulary"`
}

type translationConfig struct {
	TargetLanguages []string `json:"target_languages"`
	Model           string   `json:"model"`
}

type realtimeProcessing struct {
	CustomVocabulary       bool               `json:"custom_vocabulary,omitempty"`
	CustomVocabularyConfig *vocabularyConfig  `json:"custom_vocabulary_config,omitempty"`
	Translation            bool               `json:"translation,omitempty"`
	TranslationConfig      *translationConfig `json:"translation_config,omitempty"`
}

// SessionRequest is the negotiation body.
type SessionRequest struct {
	Encoding                          string              `json:"encoding"`
	SampleRate                        int                 `json:"sample_rate"`
	BitDepth                          int                 `json:"bit_depth"`
	Channels                          int                 `json:"channels"`
	Endpointing                       float64             `json:"endpointing"`
	MaximumDurationWithoutEndpointing float64             `json:"maximum_duration_without_endpointing"`
	LanguageConfig                    languageConfig      `json:"language_config"`
	RealtimeProcessing                *realtimeProcessing `json:"realtime_processing,omitempty"`
}

type sessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// BuildSessionRequest maps a session config onto the negotiation body.
func BuildSessionRequest(cfg Config) SessionRequest {
	req := SessionRequest{
		Encoding:                          Encoding,
		SampleRate:                        SampleRate,
		BitDepth:                          BitDepth,
		Channels:                          Channels,
		Endpointing:                       cfg.SilenceThreshold,
		MaximumDurationWithoutEndpointing: cfg.MaxDuration,
	}

	if cfg.Language == AutoLanguage {
		req.LanguageConfig = languageConfig{Languages: append([]string(nil), Languages...), CodeSwitching: true}
	} else {
		req.LanguageConfig = languageConfig{Languages: []string{cfg.Language}}
	}

	if words := ParseVocabulary(cfg.Vocabulary); len(words) > 0 {
		req.RealtimeProcessing = &realtimeProcessing{
			CustomVocabulary:       true,
			CustomVocabularyConfig: &vocabularyConfig{Vocabulary: words},
		}
	}

	if cfg.Translating() {
		if req.RealtimeProcessing == nil {
			req.RealtimeProcessing = &realtimeProcessing{}
		}
		req.RealtimeProcessing.Translation = true
		req.RealtimeProcessing.TranslationConfig = &translationConfig{
			TargetLanguages: []string{cfg.TranslateTo},
			Model:           TranslationModel,
		}
	}
	return req
}

// Client talks to the transcription API.
type Client struct {
	apiURL string
	http   *http.Client
	dialer Dialer
	log    zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the negotiation HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithDialer replaces the socket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// NewClient creates a client for apiURL. timeout bounds each negotiation.
func NewClient(apiURL string, timeout time.Duration, log zerolog.Logger, opts ...Option) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	c := &Client{
		apiURL: apiURL,
		http:   &http.Client{Timeout: timeout},
		dialer: NewWebsocketDialer(timeout),
		log:    log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Negotiate requests a new live session and returns the socket URL.
func (c *Client) Negotiate(ctx context.Context, cfg Config) (string, error) {
	if cfg.APIKey == "" {
		return "", fmt.Errorf("%w: api key is empty", ErrUnauthorized)
	}

	body, err := json.Marshal(BuildSessionRequest(cfg))
	if err != nil {
		return "", fmt.Errorf("failed to marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, cfg.APIKey)

	c.log.Debug().Str("language", cfg.Language).Str("translateTo", cfg.TranslateTo).Msg("Negotiating session")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", ErrUnauthorized
	case resp.StatusCode == http.StatusPaymentRequired:
		return "", ErrQuotaExceeded
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warn().Int("status", resp.StatusCode).Bytes("body", msg).Msg("Session negotiation failed")
		return "", &UpstreamError{Status: resp.StatusCode}
	}

	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.URL == "" {
		return "", &UpstreamError{Status: resp.StatusCode, Err: errors.New("response carried no session url")}
	}

	c.log.Info().Str("session", out.ID).Msg("Session negotiated")
	return out.URL, nil
}

// Connect opens the socket for a negotiated session.
func (c *Client) Connect(ctx context.Context, url string, translating bool) (*Stream, error) {
	sock, err := c.dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session socket: %w", err)
	}
	return NewStream(sock, translating, c.log), nil
}
