package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amanullahtanweer/caption-relay/internal/broadcast"
)

// Publisher delivers extracted caption text to the broadcast hub.
type Publisher interface {
	Publish(ctx context.Context, text string) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, text string) error

func (f PublisherFunc) Publish(ctx context.Context, text string) error { return f(ctx, text) }

// HubPublisher publishes straight into an in-process hub.
type HubPublisher struct {
	Hub *broadcast.Hub
}

func (p HubPublisher) Publish(_ context.Context, text string) error {
	p.Hub.PublishText(text)
	return nil
}

// HTTPPublisher posts captions to a relay's /broadcast endpoint.
type HTTPPublisher struct {
	serverURL  string
	httpClient *http.Client
}

// NewHTTPPublisher targets the relay at serverURL.
func NewHTTPPublisher(serverURL string, timeout time.Duration) *HTTPPublisher {
	return &HTTPPublisher{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Publish -> POST {SERVER_URL}/broadcast
func (p *HTTPPublisher) Publish(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to marshal caption: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/broadcast", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
