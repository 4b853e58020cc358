// Package broadcasthub publishes raw frames, decoded records, and periodic
// stats to an external broadcast hub (the system's stand-in for the
// original Socket.IO/Redis broadcast plane), via a `--server <url>` flag. One HTTP POST per batch; a non-2xx
// response is logged and reported as success, and a transport error is
// returned to the caller.
package broadcasthub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kstaniek/canserver/internal/can"
	"github.com/kstaniek/canserver/internal/decoder"
	"github.com/kstaniek/canserver/internal/logging"
)

// Publisher is the external broadcast-hub collaborator's interface: raw
// frames, decoded records, and periodic stats, each independently
// publishable so a caller can wire only the streams it has.
type Publisher interface {
	PublishFrames(channel string, frames []can.Frame) error
	PublishDecoded(channel string, records []decoder.DecodedRecord) error
	PublishStats(stats map[string]any) error
}

// HTTPPublisher posts batches as JSON to a configured base URL, one path
// per stream, mirroring a single `--server` flag but fanning
// out to three endpoints under it.
type HTTPPublisher struct {
	BaseURL string
	Client  *http.Client
}

// New constructs an HTTPPublisher with a bounded-timeout client.
func New(baseURL string) *HTTPPublisher {
	return &HTTPPublisher{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 2 * time.Second},
	}
}

func (p *HTTPPublisher) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.L().Warn("broadcasthub_non_2xx", "path", path, "status", resp.StatusCode)
	}
	return nil
}

func (p *HTTPPublisher) PublishFrames(channel string, frames []can.Frame) error {
	return p.post(context.Background(), "/frames", map[string]any{"channel": channel, "frames": frames})
}

func (p *HTTPPublisher) PublishDecoded(channel string, records []decoder.DecodedRecord) error {
	return p.post(context.Background(), "/decoded", map[string]any{"channel": channel, "records": records})
}

func (p *HTTPPublisher) PublishStats(stats map[string]any) error {
	return p.post(context.Background(), "/stats", stats)
}
