// Package gateway relays delivery events to an external notification
// gateway over HTTP. Delivery is best effort; failures are logged and
// never surfaced to the request that produced the event.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Relay posts JSON event envelopes to a configured gateway URL.
type Relay struct {
	url    string
	client *http.Client
}

// NewRelay creates a relay. An empty url disables it.
func NewRelay(url string, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Relay{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// IsConfigured reports whether events will actually be sent anywhere.
func (r *Relay) IsConfigured() bool {
	return r != nil && r.url != ""
}

// Notify sends the envelope in a background goroutine and returns
// immediately.
func (r *Relay) Notify(envelope any) {
	if !r.IsConfigured() {
		return
	}
	go func() {
		if err := r.post(envelope); err != nil {
			log.Printf("gateway: notify failed: %v", err)
		}
	}()
}

func (r *Relay) post(envelope any) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}
