package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"collabkit/runtime"
)

// ErrNotFound is returned when the relay has no saved state for a
// document.
var ErrNotFound = fmt.Errorf("not found")

// APIError carries the HTTP status and the error message from the relay.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Provider connects a Document to a relay: it broadcasts the document's
// Send events and polls the relay's log into Receive. The document is
// single-threaded, so the provider serializes every entry point behind
// one mutex; application code shares that lock through Do.
type Provider struct {
	doc     *runtime.Document
	baseURL string
	docID   string
	session string

	mu         sync.Mutex
	cursor     int
	httpClient *http.Client
	interval   time.Duration
	outbox     chan []byte
}

// NewProvider creates a provider for one document on one relay.
// interval is the poll period; zero means one second.
func NewProvider(baseURL, docID string, doc *runtime.Document, interval time.Duration) *Provider {
	if interval == 0 {
		interval = time.Second
	}
	p := &Provider{
		doc:        doc,
		baseURL:    baseURL,
		docID:      docID,
		session:    uuid.NewString(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		interval:   interval,
		outbox:     make(chan []byte, 1024),
	}
	doc.OnSend(func(data []byte) {
		p.outbox <- data
	})
	return p
}

// Do runs f while holding the provider's document lock. All application
// access to the document must go through here once Run has started.
func (p *Provider) Do(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f()
}

// Run polls the relay and drains the outbox until ctx is cancelled.
func (p *Provider) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.pollLoop(ctx) })
	g.Go(func() error { return p.sendLoop(ctx) })
	return g.Wait()
}

func (p *Provider) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				log.Printf("relay poll: %v", err)
			}
		}
	}
}

func (p *Provider) poll(ctx context.Context) error {
	p.mu.Lock()
	since := p.cursor
	p.mu.Unlock()

	var result struct {
		Updates [][]byte `json:"updates"`
		Next    int      `json:"next"`
	}
	url := fmt.Sprintf("%s/docs/%s/updates?since=%d", p.baseURL, p.docID, since)
	if err := p.getJSON(ctx, url, &result); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, data := range result.Updates {
		// Self-delivery and duplicates are dropped by the causal buffer.
		if err := p.doc.Receive(data, p.session); err != nil {
			log.Printf("relay receive: %v", err)
		}
	}
	p.cursor = result.Next
	return nil
}

func (p *Provider) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-p.outbox:
			if err := p.postUpdate(ctx, data); err != nil {
				log.Printf("relay send: %v", err)
			}
		}
	}
}

// postUpdate pushes one transaction with exponential-backoff retries so
// a briefly overloaded relay is not hammered by every client at once.
func (p *Provider) postUpdate(ctx context.Context, data []byte) error {
	const maxRetries = 3
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))*100) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		url := fmt.Sprintf("%s/docs/%s/updates", p.baseURL, p.docID)
		if err = p.postJSON(ctx, http.MethodPost, url, map[string][]byte{"data": data}, nil); err == nil {
			return nil
		}
	}
	return fmt.Errorf("post update after %d attempts: %w", maxRetries, err)
}

// PushState uploads the document's saved state to the relay.
func (p *Provider) PushState(ctx context.Context) error {
	var data []byte
	var err error
	p.Do(func() { data, err = p.doc.Save() })
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/docs/%s/state", p.baseURL, p.docID)
	return p.postJSON(ctx, http.MethodPut, url, map[string][]byte{"data": data}, nil)
}

// PullState downloads and loads the relay's saved state, if any.
func (p *Provider) PullState(ctx context.Context) error {
	var result struct {
		Data []byte `json:"data"`
	}
	url := fmt.Sprintf("%s/docs/%s/state", p.baseURL, p.docID)
	if err := p.getJSON(ctx, url, &result); err != nil {
		return err
	}
	var loadErr error
	p.Do(func() { loadErr = p.doc.Load(result.Data, p.session) })
	return loadErr
}

// ─── HTTP plumbing ───────────────────────────────────────────────────────

func (p *Provider) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *Provider) postJSON(ctx context.Context, method, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// checkStatus converts HTTP error responses into Go errors.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
