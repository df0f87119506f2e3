package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/abelbrown/feedline/internal/restore"
)

// HTTPStore keeps history at a single URL: PUT uploads, GET downloads.
// A 404 on download means nothing has been uploaded yet.
type HTTPStore struct {
	url      string
	apiKey   string
	client   *http.Client
	backoffs []time.Duration
	now      func() time.Time
}

// HTTPOption configures an HTTPStore.
type HTTPOption func(*HTTPStore)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPStore) { s.client = c }
}

// WithBackoffs sets the retry delays. One retry per entry.
func WithBackoffs(b ...time.Duration) HTTPOption {
	return func(s *HTTPStore) { s.backoffs = b }
}

// NewHTTPStore creates a store for url. apiKey may be empty.
func NewHTTPStore(url, apiKey string, opts ...HTTPOption) *HTTPStore {
	s := &HTTPStore{
		url:      url,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		backoffs: []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload replaces the remote history with snaps.
func (s *HTTPStore) Upload(ctx context.Context, snaps []restore.Snapshot) error {
	body, err := json.Marshal(document{UpdatedAt: s.now().UTC(), Snapshots: snaps})
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, _, err = s.doWithRetry(ctx, http.MethodPut, body)
	return err
}

// Download fetches the remote history.
func (s *HTTPStore) Download(ctx context.Context) ([]restore.Snapshot, error) {
	status, body, err := s.doWithRetry(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound || len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return doc.Snapshots, nil
}

// doWithRetry retries on transport errors, 429 and 5xx. Retry-After is
// honored on 429, capped at 30s.
func (s *HTTPStore) doWithRetry(ctx context.Context, method string, payload []byte) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= len(s.backoffs); attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.url, reqBody)
		if err != nil {
			return 0, nil, fmt.Errorf("create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if s.apiKey != "" {
			req.Header.Set("x-api-key", s.apiKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, fmt.Errorf("request cancelled: %w", ctx.Err())
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			if err := s.sleep(ctx, attempt, 0); err != nil {
				return 0, nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response: %w", readErr)
			if err := s.sleep(ctx, attempt, 0); err != nil {
				return 0, nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp.StatusCode, body, nil
		case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
			return resp.StatusCode, nil, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("sync server error (status %d): %s", resp.StatusCode, string(body))
			var retryAfter time.Duration
			if resp.StatusCode == http.StatusTooManyRequests {
				if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
					retryAfter = min(time.Duration(seconds)*time.Second, 30*time.Second)
				}
			}
			if err := s.sleep(ctx, attempt, retryAfter); err != nil {
				return 0, nil, err
			}
			continue
		}

		return resp.StatusCode, nil, fmt.Errorf("sync server error (status %d): %s", resp.StatusCode, string(body))
	}

	return 0, nil, fmt.Errorf("sync request failed after %d retries: %w", len(s.backoffs), lastErr)
}

func (s *HTTPStore) sleep(ctx context.Context, attempt int, override time.Duration) error {
	if attempt >= len(s.backoffs) {
		return nil
	}
	delay := s.backoffs[attempt]
	if override > 0 {
		delay = override
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
