// Package fetch retrieves CPC bulk-data archives and discovers which
// releases the bulk page offers.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Downloader opens the body of a URL. Callers must close the reader.
type Downloader interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPDownloader is a Downloader over net/http. Transient failures
// (connection errors, 429 and 5xx) are retried with backoff.
type HTTPDownloader struct {
	httpClient *http.Client
	userAgent  string
	log        *slog.Logger

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewHTTPDownloader(timeout time.Duration, log *slog.Logger) *HTTPDownloader {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPDownloader{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  "cpcetl/1.0",
		log:        log,
		sleep:      sleepCtx,
	}
}

// Open issues a GET and returns the body once a 200 arrives.
func (d *HTTPDownloader) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	var lastErr error
	for attempt := range MaxRetries {
		body, err := d.get(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == MaxRetries-1 {
			break
		}
		wait := Backoff(attempt)
		d.log.Warn("retryable download error", "url", url, "attempt", attempt, "wait", wait, "error", err)
		if err := d.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (d *HTTPDownloader) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &RetryableError{Message: err.Error()}
		}
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &RetryableError{StatusCode: resp.StatusCode, Message: string(msg)}
	}
	return nil, fmt.Errorf("get %s: status %d: %s", url, resp.StatusCode, truncate(string(msg), 200))
}

// Close releases idle connections.
func (d *HTTPDownloader) Close() {
	d.httpClient.CloseIdleConnections()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
