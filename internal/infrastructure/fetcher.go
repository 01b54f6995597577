package infrastructure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sglre6355/meteogram/internal/domain"
)

const (
	maxReadChunk     = 32 * 1024
	fallbackEstimate = 64 * 1024
	// Content-Length is not trusted beyond this when preallocating.
	maxPrealloc = 8 << 20
)

// StreamFetcher downloads a resource into memory while reporting 0-100 progress.
// A fetcher serves one download at a time.
type StreamFetcher struct {
	name          string
	client        *http.Client
	circuit       *gobreaker.CircuitBreaker
	logger        *slog.Logger
	acceptContent func(contentType string) bool

	cancelled atomic.Bool
}

// FetcherOption configures a StreamFetcher.
type FetcherOption func(*StreamFetcher)

// WithFetcherLogger overrides the logger used for stream diagnostics.
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *StreamFetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithCircuitBreaker replaces the breaker guarding connection setup.
func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) FetcherOption {
	return func(f *StreamFetcher) {
		if cb != nil {
			f.circuit = cb
		}
	}
}

// NewMetadataFetcher returns a fetcher for the small text document announcing the model start.
func NewMetadataFetcher(client *http.Client, opts ...FetcherOption) *StreamFetcher {
	return newStreamFetcher("metadata", client, nil, opts...)
}

// NewImageFetcher returns a fetcher for rendered forecast images. Responses declaring a
// non-image content type are rejected.
func NewImageFetcher(client *http.Client, opts ...FetcherOption) *StreamFetcher {
	return newStreamFetcher("image", client, isImageContent, opts...)
}

func newStreamFetcher(
	name string,
	client *http.Client,
	acceptContent func(string) bool,
	opts ...FetcherOption,
) *StreamFetcher {
	if client == nil {
		client = http.DefaultClient
	}

	f := &StreamFetcher{
		name:          name,
		client:        client,
		logger:        slog.Default(),
		acceptContent: acceptContent,
		circuit: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    5 * time.Minute,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Cancel asks Fetch to stop. The read loop observes the request on its next iteration; blocked
// reads are unblocked by cancelling the context passed to Fetch. The request stays in effect,
// including for a Fetch that has not started yet, until Reset is called.
func (f *StreamFetcher) Cancel() {
	f.cancelled.Store(true)
}

// Reset clears an earlier Cancel so the fetcher can serve the next download.
func (f *StreamFetcher) Reset() {
	f.cancelled.Store(false)
}

// Fetch reads the resource at rawURL to exhaustion. sizeHint paces progress when the server
// does not report a content length; it never limits the read. onProgress receives strictly
// increasing values in 1..100.
func (f *StreamFetcher) Fetch(
	ctx context.Context,
	rawURL string,
	sizeHint int64,
	onProgress func(int),
) ([]byte, error) {
	if _, err := domain.ParseHTTPURL(rawURL); err != nil {
		return nil, err
	}
	if f.stopped(ctx) {
		return nil, fmt.Errorf("%s fetch: %w", f.name, domain.ErrCancelled)
	}

	resp, err := f.open(ctx, rawURL)
	if err != nil {
		if f.stopped(ctx) {
			return nil, fmt.Errorf("%s fetch: %w", f.name, domain.ErrCancelled)
		}
		return nil, err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total <= 0 {
		total = sizeHint
	}
	if total <= 0 {
		total = fallbackEstimate
	}

	chunk := total / 100
	if chunk < 1 {
		chunk = 1
	}
	if chunk > maxReadChunk {
		chunk = maxReadChunk
	}

	var (
		buf      bytes.Buffer
		block    = make([]byte, chunk)
		read     int64
		reported int
	)
	if resp.ContentLength > 0 {
		buf.Grow(int(min(resp.ContentLength, maxPrealloc)))
	}

	for {
		if f.stopped(ctx) {
			f.logger.Debug("stream fetch cancelled", slog.String("fetcher", f.name), slog.Int64("read", read))
			return nil, fmt.Errorf("%s fetch: %w", f.name, domain.ErrCancelled)
		}

		n, readErr := resp.Body.Read(block)
		if n > 0 {
			buf.Write(block[:n])
			read += int64(n)

			if progress := percentOf(read, total); progress > reported {
				reported = progress
				if onProgress != nil {
					onProgress(progress)
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if f.stopped(ctx) {
				return nil, fmt.Errorf("%s fetch: %w", f.name, domain.ErrCancelled)
			}
			return nil, fmt.Errorf("%w: read %s stream: %v", domain.ErrNetworkFailure, f.name, readErr)
		}
	}

	if reported < 100 && onProgress != nil {
		onProgress(100)
	}

	f.logger.Debug(
		"stream fetch completed",
		slog.String("fetcher", f.name),
		slog.String("url", rawURL),
		slog.Int64("bytes", read),
	)

	return buf.Bytes(), nil
}

func (f *StreamFetcher) open(ctx context.Context, rawURL string) (*http.Response, error) {
	result, err := f.circuit.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s stream: %v", domain.ErrNetworkFailure, f.name, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s stream returned status %d", domain.ErrNetworkFailure, f.name, resp.StatusCode)
		}

		if f.acceptContent != nil {
			if contentType := resp.Header.Get("Content-Type"); contentType != "" && !f.acceptContent(contentType) {
				resp.Body.Close()
				return nil, fmt.Errorf("%w: %s stream has content type %q", domain.ErrNetworkFailure, f.name, contentType)
			}
		}

		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s circuit open: %v", domain.ErrNetworkFailure, f.name, err)
		}
		return nil, err
	}

	resp, ok := result.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected result type from circuit breaker", domain.ErrInvariantViolation)
	}
	return resp, nil
}

func (f *StreamFetcher) stopped(ctx context.Context) bool {
	return f.cancelled.Load() || ctx.Err() != nil
}

func percentOf(read, total int64) int {
	if read >= total {
		return 100
	}
	return int(read * 100 / total)
}

func isImageContent(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/") || mediaType == "application/octet-stream"
}
