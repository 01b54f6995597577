package infrastructure

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sglre6355/meteogram/internal/domain"
)

type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) record(v int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, v)
}

func (p *progressLog) snapshot() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.values...)
}

func assertStrictlyIncreasing(t *testing.T, values []int) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		assert.Greater(t, values[i], values[i-1], "progress regressed at index %d: %v", i, values)
	}
	for _, v := range values {
		assert.True(t, v >= 0 && v <= 100, "progress %d outside 0-100", v)
	}
}

func TestStreamFetcherReadsWholeBodyWithContentLength(t *testing.T) {
	payload := bytes.Repeat([]byte("forecast"), 5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	var progress progressLog
	data, err := NewImageFetcher(srv.Client()).Fetch(context.Background(), srv.URL, 10, progress.record)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	values := progress.snapshot()
	require.NotEmpty(t, values)
	assertStrictlyIncreasing(t, values)
	assert.Equal(t, 100, values[len(values)-1])
}

func TestStreamFetcherUsesEstimateWithoutContentLength(t *testing.T) {
	payload := bytes.Repeat([]byte{7}, 3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < len(payload); i += 500 {
			_, _ = w.Write(payload[i : i+500])
			flusher.Flush()
		}
	}))
	defer srv.Close()

	var progress progressLog
	data, err := NewMetadataFetcher(srv.Client()).Fetch(context.Background(), srv.URL, 1000, progress.record)
	require.NoError(t, err)
	assert.Len(t, data, len(payload))

	values := progress.snapshot()
	assertStrictlyIncreasing(t, values)
	assert.Equal(t, 100, values[len(values)-1])
}

func TestStreamFetcherRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewMetadataFetcher(srv.Client()).Fetch(context.Background(), srv.URL, 100, nil)
	assert.ErrorIs(t, err, domain.ErrNetworkFailure)
}

func TestImageFetcherRejectsHTMLPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	_, err := NewImageFetcher(srv.Client()).Fetch(context.Background(), srv.URL, 100, nil)
	assert.ErrorIs(t, err, domain.ErrNetworkFailure)
}

func TestStreamFetcherRejectsUnsupportedScheme(t *testing.T) {
	_, err := NewMetadataFetcher(nil).Fetch(context.Background(), "ftp://example.com/info", 100, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidURL)
}

func TestStreamFetcherCancelStopsRead(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write(bytes.Repeat([]byte{1}, 2000))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	fetcher := NewImageFetcher(srv.Client())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := fetcher.Fetch(ctx, srv.URL, 0, func(int) {
			select {
			case started <- struct{}{}:
			default:
			}
		})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not report progress")
	}

	fetcher.Cancel()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not stop after cancellation")
	}
}

func TestStreamFetcherCancelWithoutContextStopsRead(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		flusher := w.(http.Flusher)
		for i := 0; i < 50; i++ {
			if _, err := w.Write(bytes.Repeat([]byte{1}, 2000)); err != nil {
				return
			}
			flusher.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	fetcher := NewImageFetcher(srv.Client())
	var progress progressLog
	data, err := fetcher.Fetch(context.Background(), srv.URL, 0, func(v int) {
		progress.record(v)
		fetcher.Cancel()
	})
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Nil(t, data)
	assert.Len(t, progress.snapshot(), 1, "the loop stops on the iteration after Cancel")
}

func TestStreamFetcherCancelBeforeFetchIsKeptUntilReset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("var Y=2024"))
	}))
	defer srv.Close()

	fetcher := NewMetadataFetcher(srv.Client())
	fetcher.Cancel()

	_, err := fetcher.Fetch(context.Background(), srv.URL, 100, nil)
	require.ErrorIs(t, err, domain.ErrCancelled)

	fetcher.Reset()
	data, err := fetcher.Fetch(context.Background(), srv.URL, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("var Y=2024"), data)
}

func TestStreamFetcherTruncatedBodyIsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, rw, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = rw.WriteString("HTTP/1.1 200 OK\r\nContent-Type: image/png\r\nContent-Length: 5000\r\n\r\n")
		_, _ = rw.Write(bytes.Repeat([]byte{1}, 1200))
		_ = rw.Flush()
	}))
	defer srv.Close()

	data, err := NewImageFetcher(srv.Client()).Fetch(context.Background(), srv.URL, 0, nil)
	assert.ErrorIs(t, err, domain.ErrNetworkFailure)
	assert.Nil(t, data)
}

type lyingTransport struct {
	body []byte
}

func (l lyingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"image/png"}},
		Body:          io.NopCloser(bytes.NewReader(l.body)),
		ContentLength: 1 << 50,
		Request:       req,
	}, nil
}

func TestStreamFetcherIgnoresImplausibleContentLength(t *testing.T) {
	client := &http.Client{Transport: lyingTransport{body: []byte("png")}}

	var progress progressLog
	data, err := NewImageFetcher(client).Fetch(context.Background(), "https://example.com/mgram", 0, progress.record)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.Equal(t, []int{100}, progress.snapshot())
}

func TestModelConfigDefaults(t *testing.T) {
	cfg, err := LoadModelConfig("")
	require.NoError(t, err)

	for _, kind := range domain.ModelKinds {
		source, err := cfg.ModelSource(kind)
		require.NoError(t, err, kind.String())
		assert.NotEmpty(t, source.Markers.Year)
		assert.Positive(t, source.ImageEstimate)
		assert.Positive(t, source.MetadataEstimate)
	}
}

func TestModelConfigMissingAndInvalidValues(t *testing.T) {
	cfg := NewModelConfig(map[string]string{
		"um.metadata.url":  "https://example.com/info",
		"um.marker.year":   "Y=",
		"um.marker.month":  "M=",
		"um.marker.day":    "D=",
		"um.marker.hour":   "H=",
		"um.image.url":     "ftp://example.com/img",
		"coamps.image.url": "https://example.com/img",
	})

	_, err := cfg.ModelSource(domain.ModelUM)
	assert.ErrorIs(t, err, domain.ErrInvalidURL)

	_, err = cfg.ModelSource(domain.ModelCOAMPS)
	assert.ErrorIs(t, err, domain.ErrMissingConfiguration)

	_, err = cfg.Lookup("unknown.key")
	assert.ErrorIs(t, err, domain.ErrMissingConfiguration)
}

func TestImageURLFor(t *testing.T) {
	source := domain.ModelSource{ImageURL: "https://example.com/mgram.php?ntype=0u"}

	u, err := source.ImageURLFor("2024032106", 232, 466)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/mgram.php?col=232&fdate=2024032106&ntype=0u&row=466", u)
}
