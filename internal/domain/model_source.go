package domain

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ModelSource describes where the metadata and image of one model kind are published.
type ModelSource struct {
	Kind        ModelKind
	MetadataURL string
	Markers     DateMarkers
	ImageURL    string

	// MetadataEstimate and ImageEstimate pace progress when a server omits Content-Length.
	MetadataEstimate int64
	ImageEstimate    int64
}

// ImageURLFor returns the image address of the forecast started at token for grid cell (x, y).
func (s ModelSource) ImageURLFor(token string, x, y int32) (string, error) {
	u, err := ParseHTTPURL(s.ImageURL)
	if err != nil {
		return "", err
	}

	query := u.Query()
	query.Set("fdate", token)
	query.Set("row", strconv.Itoa(int(y)))
	query.Set("col", strconv.Itoa(int(x)))
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// ParseHTTPURL parses raw and requires an absolute http or https URL.
func ParseHTTPURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: url is empty", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q in %q", ErrInvalidURL, u.Scheme, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
	}

	return u, nil
}
