package infrastructure

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sglre6355/meteogram/internal/domain"
)

//go:embed models.yaml
var defaultModelConfig []byte

// ModelConfig is a flat key/value view over the per-model settings.
type ModelConfig struct {
	values map[string]string
}

// LoadModelConfig reads the embedded defaults and overlays the YAML file at path, if path is set.
func LoadModelConfig(path string) (*ModelConfig, error) {
	values, err := decodeModelConfig(defaultModelConfig)
	if err != nil {
		return nil, fmt.Errorf("decode embedded model config: %w", err)
	}

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read model config %q: %w", path, err)
		}
		overrides, err := decodeModelConfig(data)
		if err != nil {
			return nil, fmt.Errorf("decode model config %q: %w", path, err)
		}
		for key, value := range overrides {
			values[key] = value
		}
	}

	return &ModelConfig{values: values}, nil
}

// NewModelConfig wraps an explicit key/value map.
func NewModelConfig(values map[string]string) *ModelConfig {
	copied := make(map[string]string, len(values))
	for key, value := range values {
		copied[key] = value
	}
	return &ModelConfig{values: copied}
}

// Lookup returns the value stored under key.
func (c *ModelConfig) Lookup(key string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("%w: model config not initialised", domain.ErrMissingConfiguration)
	}

	value, ok := c.values[key]
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: key %q", domain.ErrMissingConfiguration, key)
	}
	return value, nil
}

// ModelSource assembles the publication settings of kind. URLs must use http or https.
func (c *ModelConfig) ModelSource(kind domain.ModelKind) (domain.ModelSource, error) {
	if !kind.Valid() {
		return domain.ModelSource{}, fmt.Errorf("%w: unsupported model kind %d", domain.ErrMissingConfiguration, int(kind))
	}

	prefix := kind.String() + "."
	source := domain.ModelSource{Kind: kind}

	required := []struct {
		key    string
		target *string
	}{
		{key: "metadata.url", target: &source.MetadataURL},
		{key: "marker.year", target: &source.Markers.Year},
		{key: "marker.month", target: &source.Markers.Month},
		{key: "marker.day", target: &source.Markers.Day},
		{key: "marker.hour", target: &source.Markers.Hour},
		{key: "image.url", target: &source.ImageURL},
	}
	for _, item := range required {
		value, err := c.Lookup(prefix + item.key)
		if err != nil {
			return domain.ModelSource{}, err
		}
		*item.target = value
	}

	if _, err := domain.ParseHTTPURL(source.MetadataURL); err != nil {
		return domain.ModelSource{}, fmt.Errorf("%smetadata.url: %w", prefix, err)
	}
	if _, err := domain.ParseHTTPURL(source.ImageURL); err != nil {
		return domain.ModelSource{}, fmt.Errorf("%simage.url: %w", prefix, err)
	}

	source.MetadataEstimate = c.estimate(prefix+"metadata.estimate", defaultMetadataEstimate)
	source.ImageEstimate = c.estimate(prefix+"image.estimate", defaultImageEstimate(kind))

	return source, nil
}

func (c *ModelConfig) estimate(key string, fallback int64) int64 {
	raw, ok := c.values[key]
	if !ok {
		return fallback
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

const defaultMetadataEstimate = 1200

func defaultImageEstimate(kind domain.ModelKind) int64 {
	if kind == domain.ModelCOAMPS {
		return 27000
	}
	return 33000
}

func decodeModelConfig(data []byte) (map[string]string, error) {
	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}
