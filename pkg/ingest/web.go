package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"time"
)

type webConfig struct {
	URLs           []string `json:"urls"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// WebConnector fetches a fixed list of URLs. Each URL is one item; the URL
// itself is the canonical URI used for dedup.
type WebConnector struct {
	cfg    webConfig
	client *retryClient
}

func NewWebConnector(config map[string]any) (*WebConnector, error) {
	var cfg webConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("web source config: %w", err)
	}
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("web source config: urls is required")
	}
	for _, raw := range cfg.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("web source config: invalid url %q", raw)
		}
	}
	return &WebConnector{
		cfg:    cfg,
		client: newRetryClient(time.Duration(cfg.TimeoutSeconds) * time.Second),
	}, nil
}

func (c *WebConnector) Items(ctx context.Context) ([]Item, error) {
	items := make([]Item, 0, len(c.cfg.URLs))
	for _, raw := range c.cfg.URLs {
		raw := raw
		u, _ := url.Parse(raw)
		name := path.Base(u.Path)
		if name == "" || name == "/" || name == "." {
			name = u.Host
		}
		items = append(items, Item{
			URI:         raw,
			Filename:    name,
			ContentType: guessContentType(name),
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				resp, err := c.client.Get(ctx, raw)
				if err != nil {
					return nil, err
				}
				if resp.StatusCode != http.StatusOK {
					_ = resp.Body.Close()
					return nil, fmt.Errorf("fetch %s: status %d", raw, resp.StatusCode)
				}
				return resp.Body, nil
			},
		})
	}
	return items, nil
}

func guessContentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// decodeConfig round-trips the opaque per-type config through JSON into the
// typed struct, so connectors share one validation path with the API layer.
func decodeConfig(config map[string]any, dst any) error {
	data, err := json.Marshal(config)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
