package config

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"time"
)

// RemoteOptions locates a config document served over HTTP, for machines
// that share one board setup.
type RemoteOptions struct {
	URL     string
	Token   string        // sent as a bearer token when set
	Timeout time.Duration // default 30s
}

// LoadRemote fetches a config document and decodes it over Defaults. The
// format comes from the response Content-Type, falling back to the URL's
// extension, then JSON.
func LoadRemote(ctx context.Context, opts RemoteOptions) (*Config, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("config: remote: create request: %w", err)
	}
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}
	req.Header.Set("Accept", "application/json, application/toml, application/yaml")

	client := &http.Client{Timeout: opts.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("config: remote: fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("config: remote: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config: remote: HTTP %d: %s", resp.StatusCode, string(body))
	}

	cfg := Defaults()
	if err := decode(remoteExt(resp.Header.Get("Content-Type"), req.URL.Path), body, cfg); err != nil {
		return nil, fmt.Errorf("config: remote: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func remoteExt(contentType, urlPath string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "application/json":
			return ".json"
		case "application/toml":
			return ".toml"
		case "application/yaml", "application/x-yaml", "text/yaml":
			return ".yaml"
		}
	}
	switch ext := path.Ext(urlPath); ext {
	case ".json", ".toml", ".yaml", ".yml":
		return ext
	}
	return ".json"
}
