// Package quota implements per-worker rate-limited proxy acquisition.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Grant is one provider answer: either a proxy, or a directive to wait
// before asking again.
type Grant struct {
	Proxy string
	Wait  time.Duration
}

// Provider fetches proxies from the vendor API using a quota key.
type Provider interface {
	Fetch(ctx context.Context, key string) (Grant, error)
}

// HTTPProvider talks to the proxy vendor's REST API.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a provider against baseURL.
func NewHTTPProvider(baseURL string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPProvider{baseURL: baseURL, client: client}
}

type providerResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Proxy string `json:"proxy"`
	} `json:"data"`
}

var waitPattern = regexp.MustCompile(`(\d+)s`)

// Fetch asks the vendor for a proxy. A BAD_REQUEST answer carrying a
// "wait Ns" message is translated into a wait directive; the provider is
// authoritative on timing, so the figure is passed through untouched.
func (p *HTTPProvider) Fetch(ctx context.Context, key string) (Grant, error) {
	u := fmt.Sprintf("%s?key=%s&provinceId=-1", p.baseURL, url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Grant{}, fmt.Errorf("build provider request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	var body providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Grant{}, fmt.Errorf("decode provider response: %w", err)
	}

	switch {
	case body.Status == "OK" && body.Data.Proxy != "":
		return Grant{Proxy: body.Data.Proxy}, nil
	case body.Status == "BAD_REQUEST":
		if m := waitPattern.FindStringSubmatch(body.Message); m != nil {
			secs, convErr := strconv.Atoi(m[1])
			if convErr == nil {
				return Grant{Wait: time.Duration(secs) * time.Second}, nil
			}
		}
	}
	return Grant{}, fmt.Errorf("provider answered %q: %s", body.Status, body.Message)
}

// LoadKeys reads the static quota-key list from a YAML file, one credential
// per worker slot.
func LoadKeys(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quota keys %s: %w", path, err)
	}

	var raw []string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse quota keys %s: %w", path, err)
	}

	keys := raw[:0]
	for _, k := range raw {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("quota key list %s is empty", path)
	}
	return keys, nil
}
