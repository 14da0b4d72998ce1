// Package update checks a release manifest for newer inputbridged builds.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// maxManifestBytes caps the manifest body.
const maxManifestBytes = 64 << 10

// ///////////////////////////////////////////////
// Checker
// ///////////////////////////////////////////////

// Checker fetches the manifest at URL. The manifest is a JSON object whose
// "." key holds the latest stable version.
type Checker struct {
	url    string
	client *retryablehttp.Client
	log    *slog.Logger
}

// NewChecker returns a Checker for manifestURL. An empty URL yields a Checker
// whose Check is a no-op.
func NewChecker(manifestURL string, timeout time.Duration, log *slog.Logger) *Checker {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	return &Checker{url: manifestURL, client: client, log: log}
}

// Check logs at info level when a version newer than current is published,
// and returns the latest version seen. Failures are logged at debug level and
// never fatal.
func (c *Checker) Check(ctx context.Context, current string) string {
	if c.url == "" {
		c.log.Debug("skipping version check: no manifest configured")
		return ""
	}
	latest, err := c.fetchLatest(ctx)
	if err != nil {
		c.log.Debug("version check failed", "error", err)
		return ""
	}
	if latest != "" && latest != current && semverLess(current, latest) {
		c.log.Info("new version available", "current", current, "latest", latest)
	}
	return latest
}

// fetchLatest downloads the manifest and returns its "." entry.
func (c *Checker) fetchLatest(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", c.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var manifest map[string]string
	if err := json.Unmarshal(body, &manifest); err != nil {
		return "", fmt.Errorf("parsing manifest: %w", err)
	}
	return manifest["."], nil
}

// ///////////////////////////////////////////////
// Version Comparison
// ///////////////////////////////////////////////

// semverLess reports whether a < b comparing major, minor and patch. A
// pre-release sorts before the same release. Non-semver input never compares.
func semverLess(a, b string) bool {
	pa := parseSemver(a)
	pb := parseSemver(b)
	if pa == nil || pb == nil {
		return false
	}
	for i := range 3 {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	return hasPreRelease(a) && !hasPreRelease(b)
}

// hasPreRelease reports whether s carries a "-" suffix.
func hasPreRelease(s string) bool {
	return strings.Contains(strings.TrimPrefix(s, "v"), "-")
}

// parseSemver returns [major, minor, patch] for "v1.2.3" or "1.2.3-dev",
// ignoring pre-release and build suffixes. Returns nil if s is not semver.
func parseSemver(s string) []int {
	parts := strings.SplitN(strings.TrimPrefix(s, "v"), ".", 3)
	if len(parts) != 3 {
		return nil
	}
	result := make([]int, 3)
	for i, p := range parts {
		if idx := strings.IndexAny(p, "-+"); idx >= 0 {
			p = p[:idx]
		}
		if p == "" {
			return nil
		}
		n := 0
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return nil
			}
			n = n*10 + int(ch-'0')
		}
		result[i] = n
	}
	return result
}
