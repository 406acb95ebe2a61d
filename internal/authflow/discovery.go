package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// Discovery documents are bounded to keep a misbehaving server from
	// exhausting memory.
	maxMetadataSize = 1024 * 1024

	metadataRequestTimeout = 10 * time.Second

	userAgent = "mcp-conduit/1.0"
)

// newDiscoveryClient builds the HTTP client used for well-known
// document fetches: short bounded retries, no retry logging.
func newDiscoveryClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = metadataRequestTimeout
	rc.Logger = nil
	return rc.StandardClient()
}

// resourceMetadataURLs builds the candidate RFC 9728 well-known URIs for
// an endpoint, path-based discovery first.
func resourceMetadataURLs(endpoint string) ([]string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("endpoint URL must include scheme and host")
	}

	base := parsed.Scheme + "://" + parsed.Host
	var uris []string
	if path := strings.Trim(parsed.Path, "/"); path != "" {
		uris = append(uris, base+"/.well-known/oauth-protected-resource/"+path)
	}
	uris = append(uris, base+"/.well-known/oauth-protected-resource")
	return uris, nil
}

// serverMetadataURLs builds the candidate RFC 8414 / OIDC discovery
// URIs for an issuer. Issuers with a path component probe path-inserted
// variants first, then the OIDC path-appended form.
func serverMetadataURLs(issuer string) ([]string, error) {
	parsed, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return nil, fmt.Errorf("issuer URL must be absolute: %s", issuer)
	}
	if err := validateEndpointURL("issuer", issuer); err != nil {
		return nil, err
	}

	base := parsed.Scheme + "://" + parsed.Host
	path := strings.Trim(parsed.Path, "/")

	if path != "" {
		return []string{
			base + "/.well-known/oauth-authorization-server/" + path,
			base + "/.well-known/openid-configuration/" + path,
			base + "/" + path + "/.well-known/openid-configuration",
		}, nil
	}
	return []string{
		base + "/.well-known/oauth-authorization-server",
		base + "/.well-known/openid-configuration",
	}, nil
}

// fetchJSONDocument retrieves one well-known document into out,
// enforcing status, content type, and size limits.
func fetchJSONDocument(ctx context.Context, client *http.Client, docURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("metadata request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(strings.ToLower(ct), "application/json") {
		return fmt.Errorf("unexpected Content-Type: %s", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return fmt.Errorf("failed to read metadata response: %w", err)
	}
	if int64(len(body)) >= maxMetadataSize {
		return fmt.Errorf("metadata response exceeds %d bytes", maxMetadataSize)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse metadata JSON: %w", err)
	}
	return nil
}
