package authflow

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// CanonicalResource derives the canonical resource indicator for an
// endpoint per RFC 8707: lowercase scheme and host, default ports
// omitted, no trailing slash, no query or fragment.
//
//	https://MCP.Example.Com:443/mcp -> https://mcp.example.com/mcp
//	http://localhost:8090/mcp       -> http://localhost:8090/mcp
func CanonicalResource(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("endpoint URL missing scheme: %s", endpoint)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("endpoint URL missing host: %s", endpoint)
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)

	hostname, port, err := net.SplitHostPort(host)
	if err != nil {
		hostname, port = host, ""
	}
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}

	// SplitHostPort strips IPv6 brackets; restore them.
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		host = hostname + ":" + port
	} else {
		host = hostname
	}

	path := parsed.Path
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	return scheme + "://" + host + path, nil
}
