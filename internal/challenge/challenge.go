// Package challenge implements the three ownership-proof strategies used
// during server verification: DNS TXT record, well-known file, and HTML meta
// tag. Each verifier degrades to a failed outcome with diagnostic details;
// none of them propagates network errors to the caller.
package challenge

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/mcpnexus/nexus/internal/probe"
)

// RecordPrefix is the DNS label owners must publish the token under.
const RecordPrefix = "_mcp-verification"

// FileName is the well-known path owners must serve the token from.
const FileName = "mcp-verification.txt"

// metaTagPattern matches <meta name="mcp-verification" content="..."> with
// either quote style. A tolerant scan, not a DOM parse: the original protocol
// only ever emits the simple single-tag form.
var metaTagPattern = regexp.MustCompile(`(?i)<meta\s+name=['"]mcp-verification['"]\s+content=['"]([^'"]+)['"]`)

// Outcome is the result of one ownership check.
type Outcome struct {
	OK      bool
	Details map[string]any
	Message string
}

// Resolver is the subset of net.Resolver the DNS verifier needs.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Verifier runs ownership challenges.
type Verifier struct {
	resolver Resolver
	probes   *probe.Client
}

// NewVerifier creates a Verifier. A nil resolver falls back to
// net.DefaultResolver; a nil probe client gets a default one.
func NewVerifier(resolver Resolver, probes *probe.Client) *Verifier {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if probes == nil {
		probes = probe.NewClient()
	}
	return &Verifier{resolver: resolver, probes: probes}
}

// VerifyDNS checks for a TXT record at _mcp-verification.<domain> whose
// value equals the token exactly.
func (v *Verifier) VerifyDNS(ctx context.Context, domain, token string) Outcome {
	recordName := RecordPrefix + "." + domain

	records, err := v.resolver.LookupTXT(ctx, recordName)
	if err != nil {
		return Outcome{
			OK:      false,
			Details: map[string]any{"domain": domain, "error": err.Error()},
			Message: fmt.Sprintf("DNS resolution error: %v", err),
		}
	}

	for _, record := range records {
		if strings.Trim(record, `"`) == token {
			return Outcome{
				OK:      true,
				Details: map[string]any{"domain": domain, "record_name": recordName},
				Message: "DNS verification successful",
			}
		}
	}

	return Outcome{
		OK:      false,
		Details: map[string]any{"domain": domain, "error": "Token not found in DNS records"},
		Message: "Could not find matching TXT record",
	}
}

// VerifyFile fetches fetchURL and checks that it returns 200 with the token
// somewhere in the body.
func (v *Verifier) VerifyFile(ctx context.Context, fetchURL, token string) Outcome {
	result := v.probes.Probe(ctx, fetchURL, probe.KindFileFetch)
	if result.Error != "" && result.StatusCode == 0 {
		return Outcome{
			OK:      false,
			Details: map[string]any{"url": fetchURL, "error": result.Error},
			Message: fmt.Sprintf("File request error: %s", result.Error),
		}
	}

	body := string(result.Body)
	if result.StatusCode == 200 && strings.Contains(body, token) {
		return Outcome{
			OK:      true,
			Details: map[string]any{"url": fetchURL},
			Message: "File verification successful",
		}
	}

	return Outcome{
		OK: false,
		Details: map[string]any{
			"url":         fetchURL,
			"status_code": result.StatusCode,
			"content":     truncate(body, 100),
		},
		Message: fmt.Sprintf("File verification failed (status: %d)", result.StatusCode),
	}
}

// VerifyMetaTag fetches pageURL and checks for a meta tag named
// mcp-verification whose content equals the token exactly. Tag and attribute
// matching is case-insensitive; the value comparison is exact.
func (v *Verifier) VerifyMetaTag(ctx context.Context, pageURL, token string) Outcome {
	result := v.probes.Probe(ctx, pageURL, probe.KindFileFetch)
	if result.Error != "" && result.StatusCode == 0 {
		return Outcome{
			OK:      false,
			Details: map[string]any{"url": pageURL, "error": result.Error},
			Message: fmt.Sprintf("Request error: %s", result.Error),
		}
	}

	if result.StatusCode != 200 {
		return Outcome{
			OK:      false,
			Details: map[string]any{"url": pageURL, "status_code": result.StatusCode},
			Message: fmt.Sprintf("Meta tag verification failed (status: %d)", result.StatusCode),
		}
	}

	match := metaTagPattern.FindSubmatch(result.Body)
	if match != nil && string(match[1]) == token {
		return Outcome{
			OK:      true,
			Details: map[string]any{"url": pageURL},
			Message: "Meta tag verification successful",
		}
	}

	return Outcome{
		OK:      false,
		Details: map[string]any{"url": pageURL, "error": "Meta tag not found or token doesn't match"},
		Message: "Could not find matching meta tag",
	}
}

// ExtractDomain returns the host portion of a server URL, without port,
// for use as the DNS challenge domain.
func ExtractDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("server url %q has no host", rawURL)
	}
	return host, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
