package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/HiTek-Dev/tek/internal/agent"
)

// FetchConfig configures the fetch tool.
type FetchConfig struct {
	Timeout  time.Duration
	MaxBytes int64
	// AllowPrivate permits loopback and private addresses.
	AllowPrivate bool
}

// FetchTool performs an HTTP GET and returns the body as text.
type FetchTool struct {
	client       *http.Client
	maxBytes     int64
	allowPrivate bool
}

// NewFetchTool creates the tool with defaults applied.
func NewFetchTool(cfg FetchConfig) *FetchTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 512 << 10
	}
	return &FetchTool{
		client:       &http.Client{Timeout: cfg.Timeout},
		maxBytes:     cfg.MaxBytes,
		allowPrivate: cfg.AllowPrivate,
	}
}

// htmlReadFactor bounds how much raw HTML is read per byte of returned text.
const htmlReadFactor = 8

var _ agent.Tool = (*FetchTool)(nil)

func (t *FetchTool) Name() string { return "fetch" }

func (t *FetchTool) Description() string {
	return "Fetch a URL over HTTP(S) and return its text content. HTML is reduced to readable text."
}

func (t *FetchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL to fetch (http/https only)",
			},
		},
		"required": []string{"url"},
	})
}

func (t *FetchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	target := strings.TrimSpace(input.URL)
	if target == "" {
		return toolError("Missing required parameter: url"), nil
	}
	if err := t.validateURL(target); err != nil {
		return toolError(fmt.Sprintf("URL validation failed: %v", err)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return toolError(fmt.Sprintf("failed to create request: %v", err)), nil
	}
	req.Header.Set("User-Agent", "tek/1.0 (+fetch tool)")

	resp, err := t.client.Do(req)
	if err != nil {
		return toolError(fmt.Sprintf("Fetch failed: %v", err)), nil
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	isHTML := strings.Contains(contentType, "text/html")

	// Markup is discarded, so HTML may read past the cap before conversion.
	readLimit := t.maxBytes
	if isHTML {
		readLimit *= htmlReadFactor
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, readLimit+1))
	if err != nil {
		return toolError(fmt.Sprintf("failed to read body: %v", err)), nil
	}
	truncated := int64(len(body)) > readLimit
	if truncated {
		body = body[:readLimit]
	}

	content := string(body)
	if isHTML {
		content = htmlToText(content)
	}
	if int64(len(content)) > t.maxBytes {
		content = truncateUTF8(content, int(t.maxBytes))
		truncated = true
	}

	result := jsonResult(map[string]any{
		"url":          target,
		"status":       resp.StatusCode,
		"content_type": contentType,
		"content":      content,
		"truncated":    truncated,
	})
	if resp.StatusCode >= http.StatusBadRequest {
		result.IsError = true
	}
	return result, nil
}

func (t *FetchTool) validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", parsed.Scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	if t.allowPrivate {
		return nil
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("localhost URLs are not allowed")
	}
	ips, err := net.LookupIP(hostname)
	if err != nil {
		// let the request fail with the resolver error
		return nil
	}
	for _, ip := range ips {
		if isPrivateOrReservedIP(ip) {
			return fmt.Errorf("URL resolves to private/reserved IP address")
		}
	}
	return nil
}

func isPrivateOrReservedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

var (
	dropBlocks = regexp.MustCompile(`(?is)<(script|style|noscript|iframe|svg)[^>]*>.*?</(script|style|noscript|iframe|svg)>`)
	breakTags  = regexp.MustCompile(`(?i)<(br|/p|/div|/li|/h[1-6]|/tr)[^>]*>`)
	anyTag     = regexp.MustCompile(`<[^>]+>`)
	blankRuns  = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t]+`)
)

var entities = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ")

// htmlToText strips markup, keeping paragraph breaks.
func htmlToText(html string) string {
	text := dropBlocks.ReplaceAllString(html, "")
	text = breakTags.ReplaceAllString(text, "\n")
	text = anyTag.ReplaceAllString(text, "")
	text = entities.Replace(text)
	text = spaceRuns.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
