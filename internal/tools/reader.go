package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	maxFetchRedirects   = 10
	defaultFetchTimeout = 15 * time.Second
	maxFetchTimeout     = 120 * time.Second
	maxFetchChars       = 8000
)

var (
	reScript   = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reStyle    = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reComment  = regexp.MustCompile(`(?s)<!--.*?-->`)
	reBlock    = regexp.MustCompile(`(?i)</?(?:div|p|br|h[1-6]|li|tr|td|th|blockquote|pre|hr)[^>]*>`)
	reTags     = regexp.MustCompile(`<[^>]+>`)
	reSpaces   = regexp.MustCompile(`[ \t]+`)
	reNewlines = regexp.MustCompile(`\n{3,}`)
)

// FetchURLTool returns "fetch_url", an HTTP GET that reduces HTML to text.
// client may be nil. Reads have no side effects so exploration may use it.
func FetchURLTool(client *http.Client) Tool {
	return Tool{
		Name:           "fetch_url",
		Description:    "Fetch a web page and return its content as simplified text.",
		SideEffectFree: true,
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			timeout := defaultFetchTimeout
			if sec := intArg(args, "timeout_sec"); sec > 0 {
				timeout = min(time.Duration(sec)*time.Second, maxFetchTimeout)
			}
			return fetchAndSimplify(ctx, client, stringArg(args, "url"), timeout, intArg(args, "max_chars"))
		},
	}
}

func fetchAndSimplify(ctx context.Context, client *http.Client, rawURL string, timeout time.Duration, maxChars int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || rawURL == "" {
		return "", fmt.Errorf("invalid input: bad url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid input: unsupported scheme %q", u.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "taskpilot/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain,application/json")

	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxFetchRedirects {
			return fmt.Errorf("stopped after %d redirects", maxFetchRedirects)
		}
		return nil
	}
	resp, err := c.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("request timed out after %s: %w", timeout, err)
		}
		return "", fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d for %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}

	content := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		content = htmlToText(content)
	}
	if maxChars <= 0 || maxChars > maxFetchChars {
		maxChars = maxFetchChars
	}
	if len(content) > maxChars {
		content = content[:maxChars] + "\n\n[Content truncated]"
	}
	return content, nil
}

// htmlToText converts HTML to simplified plain text.
func htmlToText(html string) string {
	html = reScript.ReplaceAllString(html, "")
	html = reStyle.ReplaceAllString(html, "")
	html = reComment.ReplaceAllString(html, "")
	html = reBlock.ReplaceAllString(html, "\n")
	html = reTags.ReplaceAllString(html, "")

	html = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", "\"",
		"&#39;", "'",
		"&nbsp;", " ",
	).Replace(html)

	html = reSpaces.ReplaceAllString(html, " ")
	html = reNewlines.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
