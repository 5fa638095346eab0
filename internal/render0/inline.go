package render0

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/net/html"

	"render0/internal/logger"
)

// How much of the markup is handed to the sniffer when the content type is
// missing or generic.
const sniffLen = 3072

type stylesheetLink struct {
	Tag  string // raw tag text exactly as it appears in the markup
	Href string
}

// stylesheetInliner replaces <link rel="stylesheet"> tags with <style> blocks
// holding the fetched CSS.
type stylesheetInliner struct {
	httpClient *http.Client
	userAgent  string
	timeout    time.Duration
	log        logger.Logger
	metrics    *metrics
}

func newStylesheetInliner(cfg Config, httpClient *http.Client, log logger.Logger, m *metrics) *stylesheetInliner {
	return &stylesheetInliner{
		httpClient: httpClient,
		userAgent:  cfg.Stylesheets.UserAgent,
		timeout:    cfg.Stylesheets.timeoutDur,
		log:        log,
		metrics:    m,
	}
}

// isHTML decides from the declared content type, falling back to sniffing
// the first bytes of the body when the type is absent or generic.
func isHTML(contentType, body string) bool {
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			switch mt {
			case "text/html", "application/xhtml+xml":
				return true
			case "text/plain", "application/octet-stream":
			default:
				return false
			}
		}
	}
	head := body
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	return mimetype.Detect([]byte(head)).Is("text/html")
}

// Elements whose content the tokenizer hands back as a single text token.
// Markup inside them is scanned again; script and style never hold links.
var rawTextParents = map[string]bool{
	"noscript": true,
	"noembed":  true,
	"noframes": true,
	"title":    true,
	"textarea": true,
	"iframe":   true,
	"xmp":      true,
}

// findStylesheetLinks returns stylesheet links in document order. Only tags
// with a quoted href qualify.
func findStylesheetLinks(markup string) []stylesheetLink {
	var out []stylesheetLink
	z := html.NewTokenizer(strings.NewReader(markup))
	parent := ""
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if !errors.Is(z.Err(), io.EOF) {
				return nil
			}
			return out
		case html.TextToken:
			if rawTextParents[parent] {
				out = append(out, findStylesheetLinks(string(z.Raw()))...)
			}
			continue
		case html.StartTagToken, html.SelfClosingTagToken:
			raw := string(z.Raw())
			tok := z.Token()
			parent = ""
			if tt == html.StartTagToken {
				parent = tok.Data
			}
			if l, ok := stylesheetFromTag(raw, tok); ok {
				out = append(out, l)
			}
			continue
		}
		parent = ""
	}
}

func stylesheetFromTag(raw string, tok html.Token) (stylesheetLink, bool) {
	if tok.Data != "link" {
		return stylesheetLink{}, false
	}
	var rel, href string
	hasHref := false
	for _, a := range tok.Attr {
		switch a.Key {
		case "rel":
			rel = a.Val
		case "href":
			href, hasHref = strings.TrimSpace(a.Val), true
		}
	}
	if !strings.Contains(strings.ToLower(rel), "stylesheet") || !hasHref || href == "" {
		return stylesheetLink{}, false
	}
	if !hasQuotedHref(raw) {
		return stylesheetLink{}, false
	}
	return stylesheetLink{Tag: raw, Href: href}, true
}

// hasQuotedHref reports whether the href attribute itself (not data-href and
// the like) has a quoted value.
func hasQuotedHref(raw string) bool {
	lower := strings.ToLower(raw)
	for i := 0; ; {
		j := strings.Index(lower[i:], "href")
		if j < 0 {
			return false
		}
		at := i + j
		i = at + len("href")
		if at == 0 || !isAttrBoundary(lower[at-1]) {
			continue
		}
		rest := strings.TrimLeft(lower[i:], " \t\r\n\f")
		if !strings.HasPrefix(rest, "=") {
			continue
		}
		rest = strings.TrimLeft(rest[1:], " \t\r\n\f")
		if strings.HasPrefix(rest, `"`) || strings.HasPrefix(rest, `'`) {
			return true
		}
	}
}

func isAttrBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '\f', '/', '"', '\'':
		return true
	}
	return false
}

// Inline rewrites stylesheet links of an HTML document. Failures on a single
// link leave that link untouched. Identical tag text is replaced everywhere
// it occurs by the first successful fetch.
func (s *stylesheetInliner) Inline(ctx context.Context, pageURL, markup string) string {
	links := findStylesheetLinks(markup)
	if len(links) == 0 {
		return markup
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		s.log.Warn("cannot parse page url, skipping stylesheet inlining",
			logger.String("url", pageURL), logger.Error(err))
		return markup
	}

	out := markup
	for _, l := range links {
		if !strings.Contains(out, l.Tag) {
			continue
		}
		ref, err := url.Parse(l.Href)
		if err != nil {
			s.metrics.observeStylesheet("error")
			s.log.Warn("invalid stylesheet href", logger.String("href", l.Href), logger.Error(err))
			continue
		}
		abs := base.ResolveReference(ref).String()
		css, err := s.fetch(ctx, abs)
		if err != nil {
			s.metrics.observeStylesheet("error")
			s.log.Warn("stylesheet fetch failed, leaving link in place",
				logger.String("url", pageURL),
				logger.String("stylesheet", abs),
				logger.Error(err),
			)
			continue
		}
		s.metrics.observeStylesheet("inlined")
		style := `<style data-inlined-from="` + html.EscapeString(abs) + `">` + css + `</style>`
		out = strings.ReplaceAll(out, l.Tag, style)
	}
	return out
}

func (s *stylesheetInliner) fetch(ctx context.Context, abs string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, abs, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/css,*/*;q=0.1")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
