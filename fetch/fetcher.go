// Package fetch retrieves web pages for enrichment. Every request passes
// the safety gate, which rejects non-public destinations before and during
// connection.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/becomeliminal/runeai/config"
	"github.com/becomeliminal/runeai/core"
)

// MaxBodyBytes caps how much of a response body is read.
const MaxBodyBytes = 2 << 20

const maxRedirects = 10

// Page is the readable content of a fetched URL.
type Page struct {
	URL   string
	Title string
	Text  string
}

// Fetcher downloads and extracts pages.
type Fetcher struct {
	client    *http.Client
	guard     *Guard
	cache     *Cache
	userAgent string
	maxChars  int
	logger    *zap.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithGuard replaces the default safety gate.
func WithGuard(g *Guard) Option {
	return func(f *Fetcher) { f.guard = g }
}

// WithCache sets the page cache. A nil cache disables caching.
func WithCache(c *Cache) Option {
	return func(f *Fetcher) { f.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates a Fetcher from cfg.
func New(cfg config.FetchConfig, opts ...Option) *Fetcher {
	f := &Fetcher{
		guard:     NewGuard(),
		userAgent: cfg.UserAgent,
		maxChars:  cfg.MaxChars,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxChars <= 0 {
		f.maxChars = 5000
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			return f.guard.CheckDial(address)
		},
	}
	f.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          16,
			IdleConnTimeout:       30 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			_, err := f.guard.Check(req.Context(), req.URL.String())
			return err
		},
	}
	return f
}

// Fetch returns the title and visible text of url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	if f.cache != nil {
		if p, ok := f.cache.Get(url); ok {
			f.logger.Debug("page cache hit", zap.String("url", url))
			return p, nil
		}
	}

	u, err := f.guard.Check(ctx, url)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, core.ErrUnsafeURL) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch %s: %w: %w", u.Host, core.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: %w: status %d", u.Host, core.ErrUpstream, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", u.Host, err)
	}
	title, text := extract(doc)
	p := &Page{
		URL:   url,
		Title: title,
		Text:  core.Truncate(text, f.maxChars),
	}

	f.logger.Debug("page fetched",
		zap.String("host", u.Host),
		zap.Int("status", resp.StatusCode),
		zap.Int("chars", len([]rune(p.Text))),
		zap.Duration("took", time.Since(start)))

	if f.cache != nil {
		f.cache.Set(url, p)
	}
	return p, nil
}

// skipped subtrees contribute no text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Noscript: true,
}

// extract returns the document title and its visible text with whitespace
// collapsed.
func extract(doc *html.Node) (title, text string) {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Title && title == "" {
				title = strings.Join(strings.Fields(nodeText(n)), " ")
			}
			if skipped[n.DataAtom] {
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, strings.Join(strings.Fields(b.String()), " ")
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}
