// Package indexer turns crawl jobs into stored documents, chunks, and
// embeddings. It enumerates pages from sitemaps, fetches and extracts
// content, skips unchanged pages by hash, and writes only the chunks whose
// content actually changed.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/sitespeak/sitespeak/internal/chunker"
	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
)

// SitemapEntry is one page advertised by a site's sitemap.
type SitemapEntry struct {
	URL     string
	Lastmod *time.Time
}

// Sitemap is the enumerated page set plus a digest of the sitemap
// documents themselves. An unchanged digest lets delta crawls return
// without fetching a single page.
type Sitemap struct {
	Entries   []SitemapEntry
	Hash      string
	FetchedAt time.Time
}

// Page is fetched, extracted page content ready for chunking.
type Page struct {
	URL          string
	CanonicalURL string
	Title        string
	Locale       string
	ETag         string
	PageHash     string
	Sections     []chunker.Section
}

// Fetcher enumerates and fetches one site's pages.
type Fetcher interface {
	Sitemap(ctx context.Context) (*Sitemap, error)
	Page(ctx context.Context, pageURL string) (*Page, error)
}

// SiteConfig locates one tenant site for crawling.
type SiteConfig struct {
	TenantID      uuid.UUID `mapstructure:"tenant_id"`
	SiteID        uuid.UUID `mapstructure:"site_id"`
	BaseURL       string    `mapstructure:"base_url"`
	DefaultLocale string    `mapstructure:"default_locale"`
}

// Directory resolves a site to a fetcher. The static implementation below
// serves config-declared sites; a control-plane lookup can replace it.
type Directory interface {
	ForSite(tenantID, siteID uuid.UUID) (Fetcher, error)
}

// StaticDirectory builds HTTP fetchers for config-declared sites.
type StaticDirectory struct {
	client *http.Client
	sites  map[uuid.UUID]SiteConfig
}

// NewStaticDirectory indexes the configured sites. A nil client uses a
// 30 second default.
func NewStaticDirectory(sites []SiteConfig, client *http.Client) (*StaticDirectory, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	indexed := make(map[uuid.UUID]SiteConfig, len(sites))
	for _, site := range sites {
		if site.SiteID == uuid.Nil || site.TenantID == uuid.Nil {
			return nil, problem.New(problem.KindValidationFailed, "site entries require tenant_id and site_id")
		}
		if _, err := url.ParseRequestURI(site.BaseURL); err != nil {
			return nil, problem.Wrapf(problem.KindValidationFailed, err,
				"site %s has an invalid base_url", site.SiteID)
		}
		indexed[site.SiteID] = site
	}
	return &StaticDirectory{client: client, sites: indexed}, nil
}

// ForSite returns the fetcher for a configured site.
func (d *StaticDirectory) ForSite(tenantID, siteID uuid.UUID) (Fetcher, error) {
	site, ok := d.sites[siteID]
	if !ok || site.TenantID != tenantID {
		return nil, problem.Newf(problem.KindNotFound, "site %s is not configured for crawling", siteID)
	}
	return NewHTTPFetcher(site.BaseURL, site.DefaultLocale, d.client), nil
}

// HTTPFetcher crawls one site over plain HTTP.
type HTTPFetcher struct {
	baseURL       string
	defaultLocale string
	client        *http.Client
}

// NewHTTPFetcher creates a fetcher rooted at baseURL.
func NewHTTPFetcher(baseURL, defaultLocale string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{
		baseURL:       strings.TrimRight(baseURL, "/"),
		defaultLocale: defaultLocale,
		client:        client,
	}
}

const (
	maxSitemapChildren = 50
	maxBodyBytes       = 16 << 20
)

type urlsetXML struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc     string `xml:"loc"`
		Lastmod string `xml:"lastmod"`
	} `xml:"url"`
}

type sitemapIndexXML struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// Sitemap fetches /sitemap.xml, following one level of sitemap index
// nesting. The returned hash digests every sitemap document fetched.
func (f *HTTPFetcher) Sitemap(ctx context.Context) (*Sitemap, error) {
	digest := sha256.New()
	body, err := f.get(ctx, f.baseURL+"/sitemap.xml")
	if err != nil {
		return nil, err
	}
	digest.Write(body)

	entries, children, err := parseSitemapDoc(body)
	if err != nil {
		return nil, err
	}
	if len(children) > maxSitemapChildren {
		children = children[:maxSitemapChildren]
	}
	for _, child := range children {
		childBody, err := f.get(ctx, child)
		if err != nil {
			return nil, err
		}
		digest.Write(childBody)
		childEntries, _, err := parseSitemapDoc(childBody)
		if err != nil {
			return nil, err
		}
		entries = append(entries, childEntries...)
	}

	return &Sitemap{
		Entries:   entries,
		Hash:      hex.EncodeToString(digest.Sum(nil)),
		FetchedAt: time.Now().UTC(),
	}, nil
}

func parseSitemapDoc(body []byte) ([]SitemapEntry, []string, error) {
	var set urlsetXML
	if err := xml.Unmarshal(body, &set); err == nil && set.XMLName.Local == "urlset" {
		entries := make([]SitemapEntry, 0, len(set.URLs))
		for _, u := range set.URLs {
			loc := strings.TrimSpace(u.Loc)
			if loc == "" {
				continue
			}
			entries = append(entries, SitemapEntry{URL: loc, Lastmod: parseLastmod(u.Lastmod)})
		}
		return entries, nil, nil
	}

	var index sitemapIndexXML
	if err := xml.Unmarshal(body, &index); err == nil && index.XMLName.Local == "sitemapindex" {
		children := make([]string, 0, len(index.Sitemaps))
		for _, s := range index.Sitemaps {
			if loc := strings.TrimSpace(s.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return nil, children, nil
	}

	return nil, nil, problem.New(problem.KindValidationFailed, "document is neither a urlset nor a sitemap index")
}

func parseLastmod(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return &ts
		}
	}
	return nil
}

// Page fetches one page and extracts its text sections.
func (f *HTTPFetcher) Page(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, problem.Wrap(problem.KindValidationFailed, "invalid page url", err)
	}
	req.Header.Set("User-Agent", "sitespeak-crawler/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, problem.Wrapf(problem.KindTransient, err, "failed to fetch %s", pageURL)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, problem.Newf(problem.KindNotFound, "page %s returned %d", pageURL, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, problem.Newf(problem.KindTransient, "page %s returned %d", pageURL, resp.StatusCode)
	default:
		return nil, problem.Newf(problem.KindValidationFailed, "page %s returned %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, problem.Wrapf(problem.KindTransient, err, "failed to read %s", pageURL)
	}

	page, err := extractPage(pageURL, body)
	if err != nil {
		return nil, err
	}
	page.ETag = resp.Header.Get("ETag")
	if page.Locale == "" {
		page.Locale = f.defaultLocale
	}
	return page, nil
}

func (f *HTTPFetcher) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, problem.Wrap(problem.KindValidationFailed, "invalid url", err)
	}
	req.Header.Set("User-Agent", "sitespeak-crawler/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, problem.Wrapf(problem.KindTransient, err, "failed to fetch %s", target)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		kind := problem.KindValidationFailed
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = problem.KindTransient
		}
		return nil, problem.Newf(kind, "%s returned %d", target, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// sectionBuilder accumulates one heading-delimited block of page text.
type sectionBuilder struct {
	hpath    string
	selector string
	text     strings.Builder
	hasForm  bool
	hasBtn   bool
}

func (b *sectionBuilder) section(pageFlags models.JSONMap) (chunker.Section, bool) {
	text := strings.Join(strings.Fields(b.text.String()), " ")
	if text == "" {
		return chunker.Section{}, false
	}
	meta := models.JSONMap{}
	for k, v := range pageFlags {
		meta[k] = v
	}
	if b.hasForm {
		meta[models.MetaHasForms] = true
	}
	if b.hasBtn {
		meta[models.MetaHasActions] = true
	}
	if len(meta) == 0 {
		meta = nil
	}
	return chunker.Section{
		HPath:    b.hpath,
		Selector: b.selector,
		Text:     text,
		Metadata: meta,
	}, true
}

var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"template": true, "iframe": true, "svg": true,
}

// extractPage parses HTML into heading-delimited sections. Headings open a
// new section whose hpath is the h1..h6 trail down to it.
func extractPage(pageURL string, body []byte) (*Page, error) {
	root, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, problem.Wrapf(problem.KindValidationFailed, err, "failed to parse %s", pageURL)
	}

	sum := sha256.Sum256(body)
	page := &Page{
		URL:          pageURL,
		CanonicalURL: canonicalize(pageURL),
		PageHash:     hex.EncodeToString(sum[:]),
	}

	pageFlags := models.JSONMap{}
	headingTrail := make([]string, 0, 6)
	current := &sectionBuilder{selector: "body"}
	var sections []chunker.Section

	flush := func() {
		if s, ok := current.section(pageFlags); ok {
			sections = append(sections, s)
		}
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			tag := n.Data
			switch {
			case skippedElements[tag]:
				if tag == "script" && attr(n, "type") == "application/ld+json" {
					pageFlags[models.MetaHasStructuredData] = true
				}
				return
			case tag == "html":
				if lang := attr(n, "lang"); lang != "" {
					page.Locale = lang
				}
			case tag == "title":
				page.Title = strings.TrimSpace(textOf(n))
				return
			case tag == "link":
				if attr(n, "rel") == "canonical" {
					if href := attr(n, "href"); href != "" {
						page.CanonicalURL = canonicalize(href)
					}
				}
				return
			case len(tag) == 2 && tag[0] == 'h' && tag[1] >= '1' && tag[1] <= '6':
				flush()
				level := int(tag[1] - '0')
				if level <= len(headingTrail) {
					headingTrail = headingTrail[:level-1]
				}
				heading := strings.TrimSpace(textOf(n))
				headingTrail = append(headingTrail, heading)
				selector := tag
				if id := attr(n, "id"); id != "" {
					selector = "#" + id
				}
				current = &sectionBuilder{
					hpath:    strings.Join(headingTrail, " > "),
					selector: selector,
				}
				current.text.WriteString(heading)
				current.text.WriteByte(' ')
				return
			case tag == "form":
				current.hasForm = true
			case tag == "button":
				current.hasBtn = true
			case tag == "a":
				if strings.Contains(attr(n, "class"), "button") || attr(n, "role") == "button" {
					current.hasBtn = true
				}
			}
		}
		if n.Type == html.TextNode {
			current.text.WriteString(n.Data)
			current.text.WriteByte(' ')
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	flush()

	page.Sections = sections
	return page, nil
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

// canonicalize strips fragments and normalizes trailing slashes so URL
// variants collapse onto one document identity.
func canonicalize(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Fragment = ""
	if u.Path != "/" {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String()
}
