// Package unfurl extracts link preview metadata (title, description, image,
// favicon) from web pages.
package unfurl

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

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultMaxBytes  = 1 << 20
	defaultUserAgent = "whiteboard-unfurl/1.0"
)

// ErrInvalidURL indicates a URL that is not an absolute http(s) URL.
var ErrInvalidURL = errors.New("unfurl: invalid url")

// Metadata is the preview of a link. Every field is optional.
type Metadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	Favicon     string `json:"favicon,omitempty"`
}

// Config configures an Unfurler.
type Config struct {
	Client    *http.Client
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	Logger    *zap.Logger
}

// Unfurler fetches pages and reads their preview metadata.
type Unfurler struct {
	client    *http.Client
	timeout   time.Duration
	maxBytes  int64
	userAgent string
	logger    *zap.Logger
}

// New fills defaults for missing configuration.
func New(cfg Config) *Unfurler {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Unfurler{
		client:    cfg.Client,
		timeout:   cfg.Timeout,
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}
}

// ParseTarget validates a user-supplied URL.
func ParseTarget(raw string) (*url.URL, error) {
	target, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return target, nil
}

// Unfurl fetches rawURL and returns its metadata. Only an invalid URL is an
// error; fetch and parse failures yield empty metadata.
func (u *Unfurler) Unfurl(ctx context.Context, rawURL string) (Metadata, error) {
	target, err := ParseTarget(rawURL)
	if err != nil {
		return Metadata{}, err
	}
	metadata, err := u.fetch(ctx, target)
	if err != nil {
		u.logger.Info("unfurl failed", zap.String("url", target.String()), zap.Error(err))
		return Metadata{}, nil
	}
	return metadata, nil
}

func (u *Unfurler) fetch(ctx context.Context, target *url.URL) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Metadata{}, err
	}
	request.Header.Set("User-Agent", u.userAgent)
	request.Header.Set("Accept", "text/html,application/xhtml+xml")

	response, err := u.client.Do(request)
	if err != nil {
		return Metadata{}, err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return Metadata{}, fmt.Errorf("unexpected status %d", response.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(response.Header.Get("Content-Type"))
	if err != nil || (mediaType != "text/html" && mediaType != "application/xhtml+xml") {
		return Metadata{}, fmt.Errorf("unsupported content type %q", response.Header.Get("Content-Type"))
	}
	// Redirects move the base used for relative links.
	return Parse(io.LimitReader(response.Body, u.maxBytes), response.Request.URL)
}

// Parse reads metadata from an HTML document. Relative image and icon URLs are
// resolved against base.
func Parse(body io.Reader, base *url.URL) (Metadata, error) {
	root, err := html.Parse(body)
	if err != nil {
		return Metadata{}, err
	}
	tags := collectTags(root)

	metadata := Metadata{
		Title:       firstNonEmpty(tags.meta["og:title"], tags.meta["twitter:title"], tags.title),
		Description: firstNonEmpty(tags.meta["og:description"], tags.meta["twitter:description"], tags.meta["description"]),
		Image:       resolve(base, firstNonEmpty(tags.meta["og:image"], tags.meta["og:image:url"], tags.meta["twitter:image"], tags.meta["twitter:image:src"])),
		Favicon:     resolve(base, tags.icon),
	}
	if metadata.Favicon == "" && base != nil {
		metadata.Favicon = resolve(base, "/favicon.ico")
	}
	return metadata, nil
}

type pageTags struct {
	title string
	meta  map[string]string
	icon  string
}

func collectTags(root *html.Node) pageTags {
	tags := pageTags{meta: map[string]string{}}
	var walk func(node *html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			switch node.Data {
			case "title":
				if tags.title == "" {
					tags.title = strings.TrimSpace(textContent(node))
				}
			case "meta":
				key := strings.ToLower(firstNonEmpty(attribute(node, "property"), attribute(node, "name")))
				content := strings.TrimSpace(attribute(node, "content"))
				if key != "" && content != "" {
					if _, seen := tags.meta[key]; !seen {
						tags.meta[key] = content
					}
				}
			case "link":
				if tags.icon == "" && isIconRel(attribute(node, "rel")) {
					tags.icon = strings.TrimSpace(attribute(node, "href"))
				}
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return tags
}

func isIconRel(rel string) bool {
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == "icon" || token == "apple-touch-icon" {
			return true
		}
	}
	return false
}

func attribute(node *html.Node, name string) string {
	for _, attr := range node.Attr {
		if strings.EqualFold(attr.Key, name) {
			return attr.Val
		}
	}
	return ""
}

func textContent(node *html.Node) string {
	var builder strings.Builder
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.TextNode {
			builder.WriteString(child.Data)
		}
	}
	return builder.String()
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return parsed.String()
	}
	return base.ResolveReference(parsed).String()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
