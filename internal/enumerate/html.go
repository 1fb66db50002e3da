package enumerate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/italolelis/dataset_relay/internal/logctx"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

const defaultLinkFormat = "PDF"

// HTMLLinks fetches item pages and turns every anchor whose text contains Format into a
// source of that page's item. Pages that cannot be fetched are logged and skipped.
type HTMLLinks struct {
	Pages []string
	// PageFile, when set, adds the filtered lines of a URL list (e.g. a collection's
	// <link> export) to Pages.
	PageFile  *LineFile
	Format    string
	KeyPrefix string
	Client    *http.Client
}

// Enumerate implements Enumerator with one item per page that has at least one link.
func (h *HTMLLinks) Enumerate(ctx context.Context) ([]*transfer.WorkItem, error) {
	logger := logctx.LoggerFromContext(ctx)

	client := h.Client
	if client == nil {
		client = defaultHTTPClient()
	}

	format := h.Format
	if format == "" {
		format = defaultLinkFormat
	}

	pages := h.Pages

	if h.PageFile != nil {
		listed, err := h.PageFile.Lines()
		if err != nil {
			return nil, err
		}

		logger.DebugContext(ctx, "read item pages from list", "path", h.PageFile.Path, "pages", len(listed))

		pages = append(append([]string(nil), pages...), listed...)
	}

	b := newBuilder(h.KeyPrefix)

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		links, err := h.pageLinks(ctx, client, page, format)
		if err != nil {
			logger.WarnContext(ctx, "failed to read item page", "page", page, "err", err)

			continue
		}

		if len(links) == 0 {
			logger.DebugContext(ctx, "no matching links on page", "page", page, "format", format)

			continue
		}

		sources := make([]transfer.Source, 0, len(links))
		for _, l := range links {
			sources = append(sources, transfer.Source{URL: l})
		}

		b.add(groupFromURL(page), sources...)
	}

	return b.result(), nil
}

func (h *HTMLLinks) pageLinks(ctx context.Context, client *http.Client, page, format string) ([]string, error) {
	base, err := url.Parse(page)
	if err != nil {
		return nil, fmt.Errorf("invalid page url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	return ExtractLinks(resp.Body, base, format)
}

// ExtractLinks returns the href of every anchor whose text contains format, resolved
// against base and without duplicates.
func ExtractLinks(r io.Reader, base *url.URL, format string) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var (
		links []string
		seen  = make(map[string]struct{})
		walk  func(*html.Node)
	)

	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attr(n, "href")
			if href != "" && strings.Contains(text(n), format) {
				if ref, err := url.Parse(href); err == nil {
					abs := base.ResolveReference(ref).String()
					if _, ok := seen[abs]; !ok {
						seen[abs] = struct{}{}
						links = append(links, abs)
					}
				}
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(doc)

	return links, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}

	return ""
}

func text(n *html.Node) string {
	var sb strings.Builder

	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}

	collect(n)

	return sb.String()
}
