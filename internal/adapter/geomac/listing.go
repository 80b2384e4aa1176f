package geomac

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"

	"golang.org/x/net/html"
)

// ParseListing returns the href of every anchor in an HTML page, in
// document order.
func ParseListing(page []byte) ([]string, error) {
	z := html.NewTokenizer(bytes.NewReader(page))
	var links []string
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return links, nil
			}
			return nil, fmt.Errorf("parse listing: %w", z.Err())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" {
				continue
			}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) == "href" {
					links = append(links, string(val))
				}
			}
		}
	}
}

// ResolveLinks resolves hrefs against the URL of the page they came from,
// so absolute-path and relative listings yield the same absolute URLs.
// Unparseable hrefs are dropped.
func ResolveLinks(pageURL string, hrefs []string) ([]*url.URL, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	out := make([]*url.URL, 0, len(hrefs))
	for _, h := range hrefs {
		ref, err := url.Parse(h)
		if err != nil {
			continue
		}
		out = append(out, base.ResolveReference(ref))
	}
	return out, nil
}

// LinkParser extracts absolute links from directory listing pages.
type LinkParser struct{}

// Links parses page and resolves every href against pageURL.
func (LinkParser) Links(pageURL string, page []byte) ([]*url.URL, error) {
	hrefs, err := ParseListing(page)
	if err != nil {
		return nil, err
	}
	return ResolveLinks(pageURL, hrefs)
}
