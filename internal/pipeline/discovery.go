package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
)

// discoverFires lists the state directory and returns one fire shell per
// fire sub-directory. Links outside the state directory, the directory
// itself and duplicates are counted as skipped.
func (h *Harvester) discoverFires(ctx context.Context, t *tally) ([]*domain.FireRecord, error) {
	listing, err := url.Parse(h.opts.ListingURL)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}
	page, err := h.fetcher.Fetch(ctx, h.opts.ListingURL, domain.KindListing)
	if err != nil {
		return nil, err
	}
	links, err := h.links.Links(h.opts.ListingURL, page)
	if err != nil {
		return nil, err
	}

	stateDir := dirPath(listing.Path)
	seen := make(map[string]bool)
	var fires []*domain.FireRecord
	for _, u := range links {
		slug, ok := childDir(u, listing.Host, stateDir)
		if !ok || seen[slug] {
			h.metrics.FireLinksSkipped.Inc()
			t.fireLinksSkipped.Add(1)
			continue
		}
		seen[slug] = true

		fire := domain.NewFireRecord(h.opts.Year, domain.FireNameFromSlug(slug), slug, u.String())
		fires = append(fires, fire)
		h.metrics.FiresDiscovered.Inc()
		t.firesDiscovered.Add(1)
		h.logger.Debug("fire discovered", "fire", fire.Name, "link", fire.Link)
	}
	return fires, nil
}

// discoverReports lists a fire directory and adds a report for every
// geometry file whose name carries a valid timestamp.
func (h *Harvester) discoverReports(ctx context.Context, fire *domain.FireRecord, t *tally) error {
	page, err := h.fetcher.Fetch(ctx, fire.Link, domain.KindListing)
	if err != nil {
		return err
	}
	links, err := h.links.Links(fire.Link, page)
	if err != nil {
		return err
	}

	slug := fire.FileName
	if s, err := url.PathUnescape(slug); err == nil {
		slug = s
	}
	for _, u := range links {
		name := path.Base(u.Path)
		if !strings.EqualFold(path.Ext(name), domain.GeometryExt) {
			continue
		}
		date, ok := domain.ParseReportStamp(name, slug)
		if !ok {
			h.logger.Debug("skipping report with unexpected name", "fire", fire.Name, "file", name)
			h.metrics.ReportsSkipped.Inc()
			t.reportsSkipped.Add(1)
			continue
		}
		fire.AddReport(u.String(), date)
		h.metrics.ReportsDiscovered.Inc()
		t.reportsDiscovered.Add(1)
	}
	return nil
}

// childDir returns the escaped name of u when it is a direct sub-directory
// of dir on host.
func childDir(u *url.URL, host, dir string) (string, bool) {
	if u.Host != host || !strings.HasSuffix(u.Path, "/") {
		return "", false
	}
	if !strings.HasPrefix(u.Path, dir) {
		return "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(u.Path, dir), "/")
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	escaped := strings.TrimSuffix(u.EscapedPath(), "/")
	return escaped[strings.LastIndex(escaped, "/")+1:], true
}

func dirPath(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
