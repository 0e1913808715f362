package fetch

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Prerelease is a dated archive from the revisions pre-release page.
type Prerelease struct {
	Date time.Time `json:"date"`
	Name string    `json:"name"`
	URL  string    `json:"url"`
}

var prereleaseDate = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)

// DiscoverPrereleases lists the .zip links on the pre-release page whose
// file name carries a YYYY-MM-DD date. Links without a parseable date are
// skipped. Results are sorted by date, then name.
func DiscoverPrereleases(ctx context.Context, d Downloader, pageURL string) ([]Prerelease, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse prerelease page url: %w", err)
	}
	body, err := d.Open(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch prerelease page: %w", err)
	}
	defer body.Close()

	hrefs, err := zipLinks(body)
	if err != nil {
		return nil, err
	}

	var out []Prerelease
	seen := make(map[string]bool)
	for _, href := range hrefs {
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		name := path.Base(abs.Path)
		m := prereleaseDate.FindStringSubmatch(name)
		if m == nil || seen[name] {
			continue
		}
		date, err := time.Parse(time.DateOnly, m[1])
		if err != nil {
			continue
		}
		seen[name] = true
		out = append(out, Prerelease{Date: date, Name: name, URL: abs.String()})
	}
	slices.SortFunc(out, func(a, b Prerelease) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// PrereleaseDates returns the distinct dates in prs, oldest first.
func PrereleaseDates(prs []Prerelease) []string {
	var dates []string
	for _, p := range prs {
		d := p.Date.Format(time.DateOnly)
		if len(dates) == 0 || dates[len(dates)-1] != d {
			dates = append(dates, d)
		}
	}
	return dates
}
