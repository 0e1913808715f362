package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/net/html"

	"github.com/dgallion1/cpcetl/internal/cpc"
)

// ErrNoReleases means the bulk page listed no versioned archives.
var ErrNoReleases = errors.New("fetch: no cpc releases found")

// ArchiveKind names what a bulk archive contains.
type ArchiveKind string

const (
	ArchiveTitleList   ArchiveKind = "title_list"  // CPCTitleList<version>.zip, per-section text files
	ArchiveScheme      ArchiveKind = "scheme"      // CPCSchemeXML<version>.zip
	ArchiveDefinitions ArchiveKind = "definitions" // FullCPCDefinitionXML<version>.zip
	ArchiveValidity    ArchiveKind = "validity"    // CPCValidityFile<version>.zip
	ArchiveSymbolList  ArchiveKind = "symbol_list" // CPCSymbolList<version>.zip, csv with a status column
)

// KindOf classifies an archive by file name. It returns "" for archives
// the pipeline does not use.
func KindOf(name string) ArchiveKind {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "titlelist"):
		return ArchiveTitleList
	case strings.Contains(lower, "schemexml"):
		return ArchiveScheme
	case strings.Contains(lower, "definitionxml"):
		return ArchiveDefinitions
	case strings.Contains(lower, "validity"):
		return ArchiveValidity
	case strings.Contains(lower, "symbollist"):
		return ArchiveSymbolList
	}
	return ""
}

// Release is one bulk-data version and the archives published for it.
type Release struct {
	Version  cpc.SchemaVersion      `json:"version"`
	Archives map[ArchiveKind]string `json:"archives"`
	Files    []string               `json:"files"`
	// Local releases were found on disk; their archives are bare file
	// names that only a cache hit can serve.
	Local bool `json:"local,omitempty"`
}

// TitleArchive returns the URL to read titles from, preferring the title
// list over the full scheme.
func (r Release) TitleArchive() (string, bool) {
	if u, ok := r.Archives[ArchiveTitleList]; ok {
		return u, true
	}
	u, ok := r.Archives[ArchiveScheme]
	return u, ok
}

var versionPattern = regexp.MustCompile(`(\d{6})`)

// DiscoverReleases reads the bulk listing page and groups its .zip links by
// six-digit version. Releases are returned oldest first.
func DiscoverReleases(ctx context.Context, d Downloader, pageURL string) ([]Release, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse bulk page url: %w", err)
	}
	body, err := d.Open(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch bulk page: %w", err)
	}
	defer body.Close()

	hrefs, err := zipLinks(body)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[cpc.SchemaVersion]*Release)
	for _, href := range hrefs {
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		name := path.Base(abs.Path)
		version, ok := versionFromName(name)
		if !ok {
			continue
		}
		rel := byVersion[version]
		if rel == nil {
			rel = &Release{Version: version, Archives: make(map[ArchiveKind]string)}
			byVersion[version] = rel
		}
		if slices.Contains(rel.Files, name) {
			continue
		}
		rel.Files = append(rel.Files, name)
		if kind := KindOf(name); kind != "" {
			if _, dup := rel.Archives[kind]; !dup {
				rel.Archives[kind] = abs.String()
			}
		}
	}
	if len(byVersion) == 0 {
		return nil, ErrNoReleases
	}
	return sortReleases(byVersion), nil
}

// zipLinks collects every anchor href ending in .zip.
func zipLinks(r io.Reader) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse bulk page: %w", err)
	}
	var hrefs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, a := range n.Attr {
				if a.Key != "href" {
					continue
				}
				href := strings.TrimSpace(a.Val)
				if strings.HasSuffix(strings.ToLower(stripQuery(href)), ".zip") {
					hrefs = append(hrefs, href)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hrefs, nil
}

func stripQuery(href string) string {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		return href[:i]
	}
	return href
}

func versionFromName(name string) (cpc.SchemaVersion, bool) {
	m := versionPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	v, err := cpc.ParseSchemaVersion(m[1])
	if err != nil {
		return "", false
	}
	return v, true
}

func sortReleases(byVersion map[cpc.SchemaVersion]*Release) []Release {
	out := make([]Release, 0, len(byVersion))
	for _, rel := range byVersion {
		slices.Sort(rel.Files)
		out = append(out, *rel)
	}
	slices.SortFunc(out, func(a, b Release) int { return strings.Compare(string(a.Version), string(b.Version)) })
	return out
}

// Select picks the pinned version, or the newest one when version is empty.
func Select(releases []Release, version cpc.SchemaVersion) (Release, error) {
	if len(releases) == 0 {
		return Release{}, ErrNoReleases
	}
	if version == "" {
		return releases[len(releases)-1], nil
	}
	for _, rel := range releases {
		if rel.Version == version {
			return rel, nil
		}
	}
	return Release{}, fmt.Errorf("fetch: release %s not listed", version)
}

// LocalReleases builds releases from archives already in dir, for re-runs
// when the bulk page cannot be reached. Archive URLs are bare file names,
// which CachedDownloader resolves against its directory.
func LocalReleases(dir string) ([]Release, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoReleases
		}
		return nil, err
	}
	byVersion := make(map[cpc.SchemaVersion]*Release)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(name), ".zip") {
			continue
		}
		version, ok := versionFromName(name)
		if !ok {
			continue
		}
		rel := byVersion[version]
		if rel == nil {
			rel = &Release{Version: version, Archives: make(map[ArchiveKind]string), Local: true}
			byVersion[version] = rel
		}
		rel.Files = append(rel.Files, name)
		if kind := KindOf(name); kind != "" {
			if _, dup := rel.Archives[kind]; !dup {
				rel.Archives[kind] = name
			}
		}
	}
	if len(byVersion) == 0 {
		return nil, ErrNoReleases
	}
	return sortReleases(byVersion), nil
}
