package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDownloader() *HTTPDownloader {
	d := NewHTTPDownloader(5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

func TestHTTPDownloader_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "payload")
	}))
	defer srv.Close()

	body, err := testDownloader().Open(context.Background(), srv.URL+"/a.zip")
	require.NoError(t, err)
	defer body.Close()
	b, _ := io.ReadAll(body)
	assert.Equal(t, "payload", string(b))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPDownloader_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testDownloader().Open(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(MaxRetries), calls.Load())
}

func TestHTTPDownloader_NotFoundIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testDownloader().Open(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 8; attempt++ {
		d := Backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 45*time.Second)
	}
}

func TestCachedDownloader_SkipsExisting(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "zip-bytes")
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := &CachedDownloader{Dir: dir, Source: testDownloader(), Stats: NewDownloadStats(time.Hour)}

	first, err := c.Fetch(context.Background(), srv.URL+"/bulk/CPCTitleList202505.zip")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "CPCTitleList202505.zip", first.Name)
	assert.Equal(t, int64(len("zip-bytes")), first.Size)
	assert.Len(t, first.SHA256, 64)

	second, err := c.Fetch(context.Background(), srv.URL+"/bulk/CPCTitleList202505.zip")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.Stats.Snapshot().Count)

	c.Force = true
	_, err = c.Fetch(context.Background(), srv.URL+"/bulk/CPCTitleList202505.zip")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	_, err = os.Stat(filepath.Join(dir, "CPCTitleList202505.zip.part"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "no .part file left behind")
}

func TestCachedDownloader_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := &CachedDownloader{Dir: dir, Source: testDownloader(), MaxBytes: 10}
	_, err := c.Fetch(context.Background(), srv.URL+"/big.zip")
	require.ErrorIs(t, err, ErrTooLarge)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries, "failed download must leave nothing behind")
}

func TestCachedDownloader_OfflineMiss(t *testing.T) {
	c := &CachedDownloader{Dir: t.TempDir()}
	_, err := c.Fetch(context.Background(), "CPCTitleList202505.zip")
	assert.Error(t, err)
}

const bulkPage = `<html><body>
<h2>Bulk download</h2>
<ul>
  <li><a href="/cpc/bulk/CPCTitleList202501.zip">Title list 2025.01</a></li>
  <li><a href="/cpc/bulk/CPCTitleList202505.zip">Title list 2025.05</a></li>
  <li><a href="https://cdn.example.org/FullCPCDefinitionXML202505.zip">Definitions</a></li>
  <li><a href="/cpc/bulk/CPCDefinitionPDF202505.zip">Definitions (PDF)</a></li>
  <li><a href="CPCValidityFile202505.zip?dl=1">Validity</a></li>
  <li><a href="/cpc/bulk/CPCSchemeXML202505.zip">Scheme</a></li>
  <li><a href="/cpc/bulk/readme.pdf">Readme</a></li>
  <li><a href="/cpc/bulk/notes.zip">No version</a></li>
</ul>
</body></html>`

func TestDiscoverReleases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, bulkPage)
	}))
	defer srv.Close()

	releases, err := DiscoverReleases(context.Background(), testDownloader(), srv.URL+"/cpc/bulk")
	require.NoError(t, err)
	require.Len(t, releases, 2)
	assert.Equal(t, "202501", releases[0].Version.String())

	latest, err := Select(releases, "")
	require.NoError(t, err)
	assert.Equal(t, "202505", latest.Version.String())
	assert.Equal(t, srv.URL+"/cpc/bulk/CPCTitleList202505.zip", latest.Archives[ArchiveTitleList])
	assert.Equal(t, "https://cdn.example.org/FullCPCDefinitionXML202505.zip", latest.Archives[ArchiveDefinitions])
	assert.Equal(t, srv.URL+"/cpc/CPCValidityFile202505.zip?dl=1", latest.Archives[ArchiveValidity])
	assert.Len(t, latest.Files, 5)
	assert.False(t, latest.Local)

	titles, ok := latest.TitleArchive()
	assert.True(t, ok)
	assert.Contains(t, titles, "CPCTitleList202505")

	pinned, err := Select(releases, "202501")
	require.NoError(t, err)
	_, hasDefs := pinned.Archives[ArchiveDefinitions]
	assert.False(t, hasDefs)

	_, err = Select(releases, "199901")
	assert.Error(t, err)
}

func TestDiscoverReleases_EmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>maintenance</body></html>")
	}))
	defer srv.Close()

	_, err := DiscoverReleases(context.Background(), testDownloader(), srv.URL)
	assert.ErrorIs(t, err, ErrNoReleases)
}

func TestLocalReleases(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"CPCSchemeXML202502.zip", "CPCTitleList202505.zip", "FullCPCDefinitionXML202505.zip", "cpc_data_202505.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	releases, err := LocalReleases(dir)
	require.NoError(t, err)
	require.Len(t, releases, 2)

	latest, _ := Select(releases, "")
	assert.Equal(t, "CPCTitleList202505.zip", latest.Archives[ArchiveTitleList])
	assert.True(t, latest.Local)
	older, _ := Select(releases, "202502")
	titles, ok := older.TitleArchive()
	assert.True(t, ok)
	assert.Equal(t, "CPCSchemeXML202502.zip", titles)

	_, err = LocalReleases(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrNoReleases)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ArchiveTitleList, KindOf("CPCTitleList202505.zip"))
	assert.Equal(t, ArchiveScheme, KindOf("CPCSchemeXML202505.zip"))
	assert.Equal(t, ArchiveDefinitions, KindOf("FullCPCDefinitionXML202505.zip"))
	assert.Equal(t, ArchiveValidity, KindOf("CPCValidityFile202505.zip"))
	assert.Equal(t, ArchiveSymbolList, KindOf("CPCSymbolList202505.zip"))
	assert.Equal(t, ArchiveKind(""), KindOf("CPCDefinitionPDF202505.zip"))
}

const prereleasePage = `<html><body><table>
<tr><td><a href="CPC_2025-08-01_A.zip">A</a></td></tr>
<tr><td><a href="/files/CPC_2025-05-01_B.zip?dl=1">B</a></td></tr>
<tr><td><a href="CPC_2025-08-01_A.zip">again</a></td></tr>
<tr><td><a href="notes.zip">undated</a></td></tr>
<tr><td><a href="CPC_2025-13-45.zip">bad date</a></td></tr>
<tr><td><a href="CPC_2025-09-01.pdf">pdf</a></td></tr>
</table></body></html>`

func TestDiscoverPrereleases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, prereleasePage)
	}))
	defer srv.Close()

	prs, err := DiscoverPrereleases(context.Background(), testDownloader(), srv.URL+"/CPCRevisions/prereleases/")
	require.NoError(t, err)
	require.Len(t, prs, 2)
	assert.Equal(t, "CPC_2025-05-01_B.zip", prs[0].Name)
	assert.Equal(t, srv.URL+"/files/CPC_2025-05-01_B.zip?dl=1", prs[0].URL)
	assert.Equal(t, srv.URL+"/CPCRevisions/prereleases/CPC_2025-08-01_A.zip", prs[1].URL)
	assert.Equal(t, []string{"2025-05-01", "2025-08-01"}, PrereleaseDates(prs))
}

func TestDiscoverPrereleases_NoneListed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>nothing yet</body></html>")
	}))
	defer srv.Close()

	prs, err := DiscoverPrereleases(context.Background(), testDownloader(), srv.URL)
	require.NoError(t, err)
	assert.Empty(t, prs)
	assert.Empty(t, PrereleaseDates(prs))
}
