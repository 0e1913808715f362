package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"
)

// ErrTooLarge is returned when a body exceeds the configured size cap.
var ErrTooLarge = errors.New("fetch: download exceeds size limit")

// Artifact is an archive stored in the raw directory.
type Artifact struct {
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	URL      string        `json:"url"`
	Size     int64         `json:"size"`
	SHA256   string        `json:"sha256"`
	Cached   bool          `json:"cached"`
	Duration time.Duration `json:"duration"`
}

// CachedDownloader stores archives under Dir, one file per URL base name.
// An existing file is reused unless Force is set. Writes go to a .part file
// that is renamed into place only after the body has been read in full.
type CachedDownloader struct {
	Dir      string
	Source   Downloader
	Force    bool
	MaxBytes int64
	Stats    *DownloadStats
}

// Fetch returns the local copy of rawURL, downloading it when needed.
func (c *CachedDownloader) Fetch(ctx context.Context, rawURL string) (*Artifact, error) {
	name, err := fileName(rawURL)
	if err != nil {
		return nil, err
	}
	dest := filepath.Join(c.Dir, name)
	art := &Artifact{Name: name, Path: dest, URL: rawURL}

	if !c.Force {
		if fi, err := os.Stat(dest); err == nil && fi.Mode().IsRegular() {
			sum, err := hashFile(dest)
			if err != nil {
				return nil, err
			}
			art.Size = fi.Size()
			art.SHA256 = sum
			art.Cached = true
			return art, nil
		}
	}
	if c.Source == nil {
		return nil, fmt.Errorf("fetch %s: not cached and no downloader configured", name)
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create raw dir: %w", err)
	}

	start := time.Now()
	body, err := c.Source.Open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	n, sum, err := c.store(body, dest)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", name, err)
	}
	art.Size = n
	art.SHA256 = sum
	art.Duration = time.Since(start)
	if c.Stats != nil {
		c.Stats.Record(art.Duration, n)
	}
	return art, nil
}

func (c *CachedDownloader) store(body io.Reader, dest string) (int64, string, error) {
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, "", err
	}
	defer os.Remove(tmp)

	src := body
	if c.MaxBytes > 0 {
		src = io.LimitReader(body, c.MaxBytes+1)
	}
	h := sha256.New()
	n, werr := io.Copy(io.MultiWriter(out, h), src)
	cerr := out.Close()
	if werr != nil {
		return 0, "", werr
	}
	if cerr != nil {
		return 0, "", cerr
	}
	if c.MaxBytes > 0 && n > c.MaxBytes {
		return 0, "", ErrTooLarge
	}
	if err := os.Rename(tmp, dest); err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// fileName returns the last path element of a URL or plain file name.
func fileName(rawURL string) (string, error) {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	name := path.Base(p)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("fetch: no file name in %q", rawURL)
	}
	return name, nil
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(p), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
