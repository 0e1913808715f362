// Package archive lists and opens the members of CPC bulk-data ZIP files.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Member is one named file inside an archive. Its content is read only
// when Open is called.
type Member struct {
	Name string
	Size uint64
	file *zip.File
}

// Open returns the decompressed member content.
func (m Member) Open() (io.ReadCloser, error) {
	rc, err := m.file.Open()
	if err != nil {
		return nil, fmt.Errorf("open member %s: %w", m.Name, err)
	}
	return rc, nil
}

// Package is an opened archive.
type Package struct {
	Name   string
	reader *zip.Reader
	closer io.Closer
}

// Members returns the regular files whose extension is in exts (all files
// when exts is empty), sorted by name. Directories, dot files and macOS
// resource forks are skipped.
func (p *Package) Members(exts ...string) []Member {
	var out []Member
	for _, f := range p.reader.File {
		if f.FileInfo().IsDir() || junk(f.Name) {
			continue
		}
		if len(exts) > 0 && !hasExt(f.Name, exts) {
			continue
		}
		out = append(out, Member{Name: f.Name, Size: f.UncompressedSize64, file: f})
	}
	slices.SortFunc(out, func(a, b Member) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Close releases the underlying file, if any.
func (p *Package) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

// Depackager opens bulk archives.
type Depackager interface {
	Open(path string) (*Package, error)
}

// ZipDepackager reads ZIP archives from disk.
type ZipDepackager struct{}

func (ZipDepackager) Open(p string) (*Package, error) {
	rc, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path.Base(p), err)
	}
	return &Package{Name: path.Base(p), reader: &rc.Reader, closer: rc}, nil
}

// FromBytes opens an in-memory ZIP.
func FromBytes(name string, b []byte) (*Package, error) {
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", name, err)
	}
	return &Package{Name: name, reader: zr}, nil
}

func junk(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") {
		return true
	}
	return strings.HasPrefix(path.Base(name), ".")
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range exts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}
