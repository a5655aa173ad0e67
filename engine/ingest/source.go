package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vcetai/vcet-assist/engine/domain"
)

// SupportedExtensions lists the plain-text formats read by DirSource.
var SupportedExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// DirSource loads plain-text documents from a directory tree. A form feed
// character splits a file into numbered pages.
type DirSource struct {
	Dir string
}

// NewDirSource creates a DirSource rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir}
}

// Load reads every supported file under Dir in lexical path order. A missing
// directory yields no documents.
func (s *DirSource) Load(ctx context.Context) ([]domain.Document, error) {
	if _, err := os.Stat(s.Dir); os.IsNotExist(err) {
		return nil, nil
	}

	var paths []string
	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.Dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if SupportedExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: walk %s: %w", s.Dir, err)
	}
	sort.Strings(paths)

	var docs []domain.Document
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ingest: read %s: %w", path, err)
		}
		rel, err := filepath.Rel(s.Dir, path)
		if err != nil {
			rel = path
		}
		docs = append(docs, splitPages(filepath.ToSlash(rel), string(data))...)
	}
	return docs, nil
}

func splitPages(name, text string) []domain.Document {
	pages := strings.Split(text, "\f")
	if len(pages) == 1 {
		return []domain.Document{{ID: name, Name: name, Text: text}}
	}
	docs := make([]domain.Document, 0, len(pages))
	for i, p := range pages {
		if strings.TrimSpace(p) == "" {
			continue
		}
		docs = append(docs, domain.Document{ID: name, Name: name, Text: p, Page: i + 1})
	}
	return docs
}
