package ingest

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type folderConfig struct {
	Path string `json:"path"`
	// Patterns are shell globs matched against base names; empty keeps all.
	Patterns  []string `json:"patterns"`
	Recursive *bool    `json:"recursive"`
}

// FolderConnector walks a local directory. The path relative to the
// configured root is the canonical URI, so the same tree ingests to the same
// stems regardless of where it is mounted.
type FolderConnector struct {
	cfg folderConfig
}

func NewFolderConnector(config map[string]any) (*FolderConnector, error) {
	var cfg folderConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("folder source config: %w", err)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("folder source config: path is required")
	}
	for _, p := range cfg.Patterns {
		if _, err := filepath.Match(p, "probe"); err != nil {
			return nil, fmt.Errorf("folder source config: invalid pattern %q", p)
		}
	}
	return &FolderConnector{cfg: cfg}, nil
}

func (c *FolderConnector) Items(ctx context.Context) ([]Item, error) {
	root, err := filepath.Abs(c.cfg.Path)
	if err != nil {
		return nil, err
	}
	recursive := c.cfg.Recursive == nil || *c.cfg.Recursive

	var items []Item
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && p != root {
				return fs.SkipDir
			}
			return nil
		}
		if !c.match(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		abs := p
		items = append(items, Item{
			URI:         "file://" + filepath.ToSlash(rel),
			Filename:    d.Name(),
			ContentType: guessContentType(d.Name()),
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return os.Open(abs)
			},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return items, nil
}

func (c *FolderConnector) match(name string) bool {
	if len(c.cfg.Patterns) == 0 {
		return true
	}
	for _, p := range c.cfg.Patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
