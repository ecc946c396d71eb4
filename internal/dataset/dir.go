package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// DirSource reads *.json files from a local directory.
type DirSource struct {
	dir    string
	logger *slog.Logger
}

// NewDirSource creates a Source over dir.
func NewDirSource(dir string, logger *slog.Logger) *DirSource {
	return &DirSource{dir: dir, logger: logger.With("component", "dataset", "dir", dir)}
}

// Load implements Source.
func (d *DirSource) Load(ctx context.Context, limit int) ([]Item, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isTaskFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var items []Item
	for _, name := range names {
		if limit > 0 && len(items) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(filepath.Join(d.dir, name))
		if err != nil {
			d.logger.Error("read task file", "file", name, "error", err)
			continue
		}
		item, err := parseItem(name, raw)
		if err != nil {
			d.logger.Error("skip task file", "file", name, "error", err)
			continue
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%s: %w", d.dir, ErrEmpty)
	}
	d.logger.Info("dataset loaded", "tasks", len(items))
	return items, nil
}
