// Package dataset loads contest tasks from a directory or an S3 prefix of
// JSON files. Each file is one task; its base name (without .json) becomes the
// task name and its body, compacted, becomes the task content.
package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// ErrEmpty is returned when a source holds no usable task files.
var ErrEmpty = errors.New("dataset contains no valid tasks")

// Item is a single task read from a dataset, before it is placed in the pool.
type Item struct {
	Name        string
	Content     json.RawMessage
	MaxAttempts int    // from a top-level "max_attempts" field; 0 when absent
	Source      string // file path or object key the item was read from
}

// Source lists and reads task items.
type Source interface {
	// Load returns at most limit items ordered by file name. limit <= 0 means
	// no limit. Files that are not valid JSON are skipped and logged.
	Load(ctx context.Context, limit int) ([]Item, error)
}

// Open returns the Source for uri: "s3://bucket/prefix" selects S3, anything
// else is treated as a local directory.
func Open(ctx context.Context, uri string, logger *slog.Logger) (Source, error) {
	if rest, ok := strings.CutPrefix(uri, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("dataset %q: missing bucket", uri)
		}
		return NewS3SourceFromEnv(ctx, bucket, prefix, logger)
	}
	return NewDirSource(uri, logger), nil
}

// parseItem compacts raw into canonical JSON. Content is stored and delivered
// as these exact bytes.
func parseItem(name string, raw []byte) (Item, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Item{}, fmt.Errorf("parse %s: %w", name, err)
	}
	item := Item{
		Name:    strings.TrimSuffix(path.Base(name), ".json"),
		Content: json.RawMessage(buf.Bytes()),
		Source:  name,
	}

	// Non-object documents and non-integer values leave the limit unset.
	var limits struct {
		MaxAttempts int `json:"max_attempts"`
	}
	if json.Unmarshal(buf.Bytes(), &limits) == nil && limits.MaxAttempts > 0 {
		item.MaxAttempts = limits.MaxAttempts
	}
	return item, nil
}

func isTaskFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(path.Base(name), ".")
}
