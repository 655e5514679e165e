// Package discovery finds source objects whose content has not been
// ingested yet.
package discovery

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/nickcecere/facesync/internal/objectstore"
	"github.com/nickcecere/facesync/internal/records"
)

// Candidate is an object that needs ingestion.
type Candidate struct {
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
}

// Options configures a discovery pass.
type Options struct {
	Bucket string
	Prefix string

	// PageSize is the listing page size.
	PageSize int
	// MaxCandidates is a soft cap: listing stops after the first page that
	// pushes the candidate count above it.
	MaxCandidates int

	// Ignore lists gitignore-style patterns matched against keys relative to Prefix.
	Ignore []string
}

// Result is the outcome of a discovery pass.
type Result struct {
	Candidates []Candidate
	// Truncated is set when the candidate count went over the cap, even on
	// the last page. The next pass picks up whatever was not ingested.
	Truncated bool
	Pages     int
	Scanned   int
}

// Discover lists objects under the prefix page by page and returns those
// with a non-zero size whose checksum is not in known, in listing order.
func Discover(ctx context.Context, lister objectstore.Lister, opts Options, known records.ChecksumSet) (*Result, error) {
	var ignorer *gitignore.GitIgnore
	if len(opts.Ignore) > 0 {
		ignorer = gitignore.CompileIgnoreLines(opts.Ignore...)
	}

	result := &Result{}
	token := ""
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page, err := lister.List(ctx, opts.Bucket, opts.Prefix, opts.PageSize, token)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		result.Pages++
		result.Scanned += len(page.Entries)

		for _, e := range page.Entries {
			if e.Size == 0 {
				continue
			}
			if known.Contains(e.Checksum) {
				log.Debug("Object unchanged, skipping", "key", e.Key)
				continue
			}
			if ignorer != nil && ignorer.MatchesPath(relative(e.Key, opts.Prefix)) {
				log.Debug("Object ignored", "key", e.Key)
				continue
			}
			result.Candidates = append(result.Candidates, Candidate{Key: e.Key, Checksum: e.Checksum})
		}

		if opts.MaxCandidates > 0 && len(result.Candidates) > opts.MaxCandidates {
			result.Truncated = true
			break
		}
		if !page.HasMore {
			break
		}
		token = page.NextToken
	}

	log.Debug("Discovery complete",
		"candidates", len(result.Candidates),
		"pages", result.Pages,
		"scanned", result.Scanned,
		"truncated", result.Truncated,
	)
	return result, nil
}

func relative(key, prefix string) string {
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}
