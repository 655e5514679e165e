// Package ingest turns discovered images into records: it fetches each
// candidate, requests its embedding and reconciles the result into the
// in-memory snapshot.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"github.com/nickcecere/facesync/internal/codec"
	"github.com/nickcecere/facesync/internal/discovery"
	"github.com/nickcecere/facesync/internal/embeddings"
	"github.com/nickcecere/facesync/internal/objectstore"
)

// ErrAborted is wrapped by every error that stops a pass early. Records
// reconciled before the failure remain in the snapshot.
var ErrAborted = errors.New("ingestion aborted")

// Ingester reconciles candidates into a snapshot.
type Ingester struct {
	fetcher  objectstore.Fetcher
	embedder embeddings.Service
	opts     Options

	// Progress tracking
	progress Progress
	mu       sync.Mutex
}

// Options configures the ingestion pass.
type Options struct {
	// NameMetadataKey is the object metadata entry holding the display name.
	NameMetadataKey string

	// Normalize scales every vector to unit length before it is stored.
	Normalize bool

	// Concurrency is the number of fetch+embed calls in flight. Values
	// below 2 process candidates one at a time.
	Concurrency int

	// Limiter throttles embedding calls when set.
	Limiter *rate.Limiter

	// OnProgress is called after each candidate is settled.
	OnProgress ProgressFunc
}

// Progress tracks ingestion progress.
type Progress struct {
	Total      int
	Processed  int
	Skipped    int
	Failed     int
	CurrentKey string
	StartTime  time.Time
}

// ProgressFunc is called to report progress during ingestion.
type ProgressFunc func(Progress)

// Failure describes the candidate that stopped a pass.
type Failure struct {
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
	Err      error  `json:"-"`
}

// Result summarizes one pass.
type Result struct {
	Added    int
	Replaced int
	Skipped  int
	Failed   *Failure
}

// Changed reports whether the pass modified the snapshot.
func (r *Result) Changed() bool {
	return r.Added+r.Replaced > 0
}

// New creates an Ingester.
func New(fetcher objectstore.Fetcher, embedder embeddings.Service, opts Options) *Ingester {
	if opts.NameMetadataKey == "" {
		opts.NameMetadataKey = "fullname"
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Ingester{
		fetcher:  fetcher,
		embedder: embedder,
		opts:     opts,
	}
}

// embedded is the outcome of fetching and embedding one candidate.
type embedded struct {
	candidate discovery.Candidate
	name      string
	vector    []float32
	err       error
}

// Run processes candidates in listing order against snap. On failure the
// returned Result is still valid and err wraps ErrAborted.
func (in *Ingester) Run(ctx context.Context, bucket string, candidates []discovery.Candidate, snap *codec.Snapshot) (*Result, error) {
	start := time.Now()
	res := &Result{}

	in.mu.Lock()
	in.progress = Progress{Total: len(candidates), StartTime: start}
	in.mu.Unlock()

	window := make([]discovery.Candidate, 0, in.opts.Concurrency)
	pending := make(map[string]struct{})

	flush := func() error {
		if len(window) == 0 {
			return nil
		}
		err := in.settle(ctx, bucket, window, snap, res)
		window = window[:0]
		clear(pending)
		return err
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			res.Failed = &Failure{Key: c.Key, Checksum: c.Checksum, Err: err}
			return res, fmt.Errorf("%w: %w", ErrAborted, err)
		}

		// Already known, or a duplicate of an earlier candidate.
		if _, dup := pending[c.Checksum]; dup || snap.Checksums.Contains(c.Checksum) {
			log.Debug("Skipping known checksum", "key", c.Key, "checksum", c.Checksum)
			res.Skipped++
			in.report(func(p *Progress) {
				p.Skipped++
				p.CurrentKey = c.Key
			})
			continue
		}

		window = append(window, c)
		pending[c.Checksum] = struct{}{}
		if len(window) >= in.opts.Concurrency {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	log.Debug("Ingestion complete",
		"added", res.Added,
		"replaced", res.Replaced,
		"skipped", res.Skipped,
		"duration", time.Since(start).Round(time.Millisecond))

	return res, nil
}

// settle fetches and embeds a window concurrently, then reconciles the
// results in order up to the first failure.
func (in *Ingester) settle(ctx context.Context, bucket string, window []discovery.Candidate, snap *codec.Snapshot, res *Result) error {
	results := make([]embedded, len(window))

	var g errgroup.Group
	g.SetLimit(in.opts.Concurrency)
	for i, c := range window {
		g.Go(func() error {
			results[i] = in.embedOne(ctx, bucket, c)
			return results[i].err
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.err == nil {
			r.err = in.reconcile(r, snap, res)
		}
		if r.err != nil {
			res.Failed = &Failure{Key: r.candidate.Key, Checksum: r.candidate.Checksum, Err: r.err}
			in.report(func(p *Progress) {
				p.Failed++
				p.CurrentKey = r.candidate.Key
			})
			log.Warn("Ingestion failed", "key", r.candidate.Key, "error", r.err)
			return fmt.Errorf("%w: %s: %w", ErrAborted, r.candidate.Key, r.err)
		}
		in.report(func(p *Progress) {
			p.Processed++
			p.CurrentKey = r.candidate.Key
		})
	}
	return nil
}

func (in *Ingester) embedOne(ctx context.Context, bucket string, c discovery.Candidate) embedded {
	out := embedded{candidate: c}

	obj, err := in.fetcher.Get(ctx, bucket, c.Key)
	if err != nil {
		out.err = fmt.Errorf("failed to fetch object: %w", err)
		return out
	}
	out.name = DisplayName(c.Key, obj.Metadata, in.opts.NameMetadataKey)

	if in.opts.Limiter != nil {
		if err := in.opts.Limiter.Wait(ctx); err != nil {
			out.err = err
			return out
		}
	}

	vec, err := in.embedder.Embed(ctx, obj.Payload)
	if err != nil {
		out.err = fmt.Errorf("failed to embed image: %w", err)
		return out
	}
	// Such a vector could never be encoded, so the store would stay unwritable.
	if err := embeddings.CheckFinite(vec); err != nil {
		out.err = err
		return out
	}
	if in.opts.Normalize {
		vec = embeddings.L2Normalize(vec)
	}
	out.vector = vec

	log.Debug("Embedded image", "key", c.Key, "name", out.name, "dims", len(vec))
	return out
}

func (in *Ingester) reconcile(r embedded, snap *codec.Snapshot, res *Result) error {
	if dims := snap.Records.Dimensions(); dims > 0 && len(r.vector) != dims {
		return fmt.Errorf("embedding has %d dimensions, collection has %d", len(r.vector), dims)
	}

	if snap.Records.Upsert(r.candidate.Key, r.name, r.vector) {
		res.Replaced++
	} else {
		res.Added++
	}
	snap.Checksums.Add(r.candidate.Checksum)
	return nil
}

func (in *Ingester) report(update func(*Progress)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	update(&in.progress)
	if in.opts.OnProgress != nil {
		in.opts.OnProgress(in.progress)
	}
}

// Progress returns the current ingestion progress.
func (in *Ingester) Progress() Progress {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.progress
}

// DisplayName returns the name recorded for key: the metadata value under
// metaKey when present, otherwise the last path segment up to its first
// dot. Metadata keys are matched case-insensitively since S3 lower-cases
// user metadata.
func DisplayName(key string, metadata map[string]string, metaKey string) string {
	if metaKey != "" {
		if v, ok := metadata[metaKey]; ok && v != "" {
			return norm.NFC.String(v)
		}
		for k, v := range metadata {
			if strings.EqualFold(k, metaKey) && v != "" {
				return norm.NFC.String(v)
			}
		}
	}

	base := path.Base(key)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return norm.NFC.String(base)
}
