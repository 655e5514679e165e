// Package syncer runs the incremental synchronization pass: load the
// persisted store, discover new objects, ingest them and persist the result.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nickcecere/facesync/internal/codec"
	"github.com/nickcecere/facesync/internal/config"
	"github.com/nickcecere/facesync/internal/discovery"
	"github.com/nickcecere/facesync/internal/embeddings"
	"github.com/nickcecere/facesync/internal/ingest"
	"github.com/nickcecere/facesync/internal/lease"
	"github.com/nickcecere/facesync/internal/objectstore"
	"github.com/nickcecere/facesync/internal/shadow"
)

// FailurePolicy decides what happens to partial progress when ingestion
// aborts.
type FailurePolicy string

const (
	// PolicyPersist saves the records reconciled before the failure.
	PolicyPersist FailurePolicy = "persist"
	// PolicyDiscard drops the whole run.
	PolicyDiscard FailurePolicy = "discard"
)

// EmbedderFactory builds an embedding service for an endpoint name.
type EmbedderFactory func(endpoint string) (embeddings.Service, error)

// Deps are the collaborators of a Syncer.
type Deps struct {
	// Source lists and fetches the images.
	Source objectstore.Source
	// Codec loads and saves the record store.
	Codec *codec.Codec

	// Embedder serves requests without an endpoint name.
	Embedder embeddings.Service
	// NewEmbedder serves requests naming an endpoint. Services are built
	// once per endpoint and reused.
	NewEmbedder EmbedderFactory

	// Publisher is optional.
	Publisher shadow.Publisher
	// Locker is optional.
	Locker lease.Locker
}

// Options configures a Syncer.
type Options struct {
	PageSize      int
	MaxCandidates int
	Ignore        []string

	Ingest ingest.Options
	Policy FailurePolicy
}

// OptionsFromConfig maps the configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		PageSize:      cfg.Sync.PageSize,
		MaxCandidates: cfg.Sync.MaxCandidates,
		Ignore:        cfg.Ignore,
		Ingest: ingest.Options{
			NameMetadataKey: cfg.Sync.NameMetadataKey,
			Normalize:       cfg.Embeddings.Normalize,
			Concurrency:     cfg.Sync.Concurrency,
		},
		Policy: FailurePolicy(cfg.Sync.OnIngestFailure),
	}
	if cfg.Sync.RateLimit > 0 {
		opts.Ingest.Limiter = rate.NewLimiter(rate.Limit(cfg.Sync.RateLimit), 1)
	}
	return opts
}

// Syncer orchestrates LOAD, DISCOVER, INGEST, PERSIST and PUBLISH.
type Syncer struct {
	deps Deps
	opts Options

	mu        sync.Mutex
	embedders map[string]embeddings.Service
}

// New creates a Syncer.
func New(deps Deps, opts Options) *Syncer {
	if opts.PageSize <= 0 {
		opts.PageSize = config.DefaultPageSize
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = config.DefaultMaxCandidates
	}
	if opts.Policy == "" {
		opts.Policy = PolicyPersist
	}
	return &Syncer{
		deps:      deps,
		opts:      opts,
		embedders: make(map[string]embeddings.Service),
	}
}

// Plan is the outcome of LOAD and DISCOVER without ingestion.
type Plan struct {
	Candidates []discovery.Candidate `json:"candidates"`
	Truncated  bool                  `json:"truncated"`
	Scanned    int                   `json:"scanned"`
	Total      int                   `json:"total"`
	Unique     int                   `json:"unique"`
	Revision   string                `json:"revision"`
}

// Plan reports what a run would ingest without embedding or writing.
func (s *Syncer) Plan(ctx context.Context, req Request) (*Plan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	snap, revision := s.deps.Codec.Load(ctx, req.Output())
	disc, err := discovery.Discover(ctx, s.deps.Source, s.discoveryOptions(req), snap.Checksums)
	if err != nil {
		return nil, fmt.Errorf("failed to discover objects: %w", err)
	}

	return &Plan{
		Candidates: disc.Candidates,
		Truncated:  disc.Truncated,
		Scanned:    disc.Scanned,
		Total:      snap.Records.Len(),
		Unique:     snap.Checksums.Len(),
		Revision:   revision,
	}, nil
}

// Run performs one synchronization pass.
//
// A discovery or persistence failure returns a nil response. An ingestion
// failure under PolicyPersist returns the response of the partial run
// together with an error wrapping ingest.ErrAborted.
func (s *Syncer) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	addr := req.Output()
	resp := &Response{RunID: uuid.NewString(), Runs: 1}
	logger := log.With("run", resp.RunID, "store", addr.String())

	if s.deps.Locker != nil {
		l, err := s.deps.Locker.Acquire(ctx, addr.String())
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := s.deps.Locker.Release(context.WithoutCancel(ctx), l); err != nil {
				logger.Warn("Failed to release lease", "error", err)
			}
		}()
	}

	// LOAD
	snap, revision := s.deps.Codec.Load(ctx, addr)
	logger.Debug("Loaded store", "records", snap.Records.Len(), "checksums", snap.Checksums.Len())

	// DISCOVER
	disc, err := discovery.Discover(ctx, s.deps.Source, s.discoveryOptions(req), snap.Checksums)
	if err != nil {
		return nil, fmt.Errorf("failed to discover objects: %w", err)
	}
	resp.Truncated = disc.Truncated
	logger.Debug("Discovered candidates", "candidates", len(disc.Candidates), "truncated", disc.Truncated)

	// INGEST
	var ingestErr error
	res := &ingest.Result{}
	if len(disc.Candidates) > 0 {
		embedder, err := s.embedderFor(req.EndpointName)
		if err != nil {
			return nil, err
		}
		res, ingestErr = ingest.New(s.deps.Source, embedder, s.opts.Ingest).
			Run(ctx, req.InputBucket, disc.Candidates, snap)
		if ingestErr != nil && s.opts.Policy == PolicyDiscard {
			return nil, ingestErr
		}
	}

	// PERSIST
	resp.RevisionTag = revision
	if len(disc.Candidates) > 0 && res.Changed() {
		persistCtx := ctx
		if ctx.Err() != nil {
			persistCtx = context.WithoutCancel(ctx)
		}
		newRevision, err := s.deps.Codec.Save(persistCtx, addr, snap, revision)
		if err != nil {
			return nil, errors.Join(err, ingestErr)
		}
		resp.RevisionTag = newRevision
		resp.Persisted = true
	}

	resp.Added = res.Added + res.Replaced
	resp.Replaced = res.Replaced
	resp.Total = snap.Records.Len()
	resp.Unique = snap.Checksums.Len()

	// PUBLISH
	if ingestErr == nil && req.ThingName != "" && s.deps.Publisher != nil && resp.RevisionTag != "" {
		state := shadow.NewState(addr, resp.RevisionTag, resp.Total, resp.Unique)
		if _, err := s.deps.Publisher.Publish(ctx, req.ThingName, state); err != nil {
			logger.Warn("Failed to publish store state", "thing", req.ThingName, "error", err)
			resp.PublishError = err.Error()
		} else {
			resp.Published = true
		}
	}

	resp.DurationMs = time.Since(start).Milliseconds()

	if ingestErr != nil {
		logger.Warn("Sync incomplete",
			"added", resp.Added,
			"persisted", resp.Persisted,
			"error", ingestErr)
		return resp, ingestErr
	}

	logger.Info("Sync complete",
		"added", resp.Added,
		"replaced", resp.Replaced,
		"truncated", resp.Truncated,
		"total", resp.Total,
		"unique", resp.Unique,
		"duration", time.Since(start).Round(time.Millisecond))

	return resp, nil
}

// RunUntilConverged repeats Run while discovery is truncated, up to maxRuns
// passes. The returned response sums Added and Replaced over all passes and
// carries the remaining fields of the last one.
func (s *Syncer) RunUntilConverged(ctx context.Context, req Request, maxRuns int) (*Response, error) {
	if maxRuns <= 0 {
		maxRuns = config.DefaultMaxRuns
	}

	start := time.Now()
	total := &Response{}
	for i := 0; i < maxRuns; i++ {
		resp, err := s.Run(ctx, req)
		if resp != nil {
			added, replaced := total.Added, total.Replaced
			*total = *resp
			total.Added += added
			total.Replaced += replaced
			total.Runs = i + 1
			total.DurationMs = time.Since(start).Milliseconds()
		}
		if err != nil {
			if resp == nil {
				return nil, err
			}
			return total, err
		}
		if !resp.Truncated {
			return total, nil
		}
		if resp.Added == 0 {
			log.Warn("Truncated run made no progress, stopping", "runs", i+1)
			return total, nil
		}
		log.Info("Discovery truncated, running again", "run", i+1, "added", resp.Added)
	}

	log.Warn("Reached run limit before converging", "runs", maxRuns)
	return total, nil
}

func (s *Syncer) discoveryOptions(req Request) discovery.Options {
	opts := discovery.Options{
		Bucket:        req.InputBucket,
		Prefix:        req.InputPrefix,
		PageSize:      s.opts.PageSize,
		MaxCandidates: s.opts.MaxCandidates,
		Ignore:        s.opts.Ignore,
	}
	if req.PageSize > 0 {
		opts.PageSize = req.PageSize
	}
	if req.MaxCandidates > 0 {
		opts.MaxCandidates = req.MaxCandidates
	}
	return opts
}

func (s *Syncer) embedderFor(endpoint string) (embeddings.Service, error) {
	if endpoint == "" || s.deps.NewEmbedder == nil {
		if s.deps.Embedder == nil {
			return nil, errors.New("no embedding service configured")
		}
		return s.deps.Embedder, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.embedders[endpoint]; ok {
		return svc, nil
	}
	svc, err := s.deps.NewEmbedder(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding service: %w", err)
	}
	s.embedders[endpoint] = svc
	return svc, nil
}
