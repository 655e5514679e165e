package match

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/facesync/internal/codec"
	"github.com/nickcecere/facesync/internal/embeddings"
	"github.com/nickcecere/facesync/internal/objectstore"
)

// Loader reads a persisted store. *codec.Codec implements it.
type Loader interface {
	Load(ctx context.Context, addr objectstore.Address) (*codec.Snapshot, string)
	Revision(ctx context.Context, addr objectstore.Address) (string, error)
}

// Embedder turns a query image into a query vector.
type Embedder interface {
	Embed(ctx context.Context, payload []byte) ([]float32, error)
}

// Finder answers image queries against the latest revision of one store.
type Finder struct {
	index     *Index
	loader    Loader
	addr      objectstore.Address
	embedder  Embedder
	normalize bool

	mu       sync.Mutex
	revision string
}

// NewFinder creates a Finder. Query vectors are L2-normalized when
// normalize is set, matching how the store was built.
func NewFinder(index *Index, loader Loader, addr objectstore.Address, embedder Embedder, normalize bool) *Finder {
	return &Finder{
		index:     index,
		loader:    loader,
		addr:      addr,
		embedder:  embedder,
		normalize: normalize,
	}
}

// Refresh checks the store revision and, only when it differs from the one
// indexed, downloads the store and rebuilds the index. It returns
// ErrEmptyIndex when no store exists yet.
func (f *Finder) Refresh(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.loader.Revision(ctx, f.addr)
	if err != nil {
		return false, err
	}
	if current == "" {
		return false, fmt.Errorf("%w: no store at %s", ErrEmptyIndex, f.addr)
	}
	store, indexed, err := f.index.Revision()
	if err != nil {
		return false, err
	}
	if store == f.addr.String() && indexed == current {
		f.revision = current
		return false, nil
	}

	snap, revision := f.loader.Load(ctx, f.addr)
	if revision == "" {
		return false, fmt.Errorf("%w: no store at %s", ErrEmptyIndex, f.addr)
	}
	rebuilt, err := f.index.Sync(f.addr.String(), revision, snap.Records)
	if err != nil {
		return false, err
	}
	if rebuilt {
		log.Debug("Match index refreshed", "store", f.addr.String(), "revision", revision, "records", snap.Records.Len())
	}
	f.revision = revision
	return rebuilt, nil
}

// Revision returns the store revision the index was last refreshed to.
func (f *Finder) Revision() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revision
}

// Find refreshes the index and returns the topK records nearest to image.
func (f *Finder) Find(ctx context.Context, image []byte, topK int) ([]Match, error) {
	if _, err := f.Refresh(ctx); err != nil {
		return nil, err
	}

	query, err := f.embedder.Embed(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("failed to embed image: %w", err)
	}
	if f.normalize {
		query = embeddings.L2Normalize(query)
	}
	return f.index.Search(query, topK)
}
