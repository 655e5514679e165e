// Package codec loads and saves the persisted record store.
//
// A store is one blob holding the whole snapshot: an 8-byte header
// (magic "FSNP", format version, compression) followed by a JSON body with
// the record slices and the sorted checksum set.
package codec

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/facesync/internal/objectstore"
)

// Codec reads and writes snapshots through a BlobStore.
type Codec struct {
	store       objectstore.BlobStore
	compression Compression
	conditional bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithCompression sets the body compression used by Save.
func WithCompression(c Compression) Option {
	return func(cd *Codec) {
		cd.compression = c
	}
}

// WithConditionalWrites makes Save fail with objectstore.ErrPreconditionFailed
// when the store changed since it was loaded.
func WithConditionalWrites(enabled bool) Option {
	return func(cd *Codec) {
		cd.conditional = enabled
	}
}

// New creates a codec over store. Defaults: zstd, conditional writes on.
func New(store objectstore.BlobStore, opts ...Option) *Codec {
	c := &Codec{
		store:       store,
		compression: CompressionZSTD,
		conditional: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load fetches and decodes the store at addr. It never fails: an absent,
// unreadable or corrupt store yields an empty snapshot. The revision is
// empty unless the blob exists.
func (c *Codec) Load(ctx context.Context, addr objectstore.Address) (*Snapshot, string) {
	data, revision, err := c.store.Read(ctx, addr.Bucket, addr.Key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			log.Info("No record store yet, starting empty", "store", addr.String())
		} else {
			log.Warn("Failed to read record store, starting empty", "store", addr.String(), "error", err)
		}
		return NewSnapshot(), ""
	}

	snap, err := Decode(data)
	if err != nil {
		log.Warn("Failed to decode record store, starting empty", "store", addr.String(), "error", err)
		return NewSnapshot(), revision
	}

	log.Debug("Loaded record store",
		"store", addr.String(),
		"records", snap.Records.Len(),
		"checksums", snap.Checksums.Len(),
		"revision", revision,
	)
	return snap, revision
}

// Revision returns the current revision of the store at addr without
// downloading it. An absent store has an empty revision.
func (c *Codec) Revision(ctx context.Context, addr objectstore.Address) (string, error) {
	revision, err := c.store.Stat(ctx, addr.Bucket, addr.Key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat record store %s: %w", addr, err)
	}
	return revision, nil
}

// Save encodes snap and writes it to addr in a single write. With
// conditional writes, expectedRevision must still be current; an empty
// expectedRevision requires the store to be absent.
func (c *Codec) Save(ctx context.Context, addr objectstore.Address, snap *Snapshot, expectedRevision string) (string, error) {
	data, err := Encode(snap, c.compression)
	if err != nil {
		return "", err
	}

	var opts objectstore.WriteOptions
	if c.conditional {
		if expectedRevision != "" {
			opts.IfRevision = expectedRevision
		} else {
			opts.IfAbsent = true
		}
	}

	revision, err := c.store.Write(ctx, addr.Bucket, addr.Key, data, opts)
	if err != nil {
		return "", fmt.Errorf("failed to save record store %s: %w", addr, err)
	}

	log.Debug("Saved record store", "store", addr.String(), "bytes", len(data), "revision", revision)
	return revision, nil
}
