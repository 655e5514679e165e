package cli

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/charmbracelet/log"

	"github.com/nickcecere/facesync/internal/codec"
	"github.com/nickcecere/facesync/internal/config"
	"github.com/nickcecere/facesync/internal/embeddings"
	"github.com/nickcecere/facesync/internal/lease"
	"github.com/nickcecere/facesync/internal/objectstore"
	"github.com/nickcecere/facesync/internal/objectstore/local"
	miniostore "github.com/nickcecere/facesync/internal/objectstore/minio"
	s3store "github.com/nickcecere/facesync/internal/objectstore/s3"
	"github.com/nickcecere/facesync/internal/objectstore/sqlite"
	"github.com/nickcecere/facesync/internal/shadow"
	"github.com/nickcecere/facesync/internal/syncer"
)

// backends holds everything a command needs to reach the configured
// source, output store and AWS services.
type backends struct {
	cfg *config.Config

	source objectstore.Source
	output objectstore.BlobStore
	codec  *codec.Codec

	// localSource is set when images live on the local file system.
	localSource *local.Store

	s3Store    *s3store.Store
	minioStore *miniostore.Store

	closers []func() error
}

// openBackends builds the source and output stores described by cfg.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{cfg: cfg}

	source, err := b.openSource(ctx)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	b.source = source

	output, err := b.openOutput(ctx)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open output store: %w", err)
	}
	b.output = output

	compression, err := codec.ParseCompression(cfg.Output.Compression)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.codec = codec.New(output,
		codec.WithCompression(compression),
		codec.WithConditionalWrites(cfg.Output.ConditionalWrites),
	)

	log.Debug("Opened backends",
		"source", cfg.Source.Backend,
		"output", cfg.Output.Backend,
		"compression", compression,
	)
	return b, nil
}

// Close releases database handles.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func (b *backends) openSource(ctx context.Context) (objectstore.Source, error) {
	switch b.cfg.Source.Backend {
	case "s3":
		return b.s3(ctx)
	case "minio":
		return b.minio()
	case "local":
		st, err := b.local(b.cfg.Source.Root)
		if err != nil {
			return nil, err
		}
		b.localSource = st
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported source backend: %s", b.cfg.Source.Backend)
	}
}

func (b *backends) openOutput(ctx context.Context) (objectstore.BlobStore, error) {
	switch b.cfg.Output.Backend {
	case "s3":
		return b.s3(ctx)
	case "minio":
		return b.minio()
	case "local":
		root := b.cfg.Output.Root
		if root == "" {
			root = b.cfg.Source.Root
		}
		return b.local(root)
	case "sqlite":
		st, err := sqlite.NewStore(b.cfg.Output.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, st.Close)
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported output backend: %s", b.cfg.Output.Backend)
	}
}

// s3 returns the S3 store, creating the client on first use so source and
// output share it.
func (b *backends) s3(ctx context.Context) (*s3store.Store, error) {
	if b.s3Store != nil {
		return b.s3Store, nil
	}
	client, err := s3store.NewClient(ctx, s3store.Options{
		Region:       b.cfg.AWS.Region,
		Endpoint:     b.cfg.AWS.Endpoint,
		UsePathStyle: b.cfg.AWS.UsePathStyle,
	})
	if err != nil {
		return nil, err
	}

	delimiter := s3store.DefaultDelimiter
	if b.cfg.Source.Recursive {
		delimiter = ""
	}
	b.s3Store = s3store.NewStore(client,
		s3store.WithDelimiter(delimiter),
		s3store.WithConditionalWrites(b.cfg.Output.ConditionalWrites),
	)
	return b.s3Store, nil
}

func (b *backends) minio() (*miniostore.Store, error) {
	if b.minioStore != nil {
		return b.minioStore, nil
	}
	if b.cfg.MinIO.Endpoint == "" {
		return nil, fmt.Errorf("minio.endpoint is required for the minio backend")
	}
	client, err := miniostore.NewClient(miniostore.Options{
		Endpoint:  b.cfg.MinIO.Endpoint,
		AccessKey: b.cfg.MinIO.AccessKey,
		SecretKey: b.cfg.MinIO.SecretKey,
		Region:    b.cfg.MinIO.Region,
		UseSSL:    b.cfg.MinIO.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	b.minioStore = miniostore.NewStore(client, b.cfg.Source.Recursive)
	return b.minioStore, nil
}

func (b *backends) local(root string) (*local.Store, error) {
	if root == "" {
		root = "."
	}
	return local.NewStore(root,
		local.WithRecursive(b.cfg.Source.Recursive),
		local.WithIgnorePatterns(b.cfg.Ignore...),
	)
}

// watchDir returns the directory to watch for req, or "" when the source
// is not on the local file system.
func (b *backends) watchDir(req syncer.Request) string {
	if b.localSource == nil {
		return ""
	}
	return b.localSource.Dir(req.InputBucket, req.InputPrefix)
}

// newSyncer wires a Syncer over the opened backends.
func (b *backends) newSyncer(ctx context.Context, tune func(*syncer.Options)) (*syncer.Syncer, error) {
	cfg := b.cfg

	deps := syncer.Deps{
		Source: b.source,
		Codec:  b.codec,
		NewEmbedder: func(endpoint string) (embeddings.Service, error) {
			return embeddings.NewService(cfg, endpoint)
		},
	}

	// Without a configured endpoint the sagemaker provider can only serve
	// requests that name one.
	if cfg.Embeddings.Provider != string(embeddings.ProviderSageMaker) || cfg.Embeddings.SageMaker.EndpointName != "" {
		emb, err := embeddings.NewService(cfg, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding service: %w", err)
		}
		deps.Embedder = emb
	}

	if cfg.Shadow.ThingName != "" || cfg.Shadow.Endpoint != "" {
		deps.Publisher = shadow.NewIoTPublisher(shadow.Options{
			Endpoint: cfg.Shadow.Endpoint,
			Region:   cfg.AWS.Region,
		})
	}

	if cfg.Lease.Enabled {
		locker, err := newDynamoLocker(ctx, cfg)
		if err != nil {
			return nil, err
		}
		deps.Locker = locker
	}

	opts := syncer.OptionsFromConfig(cfg)
	if tune != nil {
		tune(&opts)
	}
	return syncer.New(deps, opts), nil
}

func newDynamoLocker(ctx context.Context, cfg *config.Config) (*lease.DynamoLocker, error) {
	if cfg.Lease.Table == "" {
		return nil, fmt.Errorf("lease.table is required when leases are enabled")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return lease.NewDynamoLocker(dynamodb.NewFromConfig(awsCfg), cfg.Lease.Table, cfg.Lease.TTL), nil
}
