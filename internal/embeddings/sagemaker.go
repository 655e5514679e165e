package embeddings

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/charmbracelet/log"
)

// SageMakerClient is the subset of *sagemakerruntime.Client used here.
type SageMakerClient interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

// SageMakerOptions configures a SageMakerService.
type SageMakerOptions struct {
	EndpointName string
	ContentType  string
	Accept       string
	Region       string

	// Client is used instead of building one from the AWS config.
	Client SageMakerClient
}

// SageMakerService invokes a SageMaker inference endpoint. The runtime
// client is built on first successful use and then reused by the instance.
type SageMakerService struct {
	opts      SageMakerOptions
	newClient func(ctx context.Context) (SageMakerClient, error)

	mu     sync.Mutex
	client SageMakerClient
}

// NewSageMakerService creates a new SageMaker embedding service.
func NewSageMakerService(opts SageMakerOptions) (*SageMakerService, error) {
	if opts.EndpointName == "" {
		return nil, fmt.Errorf("SageMaker endpoint name is required")
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/x-image"
	}
	if opts.Accept == "" {
		opts.Accept = "application/json"
	}

	s := &SageMakerService{opts: opts, client: opts.Client}
	s.newClient = s.buildClient
	return s, nil
}

func (s *SageMakerService) buildClient(ctx context.Context) (SageMakerClient, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if s.opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(s.opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	log.Debug("Created SageMaker runtime client", "endpoint", s.opts.EndpointName)
	return sagemakerruntime.NewFromConfig(cfg), nil
}

// getClient returns the cached client, building it if needed. A failed
// build is not cached, so the next call tries again.
func (s *SageMakerService) getClient(ctx context.Context) (SageMakerClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	client, err := s.newClient(ctx)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

// Embed invokes the endpoint with the image payload.
func (s *SageMakerService) Embed(ctx context.Context, payload []byte) ([]float32, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(s.opts.EndpointName),
		ContentType:  aws.String(s.opts.ContentType),
		Accept:       aws.String(s.opts.Accept),
		Body:         payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke endpoint %s: %w", s.opts.EndpointName, err)
	}

	return ParseVector(out.Body)
}

// Provider returns the provider name.
func (s *SageMakerService) Provider() Provider {
	return ProviderSageMaker
}

// ModelName returns the endpoint name.
func (s *SageMakerService) ModelName() string {
	return s.opts.EndpointName
}
