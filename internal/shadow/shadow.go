// Package shadow publishes the location of the persisted record store to a
// device's desired state so edge devices can fetch the latest collection.
package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/nickcecere/facesync/internal/objectstore"
)

// Publisher pushes a desired state document to a device and returns the
// acknowledged document.
type Publisher interface {
	Publish(ctx context.Context, deviceID string, desired any) ([]byte, error)
}

// StoreRef points a device at a persisted store revision.
type StoreRef struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Revision string `json:"revision"`
}

// State is the desired state published after a sync.
type State struct {
	Store     StoreRef  `json:"store"`
	Total     int       `json:"total"`
	Unique    int       `json:"unique"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewState builds the desired state for a persisted store.
func NewState(addr objectstore.Address, revision string, total, unique int) State {
	return State{
		Store:     StoreRef{Bucket: addr.Bucket, Key: addr.Key, Revision: revision},
		Total:     total,
		Unique:    unique,
		UpdatedAt: time.Now().UTC(),
	}
}

// document is the shadow update envelope.
type document struct {
	State struct {
		Desired any `json:"desired"`
	} `json:"state"`
	ClientToken string `json:"clientToken"`
}

// Encode wraps desired in a shadow update document with a fresh client token.
func Encode(desired any) ([]byte, string, error) {
	var doc document
	doc.State.Desired = desired
	doc.ClientToken = uuid.NewString()

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode shadow document: %w", err)
	}
	return data, doc.ClientToken, nil
}

// Client is the subset of *iotdataplane.Client used here.
type Client interface {
	UpdateThingShadow(ctx context.Context, params *iotdataplane.UpdateThingShadowInput, optFns ...func(*iotdataplane.Options)) (*iotdataplane.UpdateThingShadowOutput, error)
}

// Options configures an IoTPublisher.
type Options struct {
	// Endpoint is the account-specific IoT data endpoint.
	Endpoint string
	Region   string
	// ShadowName selects a named shadow; empty targets the classic shadow.
	ShadowName string

	// Client is used instead of building one from the AWS config.
	Client Client
}

// IoTPublisher updates AWS IoT device shadows.
type IoTPublisher struct {
	opts      Options
	newClient func(ctx context.Context) (Client, error)

	mu     sync.Mutex
	client Client
}

// NewIoTPublisher creates a publisher. The IoT client is built on first
// successful use.
func NewIoTPublisher(opts Options) *IoTPublisher {
	p := &IoTPublisher{opts: opts, client: opts.Client}
	p.newClient = p.buildClient
	return p
}

func (p *IoTPublisher) buildClient(ctx context.Context) (Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if p.opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(p.opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return iotdataplane.NewFromConfig(cfg, func(o *iotdataplane.Options) {
		if p.opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(p.opts.Endpoint)
		}
	}), nil
}

// getClient returns the cached client. Failed builds are retried on the
// next call.
func (p *IoTPublisher) getClient(ctx context.Context) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	client, err := p.newClient(ctx)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// Publish sends desired as the device's desired state.
func (p *IoTPublisher) Publish(ctx context.Context, deviceID string, desired any) ([]byte, error) {
	if deviceID == "" {
		return nil, errors.New("device id is required")
	}

	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, token, err := Encode(desired)
	if err != nil {
		return nil, err
	}

	input := &iotdataplane.UpdateThingShadowInput{
		ThingName: aws.String(deviceID),
		Payload:   payload,
	}
	if p.opts.ShadowName != "" {
		input.ShadowName = aws.String(p.opts.ShadowName)
	}

	out, err := client.UpdateThingShadow(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to update shadow for %s: %w", deviceID, err)
	}

	log.Debug("Updated device shadow", "thing", deviceID, "clientToken", token)
	return out.Payload, nil
}

var _ Publisher = (*IoTPublisher)(nil)
