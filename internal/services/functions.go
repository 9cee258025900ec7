package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/documenttracker/internal/envelope"
	"github.com/Lllllllleong/documenttracker/internal/gcp"
	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/tracking"
)

// CloudConfig holds the settings shared by the Cloud Function deployments.
type CloudConfig struct {
	ProjectID           string
	FirestoreDatabase   string
	FirestoreCollection string
	DeadLetterBucket    string
	Reconciler          ReconcilerConfig
}

// LoadCloudConfig reads the function environment.
func LoadCloudConfig() (CloudConfig, error) {
	cfg := CloudConfig{
		ProjectID:           gcp.GetEnv("PROJECT_ID", ""),
		FirestoreDatabase:   gcp.GetEnv("FIRESTORE_DATABASE", ""),
		FirestoreCollection: gcp.GetEnv("FIRESTORE_COLLECTION", "document_instances"),
		DeadLetterBucket:    gcp.GetEnv("DEAD_LETTER_BUCKET", ""),
	}
	if cfg.ProjectID == "" {
		return cfg, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	rc, err := LoadReconcilerConfig()
	if err != nil {
		return cfg, fmt.Errorf("invalid reconciler settings: %w", err)
	}
	cfg.Reconciler = rc
	return cfg, nil
}

func openFirestoreStore(ctx context.Context, cfg CloudConfig) (*tracking.FirestoreStore, error) {
	client, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID, cfg.FirestoreDatabase)
	if err != nil {
		return nil, err
	}
	store, err := tracking.NewFirestoreStore(client, cfg.FirestoreCollection)
	if err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}

// EventFunction holds dependencies of the Pub/Sub triggered reconciler.
type EventFunction struct {
	dispatcher *Dispatcher
	store      tracking.Store
	// blobs is the storage client behind the dead-letter sink, nil when the sink owns none.
	blobs io.Closer
}

// NewEventFunction creates the reconciler function from the environment.
func NewEventFunction(ctx context.Context) (*EventFunction, error) {
	cfg, err := LoadCloudConfig()
	if err != nil {
		return nil, err
	}
	if cfg.DeadLetterBucket == "" {
		return nil, fmt.Errorf("DEAD_LETTER_BUCKET environment variable must be set")
	}

	store, err := openFirestoreStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	sink, err := gcp.NewGCSDeadLetterSink(storageClient, cfg.DeadLetterBucket, "")
	if err != nil {
		storageClient.Close()
		store.Close()
		return nil, err
	}

	f, err := newEventFunction(store, sink, storageClient, cfg.Reconciler)
	if err != nil {
		return nil, err
	}
	slog.Info("Event reconciler initialized.", "collection", cfg.FirestoreCollection, "deadLetterBucket", cfg.DeadLetterBucket)
	return f, nil
}

// newEventFunction takes ownership of store and blobs: both are closed if construction fails.
func newEventFunction(store tracking.Store, sink DeadLetterSink, blobs io.Closer, cfg ReconcilerConfig) (*EventFunction, error) {
	f := &EventFunction{store: store, blobs: blobs}
	reconciler, err := NewReconciler(store, cfg)
	if err != nil {
		return nil, errors.Join(err, f.Close())
	}
	dispatcher, err := NewDispatcher(reconciler, sink, cfg)
	if err != nil {
		return nil, errors.Join(err, f.Close())
	}
	f.dispatcher = dispatcher
	return f, nil
}

// Process handles one MessagePublishedData body. A non-nil error requests redelivery.
func (f *EventFunction) Process(ctx context.Context, body []byte) error {
	delivery, err := envelope.ParsePushMessage(body)
	if err != nil {
		if f.dispatcher.Reject(ctx, models.Delivery{Data: body}, err) == Retry {
			return fmt.Errorf("failed to dead-letter unreadable push body: %w", err)
		}
		return nil
	}
	return f.dispatcher.HandleErr(ctx, *delivery)
}

// Close releases the store and storage clients.
func (f *EventFunction) Close() error {
	var errs []error
	if f.blobs != nil {
		errs = append(errs, f.blobs.Close())
	}
	errs = append(errs, f.store.Close())
	return errors.Join(errs...)
}

// NewStatusFunction creates the status query service from the environment.
func NewStatusFunction(ctx context.Context) (*StatusService, error) {
	cfg, err := LoadCloudConfig()
	if err != nil {
		return nil, err
	}
	store, err := openFirestoreStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newStatusFunction(store, cfg.Reconciler)
}

// newStatusFunction closes store if the service cannot be built.
func newStatusFunction(store tracking.Store, cfg ReconcilerConfig) (*StatusService, error) {
	svc, err := NewStatusService(store, cfg.OperationTimeout)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	return svc, nil
}

// NewSweeperFunction creates the stale sweeper from the environment.
func NewSweeperFunction(ctx context.Context) (*Sweeper, error) {
	cfg, err := LoadCloudConfig()
	if err != nil {
		return nil, err
	}
	store, err := openFirestoreStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newSweeperFunction(store, cfg.Reconciler)
}

// newSweeperFunction closes store if the sweeper cannot be built.
func newSweeperFunction(store tracking.Store, cfg ReconcilerConfig) (*Sweeper, error) {
	resolver, err := NewResolver(store, cfg)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	sweeper, err := NewSweeper(store, resolver, cfg)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	return sweeper, nil
}
