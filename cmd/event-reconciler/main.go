package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/documenttracker/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	eventFunction *services.EventFunction
	once          sync.Once
	initErr       error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("HandleDocumentEvent", handleDocumentEvent)
}

// main is required by the Go Functions Framework.
func main() {}

// handleDocumentEvent receives Pub/Sub notifications from the processing stages.
// Returning an error makes Pub/Sub redeliver the message.
func handleDocumentEvent(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		eventFunction, initErr = services.NewEventFunction(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	// The dispatcher logs every outcome with the message and document IDs.
	return eventFunction.Process(ctx, e.Data())
}
