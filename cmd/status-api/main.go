package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/documenttracker/internal/api"
	"github.com/Lllllllleong/documenttracker/internal/services"
)

var (
	router  http.Handler
	once    sync.Once
	initErr error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleStatusQuery", handleStatusQuery)
}

func main() {}

// handleStatusQuery serves the /api/v1 status routes.
func handleStatusQuery(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		var statusService *services.StatusService
		statusService, initErr = services.NewStatusFunction(context.Background())
		if initErr == nil {
			router = api.NewRouter(statusService, slog.Default())
		}
	})
	if initErr != nil {
		slog.Error("Critical: status service initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	router.ServeHTTP(w, r)
}
