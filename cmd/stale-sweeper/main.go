package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/services"
)

var (
	sweeper *services.Sweeper
	once    sync.Once
	initErr error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleSweep", handleSweep)
}

func main() {}

// handleSweep is invoked by Cloud Scheduler to repair unresolved supersessions.
func handleSweep(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		sweeper, initErr = services.NewSweeperFunction(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: sweeper initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	report, err := sweeper.Run(r.Context())
	if err != nil {
		slog.Error("Sweep failed", "error", err)
		http.Error(w, "Service Unavailable: sweep failed", http.StatusServiceUnavailable)
		return
	}

	status := "ok"
	if report.Failed > 0 {
		status = "partial"
	}
	res := models.SweepResponse{Status: status, Bases: report.Bases, Cancelled: report.Cancelled, Failed: report.Failed}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
