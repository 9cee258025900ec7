package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/tracking"
	"github.com/urfave/cli/v2"
)

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "store",
			Usage:   "Tracking store backend (badger, mongo)",
			Value:   "badger",
			EnvVars: []string{"TRACKER_STORE"},
		},
		&cli.StringFlag{
			Name:    "db",
			Aliases: []string{"d"},
			Usage:   "Path to the BadgerDB directory",
			Value:   "./data/tracker",
			EnvVars: []string{"TRACKER_BADGER_DIR"},
		},
		&cli.BoolFlag{
			Name:  "in-memory",
			Usage: "Run BadgerDB in memory; records are lost on exit",
		},
		&cli.StringFlag{
			Name:    "mongo-uri",
			Usage:   "MongoDB connection URI",
			Value:   "mongodb://localhost:27017",
			EnvVars: []string{"TRACKER_MONGO_URI"},
		},
		&cli.StringFlag{
			Name:    "mongo-db",
			Usage:   "MongoDB database name",
			Value:   "documenttracker",
			EnvVars: []string{"TRACKER_MONGO_DB"},
		},
		&cli.StringFlag{
			Name:    "mongo-collection",
			Usage:   "MongoDB collection name",
			Value:   "document_instances",
			EnvVars: []string{"TRACKER_MONGO_COLLECTION"},
		},
	}
}

// openStore opens the backend selected by --store. The returned gc func is non-nil for backends that need
// periodic value log collection.
func openStore(c *cli.Context) (tracking.Store, func() error, error) {
	switch backend := c.String("store"); backend {
	case "badger":
		bs, err := tracking.OpenBadgerStore(c.String("db"), c.Bool("in-memory"))
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Opened badger tracking store.", "dir", c.String("db"), "inMemory", c.Bool("in-memory"))
		return bs, func() error { return bs.RunGC(0.5) }, nil
	case "mongo":
		ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
		defer cancel()
		ms, err := tracking.OpenMongoStore(ctx, c.String("mongo-uri"), c.String("mongo-db"), c.String("mongo-collection"))
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Opened mongo tracking store.", "db", c.String("mongo-db"), "collection", c.String("mongo-collection"))
		return ms, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q: must be badger or mongo", backend)
	}
}
