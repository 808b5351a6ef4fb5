package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/weathermesh/internal/client"
	"github.com/devrev/weathermesh/internal/feed"
)

func main() {
	serverURL := flag.String("url", "", "aggregation server URL (http://host:port or host:port)")
	feedPath := flag.String("file", "", "path to the weather feed file")
	flag.Parse()

	if *serverURL == "" || *feedPath == "" {
		fmt.Fprintln(os.Stderr, "usage: feeder -url <server> -file <feed-file>")
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	entries, err := feed.ParseFile(*feedPath, logger)
	if err != nil {
		logger.Fatal("Failed to read feed file", zap.Error(err))
	}
	if len(entries) == 0 {
		logger.Fatal("Feed file holds no usable entries", zap.String("path", *feedPath))
	}

	c, err := client.New(*serverURL, logger)
	if err != nil {
		logger.Fatal("Bad server URL", zap.Error(err))
	}
	if err := c.Connect(); err != nil {
		logger.Fatal("Failed to connect", zap.Error(err))
	}
	defer c.Close()

	if err := c.Sync(); err != nil {
		logger.Fatal("Initial sync failed", zap.Error(err))
	}

	for _, entry := range entries {
		created, err := c.Put(entry.Body())
		if err != nil {
			logger.Error("Failed to upload entry",
				zap.String("station_id", entry.ID()),
				zap.Error(err))
			continue
		}
		logger.Info("Uploaded entry",
			zap.String("station_id", entry.ID()),
			zap.Bool("created", created),
			zap.Int64("lamport", c.Lamport()))
	}

	// The server ties each record's lifetime to the connection that wrote
	// it, so the feeder holds the connection open.
	logger.Info("All entries uploaded, holding connection open")
	for {
		time.Sleep(time.Minute)
	}
}
