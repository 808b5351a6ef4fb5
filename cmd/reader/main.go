package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/devrev/weathermesh/internal/client"
)

func main() {
	serverURL := flag.String("url", "", "aggregation server URL (http://host:port or host:port)")
	stationID := flag.String("sid", "", "station id to fetch, empty for all")
	flag.Parse()

	if *serverURL == "" {
		fmt.Fprintln(os.Stderr, "usage: reader -url <server> [-sid <station-id>]")
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

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

	body, err := c.Get(*stationID)
	if err != nil {
		if status := client.ResponseStatus(err); status != 0 {
			logger.Fatal("Server rejected the request", zap.Int("status", status))
		}
		logger.Fatal("Request failed", zap.Error(err))
	}

	fmt.Println(prettyPrint(body))
}

// prettyPrint re-indents the response for display. The stored bodies stay
// untouched on the server; only this local copy is reformatted.
func prettyPrint(body string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(body), "", "  "); err != nil {
		return body
	}
	return buf.String()
}
