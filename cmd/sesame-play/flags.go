package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

// cliConfig holds user-supplied flag values prior to translation into the
// player/transport wiring in main.go.
type cliConfig struct {
	configPath string

	transport string // "session" or "wsrpc"
	wsURL     string // required when transport == "wsrpc"

	filePath string // when set, play this file instead of a live source

	videoTrack string
	diagDir    string

	showVersion bool
}

var version = "dev"

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("sesame-play", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.configPath, "config", "data/sesame-play.json", "path to the player config file")
	fs.StringVar(&cfg.transport, "transport", "session", "live source transport: session|wsrpc")
	fs.StringVar(&cfg.wsURL, "ws-url", "", "websocket URL (required when -transport=wsrpc)")
	fs.StringVar(&cfg.filePath, "file", "", "play this file instead of connecting to a live source")
	fs.StringVar(&cfg.videoTrack, "video-track", "video", "video track name to subscribe/filter on")
	fs.StringVar(&cfg.diagDir, "diag-dir", "data/diagnostics", "directory for the telemetry snapshot database")
	fs.BoolVar(&cfg.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch cfg.transport {
	case "session", "wsrpc":
	default:
		return nil, fmt.Errorf("invalid -transport %q, must be session|wsrpc", cfg.transport)
	}
	if cfg.transport == "wsrpc" && cfg.filePath == "" && cfg.wsURL == "" {
		return nil, errors.New("-ws-url is required when -transport=wsrpc")
	}

	return cfg, nil
}
