package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

// cliConfig holds user-supplied flag values prior to translation into the
// capture pipeline wiring in main.go.
type cliConfig struct {
	transport string // "session" or "wsrpc"
	listen    string // http listen address when transport == "wsrpc"

	videoTrack  string
	audioTrack  string
	enableAudio bool

	width, height int
	videoBitrate  int
	audioBitrate  int

	showVersion bool
}

var version = "dev"

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("sesame-capture", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.transport, "transport", "session", "publish transport: session|wsrpc")
	fs.StringVar(&cfg.listen, "listen", ":8089", "http listen address for the wsrpc viewer websocket (only used when -transport=wsrpc)")
	fs.StringVar(&cfg.videoTrack, "video-track", "video", "video track name to publish")
	fs.StringVar(&cfg.audioTrack, "audio-track", "audio", "audio track name to publish")
	fs.BoolVar(&cfg.enableAudio, "enable-audio", false, "capture and publish a microphone track alongside video")
	fs.IntVar(&cfg.width, "width", 640, "camera capture width")
	fs.IntVar(&cfg.height, "height", 480, "camera capture height")
	fs.IntVar(&cfg.videoBitrate, "video-bitrate", 1_500_000, "VP8 target bitrate in bits/sec")
	fs.IntVar(&cfg.audioBitrate, "audio-bitrate", 32_000, "Opus target bitrate in bits/sec")
	fs.BoolVar(&cfg.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch cfg.transport {
	case "session", "wsrpc":
	default:
		return nil, fmt.Errorf("invalid -transport %q, must be session|wsrpc", cfg.transport)
	}
	if cfg.transport == "wsrpc" && cfg.listen == "" {
		return nil, errors.New("-listen is required when -transport=wsrpc")
	}

	return cfg, nil
}
