// Command sesame-capture drives a camera (and optionally a microphone)
// into a capture.Pipeline and publishes the encoded output over either a
// session broadcast sink or a wsrpc viewer websocket, until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"sesame/internal/capture"
	"sesame/internal/transport"
	"sesame/internal/transport/session"
	"sesame/internal/transport/wsrpc"
	"sesame/internal/wire"
)

var log = logging.Logger("sesame/cmd/sesame-capture")

func main() {
	cliCfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cliCfg.showVersion {
		fmt.Println(version)
		return
	}

	logging.SetAllLoggers(logging.LevelInfo)

	camera, err := capture.NewCameraEncoder(capture.VideoParams{
		Width:   cliCfg.width,
		Height:  cliCfg.height,
		BitRate: cliCfg.videoBitrate,
	})
	if err != nil {
		log.Fatalf("open camera: %v", err)
	}

	tracks := []capture.TrackConfig{
		{Name: cliCfg.videoTrack, PacketType: wire.TypeVideoFrame, Encoder: camera},
	}
	if cliCfg.enableAudio {
		mic, err := capture.NewMicrophoneEncoder(capture.AudioParams{BitRate: cliCfg.audioBitrate})
		if err != nil {
			log.Fatalf("open microphone: %v", err)
		}
		tracks = append(tracks, capture.TrackConfig{Name: cliCfg.audioTrack, PacketType: wire.TypeAudioFrame, Encoder: mic})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, stopServer, err := buildSink(ctx, cliCfg)
	if err != nil {
		log.Fatalf("build sink: %v", err)
	}
	defer stopServer()

	pipeline := capture.New(sink, tracks...)
	if err := pipeline.Start(); err != nil {
		log.Fatalf("start capture pipeline: %v", err)
	}

	log.Infof("sesame-capture: publishing %d track(s) over %s", len(tracks), cliCfg.transport)
	<-ctx.Done()
	log.Infof("sesame-capture: shutdown signal received")

	if err := pipeline.Stop(); err != nil {
		log.Errorf("stop capture pipeline: %v", err)
	}
}

// buildSink constructs the transport.Sink the pipeline publishes through.
// For "session" it is ready to use immediately. For "wsrpc" the sink isn't
// known until a viewer connects, so this starts an HTTP server with a
// websocket endpoint and blocks until the first viewer upgrades, handing
// back a Sink wrapping that connection.
func buildSink(ctx context.Context, cliCfg *cliConfig) (transport.Sink, func(), error) {
	if cliCfg.transport == "session" {
		s, err := session.NewSink()
		if err != nil {
			return nil, func() {}, err
		}
		return s, func() { _ = s.Dispose() }, nil
	}
	return acceptWsrpcSink(ctx, cliCfg.listen)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// acceptWsrpcSink starts an HTTP server and blocks until the first viewer
// connects to /stream, then wraps that connection as a wsrpc.Sink. Only one
// viewer is served per process run, matching the CLI's single-sink design.
func acceptWsrpcSink(ctx context.Context, listen string) (transport.Sink, func(), error) {
	connCh := make(chan *websocket.Conn, 1)
	var attached atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("sesame-capture: websocket upgrade error: %v", err)
			return
		}
		if !attached.CompareAndSwap(false, true) {
			log.Warnf("sesame-capture: rejecting extra viewer connection, one already attached")
			_ = conn.Close()
			return
		}
		connCh <- conn
	})

	srv := &http.Server{Addr: listen, Handler: mux}
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.ListenAndServe() }()

	log.Infof("sesame-capture: waiting for a viewer to connect to ws://%s/stream", listen)

	select {
	case conn := <-connCh:
		sink := wsrpc.NewSink(conn)
		stop := func() { _ = sink.Dispose(); _ = srv.Close() }
		return sink, stop, nil
	case err := <-serveErrCh:
		return nil, func() {}, fmt.Errorf("sesame-capture: http server: %w", err)
	case <-ctx.Done():
		_ = srv.Close()
		return nil, func() {}, ctx.Err()
	}
}
