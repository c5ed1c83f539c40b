// Command sesame-play wires a live or file transport source into a
// playback state machine until terminated; in live mode it also records
// periodic scheduler telemetry snapshots to the diagnostics store.
// It has no renderer: exercising the decode/schedule pipeline end to end
// is in scope, actual video output is not.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"sesame/internal/codecid"
	"sesame/internal/config"
	"sesame/internal/decoder"
	"sesame/internal/diagnostics"
	"sesame/internal/fileplayer"
	"sesame/internal/player"
	"sesame/internal/scheduler"
	"sesame/internal/transport"
	"sesame/internal/transport/session"
	"sesame/internal/transport/wsrpc"
)

var log = logging.Logger("sesame/cmd/sesame-play")

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

	playerCfg, _, err := config.Ensure(cliCfg.configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if playerCfg.Log.DebugLogging {
		logging.SetAllLoggers(logging.LevelDebug)
	}

	diagStore, err := diagnostics.Open(cliCfg.diagDir, 0)
	if err != nil {
		log.Fatalf("open diagnostics store: %v", err)
	}
	defer diagStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cliCfg.filePath != "" {
		runFile(ctx, cliCfg, diagStore)
		return
	}
	runLive(ctx, cliCfg, playerCfg, diagStore)
}

func runLive(ctx context.Context, cliCfg *cliConfig, playerCfg config.Config, diagStore *diagnostics.Store) {
	src, disposeSrc, err := buildSource(cliCfg, playerCfg)
	if err != nil {
		log.Fatalf("build transport source: %v", err)
	}
	defer disposeSrc()

	p := player.New(player.Config{
		Source:         src,
		VideoTrackName: cliCfg.videoTrack,
		AudioTrackName: playerCfg.Player.AudioTrackName,
		EnableAudio:    playerCfg.Player.EnableAudio,
		Backend:        &passthroughBackend{},
		BufferDelayMs:  playerCfg.Player.BufferDelayMs,
		OnError:        func(err error) { log.Errorf("player error: %v", err) },
	})

	if err := src.Connect(); err != nil {
		log.Fatalf("connect source: %v", err)
	}
	p.Play()

	recorder := diagnostics.NewRecorder(diagStore, "live", 2*time.Second, p.Telemetry)
	recorder.Start()
	defer recorder.Stop()

	log.Infof("sesame-play: live playback started on track %q", cliCfg.videoTrack)
	<-ctx.Done()
	log.Infof("sesame-play: shutdown signal received")
}

func runFile(ctx context.Context, cliCfg *cliConfig, diagStore *diagnostics.Store) {
	demux := newRawWireDemuxer()
	fp := fileplayer.New(fileplayer.Config{
		Demuxer:      demux,
		VideoBackend: &passthroughBackend{},
	})

	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := fp.Load(loadCtx, cliCfg.filePath); err != nil {
		log.Fatalf("load %s: %v", cliCfg.filePath, err)
	}
	fp.Play()

	log.Infof("sesame-play: file playback started for %s", cliCfg.filePath)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			log.Infof("sesame-play: shutdown signal received")
			return
		case <-ticker.C:
			if _, ok := fp.GetVideoFrame(time.Since(start).Milliseconds()); ok {
				continue
			}
			if fp.State() == fileplayer.StateEnded {
				log.Infof("sesame-play: playback ended")
				return
			}
		}
	}
}

func buildSource(cliCfg *cliConfig, playerCfg config.Config) (transport.Source, func(), error) {
	switch cliCfg.transport {
	case "wsrpc":
		s := wsrpc.New(wsrpc.Config{URL: cliCfg.wsURL, AutoReconnect: true})
		return s, func() { _ = s.Dispose() }, nil
	default:
		s, err := session.New([]session.Subscription{
			{TrackName: cliCfg.videoTrack, Priority: 10, Kind: transport.TrackVideo},
			{TrackName: playerCfg.Player.AudioTrackName, Priority: 5, Kind: transport.TrackAudio},
		})
		if err != nil {
			return nil, func() {}, err
		}
		return s, func() { _ = s.Dispose() }, nil
	}
}

// passthroughBackend is a stand-in decoder.Backend: real decode hardware
// integration is out of scope here, but the scheduler and player state
// machine still need frames to flow through them to be exercised end to end.
type passthroughBackend struct {
	onFrame func(scheduler.Frame)
	width   int
	height  int
}

func (b *passthroughBackend) Kind() decoder.Kind { return decoder.Software }

func (b *passthroughBackend) Configure(identity codecid.Identity, codecConfigString string, onFrame func(scheduler.Frame)) error {
	b.onFrame = onFrame
	b.width = int(identity.Width)
	b.height = int(identity.Height)
	return nil
}

func (b *passthroughBackend) Decode(chunk decoder.Chunk) error {
	if b.onFrame != nil {
		b.onFrame(scheduler.Frame{TimestampUs: chunk.PtsUs, Width: b.width, Height: b.height, Release: func() {}})
	}
	return nil
}

func (b *passthroughBackend) Flush() error   { return nil }
func (b *passthroughBackend) Reset() error   { return nil }
func (b *passthroughBackend) Dispose() error { return nil }
