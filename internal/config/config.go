// Package config loads and hot-reloads the player's JSON configuration
// file, following goop2's pattern of a single tagged struct with a
// Default constructor and an fsnotify-backed watch loop.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"

	"sesame/internal/util"
)

var log = logging.Logger("sesame/config")

// Decoder selects a preferred decoder family.
type Decoder string

const (
	DecoderHardware Decoder = "hardware"
	DecoderSoftware Decoder = "software"
	DecoderNative   Decoder = "native"
)

// PlayMode controls file-player end-of-stream behavior.
type PlayMode string

const (
	PlayOnce PlayMode = "once"
	PlayLoop PlayMode = "loop"
)

// Config is the player's configuration surface.
type Config struct {
	Player Player `json:"player"`
	File   File   `json:"file"`
	Log    Log    `json:"log"`
}

// Player holds the enumerated live-player configuration options.
type Player struct {
	PreferredDecoder Decoder `json:"preferred_decoder"`
	BufferDelayMs    int     `json:"buffer_delay_ms"`
	EnableAudio      bool    `json:"enable_audio"`
	VideoTrackName   string  `json:"video_track_name"`
	AudioTrackName   string  `json:"audio_track_name"`
}

// File holds file-player-only configuration.
type File struct {
	PlayMode        PlayMode `json:"play_mode"`
	MaxDecoderQueue int      `json:"max_decoder_queue"`
	AudioLookAheadMs int64   `json:"audio_look_ahead_ms"`
	MinBufferFrames int      `json:"min_buffer_frames"`
}

// Log controls logging verbosity.
type Log struct {
	DebugLogging bool `json:"debug_logging"`
}

// Default returns the built-in default configuration.
func Default() Config {
	return Config{
		Player: Player{
			PreferredDecoder: DecoderSoftware,
			BufferDelayMs:    100,
			EnableAudio:      false,
			VideoTrackName:   "video",
			AudioTrackName:   "audio",
		},
		File: File{
			PlayMode:         PlayOnce,
			MaxDecoderQueue:  10,
			AudioLookAheadMs: 2000,
			MinBufferFrames:  3,
		},
		Log: Log{DebugLogging: false},
	}
}

// Validate enforces the enumerated ranges and bounds on each field.
func (c *Config) Validate() error {
	switch c.Player.PreferredDecoder {
	case DecoderHardware, DecoderSoftware, DecoderNative:
	default:
		return fmt.Errorf("player.preferred_decoder must be one of hardware|software|native, got %q", c.Player.PreferredDecoder)
	}
	if c.Player.BufferDelayMs < 0 || c.Player.BufferDelayMs > 5000 {
		return errors.New("player.buffer_delay_ms must be in [0, 5000]")
	}
	if strings.TrimSpace(c.Player.VideoTrackName) == "" {
		c.Player.VideoTrackName = "video"
	}
	if strings.TrimSpace(c.Player.AudioTrackName) == "" {
		c.Player.AudioTrackName = "audio"
	}
	switch c.File.PlayMode {
	case PlayOnce, PlayLoop:
	default:
		return fmt.Errorf("file.play_mode must be once|loop, got %q", c.File.PlayMode)
	}
	if c.File.MaxDecoderQueue <= 0 {
		return errors.New("file.max_decoder_queue must be > 0")
	}
	if c.File.AudioLookAheadMs < 0 {
		return errors.New("file.audio_look_ahead_ms must be >= 0")
	}
	if c.File.MinBufferFrames <= 0 {
		return errors.New("file.min_buffer_frames must be > 0")
	}
	return nil
}

// Load reads and validates a config file, filling any field missing from
// the JSON with its default.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save validates and writes cfg to path as JSON.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config from path if present, otherwise writes and returns
// the default configuration. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// Watcher republishes a fresh Config on Changes whenever the backing file
// is edited, so a running player can pick up buffer_delay_ms/debug_logging
// changes without a restart.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	changes chan Config
	closed  chan struct{}
}

// WatchFile starts watching path for writes and renames, re-loading and
// validating the config on each change. Invalid edits are logged and
// skipped rather than propagated, leaving the last-good config live.
func WatchFile(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch dir: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fsw,
		changes: make(chan Config, 1),
		closed:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Changes delivers a new Config after every valid edit to the watched file.
func (w *Watcher) Changes() <-chan Config {
	return w.changes
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Warnf("config: reload %s: %v", w.path, err)
				continue
			}
			select {
			case w.changes <- cfg:
			default:
				// drop the stale pending value, keep only the latest
				select {
				case <-w.changes:
				default:
				}
				w.changes <- cfg
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config: watcher error: %v", err)
		}
	}
}

// Close stops the watch loop.
func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}
