package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"scribe/audio"
	"scribe/channel"
	"scribe/clipboard"
	"scribe/config"
	"scribe/log"
	"scribe/session"
	"scribe/shutdown"
)

var version = "dev"

func main() {
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	modelFlag := flag.String("model", "", "Recognition model (overrides SCRIBE_MODEL)")
	langFlag := flag.String("lang", "", "Language code (overrides SCRIBE_LANGUAGE)")
	chunkMsFlag := flag.Int("chunkms", 0, "Audio chunk interval in ms (overrides SCRIBE_CHUNK_MS)")
	copyFlag := flag.Bool("copy", true, "Copy finished transcript to clipboard")
	logPathFlag := flag.String("logpath", "", "Log directory path (default: OS-specific location)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("scribe %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *modelFlag != "" {
		cfg.Model = *modelFlag
	}
	if *langFlag != "" {
		cfg.Language = *langFlag
	}
	if *chunkMsFlag > 0 {
		cfg.ChunkInterval = time.Duration(*chunkMsFlag) * time.Millisecond
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	audioCtx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio context: %v\n", err)
		os.Exit(1)
	}
	defer audioCtx.Close()

	selectedDevice := resolveDevice(audioCtx, *deviceFlag, *setupFlag)

	dial := func(ctx context.Context, cfg config.Config) (session.Channel, error) {
		return channel.Connect(ctx, channel.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Language:    cfg.Language,
			SmartFormat: cfg.SmartFormat,
			SampleRate:  audio.SampleRate,
			Channels:    audio.Channels,
		})
	}

	open := func(emit func(chunk []byte)) (session.Source, error) {
		src := audio.NewSource(audioCtx, selectedDevice, cfg.ChunkInterval, emit)
		if err := src.Open(); err != nil {
			return nil, err
		}
		return src, nil
	}

	sink := &tuiSink{copyEnabled: *copyFlag}
	manager := session.New(cfg, dial, open, sink)

	log.SessionStart(cfg.Model, cfg.Language, cfg.ChunkInterval.Milliseconds())

	program := NewTUIProgram(manager, deviceLineText(selectedDevice))
	sink.program = program

	go func() {
		sig := make(chan os.Signal, 1)
		shutdown.Notify(sig)
		<-sig
		manager.Stop()
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		log.Errorf("TUI error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	manager.Stop()
}

func resolveDevice(ctx audio.Context, deviceName string, setup bool) *audio.DeviceInfo {
	if deviceName != "" {
		devices, err := ctx.Devices()
		if err != nil {
			log.Warnf("device enumeration failed: %v", err)
			return nil
		}
		for i := range devices {
			if devices[i].Name == deviceName {
				return &devices[i]
			}
		}
		fmt.Fprintf(os.Stderr, "Warning: device %q not found, using system default\n", deviceName)
		return nil
	}

	if setup {
		dev, err := audio.SelectDevice(ctx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: device selection failed: %v\n", err)
			fmt.Fprintln(os.Stderr, "Falling back to default device")
			return nil
		}
		return dev
	}

	return nil
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}

// tuiSink bridges session notifications into the Bubble Tea program and
// handles end-of-session side effects: transcript history and clipboard.
type tuiSink struct {
	program     *tea.Program
	copyEnabled bool

	mu        sync.Mutex
	prevState session.State
	startedAt time.Time
}

func (s *tuiSink) SessionChanged(snap session.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.State == session.StateStarting && s.prevState == session.StateIdle {
		s.startedAt = time.Now()
	}

	copied := false
	if snap.State == session.StateIdle && s.prevState != session.StateIdle && snap.Transcript != "" {
		log.TranscriptText(snap.Transcript)
		log.SessionEnd(len(snap.Transcript), time.Since(s.startedAt).Seconds())
		if s.copyEnabled {
			if err := clipboard.Copy(snap.Transcript); err != nil {
				log.Warnf("clipboard copy failed: %v", err)
			} else {
				copied = true
			}
		}
	}
	s.prevState = snap.State

	if s.program != nil {
		s.program.Send(SessionMsg{Snapshot: snap, Copied: copied})
	}
}

func (s *tuiSink) Interim(text string) {
	if s.program != nil {
		s.program.Send(InterimMsg{Text: text})
	}
}
