package audio

import (
	"fmt"
	"sync"
	"time"
)

const DefaultChunkInterval = 250 * time.Millisecond

// Source turns a capture device's irregular PCM callbacks into chunks
// emitted on a fixed cadence. Larger intervals mean fewer, bigger sends;
// smaller intervals mean lower transcription latency.
//
// Emission is fire-and-forget: the emit callback runs on the ticker
// goroutine, never on the device callback, so a slow consumer cannot stall
// capture.
type Source struct {
	ctx      Context
	device   *DeviceInfo
	interval time.Duration
	emit     func(chunk []byte)

	mu      sync.Mutex
	buf     []byte
	capture CaptureDevice
	stop    chan struct{}
	done    chan struct{}
	opened  bool
}

// NewSource prepares a source for the given device (nil means system
// default). interval <= 0 falls back to DefaultChunkInterval.
func NewSource(ctx Context, device *DeviceInfo, interval time.Duration, emit func(chunk []byte)) *Source {
	if interval <= 0 {
		interval = DefaultChunkInterval
	}
	return &Source{
		ctx:      ctx,
		device:   device,
		interval: interval,
		emit:     emit,
	}
}

// Open acquires the capture device and starts chunk emission. It fails when
// the device cannot be acquired; nothing is left open on failure.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return fmt.Errorf("source already open")
	}

	capture, err := s.ctx.NewCapture(s.device, CaptureConfig{
		SampleRate: SampleRate,
		Channels:   Channels,
	})
	if err != nil {
		return fmt.Errorf("capture init: %w", err)
	}

	capture.SetCallback(func(data []byte, _ uint32) {
		if len(data) == 0 {
			return
		}
		s.mu.Lock()
		s.buf = append(s.buf, data...)
		s.mu.Unlock()
	})

	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		return fmt.Errorf("capture start: %w", err)
	}

	s.capture = capture
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.opened = true

	go s.run(s.stop, s.done)
	return nil
}

func (s *Source) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if chunk := s.drain(); chunk != nil {
				s.emit(chunk)
			}
		}
	}
}

func (s *Source) drain() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	chunk := s.buf
	s.buf = nil
	return chunk
}

// Close stops emission and releases the device. Idempotent, and safe on a
// source that never opened. No chunk is emitted after Close returns.
func (s *Source) Close() {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return
	}
	s.opened = false
	capture := s.capture
	stop, done := s.stop, s.done
	s.capture = nil
	s.buf = nil
	s.mu.Unlock()

	close(stop)
	<-done

	capture.Stop()
	capture.ClearCallback()
	capture.Close()
}
