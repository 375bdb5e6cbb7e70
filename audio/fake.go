package audio

import (
	"sync"
	"time"
)

const fakeFrameSize = 1024

// FakeContext is an in-memory capture backend for tests. Each capture it
// hands out replays the configured PCM in fixed frames, then keeps feeding
// silence until stopped.
type FakeContext struct {
	pcm      []byte
	interval time.Duration

	mu       sync.Mutex
	captures []*FakeCapture
	initErr  error
}

func NewFakeContext(pcm []byte, interval time.Duration) *FakeContext {
	return &FakeContext{pcm: pcm, interval: interval}
}

// FailCaptures makes every subsequent NewCapture call return err.
func (f *FakeContext) FailCaptures(err error) {
	f.mu.Lock()
	f.initErr = err
	f.mu.Unlock()
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake mic"}}, nil
}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	c := &FakeCapture{pcm: f.pcm, interval: f.interval}
	f.captures = append(f.captures, c)
	return c, nil
}

func (f *FakeContext) Close() {}

// OpenCaptures counts captures that were started but not yet released.
func (f *FakeContext) OpenCaptures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.captures {
		if c.running() {
			n++
		}
	}
	return n
}

type FakeCapture struct {
	pcm      []byte
	interval time.Duration

	mu      sync.Mutex
	cb      DataCallback
	stop    chan struct{}
	done    chan struct{}
	started bool
}

func (c *FakeCapture) SetCallback(cb DataCallback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *FakeCapture) ClearCallback() {
	c.mu.Lock()
	c.cb = nil
	c.mu.Unlock()
}

func (c *FakeCapture) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *FakeCapture) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	interval := c.interval
	if interval <= 0 {
		interval = time.Millisecond
	}

	go func() {
		defer close(done)
		pos := 0
		silence := make([]byte, fakeFrameSize*2)
		for {
			select {
			case <-stop:
				return
			case <-time.After(interval):
			}

			c.mu.Lock()
			cb := c.cb
			c.mu.Unlock()
			if cb == nil {
				continue
			}

			if pos < len(c.pcm) {
				end := min(pos+fakeFrameSize*2, len(c.pcm))
				frame := make([]byte, end-pos)
				copy(frame, c.pcm[pos:end])
				pos = end
				cb(frame, uint32(len(frame)/2))
			} else {
				cb(silence, fakeFrameSize)
			}
		}
	}()

	return nil
}

func (c *FakeCapture) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done
}

func (c *FakeCapture) Close() {
	c.Stop()
}
