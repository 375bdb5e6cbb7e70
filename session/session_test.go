package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"scribe/channel"
	"scribe/config"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

type fakeChannel struct {
	events chan channel.Event

	mu       sync.Mutex
	sends    int
	finishes int
	closes   int
	endOnce  sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan channel.Event, 32)}
}

func (f *fakeChannel) Events() <-chan channel.Event { return f.events }

func (f *fakeChannel) Send([]byte) error {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Finish() error {
	f.mu.Lock()
	f.finishes++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) push(ev channel.Event) { f.events <- ev }

// end terminates the event stream the way the real channel does once its
// reader exits.
func (f *fakeChannel) end() { f.endOnce.Do(func() { close(f.events) }) }

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func (f *fakeChannel) finishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finishes
}

func (f *fakeChannel) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeSource struct {
	mu     sync.Mutex
	closes int
}

func (f *fakeSource) Close() {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
}

func (f *fakeSource) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type recordingSink struct {
	mu       sync.Mutex
	snaps    []Snapshot
	interims []string
}

func (s *recordingSink) SessionChanged(snap Snapshot) {
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

func (s *recordingSink) Interim(text string) {
	s.mu.Lock()
	s.interims = append(s.interims, text)
	s.mu.Unlock()
}

func (s *recordingSink) interimCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.interims)
}

type harness struct {
	m    *Manager
	ch   *fakeChannel
	src  *fakeSource
	sink *recordingSink

	mu        sync.Mutex
	dialErr   error
	openErr   error
	dialGate  chan struct{} // when non-nil, dial blocks until closed
	dialCalls int
	openCalls int
	emit      func(chunk []byte)
}

func newHarness(apiKey string) *harness {
	h := &harness{
		ch:   newFakeChannel(),
		src:  &fakeSource{},
		sink: &recordingSink{},
	}

	dial := func(_ context.Context, _ config.Config) (Channel, error) {
		h.mu.Lock()
		h.dialCalls++
		gate, err := h.dialGate, h.dialErr
		h.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if err != nil {
			return nil, err
		}
		return h.ch, nil
	}

	open := func(emit func(chunk []byte)) (Source, error) {
		h.mu.Lock()
		h.openCalls++
		err := h.openErr
		h.emit = emit
		h.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return h.src, nil
	}

	h.m = New(config.Config{APIKey: apiKey, Model: "nova-2", Language: "en-US"}, dial, open, h.sink)
	return h
}

func (h *harness) calls() (dial, open int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dialCalls, h.openCalls
}

func (h *harness) emitChunk(chunk []byte) {
	h.mu.Lock()
	emit := h.emit
	h.mu.Unlock()
	if emit != nil {
		emit(chunk)
	}
}

// startActive drives the manager to active with an open connection.
func (h *harness) startActive(t *testing.T) {
	t.Helper()
	if err := h.m.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.m.Snapshot().State == StateActive }, "never reached active")
	h.ch.push(channel.Event{Type: channel.Opened})
	waitFor(t, func() bool { return h.m.Snapshot().Connection == ConnOpen }, "connection never opened")
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	h := newHarness("key")

	h.m.Stop()
	h.m.Stop()

	snap := h.m.Snapshot()
	if snap.State != StateIdle || snap.Transcript != "" || snap.LastError != "" {
		t.Errorf("snapshot changed: %+v", snap)
	}
	if dial, open := h.calls(); dial != 0 || open != 0 {
		t.Errorf("dial=%d open=%d, want 0/0", dial, open)
	}
}

func TestStartMissingAPIKey(t *testing.T) {
	h := newHarness("")

	err := h.m.Start()
	if err == nil {
		t.Fatal("expected error")
	}
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindConfig {
		t.Fatalf("err = %v, want config Error", err)
	}
	if !errors.Is(err, ErrAPIKeyMissing) {
		t.Errorf("err should wrap ErrAPIKeyMissing, got %v", err)
	}

	snap := h.m.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("state = %v, want idle", snap.State)
	}
	if !strings.Contains(snap.LastError, "Deepgram API key is missing") {
		t.Errorf("LastError = %q", snap.LastError)
	}
	if dial, open := h.calls(); dial != 0 || open != 0 {
		t.Errorf("hardware/network touched: dial=%d open=%d", dial, open)
	}
}

func TestStartToActiveAndOpen(t *testing.T) {
	h := newHarness("key")
	defer h.ch.end()

	h.startActive(t)

	snap := h.m.Snapshot()
	if snap.State != StateActive || snap.Connection != ConnOpen {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.LastError != "" {
		t.Errorf("LastError = %q, want empty", snap.LastError)
	}
}

func TestTranscriptAppendOnly(t *testing.T) {
	h := newHarness("key")
	defer h.ch.end()
	h.startActive(t)

	h.ch.push(channel.Event{Type: channel.Result, Text: "hello", IsFinal: false})
	h.ch.push(channel.Event{Type: channel.Result, Text: "hello world", IsFinal: true})
	waitFor(t, func() bool { return h.m.Snapshot().Transcript == "hello world" },
		"final result not appended")

	// Interims and empty finals never mutate the transcript.
	h.ch.push(channel.Event{Type: channel.Result, Text: "hello world again", IsFinal: false})
	h.ch.push(channel.Event{Type: channel.Result, Text: "", IsFinal: true})
	h.ch.push(channel.Event{Type: channel.Result, Text: "again", IsFinal: true})
	waitFor(t, func() bool { return h.m.Snapshot().Transcript == "hello world again" },
		"transcript should be the space-joined finals")

	waitFor(t, func() bool { return h.sink.interimCount() >= 2 }, "interims not surfaced")
}

func TestChunksDroppedUntilOpen(t *testing.T) {
	h := newHarness("key")
	defer h.ch.end()

	if err := h.m.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.m.Snapshot().State == StateActive }, "never reached active")

	// Connection status is still closed: chunks must be dropped.
	h.emitChunk([]byte{1, 2})
	h.emitChunk([]byte{3, 4})
	if got := h.ch.sendCount(); got != 0 {
		t.Fatalf("sends before open = %d, want 0", got)
	}

	h.ch.push(channel.Event{Type: channel.Opened})
	waitFor(t, func() bool { return h.m.Snapshot().Connection == ConnOpen }, "connection never opened")

	h.emitChunk([]byte{5, 6})
	if got := h.ch.sendCount(); got != 1 {
		t.Errorf("sends after open = %d, want 1", got)
	}
}

func TestNoLeakWhenDeviceFails(t *testing.T) {
	h := newHarness("key")
	h.openErr = errors.New("microphone unavailable")

	if err := h.m.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.m.Snapshot().State == StateIdle && h.m.Snapshot().LastError != "" },
		"start never settled")

	snap := h.m.Snapshot()
	if !strings.Contains(snap.LastError, "device") {
		t.Errorf("LastError = %q, want device error", snap.LastError)
	}
	// The channel was connected before the device failed: it must be released.
	if got := h.ch.closeCount(); got != 1 {
		t.Errorf("channel closes = %d, want 1", got)
	}
	if got := h.src.closeCount(); got != 0 {
		t.Errorf("source closes = %d, want 0 (never opened)", got)
	}
}

func TestNoLeakWhenDialFails(t *testing.T) {
	h := newHarness("key")
	h.dialErr = errors.New("negotiation refused")

	if err := h.m.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.m.Snapshot().State == StateIdle && h.m.Snapshot().LastError != "" },
		"start never settled")

	snap := h.m.Snapshot()
	if !strings.Contains(snap.LastError, "connection") {
		t.Errorf("LastError = %q, want connection error", snap.LastError)
	}
	if _, open := h.calls(); open != 0 {
		t.Errorf("device opened despite dial failure")
	}
}

func TestExplicitStop(t *testing.T) {
	h := newHarness("key")
	defer h.ch.end()
	h.startActive(t)

	h.m.Stop()

	snap := h.m.Snapshot()
	if snap.State != StateIdle || snap.Connection != ConnClosed {
		t.Errorf("snapshot after stop = %+v", snap)
	}
	if got := h.src.closeCount(); got != 1 {
		t.Errorf("source closes = %d, want 1", got)
	}
	if got := h.ch.finishCount(); got != 1 {
		t.Errorf("finishes = %d, want 1", got)
	}

	// Late results after teardown are ignored.
	h.ch.push(channel.Event{Type: channel.Result, Text: "late", IsFinal: true})
	time.Sleep(20 * time.Millisecond)
	if got := h.m.Snapshot().Transcript; got != "" {
		t.Errorf("late result appended: %q", got)
	}
}

func TestImplicitStopOnUnsolicitedClose(t *testing.T) {
	h := newHarness("key")
	h.startActive(t)

	h.ch.push(channel.Event{Type: channel.Closed})
	h.ch.end()

	waitFor(t, func() bool { return h.m.Snapshot().State == StateIdle }, "implicit stop never happened")

	snap := h.m.Snapshot()
	if snap.Connection != ConnClosed {
		t.Errorf("connection = %v, want closed", snap.Connection)
	}
	if !strings.Contains(snap.LastError, "connection lost") {
		t.Errorf("LastError = %q, want connection lost notice", snap.LastError)
	}
	if got := h.src.closeCount(); got != 1 {
		t.Errorf("source closes = %d, want 1", got)
	}
	if got := h.ch.closeCount(); got != 1 {
		t.Errorf("channel closes = %d, want 1", got)
	}

	// A retry is safe from here.
	if err := h.m.Start(); err != nil {
		t.Errorf("restart after connection loss: %v", err)
	}
}

func TestChannelErrorDoesNotEndSession(t *testing.T) {
	h := newHarness("key")
	defer h.ch.end()
	h.startActive(t)

	h.ch.push(channel.Event{Type: channel.Error, Err: errors.New("transport hiccup")})
	waitFor(t, func() bool { return h.m.Snapshot().LastError != "" }, "channel error not recorded")

	snap := h.m.Snapshot()
	if snap.State != StateActive {
		t.Errorf("state = %v, want active after non-fatal channel error", snap.State)
	}

	// Results still commit afterwards.
	h.ch.push(channel.Event{Type: channel.Result, Text: "still here", IsFinal: true})
	waitFor(t, func() bool { return h.m.Snapshot().Transcript == "still here" }, "result after error lost")
}

func TestStopDuringPendingStart(t *testing.T) {
	h := newHarness("key")
	defer h.ch.end()
	gate := make(chan struct{})
	h.dialGate = gate

	if err := h.m.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.m.Snapshot().State == StateStarting }, "not starting")

	h.m.Stop()
	if got := h.m.Snapshot().State; got != StateStopping {
		t.Errorf("state = %v, want stopping while acquisition pending", got)
	}

	close(gate)
	waitFor(t, func() bool { return h.m.Snapshot().State == StateIdle }, "cancelled start never settled")

	if got := h.src.closeCount(); got != 1 {
		t.Errorf("source closes = %d, want 1", got)
	}
	if got := h.ch.closeCount(); got != 1 {
		t.Errorf("channel closes = %d, want 1", got)
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	h := newHarness("key")
	defer h.ch.end()
	h.startActive(t)

	if err := h.m.Start(); err == nil {
		t.Error("second Start should fail while active")
	}
	h.m.Stop()
}

func TestToggle(t *testing.T) {
	h := newHarness("key")
	defer h.ch.end()

	h.m.Toggle()
	waitFor(t, func() bool { return h.m.Snapshot().State == StateActive }, "toggle did not start")

	h.m.Toggle()
	waitFor(t, func() bool { return h.m.Snapshot().State == StateIdle }, "toggle did not stop")
}

func TestErrorString(t *testing.T) {
	e := &Error{Kind: KindDevice, Err: errors.New("no microphone")}
	if got := e.Error(); got != "device: no microphone" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(e, e.Err) {
		t.Error("Unwrap should expose the cause")
	}
}
