// Package session owns the lifecycle of one live transcription session:
// it binds microphone capture to the recognition channel, folds the
// channel's events into a growing transcript, and guarantees both handles
// are released on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"scribe/channel"
	"scribe/config"
	"scribe/log"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

type ConnStatus int

const (
	ConnClosed ConnStatus = iota
	ConnOpen
)

func (c ConnStatus) String() string {
	if c == ConnOpen {
		return "open"
	}
	return "closed"
}

// Snapshot is the read-only state surface the presentation layer renders.
// It is a projection of the manager's owned state, never mutated directly.
type Snapshot struct {
	State      State
	Connection ConnStatus
	Transcript string
	LastError  string // empty when no error has been surfaced
}

// Sink receives state-change notifications and interim previews. The TUI
// implements it; a nil sink is valid.
type Sink interface {
	SessionChanged(Snapshot)
	Interim(text string)
}

// Channel is the slice of scribe/channel the manager needs; tests supply
// scripted fakes.
type Channel interface {
	Events() <-chan channel.Event
	Send(chunk []byte) error
	Finish() error
	Close() error
}

// Source is the capture handle; audio.Source satisfies it.
type Source interface {
	Close()
}

// Dialer connects the recognition channel. SourceOpener acquires the
// microphone and binds emitted chunks to emit.
type (
	Dialer       func(ctx context.Context, cfg config.Config) (Channel, error)
	SourceOpener func(emit func(chunk []byte)) (Source, error)
)

type Manager struct {
	cfg  config.Config
	dial Dialer
	open SourceOpener
	sink Sink

	mu            sync.Mutex
	state         State
	conn          ConnStatus
	transcript    string
	lastErr       string
	ch            Channel
	src           Source
	stopRequested bool
	// gen identifies the current acquisition; events and teardowns from a
	// stale generation are ignored.
	gen int
}

func New(cfg config.Config, dial Dialer, open SourceOpener, sink Sink) *Manager {
	return &Manager{
		cfg:  cfg,
		dial: dial,
		open: open,
		sink: sink,
	}
}

// Start begins a session. Only valid from idle. Credential validation
// happens before any hardware or network is touched; acquisition itself is
// asynchronous and settles into either active or idle-with-error.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return fmt.Errorf("session already %s", m.state)
	}

	if m.cfg.APIKey == "" {
		err := &Error{Kind: KindConfig, Err: ErrAPIKeyMissing}
		m.lastErr = err.Error()
		m.mu.Unlock()
		log.Errorf("session start rejected: %v", err)
		m.notify()
		return err
	}

	m.state = StateStarting
	m.conn = ConnClosed
	m.transcript = ""
	m.lastErr = ""
	m.stopRequested = false
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	log.Info("session starting")
	m.notify()

	go m.acquire(gen)
	return nil
}

// Stop ends the session: capture stops first so no more chunks go out,
// then the channel is finished and released. A no-op when idle; while a
// start is still pending it marks the session for teardown and the pending
// acquisition cleans up after itself.
func (m *Manager) Stop() {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateStopping:
		m.mu.Unlock()
		return
	case StateStarting:
		m.stopRequested = true
		m.state = StateStopping
		m.mu.Unlock()
		log.Info("session stop requested mid-start")
		m.notify()
		return
	}

	// Active: take ownership of both handles and invalidate the event loop.
	m.state = StateStopping
	m.gen++
	src, ch := m.src, m.ch
	m.src, m.ch = nil, nil
	m.mu.Unlock()

	log.Info("session stopping")
	m.notify()

	if src != nil {
		src.Close()
	}
	if ch != nil {
		ch.Finish()
		ch.Close()
	}

	m.mu.Lock()
	m.state = StateIdle
	m.conn = ConnClosed
	m.mu.Unlock()

	log.Info("session stopped")
	m.notify()
}

// Toggle starts when idle and stops otherwise.
func (m *Manager) Toggle() {
	m.mu.Lock()
	idle := m.state == StateIdle
	m.mu.Unlock()
	if idle {
		m.Start()
	} else {
		m.Stop()
	}
}

// Snapshot returns the observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		State:      m.state,
		Connection: m.conn,
		Transcript: m.transcript,
		LastError:  m.lastErr,
	}
}

func (m *Manager) notify() {
	if m.sink == nil {
		return
	}
	m.sink.SessionChanged(m.Snapshot())
}

// acquire runs off the caller's goroutine: connect the channel, then open
// the capture source. A partial acquisition never leaks — whichever handle
// was obtained is released before the session settles back to idle.
func (m *Manager) acquire(gen int) {
	ch, err := m.dial(context.Background(), m.cfg)
	if err != nil {
		m.settleFailure(gen, &Error{Kind: KindConnection, Err: err}, nil, nil)
		return
	}

	src, err := m.open(m.forward)
	if err != nil {
		m.settleFailure(gen, &Error{Kind: KindDevice, Err: err}, ch, nil)
		return
	}

	m.mu.Lock()
	if m.gen != gen || m.stopRequested {
		// Stopped while acquisition was pending: finish the acquisition,
		// then tear everything down immediately.
		m.state = StateIdle
		m.conn = ConnClosed
		m.mu.Unlock()
		src.Close()
		ch.Finish()
		ch.Close()
		log.Info("pending start cancelled")
		m.notify()
		return
	}

	m.ch = ch
	m.src = src
	m.state = StateActive
	m.mu.Unlock()

	log.Info("session active")
	m.notify()

	go m.eventLoop(gen, ch)
}

func (m *Manager) settleFailure(gen int, e *Error, ch Channel, src Source) {
	if src != nil {
		src.Close()
	}
	if ch != nil {
		ch.Close()
	}

	m.mu.Lock()
	if m.gen == gen {
		m.state = StateIdle
		m.conn = ConnClosed
		m.lastErr = e.Error()
	}
	m.mu.Unlock()

	log.Errorf("session start failed: %v", e)
	m.notify()
}

// forward is the capture source's emit callback. Chunks are dropped unless
// the channel has reported open: mid-negotiation sends would be wasted, and
// there is deliberately no buffering.
func (m *Manager) forward(chunk []byte) {
	m.mu.Lock()
	ch := m.ch
	ready := m.state == StateActive && m.conn == ConnOpen && ch != nil
	m.mu.Unlock()

	if !ready {
		return
	}
	// Best effort. A failed send means the transport is going down; the
	// channel's Error/Closed events drive the teardown, not this path.
	ch.Send(chunk)
}

// eventLoop consumes the channel's events in receipt order for one session
// generation. It exits when the channel closes its event stream.
func (m *Manager) eventLoop(gen int, ch Channel) {
	for ev := range ch.Events() {
		switch ev.Type {
		case channel.Opened:
			m.mu.Lock()
			if m.gen == gen {
				m.conn = ConnOpen
			}
			m.mu.Unlock()
			log.Info("recognition channel open")
			m.notify()

		case channel.Result:
			m.handleResult(gen, ev)

		case channel.Error:
			m.mu.Lock()
			if m.gen == gen {
				m.lastErr = (&Error{Kind: KindChannel, Err: ev.Err}).Error()
			}
			m.mu.Unlock()
			log.Warnf("channel error: %v", ev.Err)
			m.notify()

		case channel.Closed:
			m.handleClosed(gen)
		}
	}
}

func (m *Manager) handleResult(gen int, ev channel.Event) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateActive {
		m.mu.Unlock()
		return
	}

	if !ev.IsFinal {
		m.mu.Unlock()
		if ev.Text != "" && m.sink != nil {
			m.sink.Interim(ev.Text)
		}
		return
	}

	if ev.Text == "" {
		m.mu.Unlock()
		return
	}
	if m.transcript != "" {
		m.transcript += " " + ev.Text
	} else {
		m.transcript = ev.Text
	}
	m.mu.Unlock()
	m.notify()
}

// handleClosed reacts to the channel's terminal event. During an explicit
// stop the handles are already owned by Stop; an unsolicited close while
// active is treated as an implicit stop with a ConnectionLost notice.
func (m *Manager) handleClosed(gen int) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = ConnClosed
	if m.state != StateActive {
		m.mu.Unlock()
		m.notify()
		return
	}

	m.gen++
	src, ch := m.src, m.ch
	m.src, m.ch = nil, nil
	m.state = StateIdle
	m.lastErr = (&Error{Kind: KindConnectionLost, Err: ErrConnectionLost}).Error()
	m.mu.Unlock()

	log.Warn("recognition channel closed unexpectedly")
	if src != nil {
		src.Close()
	}
	if ch != nil {
		ch.Close()
	}
	m.notify()
}

// Error taxonomy. Every failure surfaces through Snapshot.LastError; none
// propagate past the manager boundary.

type Kind int

const (
	KindConfig Kind = iota
	KindDevice
	KindConnection
	KindChannel
	KindConnectionLost
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindDevice:
		return "device"
	case KindConnection:
		return "connection"
	case KindChannel:
		return "channel"
	case KindConnectionLost:
		return "connection lost"
	}
	return "unknown"
}

var (
	ErrAPIKeyMissing  = errors.New("Deepgram API key is missing")
	ErrConnectionLost = errors.New("recognition service closed the connection")
)

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
