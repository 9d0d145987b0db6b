package call

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mboers/dyad/internal/media"
	"github.com/mboers/dyad/internal/signal"
)

// Manager owns at most one live attempt per conversation and bridges the
// signaling channel, the capturer and the engine factory to them.
type Manager struct {
	sig     signal.Channel
	hist    HistoryWriter
	caps    media.Capturer
	engines EngineFactory
	t       Timeouts

	// now is the time source; tests substitute it.
	now func() time.Time

	selfMu   sync.RWMutex
	self     Identity
	attempts map[string]*Attempt
	watches  map[string]func()
	// handled records the StartedAt of the newest attempt surfaced per
	// conversation, so a duplicate calling-status snapshot delivered after
	// the attempt finished cannot ring the receiver again.
	handled map[string]int64

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// NewManager wires the collaborators together. Subscriptions are created per
// conversation via Watch; StartCall watches its conversation implicitly.
func NewManager(sig signal.Channel, hist HistoryWriter, caps media.Capturer, engines EngineFactory, self Identity, t Timeouts) *Manager {
	return &Manager{
		sig:       sig,
		hist:      hist,
		caps:      caps,
		engines:   engines,
		t:         t,
		now:       time.Now,
		self:      self,
		attempts:  make(map[string]*Attempt),
		watches:   make(map[string]func()),
		handled:   make(map[string]int64),
		listeners: make(map[chan Event]struct{}),
	}
}

// SetDisplayName updates the name written into future call records. The
// config watcher calls this when the profile label changes on disk.
func (m *Manager) SetDisplayName(name string) {
	m.selfMu.Lock()
	m.self.DisplayName = name
	m.selfMu.Unlock()
}

func (m *Manager) Identity() Identity {
	m.selfMu.RLock()
	defer m.selfMu.RUnlock()
	return m.self
}

// Watch subscribes to a conversation's record so incoming calls surface as
// ringing attempts. Idempotent per conversation; the subscription persists
// across attempts (it is how the NEXT call arrives, so attempt teardown does
// not cancel it).
func (m *Manager) Watch(conversationID string) {
	m.selfMu.Lock()
	if _, ok := m.watches[conversationID]; ok {
		m.selfMu.Unlock()
		return
	}
	// Reserve the slot before subscribing so a concurrent Watch cannot
	// double-subscribe.
	m.watches[conversationID] = func() {}
	m.selfMu.Unlock()

	cancel := m.sig.Subscribe(conversationID, func(rec signal.Record) {
		m.onSnapshot(conversationID, rec)
	})

	m.selfMu.Lock()
	m.watches[conversationID] = cancel
	m.selfMu.Unlock()
}

// onSnapshot routes a record snapshot to the conversation's live attempt, or
// treats it as a possible incoming call when no attempt exists.
func (m *Manager) onSnapshot(conversationID string, rec signal.Record) {
	m.selfMu.RLock()
	att := m.attempts[conversationID]
	m.selfMu.RUnlock()

	if att != nil {
		att.onSnapshot(rec)
		return
	}
	m.maybeRing(conversationID, rec)
}

// maybeRing surfaces an incoming call: calling status, offer present, caller
// is not self, the record is fresh, and this attempt has not been surfaced
// (or declined, or answered) before.
func (m *Manager) maybeRing(conversationID string, rec signal.Record) {
	if rec.Status != signal.StatusCalling || rec.Offer == nil {
		return
	}
	self := m.Identity()
	if rec.CallerID == self.ID {
		return
	}
	age := m.now().Sub(time.UnixMilli(rec.StartedAt))
	if age >= m.t.Freshness {
		log.Printf("CALL [%s]: ignoring stale call record (age %s)", conversationID, age.Round(time.Second))
		return
	}

	m.selfMu.Lock()
	if m.attempts[conversationID] != nil || rec.StartedAt <= m.handled[conversationID] {
		m.selfMu.Unlock()
		return
	}
	att := newAttempt(m, RoleReceiver, conversationID, rec.CallerName)
	att.offer = *rec.Offer
	att.state = StateRinging
	m.attempts[conversationID] = att
	m.handled[conversationID] = rec.StartedAt
	m.selfMu.Unlock()

	log.Printf("CALL [%s]: ringing, incoming from %s (%s)", conversationID, rec.CallerName, rec.CallerID)
	m.emit(att.event(EventState))
}

// StartCall begins an outgoing attempt. Capture failure is fatal to the
// attempt and happens BEFORE any signaling write, so the remote side never
// sees a call that cannot be established.
func (m *Manager) StartCall(conversationID, remoteLabel string) error {
	self := m.Identity()

	m.selfMu.RLock()
	att := m.attempts[conversationID]
	m.selfMu.RUnlock()
	if att != nil && !att.State().Terminal() {
		return ErrCallInProgress
	}
	if rec, ok := m.sig.Read(conversationID); ok && !rec.Status.Terminal() {
		// A fresh calling record or any active record means the other side
		// still considers the previous attempt live. A calling record
		// outside the freshness window is a stuck leftover and may be
		// overwritten.
		age := m.now().Sub(time.UnixMilli(rec.StartedAt))
		if rec.Status == signal.StatusActive || age < m.t.Freshness {
			return ErrCallInProgress
		}
	}

	stream, err := m.caps.Acquire(media.KindCameraMic)
	if err != nil {
		return fmt.Errorf("call: capture failed, not starting call: %w", err)
	}

	started := m.now()
	att = newAttempt(m, RoleCaller, conversationID, remoteLabel)
	att.local = stream
	att.cameraVideo = stream.VideoTrack()
	att.state = StateCalling

	m.selfMu.Lock()
	m.attempts[conversationID] = att
	m.handled[conversationID] = started.UnixMilli()
	m.selfMu.Unlock()

	m.Watch(conversationID)

	// New attempt overwrites the previous attempt's terminal record.
	m.sig.Write(conversationID, signal.Record{
		CallerID:   self.ID,
		CallerName: self.DisplayName,
		Status:     signal.StatusCalling,
		StartedAt:  started.UnixMilli(),
	})

	engine, err := m.engines(RoleCaller, stream, att.engineEvents())
	if err != nil {
		att.fail()
		return fmt.Errorf("call: negotiation setup failed: %w", err)
	}
	if !att.installEngine(engine) {
		// Torn down while the engine was being built; nothing left to ring.
		return nil
	}
	att.armRingTimer(m.t.Ring)

	log.Printf("CALL [%s]: calling %s", conversationID, remoteLabel)
	m.emit(att.event(EventState))
	return nil
}

// AcceptCall answers a ringing attempt.
func (m *Manager) AcceptCall(conversationID string) error {
	att, ok := m.attempt(conversationID)
	if !ok {
		return ErrNoAttempt
	}
	return att.accept()
}

// DeclineCall rejects a ringing attempt. Like HangUp it tolerates repeats:
// once the attempt is gone there is nothing left to reject and the call
// succeeds without effect.
func (m *Manager) DeclineCall(conversationID string) error {
	att, ok := m.attempt(conversationID)
	if !ok {
		return nil
	}
	att.decline()
	return nil
}

// HangUp ends the conversation's attempt. On a ringing receiver this is a
// decline (the record becomes missed, not ended).
func (m *Manager) HangUp(conversationID string) {
	att, ok := m.attempt(conversationID)
	if !ok {
		return
	}
	if att.State() == StateRinging {
		att.decline()
		return
	}
	att.hangUp()
}

// ToggleMute flips the outgoing audio. Returns the new muted state.
func (m *Manager) ToggleMute(conversationID string) (bool, error) {
	att, ok := m.attempt(conversationID)
	if !ok {
		return false, ErrNoAttempt
	}
	return att.toggleMute()
}

// ToggleCamera flips the outgoing camera video. Returns the new disabled
// state.
func (m *Manager) ToggleCamera(conversationID string) (bool, error) {
	att, ok := m.attempt(conversationID)
	if !ok {
		return false, ErrNoAttempt
	}
	return att.toggleCamera()
}

// ToggleScreenShare swaps the outgoing video track between screen and
// camera. Returns whether sharing is now on.
func (m *Manager) ToggleScreenShare(conversationID string) (bool, error) {
	att, ok := m.attempt(conversationID)
	if !ok {
		return false, ErrNoAttempt
	}
	return att.toggleScreenShare()
}

// Snapshot returns the UI view of the conversation's live attempt.
func (m *Manager) Snapshot(conversationID string) (Snapshot, bool) {
	att, ok := m.attempt(conversationID)
	if !ok {
		return Snapshot{}, false
	}
	return att.snapshot(), true
}

// Snapshots returns the UI view of every live attempt.
func (m *Manager) Snapshots() []Snapshot {
	m.selfMu.RLock()
	atts := make([]*Attempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		atts = append(atts, a)
	}
	m.selfMu.RUnlock()

	out := make([]Snapshot, 0, len(atts))
	for _, a := range atts {
		out = append(out, a.snapshot())
	}
	return out
}

// Events returns a channel of UI events. Slow consumers drop events rather
// than block the state machine.
func (m *Manager) Events() (ch chan Event, cancel func()) {
	ch = make(chan Event, 16)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.listenerMu.Lock()
			delete(m.listeners, ch)
			m.listenerMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) emit(e Event) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for ch := range m.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close hangs up all live attempts and cancels all subscriptions.
func (m *Manager) Close() {
	m.selfMu.Lock()
	atts := make([]*Attempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		atts = append(atts, a)
	}
	watches := m.watches
	m.watches = make(map[string]func())
	m.selfMu.Unlock()

	for _, a := range atts {
		if a.State() == StateRinging {
			a.decline()
		} else {
			a.hangUp()
		}
	}
	for _, cancel := range watches {
		cancel()
	}
}

func (m *Manager) attempt(conversationID string) (*Attempt, bool) {
	m.selfMu.RLock()
	att := m.attempts[conversationID]
	m.selfMu.RUnlock()
	return att, att != nil
}

func (m *Manager) removeAttempt(a *Attempt) {
	m.selfMu.Lock()
	if m.attempts[a.conversationID] == a {
		delete(m.attempts, a.conversationID)
	}
	m.selfMu.Unlock()
}
