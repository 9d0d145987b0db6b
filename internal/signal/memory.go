package signal

import "sync"

// Memory is an in-process Channel. Both endpoints of a test share one
// instance; production uses PubSub instead.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	has     map[string]bool
	subs    map[string]map[int]func(Record)
	nextSub int
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		has:     make(map[string]bool),
		subs:    make(map[string]map[int]func(Record)),
	}
}

func (m *Memory) Read(conversationID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.has[conversationID] {
		return Record{}, false
	}
	return m.records[conversationID].Clone(), true
}

func (m *Memory) Write(conversationID string, rec Record) {
	m.mu.Lock()
	m.records[conversationID] = rec.Clone()
	m.has[conversationID] = true
	snapshot, fns := m.records[conversationID].Clone(), m.listeners(conversationID)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot.Clone())
	}
}

func (m *Memory) Merge(conversationID string, p Patch) {
	m.mu.Lock()
	m.records[conversationID] = m.records[conversationID].Apply(p)
	m.has[conversationID] = true
	snapshot, fns := m.records[conversationID].Clone(), m.listeners(conversationID)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot.Clone())
	}
}

func (m *Memory) Subscribe(conversationID string, fn func(Record)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.subs[conversationID] == nil {
		m.subs[conversationID] = make(map[int]func(Record))
	}
	m.subs[conversationID][id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs[conversationID], id)
		m.mu.Unlock()
	}
}

// Redeliver pushes the current record to all subscribers again. Tests use it
// to simulate the at-least-once duplicate notifications the production
// channel can produce.
func (m *Memory) Redeliver(conversationID string) {
	m.mu.Lock()
	if !m.has[conversationID] {
		m.mu.Unlock()
		return
	}
	snapshot, fns := m.records[conversationID].Clone(), m.listeners(conversationID)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot.Clone())
	}
}

// listeners must be called with mu held.
func (m *Memory) listeners(conversationID string) []func(Record) {
	fns := make([]func(Record), 0, len(m.subs[conversationID]))
	for _, fn := range m.subs[conversationID] {
		fns = append(fns, fn)
	}
	return fns
}
