package mailbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op names a write operation for MemoryOption hooks.
type Op string

const (
	OpSetOffer     Op = "set-offer"
	OpSetAnswer    Op = "set-answer"
	OpAddCandidate Op = "add-candidate"
)

// WriteCounts is the number of successful writes per field for one call.
type WriteCounts struct {
	Offers     int
	Answers    int
	Candidates int
}

// MemoryOption configures the in-memory store's fault injection.
type MemoryOption func(*MemoryStore)

// WithDuplicateDelivery makes every watch delivery happen twice, the way a
// document store may report both an "added" and a "modified" event.
func WithDuplicateDelivery() MemoryOption {
	return func(m *MemoryStore) { m.duplicate = true }
}

// WithWatchDelay attaches record watchers only after d. A delayed watcher
// skips the initial snapshot and sees only changes made after it attached,
// like a listener that missed an earlier write.
func WithWatchDelay(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.watchDelay = d }
}

// WithWriteHook runs hook before every write; a non-nil error fails it.
func WithWriteHook(hook func(op Op, callID string) error) MemoryOption {
	return func(m *MemoryStore) { m.writeHook = hook }
}

type memoryCall struct {
	session    *CallSession
	candidates []CandidateRecord
	counts     WriteCounts

	// The value is the watcher's duplicate-delivery setting.
	watchers          map[*Feed[*CallSession]]bool
	candidateWatchers map[*Feed[CandidateRecord]]bool
}

type memoryData struct {
	mu    sync.Mutex
	calls map[string]*memoryCall
}

// MemoryStore keeps every call in process memory. Both peers of a call
// must share the same data, either the same handle or handles made by With.
type MemoryStore struct {
	*memoryData

	duplicate  bool
	watchDelay time.Duration
	writeHook  func(op Op, callID string) error
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{memoryData: &memoryData{calls: make(map[string]*memoryCall)}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// With returns a handle on the same data with its own fault options. It
// lets one peer see a misbehaving store while the other does not.
func (m *MemoryStore) With(opts ...MemoryOption) *MemoryStore {
	h := &MemoryStore{memoryData: m.memoryData}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Compile-time interface checks.
var (
	_ Store  = (*MemoryStore)(nil)
	_ Lister = (*MemoryStore)(nil)
)

// call returns the entry for id, creating it. Caller holds m.mu.
func (m *MemoryStore) call(id string) *memoryCall {
	c, ok := m.calls[id]
	if !ok {
		c = &memoryCall{
			watchers:          make(map[*Feed[*CallSession]]bool),
			candidateWatchers: make(map[*Feed[CandidateRecord]]bool),
		}
		m.calls[id] = c
	}
	return c
}

func (m *MemoryStore) Get(ctx context.Context, callID string) (*CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok || c.session == nil {
		return nil, ErrNotFound
	}
	return c.session.Clone(), nil
}

func (m *MemoryStore) SetOffer(ctx context.Context, callID string, d Description, generation int) error {
	return m.setDescription(ctx, OpSetOffer, callID, d, generation)
}

func (m *MemoryStore) SetAnswer(ctx context.Context, callID string, d Description, generation int) error {
	return m.setDescription(ctx, OpSetAnswer, callID, d, generation)
}

func (m *MemoryStore) setDescription(ctx context.Context, op Op, callID string, d Description, generation int) error {
	if err := m.beforeWrite(ctx, op, callID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.call(callID)
	if c.session == nil {
		c.session = &CallSession{CallID: callID}
	}
	desc := d
	now := time.Now()
	if op == OpSetOffer {
		c.session.Offer = &desc
		c.session.OfferCreatedAt = now
		c.session.OfferGeneration = generation
		c.counts.Offers++
	} else {
		c.session.Answer = &desc
		c.session.AnswerCreatedAt = now
		c.session.AnswerGeneration = generation
		c.counts.Answers++
	}

	for f, dup := range c.watchers {
		deliverSession(f, c.session, dup)
	}
	return nil
}

func deliverSession(f *Feed[*CallSession], s *CallSession, dup bool) {
	f.Push(s.Clone())
	if dup {
		f.Push(s.Clone())
	}
}

func (m *MemoryStore) Watch(ctx context.Context, callID string) (<-chan *CallSession, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f := NewFeed[*CallSession]()

	attach := func(snapshot bool) {
		m.mu.Lock()
		defer m.mu.Unlock()
		select {
		case <-f.Done():
			return
		default:
		}
		c := m.call(callID)
		c.watchers[f] = m.duplicate
		if snapshot && c.session != nil {
			deliverSession(f, c.session, m.duplicate)
		}
	}

	if m.watchDelay > 0 {
		timer := time.AfterFunc(m.watchDelay, func() { attach(false) })
		go func() {
			<-f.Done()
			timer.Stop()
		}()
	} else {
		attach(true)
	}

	cancel := func() {
		f.Close()
		m.mu.Lock()
		if c, ok := m.calls[callID]; ok {
			delete(c.watchers, f)
		}
		m.mu.Unlock()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-f.Done():
		}
	}()
	return f.C(), cancel, nil
}

func (m *MemoryStore) AddCandidate(ctx context.Context, callID string, rec CandidateRecord) error {
	if err := m.beforeWrite(ctx, OpAddCandidate, callID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.call(callID)
	if slices.ContainsFunc(c.candidates, func(r CandidateRecord) bool {
		return r.FromUser == rec.FromUser && r.Candidate == rec.Candidate
	}) {
		return ErrAlreadyExists
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Timestamp = time.Now()
	c.candidates = append(c.candidates, rec)
	c.counts.Candidates++

	for f, dup := range c.candidateWatchers {
		f.Push(rec)
		if dup {
			f.Push(rec)
		}
	}
	return nil
}

func (m *MemoryStore) HasCandidate(ctx context.Context, callID, fromUser, candidate string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return false, nil
	}
	return slices.ContainsFunc(c.candidates, func(r CandidateRecord) bool {
		return r.FromUser == fromUser && r.Candidate == candidate
	}), nil
}

func (m *MemoryStore) WatchCandidates(ctx context.Context, callID string) (<-chan CandidateRecord, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f := NewFeed[CandidateRecord]()

	m.mu.Lock()
	c := m.call(callID)
	c.candidateWatchers[f] = m.duplicate
	for _, rec := range c.candidates {
		f.Push(rec)
		if m.duplicate {
			f.Push(rec)
		}
	}
	m.mu.Unlock()

	cancel := func() {
		f.Close()
		m.mu.Lock()
		if c, ok := m.calls[callID]; ok {
			delete(c.candidateWatchers, f)
		}
		m.mu.Unlock()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-f.Done():
		}
	}()
	return f.C(), cancel, nil
}

func (m *MemoryStore) Delete(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil
	}
	for f := range c.watchers {
		f.Close()
	}
	for f := range c.candidateWatchers {
		f.Close()
	}
	delete(m.calls, callID)
	return nil
}

// Counts reports how many successful writes each field of callID received.
func (m *MemoryStore) Counts(callID string) WriteCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.calls[callID]; ok {
		return c.counts
	}
	return WriteCounts{}
}

// Candidates returns a copy of every candidate record stored for callID.
func (m *MemoryStore) Candidates(callID string) []CandidateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.calls[callID]; ok {
		return slices.Clone(c.candidates)
	}
	return nil
}

func (m *MemoryStore) ListCandidates(ctx context.Context, callID string) ([]CandidateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Candidates(callID), nil
}

func (m *MemoryStore) beforeWrite(ctx context.Context, op Op, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.writeHook != nil {
		return m.writeHook(op, callID)
	}
	return nil
}
