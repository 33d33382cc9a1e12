package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/canonicalize"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

// ErrChainBroken reports a journal whose entries no longer link or hash correctly.
var ErrChainBroken = errors.New("journal hash chain is broken")

const genesisHash = "genesis"

// Transition is one authority state change of a manifest.
type Transition struct {
	JobID      string                  `json:"job_id"`
	RootJobID  string                  `json:"root_job_id"`
	Identity   manifest.JobIdentity    `json:"job_identity"`
	From       manifest.AuthorityState `json:"from,omitempty"`
	To         manifest.AuthorityState `json:"to"`
	Actor      string                  `json:"actor,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	TotalHash  string                  `json:"total_hash"`
	OccurredAt time.Time               `json:"occurred_at"`
}

// TransitionFrom describes the move of m from one state to its current one. From is
// empty for a manifest that was just written.
func TransitionFrom(m *manifest.CompositeManifest, from manifest.AuthorityState, actor, reason string) Transition {
	return Transition{
		JobID:      m.JobID,
		RootJobID:  m.TruthAnchor.RootJobID,
		Identity:   m.JobIdentity,
		From:       from,
		To:         m.Authority.State,
		Actor:      actor,
		Reason:     reason,
		TotalHash:  m.Checksum.TotalHash,
		OccurredAt: m.UpdatedAt,
	}
}

// JournalEntry is an immutable, chained record of a Transition.
type JournalEntry struct {
	EntryID      string     `json:"entry_id"`
	Sequence     uint64     `json:"sequence"`
	RecordedAt   time.Time  `json:"recorded_at"`
	Transition   Transition `json:"transition"`
	PreviousHash string     `json:"previous_hash"`
	EntryHash    string     `json:"entry_hash"`
}

// JournalHandler is called for every appended entry, under no lock.
type JournalHandler func(entry JournalEntry)

// TransitionJournal is an append-only, hash-chained log of authority transitions.
// Manifests only carry their latest authority block; the journal keeps the path.
type TransitionJournal struct {
	mu        sync.RWMutex
	entries   []JournalEntry
	byJob     map[string][]int
	chainHead string
	clock     func() time.Time
	handlers  []JournalHandler
}

type JournalOption func(*TransitionJournal)

func WithJournalClock(clock func() time.Time) JournalOption {
	return func(j *TransitionJournal) { j.clock = clock }
}

func NewTransitionJournal(opts ...JournalOption) *TransitionJournal {
	j := &TransitionJournal{
		byJob:     make(map[string][]int),
		chainHead: genesisHash,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Append records t at the head of the chain.
func (j *TransitionJournal) Append(t Transition) (JournalEntry, error) {
	if t.JobID == "" || t.To == "" {
		return JournalEntry{}, fmt.Errorf("journal: transition needs job_id and to")
	}

	j.mu.Lock()
	entry := JournalEntry{
		EntryID:      uuid.NewString(),
		Sequence:     uint64(len(j.entries)) + 1,
		RecordedAt:   j.clock().UTC(),
		Transition:   t,
		PreviousHash: j.chainHead,
	}
	hash, err := entryHash(entry)
	if err != nil {
		j.mu.Unlock()
		return JournalEntry{}, fmt.Errorf("journal: hash entry: %w", err)
	}
	entry.EntryHash = hash
	j.chainHead = hash
	j.byJob[t.JobID] = append(j.byJob[t.JobID], len(j.entries))
	j.entries = append(j.entries, entry)
	handlers := append([]JournalHandler(nil), j.handlers...)
	j.mu.Unlock()

	for _, h := range handlers {
		h(entry)
	}
	return entry, nil
}

func entryHash(e JournalEntry) (string, error) {
	return canonicalize.Digest(struct {
		Sequence     uint64     `json:"sequence"`
		RecordedAt   time.Time  `json:"recorded_at"`
		Transition   Transition `json:"transition"`
		PreviousHash string     `json:"previous_hash"`
	}{e.Sequence, e.RecordedAt, e.Transition, e.PreviousHash})
}

// History returns the transitions of one job, oldest first.
func (j *TransitionJournal) History(jobID string) []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	idx := j.byJob[jobID]
	out := make([]JournalEntry, 0, len(idx))
	for _, i := range idx {
		out = append(out, j.entries[i])
	}
	return out
}

// JournalFilter selects entries. Zero fields match everything.
type JournalFilter struct {
	RootJobID  string
	To         manifest.AuthorityState
	Since      time.Time
	MaxResults int
}

func (f JournalFilter) matches(e JournalEntry) bool {
	if f.RootJobID != "" && e.Transition.RootJobID != f.RootJobID {
		return false
	}
	if f.To != "" && e.Transition.To != f.To {
		return false
	}
	if !f.Since.IsZero() && e.RecordedAt.Before(f.Since) {
		return false
	}
	return true
}

func (j *TransitionJournal) Query(f JournalFilter) []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]JournalEntry, 0)
	for _, e := range j.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.MaxResults > 0 && len(out) >= f.MaxResults {
			break
		}
	}
	return out
}

// VerifyChain recomputes every entry hash and link from genesis.
func (j *TransitionJournal) VerifyChain() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	prev := genesisHash
	for _, e := range j.entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, expected %s", ErrChainBroken, e.Sequence, e.PreviousHash, prev)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, e.Sequence, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		prev = e.EntryHash
	}
	return nil
}

func (j *TransitionJournal) AddHandler(h JournalHandler) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.handlers = append(j.handlers, h)
}

func (j *TransitionJournal) ChainHead() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.chainHead
}

func (j *TransitionJournal) Size() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}
