package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/authority"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

func journalAt(now time.Time) *TransitionJournal {
	return NewTransitionJournal(WithJournalClock(func() time.Time { return now }))
}

func TestTransitionJournal_AppendChains(t *testing.T) {
	j := journalAt(t0)
	p, r, _ := fixtures(t)

	first, err := j.Append(TransitionFrom(p, "", "system", ""))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, "genesis", first.PreviousHash)
	assert.Equal(t, manifest.StateAuthoritative, first.Transition.To)

	second, err := j.Append(TransitionFrom(r, manifest.StateNonAuthoritative, "", ""))
	require.NoError(t, err)
	assert.Equal(t, first.EntryHash, second.PreviousHash)
	assert.Equal(t, second.EntryHash, j.ChainHead())
	assert.Equal(t, 2, j.Size())
	assert.NoError(t, j.VerifyChain())
}

func TestTransitionJournal_HistoryAndQuery(t *testing.T) {
	j := journalAt(t0)
	p, r, _ := fixtures(t)

	_, err := j.Append(TransitionFrom(p, "", "system", ""))
	require.NoError(t, err)
	_, err = j.Append(TransitionFrom(r, manifest.StateNonAuthoritative, "", ""))
	require.NoError(t, err)
	promoted, err := authority.PromoteToAuthoritative(r, "alice", t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = j.Append(TransitionFrom(promoted, manifest.StatePendingMerge, "alice", ""))
	require.NoError(t, err)

	history := j.History(r.JobID)
	require.Len(t, history, 2)
	assert.Equal(t, manifest.StatePendingMerge, history[0].Transition.To)
	assert.Equal(t, manifest.StateAuthoritative, history[1].Transition.To)
	assert.Equal(t, "alice", history[1].Transition.Actor)
	assert.Empty(t, j.History("J2"))

	assert.Len(t, j.Query(JournalFilter{RootJobID: "J1"}), 3)
	assert.Len(t, j.Query(JournalFilter{To: manifest.StateAuthoritative}), 2)
	assert.Len(t, j.Query(JournalFilter{RootJobID: "J1", MaxResults: 1}), 1)
	assert.Empty(t, j.Query(JournalFilter{Since: t0.Add(time.Minute)}))
}

func TestTransitionJournal_DetectsTampering(t *testing.T) {
	j := journalAt(t0)
	p, r, _ := fixtures(t)
	_, err := j.Append(TransitionFrom(p, "", "system", ""))
	require.NoError(t, err)
	_, err = j.Append(TransitionFrom(r, manifest.StateNonAuthoritative, "", ""))
	require.NoError(t, err)

	j.entries[1].Transition.Actor = "mallory"
	err = j.VerifyChain()
	assert.True(t, errors.Is(err, ErrChainBroken), "got %v", err)

	j.entries[1].Transition.Actor = ""
	require.NoError(t, j.VerifyChain())
	j.entries[1].PreviousHash = "genesis"
	assert.True(t, errors.Is(j.VerifyChain(), ErrChainBroken))
}

func TestTransitionJournal_RejectsIncompleteTransition(t *testing.T) {
	j := journalAt(t0)
	_, err := j.Append(Transition{JobID: "J1"})
	assert.Error(t, err)
	assert.Equal(t, 0, j.Size())
}

func TestTransitionJournal_HandlersAndConcurrency(t *testing.T) {
	j := journalAt(t0)
	p, _, _ := fixtures(t)

	var (
		mu   sync.Mutex
		seen []uint64
	)
	j.AddHandler(func(e JournalEntry) {
		mu.Lock()
		seen = append(seen, e.Sequence)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := j.Append(TransitionFrom(p, "", "system", ""))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, j.Size())
	assert.Len(t, seen, 20)
	assert.NoError(t, j.VerifyChain())
}
