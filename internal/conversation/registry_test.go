package conversation

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/recall/pkg/types"
)

func TestRegistry_AcquireSerializesTurns(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	conv, release, err := r.Acquire("c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID())

	_, _, err = r.Acquire("c1", "u1")
	assert.ErrorIs(t, err, ErrConversationBusy)

	release()
	release() // idempotent

	_, release2, err := r.Acquire("c1", "u1")
	require.NoError(t, err)
	release2()
}

func TestRegistry_OwnerIsEnforced(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	_, release, err := r.Acquire("c1", "alice")
	require.NoError(t, err)
	release()

	_, _, err = r.Acquire("c1", "mallory")
	assert.ErrorIs(t, err, ErrConversationOwner)
	_, err = r.Open("c1", "mallory")
	assert.ErrorIs(t, err, ErrConversationOwner)
}

func TestRegistry_ConcurrentAcquireAdmitsOne(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	var admitted, busy atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	var mu sync.Mutex
	var releases []func()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, release, err := r.Acquire("c1", "u1")
			if err != nil {
				busy.Add(1)
				return
			}
			admitted.Add(1)
			mu.Lock()
			releases = append(releases, release)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(19), busy.Load())
	for _, rel := range releases {
		rel()
	}
}

func TestRegistry_SweepDropsIdleConversations(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := NewRegistry(RegistryConfig{IdleTimeout: time.Minute, Now: clock})

	_, err := r.Open("idle", "u1")
	require.NoError(t, err)

	busyConv, release, err := r.Acquire("busy", "u1")
	require.NoError(t, err)
	require.NoError(t, busyConv.Submit(&types.Turn{ID: "t1", Status: types.TurnPending}))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, r.Sweep(now))
	_, ok := r.Get("idle")
	assert.False(t, ok)
	_, ok = r.Get("busy")
	assert.True(t, ok, "a claimed conversation survives the sweep")

	release()
	// Still thinking: the turn was abandoned without completing.
	assert.Equal(t, 0, r.Sweep(now.Add(time.Hour)))
	busyConv.StartFresh()
	assert.Equal(t, 1, r.Sweep(now.Add(time.Hour)))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CustomBankAndHook(t *testing.T) {
	var changes atomic.Int32
	r := NewRegistry(RegistryConfig{
		QuestionBank:  []string{"Only question?"},
		OnStateChange: func(string, State, State) { changes.Add(1) },
	})
	conv, release, err := r.Acquire("c1", "u1")
	require.NoError(t, err)
	defer release()

	t1 := &types.Turn{ID: "t1", Status: types.TurnPending}
	require.NoError(t, conv.Submit(t1))
	q, err := conv.AskFollowUp(t1, "", Note{})
	require.NoError(t, err)
	assert.Equal(t, "Only question?", q)

	t2 := &types.Turn{ID: "t2", Status: types.TurnPending}
	require.NoError(t, conv.Submit(t2))
	q, err = conv.AskFollowUp(t2, "", Note{})
	require.NoError(t, err)
	assert.Equal(t, "Only question? (2)", q)
	assert.Equal(t, int32(4), changes.Load())
}
