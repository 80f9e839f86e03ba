package jobs

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var happyPath = []Stage{
	StageCreated, StageSTTPending, StageSTTDone, StageAgentRunning,
	StageTTSPending, StageTTSDone, StageDelivered,
}

func TestTransitionsAreMonotonic(t *testing.T) {
	rank := map[Stage]int{}
	for i, s := range happyPath {
		rank[s] = i
	}
	rank[StageSTTFailed] = rank[StageSTTDone]
	rank[StageTTSFailed] = rank[StageTTSDone]
	rank[StageErrored] = len(happyPath)

	for from, targets := range transitions {
		for _, to := range targets {
			if to != StageErrored && rank[to] <= rank[from] {
				t.Fatalf("transition %s -> %s goes backwards", from, to)
			}
		}
	}
	for _, terminal := range []Stage{StageDelivered, StageErrored} {
		for _, to := range append(happyPath, StageErrored) {
			if CanTransition(terminal, to) {
				t.Fatalf("CanTransition(%s, %s) = true, want false", terminal, to)
			}
		}
	}
}

func TestStageValid(t *testing.T) {
	assert.True(t, StageTTSFailed.Valid())
	assert.True(t, StageDelivered.Valid())
	assert.False(t, Stage("paused").Valid())
}

func TestJobSetOnceFields(t *testing.T) {
	var j Job
	require.NoError(t, j.SetTranscript("olá"))
	require.NoError(t, j.SetTranscript("olá"))
	assert.ErrorIs(t, j.SetTranscript("outra coisa"), ErrAlreadySet)

	require.NoError(t, j.SetReply("oi"))
	assert.ErrorIs(t, j.SetReply("tchau"), ErrAlreadySet)
}

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	id := uuid.NewString()

	_, err := store.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	job, err := store.Create(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StageCreated, job.Stage)

	_, err = store.Create(ctx, id)
	require.ErrorIs(t, err, ErrExists)

	for i := 1; i < len(happyPath); i++ {
		from, to := happyPath[i-1], happyPath[i]
		var mutate Mutation
		if to == StageSTTDone {
			mutate = func(j *Job) error { return j.SetTranscript("que horas são") }
		}
		job, err = store.Advance(ctx, id, from, to, mutate)
		require.NoError(t, err, "%s -> %s", from, to)
		assert.Equal(t, to, job.Stage)
	}
	assert.Equal(t, "que horas são", job.Transcript)

	_, err = store.Advance(ctx, id, StageTTSPending, StageTTSDone, nil)
	assert.ErrorIs(t, err, ErrStageConflict)
	_, err = store.Advance(ctx, id, StageDelivered, StageErrored, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StageDelivered, got.Stage)
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore(time.Minute))
}

func TestMemoryStoreFailedMutationKeepsStage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	_, err := store.Create(ctx, "j")
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = store.Advance(ctx, "j", StageCreated, StageSTTPending, func(*Job) error { return boom })
	require.ErrorIs(t, err, boom)

	job, err := store.Get(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StageCreated, job.Stage)
}

func TestMemoryStoreConcurrentAdvanceHasOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	_, err := store.Create(ctx, "j")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Advance(ctx, "j", StageCreated, StageSTTPending, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryStoreExpiresJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	_, err := store.Create(ctx, "old")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 0, store.Sweep())
}

func TestRedisStoreContract(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	store, err := NewRedisStore(context.Background(), addr, os.Getenv("REDIS_PASSWORD"), 0, time.Minute)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer store.Close()
	runStoreContract(t, store)
}

func TestNewStoreFromAddrFallsBackToMemory(t *testing.T) {
	store, err := NewStoreFromAddr(context.Background(), " ", "", 0, time.Minute)
	require.NoError(t, err)
	_, ok := store.(*MemoryStore)
	assert.True(t, ok)
}
