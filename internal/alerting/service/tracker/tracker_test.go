package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingArchive struct {
	mu     sync.Mutex
	stored []Invocation
}

func (a *recordingArchive) Store(_ context.Context, inv Invocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stored = append(a.stored, inv)
	return nil
}

func newTestTracker(opts Options) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts.now = clock.Now
	return New(opts), clock
}

func TestRecordAndGet(t *testing.T) {
	tr, clock := newTestTracker(Options{})
	require.NoError(t, tr.Record(Invocation{ID: "a", AlertName: "TestAlert"}))

	got, ok := tr.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, clock.Now(), got.StartedAt)
	assert.Nil(t, got.EndedAt)

	err := tr.Record(Invocation{ID: "a"})
	assert.True(t, errors.Is(err, ErrDuplicate))

	_, ok = tr.Get("missing")
	assert.False(t, ok)
}

func TestUpdate_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		steps []Status
		fails int // index of the first step expected to fail, -1 if none
	}{
		{name: "full path", steps: []Status{StatusRunning, StatusSucceeded}, fails: -1},
		{name: "skip running", steps: []Status{StatusFailed}, fails: -1},
		{name: "repeat running", steps: []Status{StatusRunning, StatusRunning, StatusTimedOut}, fails: -1},
		{name: "back to pending", steps: []Status{StatusRunning, StatusPending}, fails: 1},
		{name: "out of succeeded", steps: []Status{StatusSucceeded, StatusRunning}, fails: 1},
		{name: "terminal to terminal", steps: []Status{StatusTimedOut, StatusFailed}, fails: 1},
		{name: "same terminal twice", steps: []Status{StatusFailed, StatusFailed}, fails: 1},
		{name: "unknown", steps: []Status{"Exploded"}, fails: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(Options{})
			require.NoError(t, tr.Record(Invocation{ID: "x"}))
			for i, s := range tt.steps {
				err := tr.Update("x", s, nil)
				if i == tt.fails {
					require.Error(t, err)
					assert.True(t, errors.Is(err, ErrInvalidTransition))
					return
				}
				require.NoError(t, err)
			}
		})
	}
}

func TestUpdate_TerminalIsAbsorbing(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusTimedOut}
	all := []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusTimedOut}
	for _, from := range terminal {
		for _, to := range all {
			tr, _ := newTestTracker(Options{})
			require.NoError(t, tr.Record(Invocation{ID: "x"}))
			require.NoError(t, tr.Update("x", from, nil))
			err := tr.Update("x", to, nil)
			assert.True(t, errors.Is(err, ErrInvalidTransition), "%s -> %s", from, to)
			got, _ := tr.Get("x")
			assert.Equal(t, from, got.Status)
		}
	}
}

func TestUpdate_SetsEndAndError(t *testing.T) {
	tr, clock := newTestTracker(Options{})
	require.NoError(t, tr.Record(Invocation{ID: "x"}))
	clock.Advance(3 * time.Second)
	require.NoError(t, tr.Update("x", StatusRunning, nil))
	got, _ := tr.Get("x")
	assert.Nil(t, got.EndedAt)

	clock.Advance(2 * time.Second)
	require.NoError(t, tr.Update("x", StatusFailed, fmt.Errorf("boom")))
	got, _ = tr.Get("x")
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, 5*time.Second, got.Duration())
	assert.Equal(t, "boom", got.Error)

	err := tr.Update("nope", StatusRunning, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGet_ReturnsCopy(t *testing.T) {
	tr, _ := newTestTracker(Options{})
	require.NoError(t, tr.Record(Invocation{ID: "x"}))
	require.NoError(t, tr.Update("x", StatusSucceeded, nil))

	got, _ := tr.Get("x")
	*got.EndedAt = time.Time{}
	got.Status = StatusPending

	again, _ := tr.Get("x")
	assert.Equal(t, StatusSucceeded, again.Status)
	assert.False(t, again.EndedAt.IsZero())
}

func TestArchive_OncePerTerminal(t *testing.T) {
	arch := &recordingArchive{}
	tr, _ := newTestTracker(Options{Archive: arch})
	require.NoError(t, tr.Record(Invocation{ID: "x"}))
	require.NoError(t, tr.Update("x", StatusRunning, nil))
	require.NoError(t, tr.Update("x", StatusSucceeded, nil))
	_ = tr.Update("x", StatusFailed, nil)

	require.Len(t, arch.stored, 1)
	assert.Equal(t, StatusSucceeded, arch.stored[0].Status)
	assert.NotNil(t, arch.stored[0].EndedAt)
}

func TestArchive_DetachedOnRecord(t *testing.T) {
	arch := &recordingArchive{}
	tr, _ := newTestTracker(Options{Archive: arch, Capacity: 1})
	require.NoError(t, tr.Record(Invocation{ID: "fire-and-forget", Detached: true}))
	require.NoError(t, tr.Record(Invocation{ID: "next", Detached: true}))

	// the first one is gone from memory but the audit trail still has it
	_, ok := tr.Get("fire-and-forget")
	assert.False(t, ok)
	require.Len(t, arch.stored, 2)
	assert.Equal(t, "fire-and-forget", arch.stored[0].ID)
	assert.Equal(t, StatusPending, arch.stored[0].Status)
	assert.True(t, arch.stored[0].Detached)
	assert.Nil(t, arch.stored[0].EndedAt)
}

func TestRetention_Capacity(t *testing.T) {
	tr, clock := newTestTracker(Options{Capacity: 3})

	// in flight, waited: never evicted
	require.NoError(t, tr.Record(Invocation{ID: "inflight"}))
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		id := fmt.Sprintf("done-%d", i)
		require.NoError(t, tr.Record(Invocation{ID: id}))
		require.NoError(t, tr.Update(id, StatusSucceeded, nil))
	}
	clock.Advance(time.Second)
	require.NoError(t, tr.Record(Invocation{ID: "detached", Detached: true}))

	assert.Equal(t, 3, tr.Len())
	_, ok := tr.Get("inflight")
	assert.True(t, ok)
	_, ok = tr.Get("detached")
	assert.True(t, ok)
	_, ok = tr.Get("done-4")
	assert.True(t, ok)
	_, ok = tr.Get("done-0")
	assert.False(t, ok)
}

func TestRetention_CapacityNeverDropsInFlight(t *testing.T) {
	tr, _ := newTestTracker(Options{Capacity: 2})
	for i := 0; i < 4; i++ {
		require.NoError(t, tr.Record(Invocation{ID: fmt.Sprintf("w-%d", i)}))
	}
	assert.Equal(t, 4, tr.Len())
}

func TestRetention_MaxAge(t *testing.T) {
	tr, clock := newTestTracker(Options{MaxAge: time.Minute})
	require.NoError(t, tr.Record(Invocation{ID: "old"}))
	require.NoError(t, tr.Update("old", StatusFailed, nil))
	require.NoError(t, tr.Record(Invocation{ID: "old-inflight"}))

	clock.Advance(2 * time.Minute)
	tr.Sweep()

	_, ok := tr.Get("old")
	assert.False(t, ok)
	_, ok = tr.Get("old-inflight")
	assert.True(t, ok)
}

func TestList_NewestFirst(t *testing.T) {
	tr, clock := newTestTracker(Options{})
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		require.NoError(t, tr.Record(Invocation{ID: fmt.Sprintf("i%d", i)}))
	}
	got := tr.List(2)
	require.Len(t, got, 2)
	assert.Equal(t, "i3", got[0].ID)
	assert.Equal(t, "i2", got[1].ID)
	assert.Len(t, tr.List(0), 4)
}

func TestConcurrentUpdates(t *testing.T) {
	tr, _ := newTestTracker(Options{Capacity: 50})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c-%d", i)
			if err := tr.Record(Invocation{ID: id}); err != nil {
				t.Error(err)
				return
			}
			_ = tr.Update(id, StatusRunning, nil)
			_ = tr.Update(id, StatusSucceeded, nil)
			if inv, ok := tr.Get(id); ok {
				// status and end time are published together
				if inv.Status.Terminal() != (inv.EndedAt != nil) {
					t.Errorf("half transitioned invocation %+v", inv)
				}
			}
			_ = tr.List(10)
		}(i)
	}
	wg.Wait()
	tr.Sweep()
	assert.LessOrEqual(t, tr.Len(), 50)
}

// loadingArchive can also read back what it stored.
type loadingArchive struct {
	recordingArchive
	err error
}

func (a *loadingArchive) Load(_ context.Context, id string) (Invocation, bool, error) {
	if a.err != nil {
		return Invocation{}, false, a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, inv := range a.stored {
		if inv.ID == id {
			return inv, true, nil
		}
	}
	return Invocation{}, false, nil
}

func TestArchives_FanOutAndLoad(t *testing.T) {
	broken := &loadingArchive{err: errors.New("connection refused")}
	plain := &recordingArchive{}
	good := &loadingArchive{}
	as := Archives{broken, plain, good}

	inv := Invocation{ID: "x", AlertName: "TestAlert", Status: StatusSucceeded}
	require.NoError(t, as.Store(context.Background(), inv))
	assert.Len(t, plain.stored, 1)

	got, ok, err := as.Load(context.Background(), "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "TestAlert", got.AlertName)

	_, ok, err = as.Load(context.Background(), "missing")
	assert.False(t, ok)
	assert.Error(t, err)
}
