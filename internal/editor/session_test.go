package editor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rubyeditor/api/internal/document"
)

type recordingSaver struct {
	mu       sync.Mutex
	requests []SaveRequest
	inFlight int32
	maxSeen  int32
	hold     chan struct{}
	fail     error
}

func (r *recordingSaver) Save(_ context.Context, req SaveRequest) (SaveResult, error) {
	n := atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&r.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&r.maxSeen, seen, n) {
			break
		}
	}
	if r.hold != nil {
		<-r.hold
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return SaveResult{}, r.fail
	}
	r.requests = append(r.requests, req)
	return SaveResult{SavedAt: time.Now(), Revision: req.BaseRevision + 1}, nil
}

func (r *recordingSaver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func newSession(t *testing.T, saver Saver, opts Options) (*Session, *document.Tree) {
	t.Helper()
	tree := document.NewTree()
	s := NewSession("doc-1", tree, saver, opts)
	s.SetActor(&Actor{UserID: "u1", TenantID: "t1"})
	t.Cleanup(s.Unmount)
	return s, tree
}

func TestSaveWithoutActorIsNoop(t *testing.T) {
	saver := &recordingSaver{}
	s := NewSession("doc-1", document.NewTree(), saver, Options{})
	_, saved, err := s.Save(context.Background())
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Zero(t, saver.count())
}

func TestSaveTracksRevisionAndLastSaved(t *testing.T) {
	saver := &recordingSaver{}
	s, tree := newSession(t, saver, Options{})
	require.NoError(t, s.Open(document.Content(`{"type":"doc","content":[]}`), 4))
	require.NoError(t, tree.AppendParagraph("hello"))

	result, saved, err := s.Save(context.Background())
	require.NoError(t, err)
	require.True(t, saved)
	assert.EqualValues(t, 5, result.Revision)
	assert.EqualValues(t, 5, s.Revision())
	assert.False(t, s.LastSaved().IsZero())

	req := saver.requests[0]
	assert.Equal(t, "t1", req.TenantID)
	assert.Equal(t, "u1", req.UserID)
	assert.EqualValues(t, 4, req.BaseRevision)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hello"}]}]}`, string(req.Content))
}

func TestFailedSaveKeepsContentAndRevision(t *testing.T) {
	saver := &recordingSaver{fail: errors.New("network down")}
	var reported error
	s, tree := newSession(t, saver, Options{OnSaveError: func(err error) { reported = err }})
	require.NoError(t, tree.AppendParagraph("draft"))

	_, saved, err := s.Save(context.Background())
	require.Error(t, err)
	assert.False(t, saved)
	assert.Equal(t, err, reported)
	assert.Zero(t, s.Revision())
	assert.False(t, tree.Empty(), "in-memory content must survive a failed save")
}

func TestConcurrentSavesAreSerialized(t *testing.T) {
	saver := &recordingSaver{hold: make(chan struct{})}
	s, tree := newSession(t, saver, Options{})
	require.NoError(t, tree.AppendParagraph("x"))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.Save(context.Background())
		}()
	}
	for i := 0; i < 3; i++ {
		saver.hold <- struct{}{}
	}
	wg.Wait()

	assert.Equal(t, 3, saver.count())
	assert.EqualValues(t, 1, atomic.LoadInt32(&saver.maxSeen))
	assert.EqualValues(t, 3, s.Revision(), "each save builds on the previous revision")
}

func TestAutosaveRunsOnlyWhenEditableAndNonEmpty(t *testing.T) {
	saver := &recordingSaver{}
	s, tree := newSession(t, saver, Options{AutosaveInterval: 10 * time.Millisecond})
	s.Mount(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, saver.count(), "empty document must not autosave")

	require.NoError(t, tree.AppendParagraph("typing"))
	require.Eventually(t, func() bool { return saver.count() > 0 }, time.Second, 5*time.Millisecond)

	tree.SetEditable(false)
	time.Sleep(20 * time.Millisecond)
	before := saver.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, saver.count(), "read-only document must not autosave")
}

func TestUnmountStopsAutosaveAndFiresCallbacks(t *testing.T) {
	saver := &recordingSaver{}
	var mounted, unmounted int
	s, tree := newSession(t, saver, Options{
		AutosaveInterval: 10 * time.Millisecond,
		OnMount:          func() { mounted++ },
		OnUnmount:        func() { unmounted++ },
	})
	require.NoError(t, tree.AppendParagraph("x"))
	s.Mount(context.Background())
	require.Eventually(t, func() bool { return saver.count() > 0 }, time.Second, 5*time.Millisecond)

	s.Unmount()
	after := saver.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, saver.count())
	assert.Equal(t, 1, mounted)
	assert.Equal(t, 1, unmounted)

	s.Unmount()
	assert.Equal(t, 1, unmounted, "second unmount is a no-op")
}

func TestUnmountWaitsForRunningDebouncedSave(t *testing.T) {
	saver := &recordingSaver{hold: make(chan struct{})}
	var mu sync.Mutex
	var events []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, name)
	}
	s, tree := newSession(t, saver, Options{
		AutosaveInterval: time.Hour,
		DebounceDelay:    5 * time.Millisecond,
		OnSaved:          func(SaveResult) { record("saved") },
		OnUnmount:        func() { record("unmounted") },
	})
	tree.OnChange(s.ContentChanged)
	s.Mount(context.Background())
	require.NoError(t, tree.AppendParagraph("draft"))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&saver.inFlight) == 1 }, time.Second, time.Millisecond)

	unmounted := make(chan struct{})
	go func() {
		s.Unmount()
		close(unmounted)
	}()
	select {
	case <-unmounted:
		t.Fatal("Unmount returned while a save was still writing")
	case <-time.After(30 * time.Millisecond):
	}

	close(saver.hold)
	select {
	case <-unmounted:
	case <-time.After(time.Second):
		t.Fatal("Unmount did not return after the save finished")
	}
	assert.Equal(t, 1, saver.count())
	mu.Lock()
	assert.Equal(t, []string{"saved", "unmounted"}, events)
	mu.Unlock()

	assert.False(t, s.HandleKey(context.Background(), "Mod-s"))
	require.NoError(t, tree.AppendParagraph("late"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, saver.count(), "no writes after teardown")
}

func TestDebouncedSaveCoalescesBursts(t *testing.T) {
	saver := &recordingSaver{}
	var changes int32
	s, tree := newSession(t, saver, Options{
		AutosaveInterval: time.Hour,
		DebounceDelay:    30 * time.Millisecond,
		OnContentChanged: func() { atomic.AddInt32(&changes, 1) },
	})
	tree.OnChange(s.ContentChanged)
	s.Mount(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, tree.AppendParagraph("word"))
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return saver.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, saver.count())
	assert.EqualValues(t, 5, atomic.LoadInt32(&changes))
}

func TestHandleKeyTriggersSave(t *testing.T) {
	saver := &recordingSaver{}
	saved := make(chan SaveResult, 1)
	s, tree := newSession(t, saver, Options{AutosaveInterval: time.Hour, OnSaved: func(r SaveResult) { saved <- r }})
	require.NoError(t, tree.AppendParagraph("x"))

	assert.False(t, s.HandleKey(context.Background(), "Mod-s"), "shortcut is only live while mounted")
	s.Mount(context.Background())
	assert.False(t, s.HandleKey(context.Background(), "Mod-b"))
	assert.True(t, s.HandleKey(context.Background(), "Mod-s"))

	select {
	case <-saved:
	case <-time.After(time.Second):
		t.Fatal("shortcut did not save")
	}
}

func TestDebouncerStop(t *testing.T) {
	var fired int32
	d := NewDebouncer(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	d.Trigger()
	assert.True(t, d.Pending())
	d.Stop()
	d.Trigger()
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))
	assert.False(t, d.Pending())
}
