// Package editor drives one open document: it snapshots the editing core and
// persists it on demand, on a timer and after typing pauses.
package editor

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rubyeditor/api/internal/document"
)

const DefaultAutosaveInterval = 30 * time.Second

// Actor is the signed-in user editing the document.
type Actor struct {
	UserID   string
	TenantID string
}

type SaveRequest struct {
	DocumentID   string
	TenantID     string
	UserID       string
	Content      document.Content
	BaseRevision int64
}

type SaveResult struct {
	SavedAt   time.Time
	Revision  int64
	Versioned bool
}

// Saver persists a snapshot. The server implementation is app.Service.
type Saver interface {
	Save(ctx context.Context, req SaveRequest) (SaveResult, error)
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, req SaveRequest) (SaveResult, error)

func (f SaverFunc) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	return f(ctx, req)
}

type Options struct {
	AutosaveInterval time.Duration
	// DebounceDelay > 0 saves once after content stops changing for that long.
	DebounceDelay time.Duration

	OnContentChanged func()
	OnMount          func()
	OnUnmount        func()
	OnSaved          func(SaveResult)
	OnSaveError      func(error)

	Logger *zap.Logger
}

type Session struct {
	documentID string
	core       document.Core
	saver      Saver
	opts       Options
	log        *zap.Logger

	// saving serializes manual, shortcut, debounced and timed saves.
	saving sync.Mutex
	// background counts debounced and shortcut saves; Unmount waits on it.
	background sync.WaitGroup

	mu        sync.Mutex
	actor     *Actor
	revision  int64
	lastSaved time.Time
	mounted   bool
	stop      context.CancelFunc
	done      chan struct{}
	debouncer *Debouncer
}

func NewSession(documentID string, core document.Core, saver Saver, opts Options) *Session {
	if opts.AutosaveInterval == 0 {
		opts.AutosaveInterval = DefaultAutosaveInterval
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		documentID: documentID,
		core:       core,
		saver:      saver,
		opts:       opts,
		log:        log.Named("editor").With(zap.String("document_id", documentID)),
	}
}

// SetActor sets or clears (nil) the signed-in user. Saves are no-ops without one.
func (s *Session) SetActor(actor *Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if actor == nil {
		s.actor = nil
		return
	}
	copied := *actor
	s.actor = &copied
}

// Open hydrates the core from stored content at revision.
func (s *Session) Open(content document.Content, revision int64) error {
	if err := s.core.Load(content); err != nil {
		return err
	}
	s.mu.Lock()
	s.revision = revision
	s.mu.Unlock()
	return nil
}

func (s *Session) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

func (s *Session) LastSaved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

func (s *Session) Mounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounted
}

// Save persists the current snapshot. It reports false without error when
// there is no core or actor. A call made while another save is in flight
// waits for it.
func (s *Session) Save(ctx context.Context) (SaveResult, bool, error) {
	s.saving.Lock()
	defer s.saving.Unlock()

	s.mu.Lock()
	actor := s.actor
	revision := s.revision
	s.mu.Unlock()
	if s.core == nil || actor == nil {
		return SaveResult{}, false, nil
	}

	content, err := s.core.Snapshot()
	if err != nil {
		s.failed(err)
		return SaveResult{}, false, err
	}
	result, err := s.saver.Save(ctx, SaveRequest{
		DocumentID:   s.documentID,
		TenantID:     actor.TenantID,
		UserID:       actor.UserID,
		Content:      content,
		BaseRevision: revision,
	})
	if err != nil {
		s.failed(err)
		return SaveResult{}, false, err
	}

	s.mu.Lock()
	s.revision = result.Revision
	s.lastSaved = result.SavedAt
	s.mu.Unlock()
	if s.opts.OnSaved != nil {
		s.opts.OnSaved(result)
	}
	return result, true, nil
}

func (s *Session) failed(err error) {
	s.log.Warn("save failed", zap.Error(err))
	if s.opts.OnSaveError != nil {
		s.opts.OnSaveError(err)
	}
}

// autosaveDue reports whether a timed save should run now.
func (s *Session) autosaveDue() bool {
	s.mu.Lock()
	mounted := s.mounted
	s.mu.Unlock()
	return mounted && s.core != nil && s.core.Editable() && !s.core.Empty()
}

// Mount starts autosave and, when configured, debounced saving. It is a
// no-op on an already mounted session.
func (s *Session) Mount(ctx context.Context) {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = true
	if s.opts.DebounceDelay > 0 {
		s.debouncer = NewDebouncer(s.opts.DebounceDelay, func() {
			if !s.track() {
				return
			}
			defer s.background.Done()
			if s.autosaveDue() {
				_, _, _ = s.Save(ctx)
			}
		})
	}
	s.mu.Unlock()

	s.StartAutosave(ctx)
	if s.opts.OnMount != nil {
		s.opts.OnMount()
	}
}

// StartAutosave runs a save every interval while the session is mounted and
// the core is editable and non-empty. Calling it again replaces the loop.
func (s *Session) StartAutosave(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.stop = cancel
	s.done = done
	interval := s.opts.AutosaveInterval
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if !s.autosaveDue() {
					continue
				}
				if _, _, err := s.Save(loopCtx); err != nil {
					s.log.Debug("autosave tick failed", zap.Error(err))
				}
			}
		}
	}()
}

// track registers a background save. It fails once the session is unmounted.
func (s *Session) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted {
		return false
	}
	s.background.Add(1)
	return true
}

// Unmount stops timers and waits for the autosave loop and any debounced or
// shortcut save already running. OnUnmount fires after the last write.
func (s *Session) Unmount() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	stop, done, debouncer := s.stop, s.done, s.debouncer
	s.stop, s.done, s.debouncer = nil, nil, nil
	s.mu.Unlock()

	if debouncer != nil {
		debouncer.Stop()
	}
	if stop != nil {
		stop()
		<-done
	}
	s.background.Wait()
	if s.opts.OnUnmount != nil {
		s.opts.OnUnmount()
	}
}

// ContentChanged is the core's change hook.
func (s *Session) ContentChanged() {
	s.mu.Lock()
	debouncer := s.debouncer
	s.mu.Unlock()
	if s.opts.OnContentChanged != nil {
		s.opts.OnContentChanged()
	}
	if debouncer != nil {
		debouncer.Trigger()
	}
}

// HandleKey intercepts the reserved save shortcut while mounted. The save
// runs in the background; the result arrives through OnSaved or OnSaveError.
func (s *Session) HandleKey(ctx context.Context, combo string) bool {
	if !isSaveShortcut(combo) || !s.track() {
		return false
	}
	go func() {
		defer s.background.Done()
		_, _, _ = s.Save(ctx)
	}()
	return true
}

func isSaveShortcut(combo string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(combo), "+", "-"))
	switch normalized {
	case "mod-s", "ctrl-s", "cmd-s", "meta-s":
		return true
	}
	return false
}
