// Package session turns synchronous point-cloud engine operations into
// cancellable asynchronous tasks. A Session owns one engine context
// and a registry of in-flight read commands; all engine work runs on a
// shared dispatcher pool and completion callbacks are serialized onto
// a single goroutine.
package session

import (
	"sync"

	"github.com/lidarhub/pointserve/internal/engine"
	"github.com/lidarhub/pointserve/internal/monitoring"
)

// Session wraps one engine processing context. The context is either
// absent or initialized; no read or query succeeds while absent. All
// mutating engine operations are dispatched off the calling goroutine.
type Session struct {
	dispatcher *Dispatcher
	registry   *commandRegistry

	mu    sync.RWMutex
	eng   engine.Engine
	ready bool

	// inFlight counts dispatched read tasks so Destroy can wait for
	// them to drain before the engine handle goes away.
	inFlight sync.WaitGroup
}

// New creates a session around an engine context. The context is not
// initialized until Create or Parse completes.
func New(eng engine.Engine, d *Dispatcher) *Session {
	return &Session{
		dispatcher: d,
		registry:   newCommandRegistry(),
		eng:        eng,
	}
}

// engineHandle snapshots the engine for queries, reads, and
// serialization. It fails with NotInitialized until Create's
// completion marks the session ready, and again after release, so a
// session mid-initialize never exposes the engine's zero values.
func (s *Session) engineHandle() (engine.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.eng == nil || !s.ready {
		return nil, ErrNotInitialized
	}
	return s.eng, nil
}

// initHandle snapshots the engine for the initialize work itself,
// which runs before the session is ready.
func (s *Session) initHandle() (engine.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.eng == nil {
		return nil, ErrNotInitialized
	}
	return s.eng, nil
}

func (s *Session) markReady() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
}

func (s *Session) release() {
	s.mu.Lock()
	s.eng = nil
	s.ready = false
	s.mu.Unlock()
}

// Create builds and executes the pipeline asynchronously; cb receives
// nil on success. The calling goroutine never blocks on engine work,
// and queries keep reporting NotInitialized until cb has fired.
func (s *Session) Create(pipeline string, auxPaths []string, cb func(error)) error {
	return s.dispatcher.Submit(func() error {
		eng, err := s.initHandle()
		if err != nil {
			return err
		}
		if err := eng.Initialize(pipeline, auxPaths, true); err != nil {
			return errOf(KindEngineFailure, "%s", err.Error())
		}
		return nil
	}, func(err error) {
		if err == nil {
			s.markReady()
		}
		if cb != nil {
			cb(err)
		}
	})
}

// Parse builds the pipeline without executing it, to validate or
// introspect a definition. The engine context is released before cb
// fires: a parse-only session cannot serve reads afterwards.
func (s *Session) Parse(pipeline string, auxPaths []string, cb func(error)) error {
	return s.dispatcher.Submit(func() error {
		eng, err := s.initHandle()
		if err != nil {
			return err
		}
		if err := eng.Initialize(pipeline, auxPaths, false); err != nil {
			return errOf(KindEngineFailure, "%s", err.Error())
		}
		return nil
	}, func(err error) {
		s.release()
		if cb != nil {
			cb(err)
		}
	})
}

// Destroy cancels every in-flight read, waits for their tasks to
// drain, and releases the engine context. Cancelled reads never invoke
// their callbacks. Idempotent and safe on an already-released session.
func (s *Session) Destroy() {
	if n := s.registry.cancelAll(); n > 0 {
		monitoring.Logf("[Session] destroy cancelled %d in-flight reads", n)
	}
	s.inFlight.Wait()
	s.release()
}

// NumPoints returns the point count of the executed pipeline.
func (s *Session) NumPoints() (int64, error) {
	eng, err := s.engineHandle()
	if err != nil {
		return 0, err
	}
	return eng.NumPoints(), nil
}

// Schema returns the engine's dimension layout.
func (s *Session) Schema() (string, error) {
	eng, err := s.engineHandle()
	if err != nil {
		return "", err
	}
	return eng.Schema(), nil
}

// Stats returns the engine's statistics document.
func (s *Session) Stats() (string, error) {
	eng, err := s.engineHandle()
	if err != nil {
		return "", err
	}
	return eng.Stats(), nil
}

// SRS returns the spatial reference of the dataset.
func (s *Session) SRS() (string, error) {
	eng, err := s.engineHandle()
	if err != nil {
		return "", err
	}
	return eng.SRS(), nil
}

// Fills returns the engine's per-chunk fill counts, passed through
// verbatim.
func (s *Session) Fills() ([]int, error) {
	eng, err := s.engineHandle()
	if err != nil {
		return nil, err
	}
	return eng.Fills(), nil
}

// Serialize persists the session's result set to the target paths
// asynchronously; cb receives nil on success.
func (s *Session) Serialize(paths []string, cb func(error)) error {
	return s.dispatcher.Submit(func() error {
		eng, err := s.engineHandle()
		if err != nil {
			return err
		}
		if err := eng.Serialize(paths); err != nil {
			return errOf(KindEngineFailure, "%s", err.Error())
		}
		return nil
	}, cb)
}

// Read validates the request, registers a read command under a fresh
// identifier, and dispatches it. Validation failures come back
// synchronously as InvalidArgument and the callback is never invoked
// for them; once an identifier is returned, exactly one terminal event
// follows: cb(err), cb(nil, result), or silence after cancellation.
func (s *Session) Read(req ReadRequest, cb ReadCallback) (string, error) {
	id := newReadID()

	cmd, err := newReadCommand(s, id, req, cb)
	if err != nil {
		return "", err
	}

	if err := s.registry.insert(cmd); err != nil {
		return "", err
	}

	s.inFlight.Add(1)
	err = s.dispatcher.Submit(cmd.run, func(taskErr error) {
		defer s.inFlight.Done()
		// The entry is gone before the callback fires; a cancelled
		// command was already removed and is discarded silently.
		s.registry.erase(id)
		if !cmd.complete(taskErr) {
			monitoring.Logf("[Session] read %s cancelled, result discarded", id)
		}
	})
	if err != nil {
		s.registry.erase(id)
		s.inFlight.Done()
		return "", err
	}

	return id, nil
}

// CancelRead removes the identified read and suppresses its callback.
// It reports false when the identifier is unknown — a second cancel of
// the same read, or a read whose completion already fired. A true
// return guarantees the callback never runs.
func (s *Session) CancelRead(id string) bool {
	return s.registry.cancel(id)
}

// ActiveReads reports how many reads are currently registered.
func (s *Session) ActiveReads() int {
	return s.registry.size()
}
