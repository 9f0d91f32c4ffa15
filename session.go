package tally

import (
	"sync"
	"time"
)

// Session is the in-memory state of syncing for one client. It is rebuilt
// on every start and never persisted.
type Session struct {
	mu        sync.Mutex
	online    bool
	syncing   bool
	paused    bool
	progress  Progress
	lastSync  time.Time
	lastError string
}

// NewSession creates a session that starts online and unpaused.
func NewSession() *Session {
	return &Session{online: true}
}

// Status returns a snapshot of the session. Queue totals are left zero.
func (s *Session) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SyncStatus{
		IsOnline:  s.online,
		IsSyncing: s.syncing,
		IsPaused:  s.paused,
		Progress:  s.progress,
		LastSync:  s.lastSync,
		LastError: s.lastError,
	}
}

// Online reports the last known connectivity.
func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline records connectivity and returns the previous value.
func (s *Session) SetOnline(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.online
	s.online = online
	return was
}

// Paused reports whether syncing is paused.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetPaused pauses or resumes syncing.
func (s *Session) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// Syncing reports whether a pass is running.
func (s *Session) Syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

func (s *Session) beginSync(total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncing = true
	s.progress = Progress{Total: total}
}

func (s *Session) setProgress(current int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.Current = current
}

// endSync closes a pass. A nil err clears the last error.
func (s *Session) endSync(at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncing = false
	if err != nil {
		s.lastError = err.Error()
		return
	}
	s.lastError = ""
	s.lastSync = at
}

// setLastError records a pass problem that did not abort the pass.
func (s *Session) setLastError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}
