// Package session keeps one photo pipeline per open upload dialog and tears
// each down on close, success, idle expiry or shutdown.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/trip-profile/internal/logging"
	"github.com/example/trip-profile/internal/photo"
	"github.com/example/trip-profile/internal/repository"
)

// ErrNotFound is returned for unknown, expired or foreign session ids.
var ErrNotFound = errors.New("photo session not found")

// UploaderFactory returns the uploader that acts for userID.
type UploaderFactory func(userID, token string) photo.Uploader

// AuditStore records upload attempts.
type AuditStore interface {
	SaveUpload(ctx context.Context, upload *repository.PhotoUpload) error
}

// ProfileInvalidator drops cached profile data after the photo changed.
type ProfileInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Options configures a Manager.
type Options struct {
	Camera      photo.Camera
	Uploaders   UploaderFactory
	Fetcher     photo.HTTPDoer
	ObjectHosts []string
	Audit       AuditStore
	Profiles    ProfileInvalidator
	Constraints photo.Constraints
	Limits      photo.Limits
	IdleTimeout time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

// Session is one open upload dialog.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	Pipeline  *photo.Pipeline

	mu       sync.Mutex
	lastSeen time.Time
	done     chan struct{}
	doneOnce sync.Once
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) end() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Manager owns every live session.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:     opts,
		logger:   opts.Logger.Named("session_manager"),
		sessions: make(map[string]*Session),
	}
}

// Create opens a session for userID. token is handed to the uploader
// factory so uploads act on the user's behalf.
func (m *Manager) Create(userID, token string) *Session {
	now := m.opts.Now()
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		lastSeen:  now,
		done:      make(chan struct{}),
	}

	var uploader photo.Uploader
	if m.opts.Uploaders != nil {
		if inner := m.opts.Uploaders(userID, token); inner != nil {
			uploader = &auditedUploader{inner: inner, manager: m, session: s}
		}
	}
	s.Pipeline = photo.NewPipeline(photo.Options{
		ID:          s.ID,
		Camera:      m.opts.Camera,
		Uploader:    uploader,
		Fetcher:     m.opts.Fetcher,
		ObjectHosts: m.opts.ObjectHosts,
		Constraints: m.opts.Constraints,
		Limits:      m.opts.Limits,
		Logger:      m.opts.Logger,
		Now:         m.opts.Now,
		OnClose:     func() { m.forget(s) },
		OnSuccess:   func() { m.uploaded(s) },
	})

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("photo session opened", zap.String("session_id", s.ID), zap.String("user_id", userID))
	return s
}

// Get returns the session id owned by userID and marks it active.
func (m *Manager) Get(userID, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || s.UserID != userID {
		return nil, ErrNotFound
	}
	s.touch(m.opts.Now())
	return s, nil
}

// Close ends a session, releasing any camera it holds.
func (m *Manager) Close(userID, id string) error {
	s, err := m.Get(userID, id)
	if err != nil {
		return err
	}
	s.Pipeline.Close()
	return nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Expire closes every session idle since before now minus the idle
// timeout and returns how many it closed.
func (m *Manager) Expire(now time.Time) int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-m.opts.IdleTimeout)
	var stale []*Session
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.Info("expiring idle photo session", zap.String("session_id", s.ID))
		s.Pipeline.Close()
	}
	return len(stale)
}

// Run expires idle sessions until ctx is done, then closes the rest.
func (m *Manager) Run(ctx context.Context) {
	interval := m.opts.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-ticker.C:
			m.Expire(m.opts.Now())
		}
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Pipeline.Close()
	}
	if len(all) > 0 {
		m.logger.Info("closed photo sessions on shutdown", zap.Int("count", len(all)))
	}
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	_, ok := m.sessions[s.ID]
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	s.end()
	if ok {
		m.logger.Info("photo session closed", zap.String("session_id", s.ID))
	}
}

func (m *Manager) uploaded(s *Session) {
	if m.opts.Profiles == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.opts.Profiles.Invalidate(ctx, s.UserID); err != nil {
		logging.WithOperation(m.logger, "session.invalidate_profile", s.ID).
			Warn("failed to invalidate cached profile", zap.Error(err))
	}
}

// auditedUploader records every attempt the pipeline makes.
type auditedUploader struct {
	inner   photo.Uploader
	manager *Manager
	session *Session
}

func (a *auditedUploader) UploadPhoto(ctx context.Context, p photo.Payload) error {
	start := a.manager.opts.Now()
	snap := a.session.Pipeline.Snapshot()
	err := a.inner.UploadPhoto(ctx, p)
	a.manager.record(ctx, a.session, snap, p, a.manager.opts.Now().Sub(start), err)
	return err
}

func (m *Manager) record(ctx context.Context, s *Session, snap photo.Snapshot, p photo.Payload, took time.Duration, uploadErr error) {
	if m.opts.Audit == nil {
		return
	}
	entry := &repository.PhotoUpload{
		SessionID:  s.ID,
		UserID:     s.UserID,
		Source:     snap.Source,
		Filename:   p.Filename,
		MIME:       p.MIME,
		Bytes:      len(p.Data),
		Width:      snap.Width,
		Height:     snap.Height,
		Success:    uploadErr == nil,
		DurationMs: took.Milliseconds(),
		CreatedAt:  m.opts.Now().UTC(),
	}
	if uploadErr != nil {
		entry.Error = uploadErr.Error()
	}
	// The request context may already be cancelled; the attempt still counts.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.opts.Audit.SaveUpload(saveCtx, entry); err != nil {
		logging.WithOperation(m.logger, "session.record_upload", s.ID).
			Warn("failed to record upload attempt", zap.Error(err))
	}
}
