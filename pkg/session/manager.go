package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/builderjer/ovos-core/internal/keylock"
	"github.com/builderjer/ovos-core/pkg/dispatch"
)

// Options configures a Manager.
type Options struct {
	// IdleTimeout expires sessions without activity. Zero disables expiry.
	IdleTimeout time.Duration
	// LockTimeout bounds the wait for a session's write lock.
	LockTimeout time.Duration
	// ActiveSkillTimeout releases an active skill that has not been
	// refreshed for this long. Zero disables.
	ActiveSkillTimeout time.Duration
	// MaxRetries bounds compare-and-swap retries against a shared store.
	MaxRetries int
	Now        func() time.Time
	Logger     *slog.Logger
}

// Manager serialises access to sessions held in a Store.
type Manager struct {
	store Store
	locks keylock.Map
	opts  Options
	log   *slog.Logger
}

// NewManager creates a Manager over store.
func NewManager(store Store, optFns ...func(o *Options)) *Manager {
	opts := Options{
		IdleTimeout:        10 * time.Minute,
		LockTimeout:        2 * time.Second,
		ActiveSkillTimeout: 5 * time.Minute,
		MaxRetries:         5,
		Now:                time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{store: store, opts: opts, log: opts.Logger.With("component", "session")}
}

func (m *Manager) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := m.locks.Lock(ctx, id, m.opts.LockTimeout)
	if errors.Is(err, keylock.ErrTimeout) {
		return nil, fmt.Errorf("session %q: %w", id, dispatch.ErrSessionBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", id, err)
	}
	return unlock, nil
}

func (m *Manager) fresh(id string) Session {
	now := m.opts.Now()
	return Session{ID: id, Created: now, LastActivity: now}
}

// Get returns the session without creating it.
func (m *Manager) Get(ctx context.Context, id string) (Session, bool, error) {
	s, err := m.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("session: get %q: %w", id, err)
	}
	return s, true, nil
}

// GetOrCreate returns the session, creating it on first use.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (Session, error) {
	if s, ok, err := m.Get(ctx, id); err != nil || ok {
		return s, err
	}
	return m.Update(ctx, id, func(*Session) error { return nil })
}

// Update applies fn to the session under its write lock and persists the
// result. A missing session is created. fn may run more than once when
// another writer wins the compare-and-swap; an error from fn aborts without
// saving.
func (m *Manager) Update(ctx context.Context, id string, fn func(s *Session) error) (Session, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	return m.updateLocked(ctx, id, fn)
}

func (m *Manager) updateLocked(ctx context.Context, id string, fn func(s *Session) error) (Session, error) {
	var lastErr error

	for range m.opts.MaxRetries {
		s, err := m.store.Load(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			s = m.fresh(id)
		case err != nil:
			return Session{}, fmt.Errorf("session: load %q: %w", id, err)
		}

		if err := fn(&s); err != nil {
			return Session{}, err
		}
		s.ID = id
		s.LastActivity = m.opts.Now()

		saved, err := m.store.Save(ctx, s)
		if errors.Is(err, ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return Session{}, fmt.Errorf("session: save %q: %w", id, err)
		}
		return saved, nil
	}

	return Session{}, fmt.Errorf("session: update %q: %w", id, lastErr)
}

// Advance starts a new turn: increments the turn counter, drops expired
// context and releases an active skill that timed out. It returns the session
// and the keys of context entries that expired.
func (m *Manager) Advance(ctx context.Context, id string, lang, siteID string) (Session, []string, error) {
	var expired []string

	s, err := m.Update(ctx, id, func(s *Session) error {
		now := m.opts.Now()

		s.Turn++
		expired = s.Decay(now)

		if s.ActiveSkill != "" && m.opts.ActiveSkillTimeout > 0 && now.Sub(s.ActiveSince) > m.opts.ActiveSkillTimeout {
			m.log.DebugContext(ctx, "active skill expired", "session_id", id, "skill_id", s.ActiveSkill)
			s.Deactivate()
		}
		if lang != "" {
			s.Lang = lang
		}
		if siteID != "" {
			s.SiteID = siteID
		}
		return nil
	})

	return s, expired, err
}

// End deletes a session.
func (m *Manager) End(ctx context.Context, id string) error {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("session: end %q: %w", id, err)
	}
	m.log.InfoContext(ctx, "session ended", "session_id", id)

	return nil
}

// ExpireIdle deletes sessions idle for longer than IdleTimeout and returns
// their ids. Sessions currently locked by a writer are skipped.
func (m *Manager) ExpireIdle(ctx context.Context) ([]string, error) {
	if m.opts.IdleTimeout <= 0 {
		return nil, nil
	}

	all, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: expire: %w", err)
	}

	now := m.opts.Now()

	var expired []string
	for _, s := range all {
		if now.Sub(s.LastActivity) <= m.opts.IdleTimeout {
			continue
		}

		unlock, ok := m.locks.TryLock(s.ID)
		if !ok {
			continue
		}

		cur, err := m.store.Load(ctx, s.ID)
		if err == nil && now.Sub(cur.LastActivity) > m.opts.IdleTimeout {
			if err := m.store.Delete(ctx, s.ID); err == nil {
				expired = append(expired, s.ID)
			}
		}
		unlock()
	}

	if len(expired) > 0 {
		m.log.InfoContext(ctx, "sessions expired", "count", len(expired))
	}

	return expired, nil
}

// List returns every stored session.
func (m *Manager) List(ctx context.Context) ([]Session, error) {
	out, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return out, nil
}
