// Package session owns the per-session view state of the studio: the try-on
// panel flags, the generated image, and the chat transcript.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/ashureev/fashion-studio/internal/shared"
	"github.com/ashureev/fashion-studio/internal/store"
)

// Publisher receives a snapshot after every state change.
type Publisher interface {
	Publish(state *domain.SessionState)
}

// ErrNoResult is returned by OpenResult when the session has no generated image.
var ErrNoResult = errors.New("no generated image")

// Manager serializes state changes per session and persists them.
type Manager struct {
	repo      store.Repository
	locker    Locker
	results   *ResultStore
	publisher Publisher
	now       func() time.Time

	stateLocks shared.KeyedMutex
	processing sync.Map // key -> release func()
}

// NewManager creates a session manager. publisher may be nil.
func NewManager(repo store.Repository, locker Locker, results *ResultStore, publisher Publisher) *Manager {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Manager{
		repo:      repo,
		locker:    locker,
		results:   results,
		publisher: publisher,
		now:       time.Now,
	}
}

func (m *Manager) lockState(key domain.SessionKey) func() {
	return m.stateLocks.Lock(key.String())
}

// load returns the stored state or a fresh default one. Callers hold the state lock.
func (m *Manager) load(ctx context.Context, key domain.SessionKey) (*domain.SessionState, bool, error) {
	state, err := m.repo.GetSessionState(ctx, key)
	if err != nil {
		return nil, false, domain.NewError(domain.KindInternal, "load session", err)
	}
	if state == nil {
		return domain.NewSessionState(key, m.now()), false, nil
	}
	return state, true, nil
}

// Get returns the state of a session, creating it with defaults on first access.
func (m *Manager) Get(ctx context.Context, key domain.SessionKey) (*domain.SessionState, error) {
	unlock := m.lockState(key)
	defer unlock()

	state, existed, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !existed {
		if err := m.repo.SaveSessionState(ctx, state); err != nil {
			return nil, domain.NewError(domain.KindInternal, "create session", err)
		}
	}
	return state.Clone(), nil
}

// update applies fn to the current state, saves it, and publishes the result.
func (m *Manager) update(ctx context.Context, key domain.SessionKey, op string, fn func(*domain.SessionState)) (*domain.SessionState, error) {
	unlock := m.lockState(key)
	defer unlock()

	state, _, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	fn(state)
	state.UpdatedAt = m.now()
	if err := m.repo.SaveSessionState(ctx, state); err != nil {
		return nil, domain.NewError(domain.KindInternal, op, err)
	}

	snapshot := state.Clone()
	m.publish(snapshot)
	return snapshot, nil
}

func (m *Manager) publish(state *domain.SessionState) {
	if m.publisher != nil {
		m.publisher.Publish(state.Clone())
	}
}

// Reset returns the try-on panel to the input view and deletes the stored result.
func (m *Manager) Reset(ctx context.Context, key domain.SessionKey) (*domain.SessionState, error) {
	var previous *domain.ImageRef
	state, err := m.update(ctx, key, "reset session", func(s *domain.SessionState) {
		previous = s.GeneratedImage
		s.ShowInputs = true
		s.GeneratedImage = nil
		s.LastError = nil
	})
	if err != nil {
		return nil, err
	}
	m.removeResult(key, previous)
	return state, nil
}

// BeginProcessing takes the processing lock for a session. A second caller gets
// a Busy error until EndProcessing runs.
func (m *Manager) BeginProcessing(ctx context.Context, key domain.SessionKey) (*domain.SessionState, error) {
	release, ok, err := m.locker.TryLock(ctx, key.String())
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "acquire processing lock", err)
	}
	if !ok {
		return nil, domain.NewError(domain.KindBusy, "begin processing", fmt.Errorf("session %s is already processing", key))
	}

	state, err := m.update(ctx, key, "begin processing", func(s *domain.SessionState) {
		s.Processing = true
		s.LastError = nil
	})
	if err != nil {
		release()
		return nil, err
	}
	m.processing.Store(key.String(), release)
	return state, nil
}

// EndProcessing clears the processing flag and releases the lock. It runs even
// when ctx is already cancelled.
func (m *Manager) EndProcessing(ctx context.Context, key domain.SessionKey) (*domain.SessionState, error) {
	defer func() {
		if release, ok := m.processing.LoadAndDelete(key.String()); ok {
			release.(func())()
		}
	}()

	return m.update(context.WithoutCancel(ctx), key, "end processing", func(s *domain.SessionState) {
		s.Processing = false
	})
}

// AppendChatTurn appends one turn to the transcript.
func (m *Manager) AppendChatTurn(ctx context.Context, key domain.SessionKey, role domain.Role, content string) (domain.ChatTurn, error) {
	unlock := m.lockState(key)
	defer unlock()

	state, existed, err := m.load(ctx, key)
	if err != nil {
		return domain.ChatTurn{}, err
	}

	now := m.now()
	state.UpdatedAt = now
	if !existed {
		if err := m.repo.SaveSessionState(ctx, state); err != nil {
			return domain.ChatTurn{}, domain.NewError(domain.KindInternal, "create session", err)
		}
	}

	turn, err := m.repo.AppendChatTurn(ctx, key, role, content, now)
	if err != nil {
		return domain.ChatTurn{}, domain.NewError(domain.KindInternal, "append chat turn", err)
	}
	if existed {
		// Touch updated_at so an active chat keeps the session alive.
		if err := m.repo.SaveSessionState(ctx, state); err != nil {
			slog.Warn("Failed to touch session", "user_id", key.UserID, "session_id", key.SessionID, "error", err)
		}
	}

	state.ChatHistory = append(state.ChatHistory, turn)
	m.publish(state)
	return turn, nil
}

// CompleteTryOn stores the generated image and switches to the result view.
func (m *Manager) CompleteTryOn(ctx context.Context, key domain.SessionKey, image []byte) (*domain.SessionState, error) {
	if m.results == nil {
		return nil, domain.NewError(domain.KindInternal, "store result", errors.New("no result store"))
	}
	ref, err := m.results.Save(image, m.now())
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "store result", err)
	}

	var previous *domain.ImageRef
	state, err := m.update(ctx, key, "complete try-on", func(s *domain.SessionState) {
		previous = s.GeneratedImage
		s.GeneratedImage = ref
		s.ShowInputs = false
		s.LastError = nil
	})
	if err != nil {
		m.removeResult(key, ref)
		return nil, err
	}
	m.removeResult(key, previous)
	return state, nil
}

// FailTryOn records the failure for the banner and keeps the input view.
func (m *Manager) FailTryOn(ctx context.Context, key domain.SessionKey, cause error) (*domain.SessionState, error) {
	return m.update(context.WithoutCancel(ctx), key, "fail try-on", func(s *domain.SessionState) {
		s.ShowInputs = true
		s.LastError = &domain.LastError{
			Kind:    domain.KindOf(cause),
			Message: domain.UserMessage(cause),
		}
	})
}

// OpenResult opens the generated image of a session.
func (m *Manager) OpenResult(ctx context.Context, key domain.SessionKey) (*os.File, *domain.ImageRef, error) {
	state, err := m.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if state.GeneratedImage == nil || m.results == nil {
		return nil, nil, ErrNoResult
	}
	f, err := m.results.Open(state.GeneratedImage)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNoResult
		}
		return nil, nil, domain.NewError(domain.KindInternal, "open result", err)
	}
	return f, state.GeneratedImage, nil
}

// Expire deletes a session found idle by a sweep. The stored row is read again
// under the state lock, and the session is kept when it is processing or was
// touched within ttl since the sweep ran. expired reports whether it was deleted.
func (m *Manager) Expire(ctx context.Context, state *domain.SessionState, ttl time.Duration) (bool, error) {
	key := state.Key()
	unlock := m.lockState(key)
	defer unlock()

	current, err := m.repo.GetSessionState(ctx, key)
	if err != nil {
		return false, fmt.Errorf("reload session %s: %w", key, err)
	}
	if current == nil {
		return false, nil
	}
	if current.Processing || m.now().Sub(current.UpdatedAt) < ttl {
		slog.Debug("Session became active before expiry", "user_id", key.UserID, "session_id", key.SessionID)
		return false, nil
	}

	if err := m.repo.DeleteSession(ctx, key); err != nil {
		return false, fmt.Errorf("delete session %s: %w", key, err)
	}
	m.removeResult(key, current.GeneratedImage)
	return true, nil
}

func (m *Manager) removeResult(key domain.SessionKey, ref *domain.ImageRef) {
	if ref == nil || m.results == nil {
		return
	}
	if err := m.results.Remove(ref); err != nil {
		slog.Warn("Failed to remove result image", "user_id", key.UserID, "session_id", key.SessionID, "image_id", ref.ID, "error", err)
	}
}
