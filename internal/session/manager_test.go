package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/ashureev/fashion-studio/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngHeader is enough for http.DetectContentType to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type recordingPublisher struct {
	mu     sync.Mutex
	states []*domain.SessionState
}

func (p *recordingPublisher) Publish(state *domain.SessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
}

func (p *recordingPublisher) last() *domain.SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.states) == 0 {
		return nil
	}
	return p.states[len(p.states)-1]
}

func newTestManager(t *testing.T) (*Manager, *recordingPublisher, *ResultStore) {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "studio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	results, err := NewResultStore(filepath.Join(dir, "results"))
	require.NoError(t, err)

	pub := &recordingPublisher{}
	return NewManager(repo, NewMemoryLocker(), results, pub), pub, results
}

var testKey = domain.SessionKey{UserID: "anon_test", SessionID: "tab-1"}

func TestGetCreatesDefaults(t *testing.T) {
	m, _, _ := newTestManager(t)

	state, err := m.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.True(t, state.ShowInputs)
	assert.False(t, state.Processing)
	assert.Nil(t, state.GeneratedImage)
	assert.Empty(t, state.ChatHistory)
	assert.Equal(t, domain.ViewInput, state.View())
}

func TestBeginProcessingRejectsSecondCaller(t *testing.T) {
	m, pub, _ := newTestManager(t)
	ctx := context.Background()

	state, err := m.BeginProcessing(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, state.Processing)
	assert.True(t, pub.last().Processing)

	_, err = m.BeginProcessing(ctx, testKey)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBusy))

	other := domain.SessionKey{UserID: testKey.UserID, SessionID: "tab-2"}
	_, err = m.BeginProcessing(ctx, other)
	require.NoError(t, err, "sessions must not share the processing lock")

	state, err = m.EndProcessing(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, state.Processing)

	_, err = m.BeginProcessing(ctx, testKey)
	require.NoError(t, err, "lock must be free after EndProcessing")
}

func TestEndProcessingWithCancelledContext(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.BeginProcessing(context.Background(), testKey)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	state, err := m.EndProcessing(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, state.Processing)
}

func TestCompleteTryOnAndReset(t *testing.T) {
	m, _, results := newTestManager(t)
	ctx := context.Background()

	state, err := m.CompleteTryOn(ctx, testKey, pngHeader)
	require.NoError(t, err)
	require.NotNil(t, state.GeneratedImage)
	assert.False(t, state.ShowInputs)
	assert.Equal(t, "image/png", state.GeneratedImage.MIMEType)
	assert.Equal(t, domain.ViewResult, state.View())
	assert.Equal(t, results.Dir(), filepath.Dir(state.GeneratedImage.Path))
	first := state.GeneratedImage.Path

	f, ref, err := m.OpenResult(ctx, testKey)
	require.NoError(t, err)
	_ = f.Close()
	assert.Equal(t, state.GeneratedImage.ID, ref.ID)

	// A second result replaces and deletes the first.
	state, err = m.CompleteTryOn(ctx, testKey, pngHeader)
	require.NoError(t, err)
	_, err = os.Stat(first)
	assert.True(t, os.IsNotExist(err))
	second := state.GeneratedImage.Path

	state, err = m.Reset(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, state.ShowInputs)
	assert.Nil(t, state.GeneratedImage)
	_, err = os.Stat(second)
	assert.True(t, os.IsNotExist(err))

	_, _, err = m.OpenResult(ctx, testKey)
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestFailTryOnKeepsInputs(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	cause := domain.NewError(domain.KindExternalCall, "predict", errors.New("space is sleeping"))
	state, err := m.FailTryOn(ctx, testKey, cause)
	require.NoError(t, err)
	assert.True(t, state.ShowInputs)
	assert.Nil(t, state.GeneratedImage)
	require.NotNil(t, state.LastError)
	assert.Equal(t, domain.KindExternalCall, state.LastError.Kind)
	assert.Contains(t, state.LastError.Message, "space is sleeping")

	// Starting a new submission clears the banner.
	state, err = m.BeginProcessing(ctx, testKey)
	require.NoError(t, err)
	assert.Nil(t, state.LastError)
}

func TestAppendChatTurnOrder(t *testing.T) {
	m, pub, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.AppendChatTurn(ctx, testKey, domain.RoleUser, "hello")
	require.NoError(t, err)
	_, err = m.AppendChatTurn(ctx, testKey, domain.RoleBot, "hi darling")
	require.NoError(t, err)

	state, err := m.Get(ctx, testKey)
	require.NoError(t, err)
	require.Len(t, state.ChatHistory, 2)
	assert.Equal(t, domain.RoleUser, state.ChatHistory[0].Role)
	assert.Equal(t, "hi darling", state.ChatHistory[1].Content)
	assert.Len(t, pub.last().ChatHistory, 2)
}

func TestConcurrentChatAndTryOnKeepBothWrites(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.AppendChatTurn(ctx, testKey, domain.RoleUser, "msg")
		}()
		go func() {
			defer wg.Done()
			_, _ = m.FailTryOn(ctx, testKey, errors.New("x"))
		}()
	}
	wg.Wait()

	state, err := m.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Len(t, state.ChatHistory, 10)
	assert.NotNil(t, state.LastError)
}

func TestExpireRemovesSessionAndResult(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	state, err := m.CompleteTryOn(ctx, testKey, pngHeader)
	require.NoError(t, err)
	path := state.GeneratedImage.Path

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	expired, err := m.Expire(ctx, state, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, expired)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	m.now = time.Now
	fresh, err := m.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Nil(t, fresh.GeneratedImage)
	assert.True(t, fresh.ShowInputs)
}

func TestExpireKeepsSessionTouchedSinceSweep(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// The sweep saw an old snapshot without any image.
	listed := domain.NewSessionState(testKey, time.Now().Add(-48*time.Hour))

	state, err := m.CompleteTryOn(ctx, testKey, pngHeader)
	require.NoError(t, err)

	expired, err := m.Expire(ctx, listed, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, expired)

	got, err := m.Get(ctx, testKey)
	require.NoError(t, err)
	require.NotNil(t, got.GeneratedImage)
	_, err = os.Stat(state.GeneratedImage.Path)
	assert.NoError(t, err)
}

func TestExpireKeepsProcessingSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	state, err := m.BeginProcessing(ctx, testKey)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	expired, err := m.Expire(ctx, state, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestLocksArePrunedAfterUse(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	locker := m.locker.(*MemoryLocker)

	for i := 0; i < 50; i++ {
		key := domain.SessionKey{UserID: "anon_test", SessionID: fmt.Sprintf("tab-%d", i)}
		_, err := m.BeginProcessing(ctx, key)
		require.NoError(t, err)
		_, err = m.AppendChatTurn(ctx, key, domain.RoleUser, "hi")
		require.NoError(t, err)
		_, err = m.EndProcessing(ctx, key)
		require.NoError(t, err)
	}

	assert.Zero(t, m.stateLocks.Len())
	assert.Zero(t, locker.Len())
}

func TestResultStoreRefusesForeignPaths(t *testing.T) {
	results, err := NewResultStore(t.TempDir())
	require.NoError(t, err)

	outside := &domain.ImageRef{ID: "x", Path: filepath.Join(os.TempDir(), "elsewhere.png"), CreatedAt: time.Now()}
	_, err = results.Open(outside)
	assert.Error(t, err)
	assert.Error(t, results.Remove(outside))
}

func TestMemoryLockerReleaseIsIdempotent(t *testing.T) {
	l := NewMemoryLocker()
	release, ok, err := l.TryLock(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryLock(context.Background(), "k")
	assert.False(t, ok)

	release()
	release()
	assert.Zero(t, l.Len())

	release, ok, _ = l.TryLock(context.Background(), "k")
	assert.True(t, ok)
	release()
}

func newTestRedisLocker(t *testing.T, lease time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l, err := NewRedisLocker(context.Background(), "redis://"+mr.Addr(), lease)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestRedisLocker(t *testing.T) {
	l, mr := newTestRedisLocker(t, time.Minute)
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "anon_1:tab-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(redisLockPrefix+"anon_1:tab-1"))
	assert.Equal(t, time.Minute, mr.TTL(redisLockPrefix+"anon_1:tab-1"))

	_, ok, err = l.TryLock(ctx, "anon_1:tab-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Other sessions are independent.
	other, ok, err := l.TryLock(ctx, "anon_1:tab-2")
	require.NoError(t, err)
	require.True(t, ok)
	other()

	release()
	assert.False(t, mr.Exists(redisLockPrefix+"anon_1:tab-1"))

	release2, ok, err := l.TryLock(ctx, "anon_1:tab-1")
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}

func TestRedisLockerStaleReleaseKeepsNewHolder(t *testing.T) {
	l, mr := newTestRedisLocker(t, time.Second)
	ctx := context.Background()
	redisKey := redisLockPrefix + "anon_1:tab-1"

	first, ok, err := l.TryLock(ctx, "anon_1:tab-1")
	require.NoError(t, err)
	require.True(t, ok)

	// The first holder outlives its lease and a second holder moves in.
	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists(redisKey))

	second, ok, err := l.TryLock(ctx, "anon_1:tab-1")
	require.NoError(t, err)
	require.True(t, ok)
	token, err := mr.Get(redisKey)
	require.NoError(t, err)

	first()
	got, err := mr.Get(redisKey)
	require.NoError(t, err, "stale release must not delete the new holder's key")
	assert.Equal(t, token, got)

	_, ok, err = l.TryLock(ctx, "anon_1:tab-1")
	require.NoError(t, err)
	assert.False(t, ok)

	second()
	assert.False(t, mr.Exists(redisKey))
}

func TestManagerWithRedisLockerRejectsSecondSubmission(t *testing.T) {
	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "studio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	results, err := NewResultStore(filepath.Join(dir, "results"))
	require.NoError(t, err)

	l, _ := newTestRedisLocker(t, time.Minute)
	m := NewManager(repo, l, results, nil)
	ctx := context.Background()

	_, err = m.BeginProcessing(ctx, testKey)
	require.NoError(t, err)
	_, err = m.BeginProcessing(ctx, testKey)
	assert.True(t, domain.IsKind(err, domain.KindBusy))

	_, err = m.EndProcessing(ctx, testKey)
	require.NoError(t, err)
	_, err = m.BeginProcessing(ctx, testKey)
	assert.NoError(t, err)
}
