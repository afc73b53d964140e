package tryon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/ashureev/fashion-studio/internal/session"
	"github.com/ashureev/fashion-studio/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeClient struct {
	calls   atomic.Int32
	result  []byte
	err     error
	block   chan struct{}
	started chan struct{}

	mu       sync.Mutex
	lastCall Call
	existed  bool
}

func (f *fakeClient) Name() string                 { return "fake" }
func (f *fakeClient) Close() error                 { return nil }
func (f *fakeClient) Health(context.Context) error { return nil }

func (f *fakeClient) Predict(ctx context.Context, call Call) ([]byte, error) {
	f.calls.Add(1)
	_, errH := os.Stat(call.HumanPath)
	_, errG := os.Stat(call.GarmentPath)
	f.mu.Lock()
	f.lastCall = call
	f.existed = errH == nil && errG == nil
	f.mu.Unlock()

	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

type fixture struct {
	svc     *Service
	mgr     *session.Manager
	client  *fakeClient
	tempDir string
}

func newFixture(t *testing.T, client *fakeClient, timeout time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "studio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	results, err := session.NewResultStore(filepath.Join(dir, "results"))
	require.NoError(t, err)
	mgr := session.NewManager(repo, session.NewMemoryLocker(), results, nil)

	tempDir := filepath.Join(dir, "uploads")
	require.NoError(t, os.MkdirAll(tempDir, 0o750))

	var c Client
	if client != nil {
		c = client
	}
	svc := NewService(c, mgr, Options{TempDir: tempDir, MaxUploadBytes: 1024, Timeout: timeout})
	return &fixture{svc: svc, mgr: mgr, client: client, tempDir: tempDir}
}

func (f *fixture) assertNoTempFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary uploads must be removed")
}

var key = domain.SessionKey{UserID: "anon_test", SessionID: "tab-1"}

func validRequest() Request {
	return Request{
		HumanImage:   Upload{Filename: "me.JPG", Data: []byte("human")},
		GarmentImage: Upload{Filename: "dress.png", Data: []byte("garment")},
		Description:  "red summer dress",
	}
}

func TestSubmitSuccess(t *testing.T) {
	client := &fakeClient{result: pngBytes}
	f := newFixture(t, client, time.Second)

	state, err := f.svc.Submit(context.Background(), key, validRequest())
	require.NoError(t, err)

	assert.False(t, state.ShowInputs)
	assert.False(t, state.Processing)
	require.NotNil(t, state.GeneratedImage)
	assert.Equal(t, domain.ViewResult, state.View())

	assert.True(t, client.existed, "uploads must exist while the call runs")
	assert.Equal(t, ".jpg", filepath.Ext(client.lastCall.HumanPath))
	assert.Equal(t, ".png", filepath.Ext(client.lastCall.GarmentPath))
	assert.Equal(t, "red summer dress", client.lastCall.Description)
	assert.Equal(t, DefaultParams(), client.lastCall.Params)
	f.assertNoTempFiles(t)
}

func TestSubmitMissingInputDoesNotCall(t *testing.T) {
	client := &fakeClient{result: pngBytes}
	f := newFixture(t, client, time.Second)

	req := validRequest()
	req.GarmentImage = Upload{}
	_, err := f.svc.Submit(context.Background(), key, req)

	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindMissingInput))
	assert.Equal(t, "Please upload both a human and a garment image to get started! 👗📷", domain.UserMessage(err))
	assert.Zero(t, client.calls.Load())

	state, err := f.mgr.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, state.ShowInputs)
	assert.False(t, state.Processing)
}

func TestSubmitRejectsUnsupportedFiles(t *testing.T) {
	client := &fakeClient{result: pngBytes}
	f := newFixture(t, client, time.Second)

	req := validRequest()
	req.HumanImage.Filename = "me.gif"
	_, err := f.svc.Submit(context.Background(), key, req)
	assert.True(t, domain.IsKind(err, domain.KindUnsupportedFile))

	req = validRequest()
	req.GarmentImage.Data = make([]byte, 2048)
	_, err = f.svc.Submit(context.Background(), key, req)
	assert.True(t, domain.IsKind(err, domain.KindUnsupportedFile))

	assert.Zero(t, client.calls.Load())
}

func TestSubmitFailureKeepsInputs(t *testing.T) {
	client := &fakeClient{err: errors.New("queue is full")}
	f := newFixture(t, client, time.Second)

	state, err := f.svc.Submit(context.Background(), key, validRequest())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindExternalCall))
	assert.Contains(t, domain.UserMessage(err), "queue is full")

	require.NotNil(t, state)
	assert.True(t, state.ShowInputs)
	assert.False(t, state.Processing)
	assert.Nil(t, state.GeneratedImage)
	require.NotNil(t, state.LastError)
	assert.Equal(t, domain.KindExternalCall, state.LastError.Kind)
	f.assertNoTempFiles(t)
}

func TestSubmitTimeout(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	f := newFixture(t, client, 20*time.Millisecond)

	state, err := f.svc.Submit(context.Background(), key, validRequest())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindExternalCall))
	assert.Contains(t, err.Error(), "timed out")
	assert.False(t, state.Processing)
	f.assertNoTempFiles(t)
}

func TestSubmitWhileProcessingIsBusy(t *testing.T) {
	client := &fakeClient{result: pngBytes, block: make(chan struct{}), started: make(chan struct{})}
	f := newFixture(t, client, 5*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Submit(context.Background(), key, validRequest())
		done <- err
	}()
	<-client.started

	_, err := f.svc.Submit(context.Background(), key, validRequest())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBusy))

	close(client.block)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestSubmitWithoutBackend(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	assert.False(t, f.svc.Available())

	_, err := f.svc.Submit(context.Background(), key, validRequest())
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))
}

func TestSubmitDefaultsEmptyDescription(t *testing.T) {
	client := &fakeClient{result: pngBytes}
	f := newFixture(t, client, time.Second)

	req := validRequest()
	req.Description = "   "
	_, err := f.svc.Submit(context.Background(), key, req)
	require.NoError(t, err)
	assert.Equal(t, DefaultDescription, client.lastCall.Description)
}

func TestIsAcceptedFilename(t *testing.T) {
	assert.True(t, IsAcceptedFilename("a.png"))
	assert.True(t, IsAcceptedFilename("a.JPEG"))
	assert.True(t, IsAcceptedFilename("a.b.jpg"))
	assert.False(t, IsAcceptedFilename("a.webp"))
	assert.False(t, IsAcceptedFilename("png"))
}
