package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryTranscript struct {
	mu    sync.Mutex
	turns []domain.ChatTurn
	err   error
}

func (m *memoryTranscript) AppendChatTurn(_ context.Context, _ domain.SessionKey, role domain.Role, content string) (domain.ChatTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.ChatTurn{}, m.err
	}
	turn := domain.ChatTurn{Seq: int64(len(m.turns) + 1), Role: role, Content: content, CreatedAt: time.Now()}
	m.turns = append(m.turns, turn)
	return turn, nil
}

type fakeGenerator struct {
	reply   string
	err     error
	delay   time.Duration
	prompts []string
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

var key = domain.SessionKey{UserID: "anon_test", SessionID: "tab-1"}

func newService(t *testing.T, gen Generator, timeout time.Duration) (*Service, *memoryTranscript) {
	t.Helper()
	persona, err := LoadPersona("")
	require.NoError(t, err)
	transcript := &memoryTranscript{}
	return NewService(gen, transcript, persona, timeout), transcript
}

func TestSendAppendsUserThenBot(t *testing.T) {
	gen := &fakeGenerator{reply: "Oversized blazers are everywhere ✨"}
	svc, transcript := newService(t, gen, time.Second)

	reply, err := svc.Send(context.Background(), key, "  What's trending?  ")
	require.NoError(t, err)
	assert.False(t, reply.Failed)

	require.Len(t, transcript.turns, 2)
	assert.Equal(t, domain.RoleUser, transcript.turns[0].Role)
	assert.Equal(t, "What's trending?", transcript.turns[0].Content)
	assert.Equal(t, domain.RoleBot, transcript.turns[1].Role)
	assert.Equal(t, "Oversized blazers are everywhere ✨", transcript.turns[1].Content)

	require.Len(t, gen.prompts, 1)
	assert.True(t, strings.HasPrefix(gen.prompts[0], "You are Stella"))
	assert.Contains(t, gen.prompts[0], "current trends: What's trending?")
}

func TestSendRejectsBlankMessage(t *testing.T) {
	gen := &fakeGenerator{reply: "x"}
	svc, transcript := newService(t, gen, time.Second)

	for _, msg := range []string{"", "   ", "\n\t"} {
		_, err := svc.Send(context.Background(), key, msg)
		require.Error(t, err)
		assert.True(t, domain.IsKind(err, domain.KindInvalidInput))
	}
	assert.Empty(t, transcript.turns)
	assert.Empty(t, gen.prompts)
}

func TestSendFailureBecomesBotTurn(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("quota exceeded")}
	svc, transcript := newService(t, gen, time.Second)

	reply, err := svc.Send(context.Background(), key, "help me")
	require.NoError(t, err)
	assert.True(t, reply.Failed)

	require.Len(t, transcript.turns, 2)
	assert.Equal(t, "Oops! Something went wrong with my fashion radar 💫 Error: quota exceeded", transcript.turns[1].Content)
}

func TestSendTimeout(t *testing.T) {
	gen := &fakeGenerator{reply: "late", delay: time.Second}
	svc, transcript := newService(t, gen, 10*time.Millisecond)

	reply, err := svc.Send(context.Background(), key, "hello")
	require.NoError(t, err)
	assert.True(t, reply.Failed)
	assert.Contains(t, transcript.turns[1].Content, "no reply within")
}

func TestSendUnconfigured(t *testing.T) {
	reason := domain.NewError(domain.KindConfiguration, "config", errors.New("API_KEY is not set"))
	svc, transcript := newService(t, NewUnconfigured(reason), time.Second)
	assert.False(t, svc.Available())

	reply, err := svc.Send(context.Background(), key, "hello")
	require.NoError(t, err)
	assert.True(t, reply.Failed)
	assert.Contains(t, transcript.turns[1].Content, "API_KEY is not set")
}

func TestSendStorageErrorIsReturned(t *testing.T) {
	svc, transcript := newService(t, &fakeGenerator{reply: "x"}, time.Second)
	transcript.err = domain.NewError(domain.KindInternal, "append", errors.New("disk full"))

	_, err := svc.Send(context.Background(), key, "hello")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInternal))
}

func TestLoadPersonaFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: Nova
greeting: Hi!
prompt: "Answer as Nova: {{.Message}}"
`), 0o600))

	p, err := LoadPersona(path)
	require.NoError(t, err)
	assert.Equal(t, "Nova", p.Name)

	prompt, err := p.RenderPrompt("boots?")
	require.NoError(t, err)
	assert.Equal(t, "Answer as Nova: boots?", prompt)
	assert.Equal(t, "Oops! Something went wrong 💫 Error: boom", p.RenderError("boom"))
}

func TestParsePersonaValidation(t *testing.T) {
	_, err := ParsePersona([]byte("name: X\n"))
	assert.Error(t, err, "prompt is required")

	_, err = ParsePersona([]byte("prompt: hi\n"))
	assert.Error(t, err, "name is required")

	_, err = ParsePersona([]byte("name: X\nprompt: \"{{.Message\"\n"))
	assert.Error(t, err, "template must compile")
}

func TestEmbeddedPersonaGreeting(t *testing.T) {
	p, err := LoadPersona("")
	require.NoError(t, err)
	assert.Equal(t, "Stella", p.Name)
	assert.Contains(t, p.Greeting, "I'm Stella")
}

func TestConcurrentSendsKeepTurnsPaired(t *testing.T) {
	gen := &fakeGenerator{reply: "Pair it with loafers 👞", delay: 50 * time.Millisecond}
	svc, transcript := newService(t, gen, time.Second)

	var wg sync.WaitGroup
	for _, msg := range []string{"first look?", "second look?", "third look?"} {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			_, err := svc.Send(context.Background(), key, msg)
			assert.NoError(t, err)
		}(msg)
	}
	wg.Wait()

	transcript.mu.Lock()
	defer transcript.mu.Unlock()
	require.Len(t, transcript.turns, 6)
	for i := 0; i < len(transcript.turns); i += 2 {
		assert.Equal(t, domain.RoleUser, transcript.turns[i].Role, "turn %d", i)
		assert.Equal(t, domain.RoleBot, transcript.turns[i+1].Role, "turn %d", i+1)
	}
	assert.Zero(t, svc.sends.Len())
}

func TestSendsForDifferentSessionsOverlap(t *testing.T) {
	gen := &blockingGenerator{entered: make(chan struct{}, 2), release: make(chan struct{})}
	svc, _ := newService(t, gen, time.Second)

	var wg sync.WaitGroup
	for _, sid := range []string{"tab-1", "tab-2"} {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			_, _ = svc.Send(context.Background(), domain.SessionKey{UserID: "anon_test", SessionID: sid}, "hi")
		}(sid)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-gen.entered:
		case <-time.After(time.Second):
			t.Fatal("sends for different sessions did not run together")
		}
	}
	close(gen.release)
	wg.Wait()
}

type blockingGenerator struct {
	entered chan struct{}
	release chan struct{}
}

func (g *blockingGenerator) Name() string { return "blocking" }

func (g *blockingGenerator) Generate(ctx context.Context, _ string) (string, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return "ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
