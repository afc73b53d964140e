// Package chat answers visitor questions as the stylist persona and keeps the
// exchange in the session transcript.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/ashureev/fashion-studio/internal/shared"
)

// TranscriptStore appends turns to a session transcript.
type TranscriptStore interface {
	AppendChatTurn(ctx context.Context, key domain.SessionKey, role domain.Role, content string) (domain.ChatTurn, error)
}

// Reply is the pair of turns one message produces.
type Reply struct {
	UserTurn domain.ChatTurn `json:"user_turn"`
	BotTurn  domain.ChatTurn `json:"bot_turn"`
	// Failed is set when the bot turn carries an error instead of an answer.
	Failed bool `json:"failed"`
}

// Service sends messages to a Generator.
type Service struct {
	gen     Generator
	turns   TranscriptStore
	persona *Persona
	timeout time.Duration

	// sends queues messages of one session so each user turn is followed by
	// its own bot turn.
	sends shared.KeyedMutex
}

// NewService creates a chat service.
func NewService(gen Generator, turns TranscriptStore, persona *Persona, timeout time.Duration) *Service {
	return &Service{gen: gen, turns: turns, persona: persona, timeout: timeout}
}

// Persona returns the stylist persona.
func (s *Service) Persona() *Persona {
	return s.persona
}

// Available reports whether a real generator is configured.
func (s *Service) Available() bool {
	_, stub := s.gen.(*unconfigured)
	return !stub
}

// Send appends the visitor's message and the stylist's reply. A failed
// generation becomes a bot turn holding the error text, so only validation and
// storage problems are returned as errors. Sends for the same session run one
// at a time in arrival order.
func (s *Service) Send(ctx context.Context, key domain.SessionKey, message string) (*Reply, error) {
	const op = "chat.Send"

	message = strings.TrimSpace(message)
	if message == "" {
		return nil, domain.NewError(domain.KindInvalidInput, op, errors.New("message is empty"))
	}

	unlock := s.sends.Lock(key.String())
	defer unlock()

	userTurn, err := s.turns.AppendChatTurn(ctx, key, domain.RoleUser, message)
	if err != nil {
		return nil, err
	}

	log := slog.With("user_id", key.UserID, "session_id", key.SessionID, "generator", s.gen.Name())

	content, genErr := s.generate(ctx, message)
	failed := genErr != nil
	if failed {
		log.Warn("Chat generation failed", "error_kind", domain.KindOf(genErr), "error", genErr)
		content = s.persona.RenderError(errorText(genErr))
	}

	// The request may have been cancelled while the model was thinking; the
	// user turn is already stored, so the bot turn must follow it.
	botTurn, err := s.turns.AppendChatTurn(context.WithoutCancel(ctx), key, domain.RoleBot, content)
	if err != nil {
		return nil, err
	}

	return &Reply{UserTurn: userTurn, BotTurn: botTurn, Failed: failed}, nil
}

func (s *Service) generate(ctx context.Context, message string) (string, error) {
	const op = "chat.generate"

	prompt, err := s.persona.RenderPrompt(message)
	if err != nil {
		return "", domain.NewError(domain.KindInternal, op, err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reply, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		if domain.IsKind(err, domain.KindConfiguration) {
			return "", err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("no reply within %s", s.timeout)
		}
		return "", domain.NewError(domain.KindExternalCall, op, err)
	}
	return reply, nil
}

// errorText is the cause without the kind prefix of domain.Error.
func errorText(err error) string {
	var de *domain.Error
	if errors.As(err, &de) && de.Err != nil {
		return de.Err.Error()
	}
	return err.Error()
}
