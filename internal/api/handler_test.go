//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/ashureev/fashion-studio/internal/identity"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestDomainErrorStatus(t *testing.T) {
	cases := map[domain.ErrorKind]int{
		domain.KindMissingInput:    http.StatusBadRequest,
		domain.KindUnsupportedFile: http.StatusBadRequest,
		domain.KindInvalidInput:    http.StatusBadRequest,
		domain.KindBusy:            http.StatusConflict,
		domain.KindConfiguration:   http.StatusServiceUnavailable,
		domain.KindExternalCall:    http.StatusBadGateway,
		domain.KindInternal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		w := httptest.NewRecorder()
		DomainError(w, domain.NewError(kind, "op", errors.New("cause")))
		if w.Code != want {
			t.Errorf("kind %s: expected %d, got %d", kind, want, w.Code)
		}

		var body ErrorResponse
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if body.Error != kind || body.Message == "" {
			t.Errorf("kind %s: unexpected body %+v", kind, body)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 2, time.Minute)

	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("Expected first two requests to pass")
	}
	if rl.Allow("u1") {
		t.Fatal("Expected third request to be limited")
	}
	if !rl.Allow("u2") {
		t.Fatal("Expected other users to be unaffected")
	}
}

func TestRateLimiterMiddlewareIgnoresSessionRotation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 1, time.Minute)

	r := chi.NewRouter()
	r.With(rl.Middleware).Post("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	codes := make([]int, 0, 2)
	for _, sid := range []string{"tab-1", "tab-2"} {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{}"))
		req = req.WithContext(identity.WithSession(req.Context(), domain.SessionKey{UserID: "anon_rl", SessionID: sid}))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("Expected [204 429], got %v", codes)
	}
}

func TestRateLimiterEvict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 1, 10*time.Millisecond)
	rl.Allow("u1")

	time.Sleep(20 * time.Millisecond)
	rl.evict()

	rl.mu.Lock()
	n := len(rl.requests)
	rl.mu.Unlock()
	if n != 0 {
		t.Fatalf("Expected evicted map, got %d keys", n)
	}
}
