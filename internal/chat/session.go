package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/procmap-orchestrator/internal/remote"
	"github.com/google/uuid"
)

// Greeting opens every conversation.
const Greeting = "Hi! I am an assistant that can answer any question you have about this process map. Please double check important details, as I can make mistakes."

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrCancelled    = errors.New("chat cancelled")
)

// Responder answers a whole conversation about one run.
type Responder interface {
	Chat(ctx context.Context, req remote.ChatRequest) (string, error)
}

// Message is one entry in a conversation
//
// ID: unique message id
// Role: "user" or "assistant"
// Text: message body
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Session holds the conversation about one job
// Thread-safe; one send may be in flight at a time per caller
//
// runID: remote run the conversation is about
// timeout: upper bound for one round trip
// cancels: cancel funcs of in-flight sends
type Session struct {
	runID     string
	responder Responder
	timeout   time.Duration

	mu       sync.Mutex
	messages []Message
	cancels  map[string]context.CancelFunc
}

// NewSession creates a conversation seeded with the greeting
//
// Example:
//
//	sess := chat.NewSession("12", client, time.Minute)
//	reply, err := sess.Send(ctx, "Which step takes longest?")
func NewSession(runID string, responder Responder, timeout time.Duration) *Session {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Session{
		runID:     runID,
		responder: responder,
		timeout:   timeout,
		messages: []Message{{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			Text:      Greeting,
			CreatedAt: time.Now(),
		}},
		cancels: make(map[string]context.CancelFunc),
	}
}

// Send appends the user message, asks the service and appends the reply
//
// The user message stays in the history even when the call fails.
// Returns the assistant message or an error
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}

	userMessage := Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Text:      text,
		CreatedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	s.messages = append(s.messages, userMessage)
	conversation := toRemote(s.messages)
	s.cancels[userMessage.ID] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.cancels, userMessage.ID)
		s.mu.Unlock()
	}()

	reply, err := s.responder.Chat(ctx, remote.ChatRequest{
		Conversation: conversation,
		RunID:        s.runID,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Message{}, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Message{}, fmt.Errorf("no reply within %s: %w", s.timeout, err)
		}
		return Message{}, err
	}

	assistantMessage := Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Text:      reply,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.messages = append(s.messages, assistantMessage)
	s.mu.Unlock()

	return assistantMessage, nil
}

// Cancel aborts every in-flight send.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}

// History returns a copy of the conversation.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]Message, len(s.messages))
	copy(history, s.messages)
	return history
}

func (s *Session) RunID() string {
	return s.runID
}

func toRemote(messages []Message) []remote.ChatMessage {
	out := make([]remote.ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, remote.ChatMessage{Role: m.Role, Text: m.Text})
	}
	return out
}
