// Package message keeps the in-memory conversation transcript and the
// per-message loading flags the pipeline toggles.
package message

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lingopod/avatarclient/internal/bus"
)

// Role identifies who wrote a message.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// LoadingKind is one of the independent loading states a message carries.
type LoadingKind string

const (
	LoadingText        LoadingKind = "text"
	LoadingTranslation LoadingKind = "translation"
	LoadingFeedback    LoadingKind = "feedback"
	LoadingSuggestion  LoadingKind = "suggestion"
	LoadingTTS         LoadingKind = "tts"
)

// Message is one transcript entry.
type Message struct {
	ID          string
	Role        Role
	Text        string
	Translation string
	Feedback    string
	Suggestion  string
	Loading     map[LoadingKind]bool
	Errors      map[LoadingKind]string
	CreatedAt   time.Time
}

func (m *Message) isLoading() bool {
	for _, v := range m.Loading {
		if v {
			return true
		}
	}
	return false
}

// Store holds the transcript for the active conversation.
type Store struct {
	logger zerolog.Logger
	bus    *bus.EventBus

	mu             sync.RWMutex
	conversationID string
	order          []string
	byID           map[string]*Message
}

// NewStore creates an empty store. eventBus may be nil.
func NewStore(logger zerolog.Logger, eventBus *bus.EventBus) *Store {
	return &Store{
		logger: logger.With().Str("component", "messages").Logger(),
		bus:    eventBus,
		byID:   make(map[string]*Message),
	}
}

func (s *Store) publish(t bus.EventType, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(bus.Event{Type: t, Data: data})
	}
}

// StartConversation records the active conversation and clears the
// transcript of the previous one.
func (s *Store) StartConversation(conversationID string) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.order = nil
	s.byID = make(map[string]*Message)
	s.mu.Unlock()
	s.publish(bus.EventTypeConversationStarted, map[string]any{"conversationID": conversationID})
}

// EndConversation drops the active conversation id; the transcript stays
// readable until the next start.
func (s *Store) EndConversation() {
	s.mu.Lock()
	s.conversationID = ""
	s.mu.Unlock()
	s.publish(bus.EventTypeConversationEnded, nil)
}

// ConversationID returns the active conversation, empty when none.
func (s *Store) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

func (s *Store) ensureLocked(id string, role Role) *Message {
	m, ok := s.byID[id]
	if !ok {
		m = &Message{
			ID:        id,
			Role:      role,
			Loading:   make(map[LoadingKind]bool),
			Errors:    make(map[LoadingKind]string),
			CreatedAt: time.Now(),
		}
		s.byID[id] = m
		s.order = append(s.order, id)
	}
	return m
}

// AddUser appends a user message.
func (s *Store) AddUser(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.ensureLocked(id, RoleUser)
	m.Text = text
}

// StartBot opens a streaming bot message in the text-loading state.
func (s *Store) StartBot(id string) {
	s.mu.Lock()
	m := s.ensureLocked(id, RoleBot)
	m.Loading[LoadingText] = true
	s.mu.Unlock()
	s.publish(bus.EventTypeBotTextStarted, map[string]any{"messageID": id})
}

// AppendBot adds a streamed text delta to a bot message.
func (s *Store) AppendBot(id, delta string) {
	s.mu.Lock()
	m := s.ensureLocked(id, RoleBot)
	m.Text += delta
	s.mu.Unlock()
	s.publish(bus.EventTypeBotTextUpdated, map[string]any{"messageID": id})
}

// CompleteBot replaces the streamed text with the final form (when given)
// and clears the text-loading state.
func (s *Store) CompleteBot(id, finalText string) {
	s.mu.Lock()
	m := s.ensureLocked(id, RoleBot)
	if finalText != "" {
		m.Text = finalText
	}
	m.Loading[LoadingText] = false
	s.mu.Unlock()
	s.publish(bus.EventTypeBotTextEnded, map[string]any{"messageID": id})
}

// SetLoading toggles one loading flag.
func (s *Store) SetLoading(id string, kind LoadingKind, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return
	}
	m.Loading[kind] = on
	if on {
		delete(m.Errors, kind)
	}
}

// SetTranslation stores a finished translation.
func (s *Store) SetTranslation(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[id]; ok {
		m.Translation = text
		m.Loading[LoadingTranslation] = false
	}
}

// SetFeedback stores finished feedback.
func (s *Store) SetFeedback(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[id]; ok {
		m.Feedback = text
		m.Loading[LoadingFeedback] = false
	}
}

// SetSuggestion stores a finished suggestion.
func (s *Store) SetSuggestion(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[id]; ok {
		m.Suggestion = text
		m.Loading[LoadingSuggestion] = false
	}
}

// SetError records a failure for one aspect of a message and clears its
// loading flag.
func (s *Store) SetError(id string, kind LoadingKind, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return
	}
	m.Errors[kind] = msg
	m.Loading[kind] = false
}

// MostRecentLoadingBot returns the newest bot message with any loading
// flag set. Error frames without a message id land here.
func (s *Store) MostRecentLoadingBot() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		m := s.byID[s.order[i]]
		if m.Role == RoleBot && m.isLoading() {
			return m.ID, true
		}
	}
	return "", false
}

// ClearAllLoading drops every loading flag, used when the connection gives
// up and nothing further will arrive.
func (s *Store) ClearAllLoading() {
	s.mu.Lock()
	for _, m := range s.byID {
		for k := range m.Loading {
			m.Loading[k] = false
		}
	}
	s.mu.Unlock()
	s.publish(bus.EventTypeLoadingCleared, nil)
}

// Get returns a copy of one message.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return copyMessage(m), true
}

// Messages returns the transcript in order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyMessage(s.byID[id]))
	}
	return out
}

func copyMessage(m *Message) Message {
	cp := *m
	cp.Loading = make(map[LoadingKind]bool, len(m.Loading))
	for k, v := range m.Loading {
		cp.Loading[k] = v
	}
	cp.Errors = make(map[LoadingKind]string, len(m.Errors))
	for k, v := range m.Errors {
		cp.Errors[k] = v
	}
	return cp
}
