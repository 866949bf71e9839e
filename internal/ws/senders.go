package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/lingopod/avatarclient/internal/alert"
	"github.com/lingopod/avatarclient/internal/protocol"
)

// ErrNoConversation is returned when a sender needs an active conversation.
var ErrNoConversation = errors.New("ws: no active conversation, start a lesson first")

// Session carries the identity stamped on every outbound envelope.
type Session struct {
	mu             sync.RWMutex
	userID         string
	template       string
	language       string
	conversationID string
}

// NewSession creates a session for a user and lesson template.
func NewSession(userID, template, language string) *Session {
	return &Session{userID: userID, template: template, language: language}
}

// SetConversation records the conversation id handed out by the backend.
func (s *Session) SetConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
}

// ConversationID returns the active conversation id.
func (s *Session) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Template returns the selected lesson template.
func (s *Session) Template() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.template
}

// UserID returns the learner id.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Sender builds and sends outbound envelopes.
type Sender struct {
	client  *Client
	session *Session
	alerts  *alert.Alerter
}

// NewSender wires a sender over the client and session.
func NewSender(client *Client, session *Session, alerts *alert.Alerter) *Sender {
	return &Sender{client: client, session: session, alerts: alerts}
}

// envelope assembles the outer frame. messageID may be empty for
// conversation-level events; a fresh uuid is used then.
func (s *Sender) envelope(eventType, messageID string, req protocol.Request, needConversation bool) (protocol.Envelope, error) {
	s.session.mu.RLock()
	userID := s.session.userID
	template := s.session.template
	conversationID := s.session.conversationID
	s.session.mu.RUnlock()

	if needConversation && conversationID == "" {
		return protocol.Envelope{}, ErrNoConversation
	}
	if template == "" {
		if s.alerts != nil {
			s.alerts.Raise("no-template", alert.MsgNoTemplate)
		}
		return protocol.Envelope{}, fmt.Errorf("ws: missing lesson template")
	}
	if messageID == "" {
		messageID = uuid.New().String()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("ws: marshal request: %w", err)
	}
	return protocol.Envelope{
		EventType:        eventType,
		UserID:           userID,
		ConversationID:   conversationID,
		MessageID:        messageID,
		SelectedTemplate: template,
		Data:             data,
	}, nil
}

func (s *Sender) send(eventType, messageID string, req protocol.Request, needConversation bool) (string, error) {
	env, err := s.envelope(eventType, messageID, req, needConversation)
	if err != nil {
		return "", err
	}
	return env.MessageID, s.client.Send(env)
}

// StartConversation asks the backend to open a lesson conversation.
func (s *Sender) StartConversation() error {
	s.session.mu.RLock()
	language := s.session.language
	s.session.mu.RUnlock()
	_, err := s.send(protocol.EventConversationStart, "", protocol.Request{
		RequestType: protocol.TypeStartConversation,
		Language:    language,
	}, false)
	return err
}

// EndConversation closes the active conversation.
func (s *Sender) EndConversation() error {
	_, err := s.send(protocol.EventConversationEnd, "", protocol.Request{}, true)
	if err == nil {
		s.session.SetConversation("")
	}
	return err
}

// SendText submits a typed user message and returns its message id.
func (s *Sender) SendText(text string) (string, error) {
	return s.send(protocol.EventTextStart, "", protocol.Request{
		RequestType: protocol.TypeUserText,
		Message:     text,
	}, true)
}

// SendAudio streams one captured user audio chunk (base64) under a stable
// session message id.
func (s *Sender) SendAudio(messageID, base64Audio string) error {
	_, err := s.send(protocol.EventAudioStart, messageID, protocol.Request{
		RequestType: protocol.TypeUserAudio,
		Audio:       base64Audio,
	}, true)
	return err
}

// SendAudioEnd marks the user's audio stream as finished; trailing audio
// may ride along.
func (s *Sender) SendAudioEnd(messageID, base64Audio string) error {
	_, err := s.send(protocol.EventAudioEnd, messageID, protocol.Request{
		RequestType: protocol.TypeUserAudio,
		Audio:       base64Audio,
	}, true)
	return err
}

// RequestTranslation asks for a translation of a message.
func (s *Sender) RequestTranslation(messageID string) error {
	_, err := s.send(protocol.EventTextStart, messageID, protocol.Request{
		RequestType: protocol.TypeTranslation,
	}, true)
	return err
}

// RequestFeedback asks for language feedback on a user message.
func (s *Sender) RequestFeedback(messageID string) error {
	_, err := s.send(protocol.EventTextStart, messageID, protocol.Request{
		RequestType: protocol.TypeFeedback,
	}, true)
	return err
}

// RequestSuggestion asks for a suggested reply.
func (s *Sender) RequestSuggestion(messageID string) error {
	_, err := s.send(protocol.EventTextStart, messageID, protocol.Request{
		RequestType: protocol.TypeSuggestion,
	}, true)
	return err
}

// RequestTTS asks the backend to synthesize a message again.
func (s *Sender) RequestTTS(messageID string) error {
	_, err := s.send(protocol.EventTextStart, messageID, protocol.Request{
		RequestType: protocol.TypeTTS,
	}, true)
	return err
}
