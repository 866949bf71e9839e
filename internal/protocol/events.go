// Package protocol defines the WebSocket wire format shared with the
// tutoring backend.
package protocol

import (
	"encoding/json"

	"github.com/lingopod/avatarclient/internal/audio"
)

// Event types carried in the envelope's event_type field.
const (
	EventTextStart         = "EVENT_TEXT_START"
	EventTextUpdate        = "EVENT_TEXT_UPDATE"
	EventTextEnd           = "EVENT_TEXT_END"
	EventAudioAck          = "EVENT_AUDIO_ACK"
	EventAudioStart        = "EVENT_AUDIO_START"
	EventAudioUpdated      = "EVENT_AUDIO_UPDATED"
	EventAudioEnd          = "EVENT_AUDIO_END"
	EventConversationStart = "EVENT_CONVERSATION_START"
	EventConversationState = "EVENT_CONVERSATION_STATUS"
	EventConversationEnd   = "EVENT_CONVERSATION_END"
)

// Request types carried in data.request_type on outbound frames, echoed
// back as data.response_type on inbound ones.
const (
	TypeUserAudio         = "user-audio"
	TypeUserText          = "user-text"
	TypeFeedback          = "feedback"
	TypeStartConversation = "start-conversation"
	TypeTTS               = "tts"
	TypeTranslation       = "translation"
	TypeSuggestion        = "suggestion"
)

// FrameError marks an envelope as an error frame (the type field).
const FrameError = "error"

// Envelope is the outer frame in both directions.
type Envelope struct {
	Type             string          `json:"type,omitempty"` // "error" on backend error frames
	EventType        string          `json:"event_type"`
	UserID           string          `json:"user_id,omitempty"`
	ConversationID   string          `json:"conversation_id,omitempty"`
	MessageID        string          `json:"message_id,omitempty"`
	SelectedTemplate string          `json:"selectedTemplate,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
}

// IsError reports whether the frame is a backend error frame.
func (e Envelope) IsError() bool { return e.Type == FrameError }

// Request is the data object on outbound frames. Audio is base64.
type Request struct {
	RequestType string `json:"request_type"`
	Message     string `json:"message,omitempty"`
	Audio       string `json:"audio,omitempty"`
	Language    string `json:"language,omitempty"`
}

// Response is the data object on inbound frames.
type Response struct {
	ResponseType string                 `json:"response_type,omitempty"`
	Message      string                 `json:"message,omitempty"`
	MessageID    string                 `json:"message_id,omitempty"`
	Audio        *audio.TransportBuffer `json:"audio,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// ParseResponse decodes an envelope's data object.
func ParseResponse(e Envelope) (Response, error) {
	var r Response
	if len(e.Data) == 0 {
		return r, nil
	}
	err := json.Unmarshal(e.Data, &r)
	return r, err
}

// Heartbeat token exchange: the client writes PingToken on an interval and
// the backend answers with PongToken as a bare text frame.
const (
	PingToken = "ping"
	PongToken = "pong"
)
