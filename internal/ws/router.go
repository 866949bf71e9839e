package ws

import (
	"github.com/rs/zerolog"

	"github.com/lingopod/avatarclient/internal/alert"
	"github.com/lingopod/avatarclient/internal/bus"
	"github.com/lingopod/avatarclient/internal/message"
	"github.com/lingopod/avatarclient/internal/protocol"
	"github.com/lingopod/avatarclient/internal/turn"
)

// Router dispatches inbound envelopes to the transcript, the audio
// accumulator, and the session.
type Router struct {
	logger  zerolog.Logger
	bus     *bus.EventBus
	session *Session
	store   *message.Store
	acc     *turn.Accumulator
	alerts  *alert.Alerter
}

// NewRouter wires the inbound side.
func NewRouter(logger zerolog.Logger, eventBus *bus.EventBus, session *Session, store *message.Store, acc *turn.Accumulator, alerts *alert.Alerter) *Router {
	return &Router{
		logger:  logger.With().Str("component", "router").Logger(),
		bus:     eventBus,
		session: session,
		store:   store,
		acc:     acc,
		alerts:  alerts,
	}
}

// Handle routes one envelope. Registered as the client's OnEnvelope.
func (r *Router) Handle(env protocol.Envelope) {
	resp, err := protocol.ParseResponse(env)
	if err != nil {
		r.logger.Warn().Err(err).Str("event", env.EventType).Msg("Bad envelope data")
		return
	}

	if env.IsError() {
		r.handleError(env, resp)
		return
	}

	switch env.EventType {
	case protocol.EventTextStart:
		// A new bot turn begins: audio may flow again after an interrupt.
		r.acc.Resume()
		r.store.StartBot(env.MessageID)

	case protocol.EventTextUpdate:
		r.store.AppendBot(env.MessageID, resp.Message)

	case protocol.EventTextEnd:
		r.handleTextEnd(env, resp)

	case protocol.EventAudioStart, protocol.EventAudioUpdated:
		if resp.Audio == nil {
			r.logger.Debug().Str("event", env.EventType).Msg("Audio event without payload")
			return
		}
		if err := r.acc.Append(env.MessageID, resp.Audio.Bytes()); err != nil {
			r.logger.Warn().Err(err).Str("messageID", env.MessageID).Msg("Chunk rejected")
		}

	case protocol.EventAudioEnd:
		// The backend is done producing audio for this turn.
		if err := r.acc.Flush(env.MessageID); err != nil {
			r.logger.Debug().Err(err).Str("messageID", env.MessageID).Msg("Audio end for unknown turn")
		}

	case protocol.EventAudioAck:
		// The backend accepted our uploaded audio; nothing to do.

	case protocol.EventConversationStart:
		r.acc.Resume()
		r.session.SetConversation(env.ConversationID)
		r.store.StartConversation(env.ConversationID)

	case protocol.EventConversationEnd:
		r.session.SetConversation("")
		r.store.EndConversation()

	case protocol.EventConversationState:
		r.logger.Debug().Str("messageID", env.MessageID).Msg("Conversation status")

	default:
		r.logger.Debug().Str("event", env.EventType).Msg("Unhandled event type")
	}
}

// handleTextEnd completes either the streamed bot text or one of the
// follow-up responses, keyed by response_type.
func (r *Router) handleTextEnd(env protocol.Envelope, resp protocol.Response) {
	if resp.ResponseType == "" || resp.ResponseType == protocol.TypeUserText || resp.ResponseType == protocol.TypeUserAudio {
		r.store.CompleteBot(env.MessageID, resp.Message)
		// Text is done: shrink the audio finalization window.
		if err := r.acc.TextEnd(env.MessageID); err != nil {
			r.logger.Debug().Err(err).Str("messageID", env.MessageID).Msg("Text end without audio turn")
		}
		return
	}

	switch resp.ResponseType {
	case protocol.TypeTranslation:
		r.store.SetTranslation(env.MessageID, resp.Message)
	case protocol.TypeFeedback:
		r.store.SetFeedback(env.MessageID, resp.Message)
	case protocol.TypeSuggestion:
		r.store.SetSuggestion(env.MessageID, resp.Message)
	case protocol.TypeTTS:
		r.store.SetLoading(env.MessageID, message.LoadingTTS, false)
	case protocol.TypeStartConversation:
		r.session.SetConversation(env.ConversationID)
		r.store.StartConversation(env.ConversationID)
	default:
		r.logger.Debug().Str("responseType", resp.ResponseType).Msg("Unhandled response type")
	}
}

// handleError clears the loading state matching the failed response type
// and raises the corresponding alert.
func (r *Router) handleError(env protocol.Envelope, resp protocol.Response) {
	messageID := env.MessageID
	if messageID == "" {
		messageID = resp.MessageID
	}
	if messageID == "" {
		// Error without an id: pin it on the newest loading bot message.
		if id, ok := r.store.MostRecentLoadingBot(); ok {
			messageID = id
		}
	}
	r.logger.Error().
		Str("event", env.EventType).
		Str("responseType", resp.ResponseType).
		Str("messageID", messageID).
		Str("error", resp.Error).
		Msg("Backend error frame")

	switch resp.ResponseType {
	case protocol.TypeTranslation:
		r.store.SetError(messageID, message.LoadingTranslation, alert.MsgTranslation)
		r.alerts.Raise("translation:"+messageID, alert.MsgTranslation)
	case protocol.TypeFeedback:
		r.store.SetError(messageID, message.LoadingFeedback, alert.MsgFeedback)
		r.alerts.Raise("feedback:"+messageID, alert.MsgFeedback)
	case protocol.TypeSuggestion:
		r.store.SetError(messageID, message.LoadingSuggestion, alert.MsgUnexpected)
		r.alerts.Raise("suggestion:"+messageID, alert.MsgUnexpected)
	case protocol.TypeTTS:
		// TTS failure kills the pending audio turn too.
		r.store.SetError(messageID, message.LoadingTTS, alert.MsgUnexpected)
		r.acc.Abandon(messageID, "tts error")
	default:
		r.store.SetError(messageID, message.LoadingText, alert.MsgUnexpected)
		r.acc.Abandon(messageID, "backend error")
		r.alerts.Raise("unexpected", alert.MsgUnexpected)
	}
}
