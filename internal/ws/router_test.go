package ws

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingopod/avatarclient/internal/alert"
	"github.com/lingopod/avatarclient/internal/message"
	"github.com/lingopod/avatarclient/internal/protocol"
	"github.com/lingopod/avatarclient/internal/turn"
)

type routerFixture struct {
	router  *Router
	session *Session
	store   *message.Store
	acc     *turn.Accumulator
	alerts  *alert.Alerter

	mu        sync.Mutex
	finalized []turn.Finalized
}

func newRouterFixture(t *testing.T) *routerFixture {
	f := &routerFixture{}
	cfg := &turn.Config{
		BaseDelay:     20 * time.Millisecond,
		TextEndDelay:  10 * time.Millisecond,
		PerChunkDelay: time.Millisecond,
		MaxChunks:     100,
	}
	f.acc = turn.NewAccumulator(zerolog.Nop(), cfg, nil, func(fin turn.Finalized) error {
		f.mu.Lock()
		f.finalized = append(f.finalized, fin)
		f.mu.Unlock()
		return nil
	})
	t.Cleanup(f.acc.Close)

	f.session = NewSession("u1", "tpl", "es")
	f.store = message.NewStore(zerolog.Nop(), nil)
	f.alerts = alert.New(zerolog.Nop(), nil)
	f.router = NewRouter(zerolog.Nop(), nil, f.session, f.store, f.acc, f.alerts)
	return f
}

func (f *routerFixture) finalizedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finalized)
}

func envelope(eventType, messageID string, data any) protocol.Envelope {
	raw, _ := json.Marshal(data)
	return protocol.Envelope{EventType: eventType, MessageID: messageID, Data: raw}
}

func audioData(bytes []int) map[string]any {
	return map[string]any{
		"audio": map[string]any{"type": "Buffer", "data": bytes},
	}
}

func TestRouterTextStream(t *testing.T) {
	f := newRouterFixture(t)

	f.router.Handle(envelope(protocol.EventTextStart, "m1", nil))
	f.router.Handle(envelope(protocol.EventTextUpdate, "m1", map[string]any{"message": "Hola"}))
	f.router.Handle(envelope(protocol.EventTextUpdate, "m1", map[string]any{"message": ", amigo"}))

	m, ok := f.store.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "Hola, amigo", m.Text)
	assert.True(t, m.Loading[message.LoadingText])

	f.router.Handle(envelope(protocol.EventTextEnd, "m1", map[string]any{"message": "Hola, amigo!"}))
	m, _ = f.store.Get("m1")
	assert.Equal(t, "Hola, amigo!", m.Text)
	assert.False(t, m.Loading[message.LoadingText])
}

func TestRouterAudioTurn(t *testing.T) {
	f := newRouterFixture(t)

	f.router.Handle(envelope(protocol.EventAudioStart, "m1", audioData([]int{1, 2})))
	f.router.Handle(envelope(protocol.EventAudioUpdated, "m1", audioData([]int{3, 4})))
	f.router.Handle(envelope(protocol.EventAudioEnd, "m1", nil))

	require.Eventually(t, func() bool { return f.finalizedCount() == 1 }, time.Second, 5*time.Millisecond)

	f.mu.Lock()
	fin := f.finalized[0]
	f.mu.Unlock()
	assert.Equal(t, "m1", fin.TurnID)
	assert.Equal(t, []byte{1, 2, 3, 4}, fin.Data)
}

func TestRouterTextEndShortensAudioWindow(t *testing.T) {
	f := newRouterFixture(t)

	f.router.Handle(envelope(protocol.EventAudioStart, "m1", audioData([]int{9})))
	f.router.Handle(envelope(protocol.EventTextEnd, "m1", map[string]any{"message": "done"}))

	// Finalizes on the shortened window without an explicit audio end.
	require.Eventually(t, func() bool { return f.finalizedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRouterResponseTypes(t *testing.T) {
	f := newRouterFixture(t)
	f.store.StartBot("m1")
	f.store.SetLoading("m1", message.LoadingTranslation, true)

	f.router.Handle(envelope(protocol.EventTextEnd, "m1", map[string]any{
		"response_type": protocol.TypeTranslation,
		"message":       "Hello, friend",
	}))

	m, _ := f.store.Get("m1")
	assert.Equal(t, "Hello, friend", m.Translation)
	assert.False(t, m.Loading[message.LoadingTranslation])
}

func TestRouterErrorFrame(t *testing.T) {
	f := newRouterFixture(t)
	f.store.StartBot("m1")
	f.store.SetLoading("m1", message.LoadingTranslation, true)

	f.router.Handle(protocol.Envelope{
		Type:      protocol.FrameError,
		EventType: protocol.EventTextEnd,
		MessageID: "m1",
		Data:      mustJSON(map[string]any{"response_type": protocol.TypeTranslation, "error": "boom"}),
	})

	m, _ := f.store.Get("m1")
	assert.False(t, m.Loading[message.LoadingTranslation])
	assert.Equal(t, alert.MsgTranslation, m.Errors[message.LoadingTranslation])
	assert.Contains(t, f.alerts.Active(), "translation:m1")
}

func TestRouterErrorWithoutIDTargetsLoadingBot(t *testing.T) {
	f := newRouterFixture(t)
	f.store.StartBot("m1")
	f.store.StartBot("m2")

	f.router.Handle(protocol.Envelope{
		Type:      protocol.FrameError,
		EventType: protocol.EventTextEnd,
		Data:      mustJSON(map[string]any{"error": "boom"}),
	})

	// The newest loading bot message takes the hit.
	m2, _ := f.store.Get("m2")
	assert.NotEmpty(t, m2.Errors[message.LoadingText])
	m1, _ := f.store.Get("m1")
	assert.Empty(t, m1.Errors[message.LoadingText])
}

func TestRouterTextStartLiftsInterruptFence(t *testing.T) {
	f := newRouterFixture(t)

	f.acc.AbandonAll("user interrupted")

	// In-flight audio after the interrupt is dropped silently.
	f.router.Handle(envelope(protocol.EventAudioUpdated, "m1", audioData([]int{1, 2})))
	assert.Zero(t, f.acc.PendingChunks("m1"))

	// The next bot turn re-opens the accumulator.
	f.router.Handle(envelope(protocol.EventTextStart, "m2", nil))
	f.router.Handle(envelope(protocol.EventAudioStart, "m2", audioData([]int{3, 4})))
	f.router.Handle(envelope(protocol.EventAudioEnd, "m2", nil))

	require.Eventually(t, func() bool { return f.finalizedCount() == 1 }, time.Second, 5*time.Millisecond)
	f.mu.Lock()
	fin := f.finalized[0]
	f.mu.Unlock()
	assert.Equal(t, "m2", fin.TurnID)
	assert.Equal(t, []byte{3, 4}, fin.Data)
}

func TestRouterConversationLifecycle(t *testing.T) {
	f := newRouterFixture(t)

	f.router.Handle(protocol.Envelope{
		EventType:      protocol.EventConversationStart,
		ConversationID: "conv-9",
	})
	assert.Equal(t, "conv-9", f.session.ConversationID())
	assert.Equal(t, "conv-9", f.store.ConversationID())

	f.router.Handle(protocol.Envelope{EventType: protocol.EventConversationEnd})
	assert.Empty(t, f.session.ConversationID())
	assert.Empty(t, f.store.ConversationID())
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
