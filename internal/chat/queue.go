// Package chat is the single channel between external listeners and
// the core loop. Listeners (HTTP, MQTT, email, Telegram) hold only the
// enqueue side; the loop drains in bounded batches and delivers replies
// back through per-channel senders registered at startup. Neither side
// ever holds a pointer into the other.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jarvis-agent/jarvis/internal/events"
	"github.com/jarvis-agent/jarvis/internal/state"
)

// DefaultMaxPending bounds how many undrained creator messages the
// queue accepts before refusing new ones.
const DefaultMaxPending = 1024

// SendFunc delivers an agent reply back over the channel the original
// message arrived on. origin is the creator message being answered.
type SendFunc func(ctx context.Context, content string, origin state.ChatMessage) error

// Queue wraps the durable chat log with arrival signaling, reply
// waiting, and per-channel delivery. All methods are safe for
// concurrent use.
type Queue struct {
	logger *slog.Logger
	store  *state.Store
	bus    *events.Bus
	max    int

	// arrival and wake are coalesced signals: capacity 1, non-blocking
	// send. The loop selects over them during sleep.
	arrival chan struct{}
	wake    chan struct{}

	mu      sync.Mutex
	pending int
	senders map[string]SendFunc
	waiters map[string]chan state.ChatMessage
}

// New builds the queue on top of the durable log. The pending count is
// rebuilt from messages past the drain cursor so a restart does not
// forget queued work.
func New(logger *slog.Logger, store *state.Store, bus *events.Bus, maxPending int) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	q := &Queue{
		logger:  logger.With("component", "chat"),
		store:   store,
		bus:     bus,
		max:     maxPending,
		arrival: make(chan struct{}, 1),
		wake:    make(chan struct{}, 1),
		senders: make(map[string]SendFunc),
		waiters: make(map[string]chan state.ChatMessage),
	}

	st, err := store.State()
	if err != nil {
		return nil, fmt.Errorf("load chat cursor: %w", err)
	}
	undrained, err := store.ChatSince(st.LastChatID, maxPending+1)
	if err != nil {
		return nil, fmt.Errorf("count undrained chat: %w", err)
	}
	q.pending = len(undrained)
	if q.pending > 0 {
		q.signal(q.arrival)
	}
	return q, nil
}

// Enqueue persists a creator message and signals the loop. Returns the
// assigned message ID. Fails when the queue is full; callers surface
// that to the sender rather than dropping silently.
func (q *Queue) Enqueue(msg *state.ChatMessage) (string, error) {
	if msg == nil || msg.Content == "" {
		return "", fmt.Errorf("empty chat message")
	}
	msg.Role = state.RoleCreator

	q.mu.Lock()
	if q.pending >= q.max {
		q.mu.Unlock()
		return "", fmt.Errorf("chat queue full (%d pending)", q.max)
	}
	q.pending++
	q.mu.Unlock()

	if err := q.store.AppendChat(msg); err != nil {
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
		return "", err
	}

	q.signal(q.arrival)
	q.bus.Emit(events.SourceChat, events.KindChatReceived, map[string]any{
		"channel":    msg.Channel,
		"message_id": msg.ID,
		"length":     len(msg.Content),
	})
	q.logger.Info("chat enqueued", "channel", msg.Channel, "id", msg.ID, "length", len(msg.Content))
	return msg.ID, nil
}

// EnqueueAwait persists a creator message with its reply waiter
// already registered. Synchronous callers (the /chat handler) use this
// instead of Enqueue + AwaitReply: registering after the enqueue
// leaves a window where the loop drains, plans, and delivers before
// the waiter exists, and the reply then finds nobody. The message ID
// is assigned here so the registration can precede persistence.
func (q *Queue) EnqueueAwait(msg *state.ChatMessage) (id string, ch <-chan state.ChatMessage, cancel func(), err error) {
	if msg == nil || msg.Content == "" {
		return "", nil, nil, fmt.Errorf("empty chat message")
	}
	if msg.ID == "" {
		msg.ID = state.NewID()
	}
	ch, cancel = q.AwaitReply(msg.ID)
	if _, err := q.Enqueue(msg); err != nil {
		cancel()
		return "", nil, nil, err
	}
	return msg.ID, ch, cancel, nil
}

// Drain returns up to max pending creator messages, oldest first, and
// advances the durable cursor past them. Only the loop calls this.
func (q *Queue) Drain(max int) ([]state.ChatMessage, error) {
	st, err := q.store.State()
	if err != nil {
		return nil, err
	}
	msgs, err := q.store.ChatSince(st.LastChatID, max)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	last := msgs[len(msgs)-1].ID
	if _, err := q.store.Mutate(func(s *state.AgentState) {
		s.LastChatID = last
	}); err != nil {
		return nil, fmt.Errorf("advance chat cursor: %w", err)
	}

	q.mu.Lock()
	q.pending -= len(msgs)
	if q.pending < 0 {
		q.pending = 0
	}
	q.mu.Unlock()
	return msgs, nil
}

// Pending returns the number of enqueued creator messages not yet
// drained by the loop.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Deliver persists an agent reply and routes it: a waiter blocked on
// the origin message (synchronous /chat) is completed, and the
// channel's registered sender pushes it out. origin may be nil for
// unsolicited replies, which are persisted and broadcast only.
func (q *Queue) Deliver(ctx context.Context, content string, origin *state.ChatMessage, metadata map[string]string) (*state.ChatMessage, error) {
	reply := &state.ChatMessage{
		Role:     state.RoleJarvis,
		Channel:  "api",
		Content:  content,
		Metadata: metadata,
	}
	if origin != nil {
		reply.Channel = origin.Channel
		if reply.Metadata == nil {
			reply.Metadata = map[string]string{}
		}
		reply.Metadata["reply_to"] = origin.ID
	}
	if err := q.store.AppendChat(reply); err != nil {
		return nil, err
	}

	q.bus.Emit(events.SourceChat, events.KindChatReply, map[string]any{
		"channel":    reply.Channel,
		"message_id": reply.ID,
		"length":     len(reply.Content),
	})

	if origin != nil {
		q.completeWaiter(origin.ID, *reply)
		if send := q.sender(origin.Channel); send != nil {
			if err := send(ctx, content, *origin); err != nil {
				q.logger.Error("reply delivery failed",
					"channel", origin.Channel,
					"reply_to", origin.ID,
					"error", err)
			}
		}
	}
	return reply, nil
}

// Resolve completes the waiter for message id with an already-persisted
// reply, without writing anything. The loop uses this when one reply
// answers a whole drained batch: the newest message gets the Deliver,
// the older ones resolve against the same reply.
func (q *Queue) Resolve(id string, reply state.ChatMessage) {
	q.completeWaiter(id, reply)
}

// AwaitReply registers interest in the reply to message id. The
// returned channel receives at most one message; cancel must be called
// to release the registration when the caller gives up.
func (q *Queue) AwaitReply(id string) (ch <-chan state.ChatMessage, cancel func()) {
	c := make(chan state.ChatMessage, 1)
	q.mu.Lock()
	q.waiters[id] = c
	q.mu.Unlock()
	return c, func() {
		q.mu.Lock()
		delete(q.waiters, id)
		q.mu.Unlock()
	}
}

// RegisterSender installs the reply path for a channel name (mqtt,
// email, telegram). Listeners call this once at startup.
func (q *Queue) RegisterSender(channel string, fn SendFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.senders[channel] = fn
}

// Wake interrupts the loop's sleep without enqueuing anything.
func (q *Queue) Wake() {
	q.signal(q.wake)
}

// ArrivalCh signals when a new creator message was enqueued. Coalesced:
// one receive may cover several arrivals.
func (q *Queue) ArrivalCh() <-chan struct{} { return q.arrival }

// WakeCh signals an external wake request.
func (q *Queue) WakeCh() <-chan struct{} { return q.wake }

func (q *Queue) sender(channel string) SendFunc {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.senders[channel]
}

func (q *Queue) completeWaiter(id string, reply state.ChatMessage) {
	q.mu.Lock()
	w, ok := q.waiters[id]
	if ok {
		delete(q.waiters, id)
	}
	q.mu.Unlock()
	if ok {
		w <- reply
	}
}

func (q *Queue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
