// Package events carries operational telemetry between components. The
// core loop, router, listeners, budget tracker, and self-update all
// publish; the WebSocket handler and the MQTT status topic subscribe.
// Publish on a nil *Bus is a no-op, which lets components take the bus
// as an optional dependency without guard checks.
package events

import (
	"sync"
	"time"
)

// Sources name the publishing component.
const (
	// SourceLoop identifies events from the core iteration loop.
	SourceLoop = "loop"
	// SourceRouter identifies events from the LLM router.
	SourceRouter = "router"
	// SourceChat identifies events from chat enqueue/reply handling.
	SourceChat = "chat"
	// SourceEmail identifies events from the email poller.
	SourceEmail = "email"
	// SourceTelegram identifies events from the Telegram listener.
	SourceTelegram = "telegram"
	// SourceMQTT identifies events from the MQTT channel.
	SourceMQTT = "mqtt"
	// SourceSelfUpdate identifies events from the self-update protocol.
	SourceSelfUpdate = "self_update"
	// SourceBudget identifies events from the budget tracker.
	SourceBudget = "budget"
	// SourceAPI identifies creator actions taken over HTTP.
	SourceAPI = "api"
)

// Kinds name the event type within a source. The Data comments list
// the keys each kind carries.
const (
	// KindIterationStart signals the beginning of a loop iteration.
	// Data: iteration.
	KindIterationStart = "iteration_start"
	// KindIterationComplete signals the end of a loop iteration.
	// Data: iteration, status, model, provider, tokens_in, tokens_out,
	// cost_usd, actions, next_sleep_seconds.
	KindIterationComplete = "iteration_complete"
	// KindStatus carries the periodic dashboard status snapshot.
	// Data: iteration, status, paused, next_wake_seconds.
	KindStatus = "status"
	// KindSleep signals the loop entering adaptive sleep.
	// Data: iteration, sleep_seconds.
	KindSleep = "sleep"
	// KindWake signals an interrupted sleep (chat arrival or wake call).
	// Data: reason.
	KindWake = "wake"
	// KindPaused and KindResumed track the pause flag.
	KindPaused  = "paused"
	KindResumed = "resumed"

	// KindDirectiveUpdated signals a creator-issued directive change.
	// Data: directive.
	KindDirectiveUpdated = "directive_updated"
	// KindGoalsUpdated signals a creator-issued goal replacement.
	// Data: updated (tier names).
	KindGoalsUpdated = "goals_updated"

	// KindLLMCall signals the start of an LLM API call.
	// Data: iteration, tier, provider, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of an LLM API call.
	// Data: iteration, provider, model, tokens_in, tokens_out,
	// cost_usd, latency_ms.
	KindLLMResponse = "llm_response"
	// KindLLMFailure signals a failed LLM call before fallthrough.
	// Data: provider, model, failure_kind, retryable.
	KindLLMFailure = "llm_failure"

	// KindToolCall signals the start of a tool execution.
	// Data: iteration, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: iteration, tool, ok, duration_ms.
	KindToolDone = "tool_done"

	// KindChatReceived signals an incoming creator message.
	// Data: channel, message_id, length.
	KindChatReceived = "chat_received"
	// KindChatReply signals an outgoing agent reply.
	// Data: channel, message_id, length.
	KindChatReply = "chat_reply"

	// KindBudgetCharged signals a completed budget charge.
	// Data: provider, amount, currency, over_cap.
	KindBudgetCharged = "budget_charged"
	// KindCapOverride signals a creator-initiated cap change.
	// Data: old_cap, new_cap.
	KindCapOverride = "cap_override"

	// KindProposalApplied signals an accepted self-update proposal.
	// Data: version, files, message.
	KindProposalApplied = "proposal_applied"
	// KindProposalRejected signals a rejected self-update proposal.
	// Data: reason, paths.
	KindProposalRejected = "proposal_rejected"
	// KindRevert signals a boot-time rollback.
	// Data: from_version, to_version.
	KindRevert = "revert"
	// KindHealthy signals the post-boot health check passing.
	// Data: uptime_seconds.
	KindHealthy = "healthy"
)

// Event is one telemetry record. The JSON shape here is what WebSocket
// clients and the MQTT status topic receive verbatim.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; when a subscriber's buffer is full the event is
// dropped for that subscriber so publishers never stall on a slow
// WebSocket or MQTT consumer.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish broadcasts e to every subscriber. Safe on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now().UTC(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with the given channel buffer and
// returns the receive channel plus a cancel function. Cancel removes
// the subscription and closes the channel; calling it twice is safe.
func (b *Bus) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// No publisher can hold the channel past the delete, so
			// closing here cannot race a send.
			close(ch)
		})
	}
	return ch, cancel
}
