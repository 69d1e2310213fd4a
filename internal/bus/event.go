package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published inside the client daemon.
const (
	// KindMessageChanged is published by the store after every committed write. Payload: store.Change.
	KindMessageChanged = "store.message_changed"
	// KindConversationDeleted is published by the store when a conversation is purged. Payload: string id.
	KindConversationDeleted = "store.conversation_deleted"

	// KindQueueStats carries outbox.Stats after every queue mutation.
	KindQueueStats = "queue.stats"
	// KindQueueStatus carries outbox.StatusEvent when the engine moves a message.
	KindQueueStatus = "queue.message_status"

	// KindTransportStatus carries status.StatusChange for the relay connection.
	KindTransportStatus = "transport.status_changed"

	// RelayPrefix namespaces inbound relay events; the suffix is the protocol event name.
	RelayPrefix = "relay."
)

// RelayKind returns the bus kind for an inbound protocol event.
func RelayKind(event string) string {
	return RelayPrefix + event
}
