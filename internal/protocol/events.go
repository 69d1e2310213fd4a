package protocol

// Event names carried in Envelope.Event.
const (
	EventMessageSend          = "message:send"
	EventMessageCreated       = "message:created"
	EventMessageStatusUpdated = "message:status-updated"
	EventMarkedAsRead         = "messages:marked-as-read"
	EventConversationUpdated  = "conversation:updated"
	EventConversationDeleted  = "conversation:deleted"
	EventConversationJoin     = "conversation:join"
	EventUserOnline           = "user:online"
	EventUserOffline          = "user:offline"
	EventUserGetStatus        = "user:get-status"
	EventUserStatus           = "user:status"
	EventForcedLogout         = "auth:forced-logout"

	// EventAck answers a client envelope that carried a ref.
	EventAck = "ack"
)

// Direction says which side of the connection may emit an event.
type Direction int

const (
	ClientToServer Direction = 1 << iota
	ServerToClient
)

var directions = map[string]Direction{
	EventMessageSend:          ClientToServer,
	EventMessageCreated:       ServerToClient,
	EventMessageStatusUpdated: ClientToServer | ServerToClient,
	EventMarkedAsRead:         ClientToServer | ServerToClient,
	EventConversationUpdated:  ServerToClient,
	EventConversationDeleted:  ServerToClient,
	EventConversationJoin:     ClientToServer,
	EventUserOnline:           ServerToClient,
	EventUserOffline:          ServerToClient,
	EventUserGetStatus:        ClientToServer,
	EventUserStatus:           ServerToClient,
	EventForcedLogout:         ServerToClient,
	EventAck:                  ServerToClient,
}

// Allowed reports whether event may travel in direction d.
func Allowed(event string, d Direction) bool {
	return directions[event]&d != 0
}
