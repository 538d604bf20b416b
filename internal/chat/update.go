package chat

// ConnState describes the transport connection lifecycle.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// UpdateKind is a notification the engine emits to the UI layer.
type UpdateKind int

const (
	// UpdateMessages signals that a conversation's ordered message list changed.
	UpdateMessages UpdateKind = iota
	// UpdateTyping signals that a conversation's typing label changed.
	UpdateTyping
	// UpdateConversations signals that the conversation list changed.
	UpdateConversations
	// UpdateConnState signals a transport lifecycle transition.
	UpdateConnState
	// UpdateWarning carries a non-fatal, user-visible warning.
	UpdateWarning
)

// Update is sent to the UI layer to describe what changed.
// The UI only ever reads state back through the engine's accessors.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	ConnState      ConnState
	TypingLabel    string
	Warning        string
}
