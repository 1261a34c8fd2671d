package domain

// Reply is the backend's answer to a single question. Every field is
// optional on the wire; the backend may omit any of them.
type Reply struct {
	FullConversation string
	Answer           string
	Escalate         bool
	EscalationReason string
	UserQuestion     string
	SessionContext   string
}

// NormalizedReply is the display-ready form of a Reply after extraction.
type NormalizedReply struct {
	HTML     string
	Degraded bool // placeholder or flat-answer fallback was used
}
