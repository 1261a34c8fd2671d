package domain

// EscalationReason is the closed set of reason codes the backend emits
// when it wants a human to take over. Unknown codes are passed through
// to the agent verbatim.
type EscalationReason string

const (
	ReasonUserExplicitRequest    EscalationReason = "user_explicit_request"
	ReasonMultipleFailedAttempts EscalationReason = "multiple_failed_attempts"
	ReasonSensitiveTopic         EscalationReason = "sensitive_topic"
	ReasonNoContext              EscalationReason = "no_context"
	ReasonLowSimilarity          EscalationReason = "low_similarity"
)

// EscalationSignal is produced from a Reply with escalate_to_human set
// and consumed once by the escalation coordinator.
type EscalationSignal struct {
	Reason         EscalationReason
	UserQuestion   string
	SessionContext string
}
