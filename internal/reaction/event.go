package reaction

// TriggeredPayload is a reaction.triggered event's data. SessionID is
// carried as its own field rather than overloading RequestID, resolving
// the reaction-event keyspace ambiguity: the bus still indexes this
// event's JSONL file by RequestID (set to the session id, matching prior
// behavior), but readers no longer have to infer which keyspace
// request_id belongs to for this event type.
type TriggeredPayload struct {
	Trigger    string `json:"trigger"`
	Action     Action `json:"action"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	SessionID  string `json:"session_id"`
}

func (p TriggeredPayload) toData() map[string]any {
	return map[string]any{
		"trigger":     p.Trigger,
		"action":      string(p.Action),
		"attempts":    p.Attempts,
		"max_retries": p.MaxRetries,
		"session_id":  p.SessionID,
	}
}
