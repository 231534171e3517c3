package bus

// Turn lifecycle topics. A turn is one inbound message answered end to end.
const (
	TopicTurnStarted   = "turn.started"
	TopicTurnRetrying  = "turn.retrying"
	TopicTurnCompleted = "turn.completed"
	TopicTurnFailed    = "turn.failed"
)

// Session store topics.
const (
	TopicSessionEvicted = "session.evicted"
	TopicSessionDeleted = "session.deleted"
)

// Config topics.
const (
	TopicConfigReloaded = "config.reloaded"
)

// TurnEvent describes a turn at a lifecycle boundary.
type TurnEvent struct {
	TurnID     string `json:"turn_id"`
	SessionKey string `json:"session_key"`
	Platform   string `json:"platform"`
	State      string `json:"state"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error,omitempty"`
}

// TurnCompletedEvent is published after a turn's answer has been finalized.
type TurnCompletedEvent struct {
	TurnID        string  `json:"turn_id"`
	SessionKey    string  `json:"session_key"`
	Retried       bool    `json:"retried"`
	Turns         int     `json:"turns"`
	CostUSD       float64 `json:"cost_usd"`
	DurationMS    int64   `json:"duration_ms"`
	ContentLength int     `json:"content_length"`
	Edits         int     `json:"edits"`
}

// SessionEvictedEvent reports one sweep that removed at least one row.
type SessionEvictedEvent struct {
	Count int64  `json:"count"`
	TTL   string `json:"ttl"`
}

// SessionDeletedEvent reports removal of a single mapping, usually after the
// backend rejected its session id.
type SessionDeletedEvent struct {
	SessionKey string `json:"session_key"`
	Reason     string `json:"reason"`
}

// ConfigReloadedEvent is published after config.yaml changes were applied.
// RestartRequired names changed settings that were not applied.
type ConfigReloadedEvent struct {
	Fingerprint     string   `json:"fingerprint"`
	RestartRequired []string `json:"restart_required,omitempty"`
}
