package domain

import "time"

// LogEvent is a single build log line. Rows are append-only; a redelivered message
// produces a second row with a new EventID and identical content.
type LogEvent struct {
	EventID      string    `json:"event_id" ch:"event_id"`
	DeploymentID string    `json:"deployment_id" ch:"deployment_id"`
	Log          string    `json:"log" ch:"log"`
	Timestamp    time.Time `json:"timestamp" ch:"timestamp"`
}
