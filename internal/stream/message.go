package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/splax/shipyard/internal/domain"
)

// ErrMalformed reports a message that cannot be ingested.
var ErrMalformed = errors.New("malformed log message")

// Message is the JSON value published by build workers.
type Message struct {
	ProjectID    string `json:"PROJECT_ID"`
	DeploymentID string `json:"DEPLOYMENT_ID"`
	Log          string `json:"log"`
	// Status optionally reports a build lifecycle change alongside the line.
	Status domain.DeploymentStatus `json:"STATUS,omitempty"`
	Error  string                  `json:"ERROR,omitempty"`
}

type wireMessage struct {
	ProjectID          string  `json:"PROJECT_ID"`
	DeploymentID       string  `json:"DEPLOYMENT_ID"`
	LegacyDeploymentID string  `json:"DEPLOYEMENT_ID"`
	Log                *string `json:"log"`
	Status             string  `json:"STATUS"`
	Error              string  `json:"ERROR"`
}

// Decode parses a message value. Older workers spell the deployment key
// DEPLOYEMENT_ID; both spellings are accepted.
func Decode(value []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(value, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := Message{
		ProjectID:    strings.TrimSpace(wire.ProjectID),
		DeploymentID: strings.TrimSpace(wire.DeploymentID),
		Error:        wire.Error,
	}
	if msg.DeploymentID == "" {
		msg.DeploymentID = strings.TrimSpace(wire.LegacyDeploymentID)
	}
	if msg.DeploymentID == "" {
		return Message{}, fmt.Errorf("%w: missing DEPLOYMENT_ID", ErrMalformed)
	}
	if wire.Log == nil {
		return Message{}, fmt.Errorf("%w: missing log", ErrMalformed)
	}
	msg.Log = *wire.Log
	if wire.Status != "" {
		status, err := domain.ParseDeploymentStatus(wire.Status)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg.Status = status
	}
	return msg, nil
}

// Encode renders a message in the canonical wire form.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
