package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeploymentStatus enumerates the lifecycle states of a build.
type DeploymentStatus string

const (
	DeploymentQueued    DeploymentStatus = "QUEUED"
	DeploymentBuilding  DeploymentStatus = "BUILDING"
	DeploymentReady     DeploymentStatus = "READY"
	DeploymentFailed    DeploymentStatus = "FAILED"
	DeploymentCancelled DeploymentStatus = "CANCELLED"
)

// transitions lists the states each status may move to. Terminal states have no entry.
var transitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentQueued:   {DeploymentBuilding, DeploymentFailed, DeploymentCancelled},
	DeploymentBuilding: {DeploymentReady, DeploymentFailed, DeploymentCancelled},
}

// ParseDeploymentStatus normalises a raw status string.
func ParseDeploymentStatus(raw string) (DeploymentStatus, error) {
	status := DeploymentStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case DeploymentQueued, DeploymentBuilding, DeploymentReady, DeploymentFailed, DeploymentCancelled:
		return status, nil
	}
	return "", fmt.Errorf("unknown deployment status %q", raw)
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s DeploymentStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Sources returns every status from which s is reachable in one step.
func (s DeploymentStatus) Sources() []DeploymentStatus {
	var sources []DeploymentStatus
	for from, targets := range transitions {
		for _, to := range targets {
			if to == s {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// Deployment captures a single build attempt of a project.
type Deployment struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"projectId"`
	Status    DeploymentStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// DeploymentStatusUpdate describes a requested status transition.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       DeploymentStatus
	Error        string
}
