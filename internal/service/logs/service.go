package logs

import (
	"context"
	"log/slog"
	"strings"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/logstore"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/ws"
)

// Service handles log persistence and streaming.
type Service struct {
	store  logstore.Store
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service.
func New(store logstore.Store, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{store: store, hub: hub, logger: logger}
}

// Persist writes one event to the log store.
func (s Service) Persist(ctx context.Context, event domain.LogEvent) error {
	event.Timestamp = event.Timestamp.UTC()
	return s.store.Insert(ctx, []domain.LogEvent{event})
}

// Publish broadcasts the event's line to live viewers of its deployment.
func (s Service) Publish(ctx context.Context, event domain.LogEvent) error {
	_, err := s.hub.Broadcast(ctx, event.DeploymentID, ws.EncodeLog(event.Log))
	return err
}

// Append stores and broadcasts a log entry.
func (s Service) Append(ctx context.Context, event domain.LogEvent) error {
	if err := s.Persist(ctx, event); err != nil {
		return err
	}
	return s.Publish(ctx, event)
}

// List returns a deployment's history in ascending timestamp order.
func (s Service) List(ctx context.Context, deploymentID string, q logstore.Query) ([]domain.LogEvent, error) {
	deploymentID = strings.TrimSpace(deploymentID)
	if deploymentID == "" {
		return nil, repository.ErrNotFound
	}
	return s.store.ListByDeployment(ctx, deploymentID, q)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}
