package domain

import (
	"sort"
	"testing"
)

func TestDeploymentStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to DeploymentStatus
		want     bool
	}{
		{DeploymentQueued, DeploymentBuilding, true},
		{DeploymentQueued, DeploymentFailed, true},
		{DeploymentQueued, DeploymentCancelled, true},
		{DeploymentQueued, DeploymentReady, false},
		{DeploymentBuilding, DeploymentReady, true},
		{DeploymentBuilding, DeploymentFailed, true},
		{DeploymentBuilding, DeploymentCancelled, true},
		{DeploymentBuilding, DeploymentQueued, false},
		{DeploymentReady, DeploymentBuilding, false},
		{DeploymentReady, DeploymentFailed, false},
		{DeploymentFailed, DeploymentReady, false},
		{DeploymentCancelled, DeploymentBuilding, false},
		{DeploymentQueued, DeploymentQueued, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestDeploymentStatusTerminal(t *testing.T) {
	for _, s := range []DeploymentStatus{DeploymentReady, DeploymentFailed, DeploymentCancelled} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	if DeploymentBuilding.Terminal() {
		t.Error("BUILDING must not be terminal")
	}
}

func TestDeploymentStatusSources(t *testing.T) {
	sources := DeploymentCancelled.Sources()
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	if len(sources) != 2 || sources[0] != DeploymentBuilding || sources[1] != DeploymentQueued {
		t.Fatalf("unexpected sources for CANCELLED: %v", sources)
	}
	if got := DeploymentQueued.Sources(); len(got) != 0 {
		t.Fatalf("QUEUED must not be reachable, got %v", got)
	}
}

func TestParseDeploymentStatus(t *testing.T) {
	got, err := ParseDeploymentStatus(" ready ")
	if err != nil || got != DeploymentReady {
		t.Fatalf("expected READY, got %q (%v)", got, err)
	}
	if _, err := ParseDeploymentStatus("running"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
