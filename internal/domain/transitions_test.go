package domain

import (
	"sort"
	"testing"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant Status
		expected string
	}{
		{"StatusQueued", StatusQueued, "queued"},
		{"StatusRunning", StatusRunning, "running"},
		{"StatusCompleted", StatusCompleted, "completed"},
		{"StatusFailed", StatusFailed, "failed"},
		{"StatusCancelled", StatusCancelled, "cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusCancelled},
		{StatusQueued, StatusFailed},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
	}
	for _, tt := range legal {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be legal", tt.from, tt.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusQueued, StatusCompleted},
		{StatusRunning, StatusQueued},
		{StatusCompleted, StatusRunning},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusCompleted},
		{StatusFailed, StatusQueued},
		{StatusCancelled, StatusRunning},
		{StatusCancelled, StatusCancelled},
	}
	for _, tt := range illegal {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be illegal", tt.from, tt.to)
		}
	}
}

func TestTransitionSources(t *testing.T) {
	tests := []struct {
		target Status
		want   []string
	}{
		{StatusRunning, []string{"queued"}},
		{StatusCompleted, []string{"running"}},
		{StatusFailed, []string{"queued", "running"}},
		{StatusCancelled, []string{"queued", "running"}},
		{StatusQueued, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.target), func(t *testing.T) {
			got := TransitionSources(tt.target)
			var names []string
			for _, s := range got {
				names = append(names, string(s))
			}
			sort.Strings(names)
			if len(names) != len(tt.want) {
				t.Fatalf("sources(%s) = %v, want %v", tt.target, names, tt.want)
			}
			for i := range names {
				if names[i] != tt.want[i] {
					t.Errorf("sources(%s) = %v, want %v", tt.target, names, tt.want)
				}
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning, Status("bogus")} {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if Status("paused").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}
