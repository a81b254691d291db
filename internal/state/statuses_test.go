package state

import (
	"testing"
)

func TestJobStatus_String(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{name: "Pending status", status: StatusPending, expected: "PENDING"},
		{name: "Processing status", status: StatusProcessing, expected: "PROCESSING"},
		{name: "Done status", status: StatusDone, expected: "DONE"},
		{name: "Failed status", status: StatusFailed, expected: "FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.status.String()
			if result != tt.expected {
				t.Errorf("String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	if StatusPending.IsTerminal() || StatusProcessing.IsTerminal() {
		t.Error("pending and processing must not be terminal")
	}
	if !StatusDone.IsTerminal() || !StatusFailed.IsTerminal() {
		t.Error("done and failed must be terminal")
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     JobStatus
		to       JobStatus
		expected bool
	}{
		{name: "Valid: Pending to Processing", from: StatusPending, to: StatusProcessing, expected: true},
		{name: "Valid: Processing to Done", from: StatusProcessing, to: StatusDone, expected: true},
		{name: "Valid: Processing to Pending (retry)", from: StatusProcessing, to: StatusPending, expected: true},
		{name: "Valid: Processing to Failed", from: StatusProcessing, to: StatusFailed, expected: true},
		{name: "Valid: Failed to Processing (broker redelivery)", from: StatusFailed, to: StatusProcessing, expected: true},
		{name: "Invalid: Pending to Done", from: StatusPending, to: StatusDone, expected: false},
		{name: "Invalid: Done to Pending", from: StatusDone, to: StatusPending, expected: false},
		{name: "Invalid: Done to Processing", from: StatusDone, to: StatusProcessing, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition() = %v, want %v", result, tt.expected)
			}
		})
	}
}
