package model

import "testing"

func steps(statuses ...StepStatus) []ApprovalStep {
	out := make([]ApprovalStep, len(statuses))
	for i, s := range statuses {
		out[i] = ApprovalStep{StepOrder: i + 1, Status: s}
	}
	return out
}

func TestRollUp(t *testing.T) {
	tests := []struct {
		name     string
		steps    []ApprovalStep
		wantDone bool
		want     RequestStatus
	}{
		{"no steps", nil, false, ""},
		{"pending pending", steps(StepPending, StepPending), false, ""},
		{"approved pending", steps(StepApproved, StepPending), false, ""},
		{"approved approved", steps(StepApproved, StepApproved), true, RequestApproved},
		{"approved skipped", steps(StepApproved, StepSkipped), true, RequestApproved},
		{"all skipped", steps(StepSkipped, StepSkipped), true, RequestApproved},
		{"approved rejected", steps(StepApproved, StepRejected), true, RequestRejected},
		{"rejected pending", steps(StepRejected, StepPending), false, ""},
		{"rejected skipped approved", steps(StepRejected, StepSkipped, StepApproved), true, RequestRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, done := RollUp(tt.steps)
			if done != tt.wantDone {
				t.Fatalf("done = %v, want %v", done, tt.wantDone)
			}
			if got != tt.want {
				t.Errorf("outcome = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecisionAction_StepStatus(t *testing.T) {
	tests := []struct {
		action DecisionAction
		want   StepStatus
		ok     bool
	}{
		{ActionApprove, StepApproved, true},
		{ActionReject, StepRejected, true},
		{ActionSkip, StepSkipped, true},
		{ActionDelegate, "", false},
		{ActionRequestInfo, "", false},
	}
	for _, tt := range tests {
		got, ok := tt.action.StepStatus()
		if got != tt.want || ok != tt.ok {
			t.Errorf("%q.StepStatus() = %q, %v; want %q, %v", tt.action, got, ok, tt.want, tt.ok)
		}
		if !tt.action.Valid() {
			t.Errorf("%q.Valid() = false", tt.action)
		}
	}
	if DecisionAction("escalate").Valid() {
		t.Error("unknown action reported valid")
	}
}
