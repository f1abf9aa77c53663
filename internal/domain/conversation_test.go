package domain

import (
	"errors"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	statuses := []ConversationStatus{
		ConversationStatusActive,
		ConversationStatusAttending,
		ConversationStatusArchived,
		ConversationStatusClosed,
	}
	allowed := map[[2]ConversationStatus]bool{
		{ConversationStatusActive, ConversationStatusAttending}:   true,
		{ConversationStatusActive, ConversationStatusArchived}:    true,
		{ConversationStatusActive, ConversationStatusClosed}:      true,
		{ConversationStatusAttending, ConversationStatusActive}:   true,
		{ConversationStatusAttending, ConversationStatusArchived}: true,
		{ConversationStatusAttending, ConversationStatusClosed}:   true,
		{ConversationStatusArchived, ConversationStatusActive}:    true,
		{ConversationStatusClosed, ConversationStatusActive}:      true,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			err := ValidateTransition(from, to)
			want := from == to || allowed[[2]ConversationStatus{from, to}]
			if want && err != nil {
				t.Errorf("%s -> %s rejected: %v", from, to, err)
			}
			if !want {
				var transitionErr *TransitionError
				if !errors.As(err, &transitionErr) {
					t.Errorf("%s -> %s: expected TransitionError, got %v", from, to, err)
					continue
				}
				if transitionErr.From != from || transitionErr.To != to {
					t.Errorf("error carries %s -> %s, want %s -> %s", transitionErr.From, transitionErr.To, from, to)
				}
			}
		}
	}
}

func TestUnknownStatusNeverTransitions(t *testing.T) {
	unknown := ConversationStatus("PENDING")
	if CanTransition(unknown, unknown) {
		t.Fatalf("unknown status must not be accepted even as a no-op")
	}
	if CanTransition(unknown, ConversationStatusActive) {
		t.Fatalf("unknown status must not reach ACTIVE")
	}
}

func TestCloneDoesNotShareState(t *testing.T) {
	advisor := "adv-1"
	queue := "default"
	orig := &Conversation{
		ID:                "c1",
		Status:            ConversationStatusAttending,
		AssignedAdvisorID: &advisor,
		QueueID:           &queue,
		AttendedBy:        []string{"adv-1"},
	}
	cp := orig.Clone()
	*cp.AssignedAdvisorID = "adv-2"
	*cp.QueueID = "billing"
	cp.AttendedBy[0] = "adv-2"

	if *orig.AssignedAdvisorID != "adv-1" || *orig.QueueID != "default" || orig.AttendedBy[0] != "adv-1" {
		t.Fatalf("clone mutated the original: %+v", orig)
	}
}

func TestCheckInvariants(t *testing.T) {
	advisor := "adv-1"
	queue := "default"
	cases := []struct {
		name string
		conv Conversation
		ok   bool
	}{
		{"queued", Conversation{Status: ConversationStatusActive, QueueID: &queue}, true},
		{"attending", Conversation{Status: ConversationStatusAttending, AssignedAdvisorID: &advisor, AttendedBy: []string{advisor}}, true},
		{"attending without advisor", Conversation{Status: ConversationStatusAttending}, false},
		{"active with advisor", Conversation{Status: ConversationStatusActive, AssignedAdvisorID: &advisor, AttendedBy: []string{advisor}}, false},
		{"archived in queue", Conversation{Status: ConversationStatusArchived, QueueID: &queue}, false},
		{"advisor missing from history", Conversation{Status: ConversationStatusAttending, AssignedAdvisorID: &advisor}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.conv.CheckInvariants()
			if tc.ok && err != nil {
				t.Fatalf("unexpected violation: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected a violation")
			}
		})
	}
}
