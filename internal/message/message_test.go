package message

import "testing"

func sent(status SentStatus) SentMessage { return SentMessage{Status: status} }

func TestSummarize(t *testing.T) {
	rows := []SentMessage{sent(SentStatusSent), sent(SentStatusSent), sent(SentStatusFailed)}
	s := Summarize(rows)
	if s.Total != 3 || s.Successful != 2 || s.Failed != 1 || s.Pending != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if got := s.Overall(); got != DeliveryPartial {
		t.Fatalf("overall = %q, want partial", got)
	}
}

func TestSummaryOverall(t *testing.T) {
	tests := []struct {
		name string
		rows []SentMessage
		want DeliveryStatus
	}{
		{"all sent", []SentMessage{sent(SentStatusSent), sent(SentStatusSent)}, DeliveryCompleted},
		{"all failed", []SentMessage{sent(SentStatusFailed)}, DeliveryFailed},
		{"mixed", []SentMessage{sent(SentStatusSent), sent(SentStatusFailed)}, DeliveryPartial},
		{"pending row", []SentMessage{sent(SentStatusSent), sent(SentStatusPending)}, DeliveryPending},
		{"no rows", nil, DeliveryFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.rows).Overall(); got != tt.want {
				t.Fatalf("overall = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTargetTypeValid(t *testing.T) {
	for _, valid := range []TargetType{TargetUser, TargetChannel, TargetGroup} {
		if !valid.Valid() {
			t.Errorf("%q should be valid", valid)
		}
	}
	if TargetType("webhook").Valid() {
		t.Error("unknown target type should be invalid")
	}
}
