package broker

import "testing"

func TestMapStatusGateway(t *testing.T) {
	cases := []struct {
		venue string
		want  Status
	}{
		{"PendingSubmit", StatusPending},
		{"PreSubmitted", StatusPending},
		{"ApiPending", StatusPending},
		{"Inactive", StatusPending},
		{"Submitted", StatusSubmitted},
		{"PartiallyFilled", StatusPartiallyFilled},
		{"Filled", StatusFilled},
		{"Cancelled", StatusCancelled},
		{"ApiCancelled", StatusCancelled},
		{"Rejected", StatusRejected},
	}

	for _, tc := range cases {
		if got := mapStatus(gatewayStatus, tc.venue); got != tc.want {
			t.Errorf("mapStatus(gateway, %q) = %s, want %s", tc.venue, got, tc.want)
		}
	}
}

func TestMapStatusAlpaca(t *testing.T) {
	cases := []struct {
		venue string
		want  Status
	}{
		{"new", StatusPending},
		{"pending_new", StatusPending},
		{"accepted", StatusSubmitted},
		{"partially_filled", StatusPartiallyFilled},
		{"filled", StatusFilled},
		{"canceled", StatusCancelled},
		{"expired", StatusCancelled},
		{"stopped", StatusCancelled},
		{"rejected", StatusRejected},
	}

	for _, tc := range cases {
		if got := mapStatus(alpacaStatus, tc.venue); got != tc.want {
			t.Errorf("mapStatus(alpaca, %q) = %s, want %s", tc.venue, got, tc.want)
		}
	}
}

// 未识别的场所状态必须落到 PENDING,绝不能被推断为 REJECTED。
func TestMapStatusUnknownNeverRejected(t *testing.T) {
	unknowns := []string{"", "SomethingNew", "inactive_v2", "held", "Suspended"}

	for _, venue := range unknowns {
		if got := mapStatus(gatewayStatus, venue); got != StatusPending {
			t.Errorf("mapStatus(gateway, %q) = %s, want PENDING", venue, got)
		}
		if got := mapStatus(alpacaStatus, venue); got != StatusPending {
			t.Errorf("mapStatus(alpaca, %q) = %s, want PENDING", venue, got)
		}
	}
}

// 只有映射表里明确列出的撤单/拒单词汇才能产生终态负值。
func TestMapStatusTerminalNegativesAreExplicit(t *testing.T) {
	for venue, status := range gatewayStatus {
		if status == StatusRejected && venue != "Rejected" {
			t.Errorf("gateway table maps %q to REJECTED", venue)
		}
	}
	for venue, status := range alpacaStatus {
		if status == StatusRejected && venue != "rejected" {
			t.Errorf("alpaca table maps %q to REJECTED", venue)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusFilled, StatusCancelled, StatusRejected}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	open := []Status{StatusPending, StatusSubmitted, StatusPartiallyFilled}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
