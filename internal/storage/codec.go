package storage

import "strings"

// The persisted table keeps the operator-facing string forms: answered is
// "yes"/"no" and answered_on_call is "true"/"false".

func parseStatus(s string) Status {
	if strings.EqualFold(strings.TrimSpace(s), "yes") {
		return StatusAnswered
	}
	return StatusPending
}

func formatStatus(s Status) string {
	if s == StatusAnswered {
		return "yes"
	}
	return "no"
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
