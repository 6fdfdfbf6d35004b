package dispatch

import (
	"fmt"
	"strings"

	"github.com/sproutcare/notify-engine/internal/engine"
)

// Payload-specific detail is rendered upstream by feature teams; the
// dispatcher only needs a human-readable envelope.

func renderDirect(dec *engine.DeliveryDecision) (title, content string) {
	switch dec.Tier {
	case engine.TierEmergency:
		title = "EMERGENCY: immediate attention needed"
	case engine.TierHigh:
		title = "Needs attention soon"
	default:
		title = "Care update"
	}
	content = fmt.Sprintf("%s (request %s)", title, dec.RequestID)
	if dec.Reason != "" {
		content += ": " + dec.Reason
	}
	return title, content
}

func renderDigest(entries []engine.PendingQueueEntry) (title, content string) {
	title = fmt.Sprintf("Care digest: %d updates", len(entries))
	var b strings.Builder
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. [%s] request %s\n", i+1, e.Tier, e.RequestID)
	}
	return title, b.String()
}
