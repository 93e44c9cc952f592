// Copyright 2025 Certen Protocol
//
// Escalation policy and notification dispatch for the incident engine.

package incident

import (
	"context"
	"fmt"

	"github.com/c2concierge/retrosign/pkg/model"
)

// escalate runs the severity-driven escalation table named in spec §4.8:
// "severity Critical auto-triggers emergency_rotate; High triggers
// pause_signing; lower severities log and notify." Notification already
// happened in DetectIncident; this only drives the automatic response.
func (e *Engine) escalate(ctx context.Context, ic *model.IncidentContext) error {
	switch ic.Severity {
	case model.SeverityCritical:
		return e.EmergencyRotate(ctx, ic.IncidentID)
	case model.SeverityHigh:
		return e.PauseSigning(ic.IncidentID, fmt.Sprintf("auto-escalated from %s incident %s", ic.Type, ic.IncidentID))
	case model.SeverityMedium, model.SeverityLow:
		e.cfg.Logger.Printf("incident %s: severity %s does not auto-escalate, logged only", ic.IncidentID, ic.Severity)
		return nil
	default:
		e.cfg.Logger.Printf("incident %s: unrecognized severity %q, treated as log-only", ic.IncidentID, ic.Severity)
		return nil
	}
}
