package verification

import (
	"context"
	"time"
)

type AuditKind string

const (
	AuditVerified       AuditKind = "verified"
	AuditRejected       AuditKind = "rejected"
	AuditPolicyRejected AuditKind = "policy_rejected"
	AuditRoleFailed     AuditKind = "role_failed"
	AuditKicked         AuditKind = "kicked"
)

// AuditEvent is posted to the guild's log channel, if one is configured.
type AuditEvent struct {
	Kind      AuditKind
	GuildID   string
	ChannelID string
	UserID    string
	Username  string
	Score     int
	Reason    string
	At        time.Time
}

type Auditor interface {
	Audit(ctx context.Context, ev AuditEvent)
}

type nopAuditor struct{}

func (nopAuditor) Audit(context.Context, AuditEvent) {}
