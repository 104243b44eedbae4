package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/gatekeeper/internal/verification"
)

type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Auditor posts verification events to the guild's log channel. Events for
// guilds without a log channel are only written to the logger.
type Auditor struct {
	api embedSender
	log zerolog.Logger
}

func NewAuditor(api embedSender, logger zerolog.Logger) *Auditor {
	return &Auditor{api: api, log: logger.With().Str("component", "audit").Logger()}
}

func (a *Auditor) Audit(ctx context.Context, ev verification.AuditEvent) {
	a.log.Debug().
		Str("kind", string(ev.Kind)).
		Str("guild", ev.GuildID).
		Str("user", ev.UserID).
		Int("score", ev.Score).
		Msg("verification event")

	if ev.ChannelID == "" {
		return
	}
	if _, err := a.api.ChannelMessageSendEmbed(ev.ChannelID, auditEmbed(ev), discordgo.WithContext(ctx)); err != nil {
		a.log.Warn().Err(err).Str("guild", ev.GuildID).Str("channel", ev.ChannelID).Msg("could not post audit event")
	}
}

func auditEmbed(ev verification.AuditEvent) *discordgo.MessageEmbed {
	title, color := "Verification", 0x95A5A6
	switch ev.Kind {
	case verification.AuditVerified:
		title, color = "✅ Member verified", 0x2ECC71
	case verification.AuditRejected:
		title, color = "❌ Verification failed", 0xE74C3C
	case verification.AuditPolicyRejected:
		title, color = "⛔ Verification refused", 0xE67E22
	case verification.AuditRoleFailed:
		title, color = "⚠️ Role assignment failed", 0xF1C40F
	case verification.AuditKicked:
		title, color = "👢 Unverified member kicked", 0xE74C3C
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Member", Value: fmt.Sprintf("<@%s>", ev.UserID), Inline: true},
	}
	if ev.Username != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Username", Value: ev.Username, Inline: true})
	}
	if ev.Kind == verification.AuditVerified || ev.Kind == verification.AuditRejected || ev.Kind == verification.AuditRoleFailed {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Score", Value: fmt.Sprintf("%d/100", ev.Score), Inline: true})
	}
	if ev.Reason != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Details", Value: ev.Reason})
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return &discordgo.MessageEmbed{
		Title:     title,
		Color:     color,
		Fields:    fields,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

var _ verification.Auditor = (*Auditor)(nil)
