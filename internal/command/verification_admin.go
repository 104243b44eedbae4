package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	st "github.com/keshon/gatekeeper/internal/storagetypes"
	"github.com/keshon/gatekeeper/internal/verification"
)

type VerificationAdminCommand struct{}

func (c *VerificationAdminCommand) Name() string        { return "verification" }
func (c *VerificationAdminCommand) Description() string { return "Configure and inspect member verification" }
func (c *VerificationAdminCommand) Group() string       { return "verification" }
func (c *VerificationAdminCommand) Category() string    { return "⚙️ Settings" }
func (c *VerificationAdminCommand) RequireAdmin() bool  { return true }

var manageGuild int64 = discordgo.PermissionManageGuild

func (c *VerificationAdminCommand) SlashDefinition() *discordgo.ApplicationCommand {
	userOpt := func(desc string) []*discordgo.ApplicationCommandOption {
		return []*discordgo.ApplicationCommandOption{{
			Type: discordgo.ApplicationCommandOptionUser, Name: "user", Description: desc, Required: true,
		}}
	}
	return &discordgo.ApplicationCommand{
		Name:                     c.Name(),
		Description:              c.Description(),
		Type:                     discordgo.ChatApplicationCommand,
		DefaultMemberPermissions: &manageGuild,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "setup",
				Description: "Enable verification and change its settings",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionBoolean, Name: "enabled", Description: "Turn verification on or off (default on)"},
					{Type: discordgo.ApplicationCommandOptionString, Name: "role_name", Description: "Name of the role granted on success"},
					{Type: discordgo.ApplicationCommandOptionBoolean, Name: "require_code", Description: "Ask for a typed code"},
					{Type: discordgo.ApplicationCommandOptionBoolean, Name: "require_math", Description: "Ask for a math answer"},
					{Type: discordgo.ApplicationCommandOptionInteger, Name: "account_age_days", Description: "Minimum account age in days", MinValue: ptr(0.0), MaxValue: 3650},
					{Type: discordgo.ApplicationCommandOptionBoolean, Name: "prevent_bots", Description: "Refuse bot accounts"},
					{Type: discordgo.ApplicationCommandOptionChannel, Name: "log_channel", Description: "Channel for verification logs", ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText}},
					{Type: discordgo.ApplicationCommandOptionBoolean, Name: "auto_kick", Description: "Kick members who do not verify in time"},
					{Type: discordgo.ApplicationCommandOptionInteger, Name: "auto_kick_minutes", Description: "Minutes before an unverified member is kicked", MinValue: ptr(1.0), MaxValue: 10080},
				},
			},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "config", Description: "Show the current verification settings"},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "panel", Description: "Post a verification panel in this channel"},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "status", Description: "Show a member's verification state", Options: userOpt("Member to inspect")},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "reset", Description: "Forget a member's verification", Options: userOpt("Member to reset")},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "stats", Description: "Verification statistics for this server"},
		},
	}
}

func (c *VerificationAdminCommand) Run(ctx interface{}) error {
	slash, ok := ctx.(*SlashInteractionContext)
	if !ok {
		return nil
	}
	s, i := slash.Session, slash.Event
	bg := context.Background()

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return nil
	}
	sub := data.Options[0]

	switch sub.Name {
	case "setup":
		cfg, err := slash.Storage.GetGuildConfig(bg, i.GuildID)
		if err != nil {
			return err
		}
		cfg = applySetupOptions(cfg, sub.Options)
		if err := slash.Storage.SetGuildConfig(bg, cfg); err != nil {
			return err
		}
		embed := configEmbed(cfg)
		embed.Title = "✅ Verification settings saved"
		return RespondEmbedEphemeral(s, i, embed)

	case "config":
		cfg, err := slash.Storage.GetGuildConfig(bg, i.GuildID)
		if err != nil {
			return err
		}
		return RespondEmbedEphemeral(s, i, configEmbed(cfg))

	case "panel":
		return RespondEmbed(s, i, panelEmbed(), panelComponents()...)

	case "status":
		userID := userOption(sub.Options)
		res, err := slash.Verification.Status(bg, i.GuildID, userID)
		if err != nil {
			return err
		}
		return RespondEmbedEphemeral(s, i, statusEmbed(userID, res))

	case "reset":
		userID := userOption(sub.Options)
		if err := slash.Verification.Reset(bg, i.GuildID, userID); err != nil {
			return err
		}
		return RespondEmbedEphemeral(s, i, &discordgo.MessageEmbed{
			Description: fmt.Sprintf("Verification for <@%s> was reset. They can run `/verify` again.", userID),
			Color:       SuccessColor,
		})

	case "stats":
		verified, err := slash.Storage.ListVerified(bg, i.GuildID)
		if err != nil {
			return err
		}
		pending, err := slash.Storage.ListPending(bg, i.GuildID)
		if err != nil {
			return err
		}
		return RespondEmbedEphemeral(s, i, statsEmbed(verified, pending, time.Now()))
	}
	return nil
}

// applySetupOptions copies the provided options onto cfg. Omitted options keep
// their stored value; "enabled" defaults to true.
func applySetupOptions(cfg st.GuildConfig, opts []*discordgo.ApplicationCommandInteractionDataOption) st.GuildConfig {
	cfg.Enabled = true
	for _, o := range opts {
		switch o.Name {
		case "enabled":
			cfg.Enabled = o.BoolValue()
		case "role_name":
			if name := strings.TrimSpace(o.StringValue()); name != "" {
				cfg.VerifiedRoleName = name
			}
		case "require_code":
			cfg.RequireCode = o.BoolValue()
		case "require_math":
			cfg.RequireMath = o.BoolValue()
		case "account_age_days":
			cfg.AccountAgeMinDays = int(o.IntValue())
		case "prevent_bots":
			cfg.PreventBots = o.BoolValue()
		case "log_channel":
			if id, ok := o.Value.(string); ok {
				cfg.LogChannelID = id
			}
		case "auto_kick":
			cfg.AutoKickUnverified = o.BoolValue()
		case "auto_kick_minutes":
			cfg.AutoKickTimeMinutes = int(o.IntValue())
		}
	}
	return cfg
}

func userOption(opts []*discordgo.ApplicationCommandInteractionDataOption) string {
	for _, o := range opts {
		if o.Name == "user" {
			if id, ok := o.Value.(string); ok {
				return id
			}
		}
	}
	return ""
}

func configEmbed(cfg st.GuildConfig) *discordgo.MessageEmbed {
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	logChannel := "none"
	if cfg.LogChannelID != "" {
		logChannel = "<#" + cfg.LogChannelID + ">"
	}
	autoKick := "off"
	if cfg.AutoKickUnverified {
		autoKick = fmt.Sprintf("after %d min", cfg.AutoKickTimeMinutes)
	}
	return &discordgo.MessageEmbed{
		Title: "Verification settings",
		Color: EmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Enabled", Value: onOff(cfg.Enabled), Inline: true},
			{Name: "Role", Value: cfg.VerifiedRoleName, Inline: true},
			{Name: "Code step", Value: onOff(cfg.RequireCode), Inline: true},
			{Name: "Math step", Value: onOff(cfg.RequireMath), Inline: true},
			{Name: "Min account age", Value: fmt.Sprintf("%d days", cfg.AccountAgeMinDays), Inline: true},
			{Name: "Block bots", Value: onOff(cfg.PreventBots), Inline: true},
			{Name: "Log channel", Value: logChannel, Inline: true},
			{Name: "Auto-kick", Value: autoKick, Inline: true},
		},
	}
}

func panelEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "🛡️ Verify to join",
		Description: "Press the button below and follow the steps to get access to the server.",
		Color:       EmbedColor,
	}
}

func panelComponents() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.Button{Label: "Verify", Style: discordgo.SuccessButton, CustomID: verifyStartID, Emoji: &discordgo.ComponentEmoji{Name: "✅"}},
	}}}
}

func statusEmbed(userID string, res verification.StatusResult) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "Verification status",
		Description: fmt.Sprintf("<@%s>: **%s**", userID, strings.ReplaceAll(string(res.State), "_", " ")),
		Color:       EmbedColor,
	}
	switch {
	case res.Verified != nil:
		embed.Color = SuccessColor
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "Verified", Value: fmt.Sprintf("<t:%d:f>", res.Verified.VerifiedAt.Unix()), Inline: true},
			{Name: "Method", Value: res.Verified.Method, Inline: true},
			{Name: "Score", Value: fmt.Sprintf("%d", res.Verified.Score), Inline: true},
		}
	case res.Pending != nil:
		left := "none"
		if out := res.Pending.Outstanding(); len(out) > 0 {
			names := make([]string, len(out))
			for i, s := range out {
				names[i] = string(s)
			}
			left = strings.Join(names, ", ")
		}
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "Started", Value: fmt.Sprintf("<t:%d:R>", res.Pending.StartedAt.Unix()), Inline: true},
			{Name: "Expires", Value: fmt.Sprintf("<t:%d:R>", res.Pending.ExpiresAt.Unix()), Inline: true},
			{Name: "Remaining steps", Value: left, Inline: true},
		}
	}
	return embed
}

// statsEmbed summarizes a guild. Pending records past their expiry are not
// counted; a timer may not have removed them yet.
func statsEmbed(verified []st.VerifiedUser, pending []st.PendingVerification, now time.Time) *discordgo.MessageEmbed {
	var today, week int
	total := 0
	for _, v := range verified {
		age := now.Sub(v.VerifiedAt)
		if age < 24*time.Hour {
			today++
		}
		if age < 7*24*time.Hour {
			week++
		}
		total += v.Score
	}
	avg := "n/a"
	if len(verified) > 0 {
		avg = fmt.Sprintf("%.1f", float64(total)/float64(len(verified)))
	}

	recent := append([]st.VerifiedUser(nil), verified...)
	sort.Slice(recent, func(i, j int) bool { return recent[i].VerifiedAt.After(recent[j].VerifiedAt) })
	if len(recent) > 5 {
		recent = recent[:5]
	}
	lines := make([]string, 0, len(recent))
	for _, v := range recent {
		lines = append(lines, fmt.Sprintf("<@%s> <t:%d:R> (%d)", v.UserID, v.VerifiedAt.Unix(), v.Score))
	}
	latest := "none yet"
	if len(lines) > 0 {
		latest = strings.Join(lines, "\n")
	}

	return &discordgo.MessageEmbed{
		Title: "Verification stats",
		Color: EmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Verified", Value: fmt.Sprintf("%d", len(verified)), Inline: true},
			{Name: "Last 24h", Value: fmt.Sprintf("%d", today), Inline: true},
			{Name: "Last 7 days", Value: fmt.Sprintf("%d", week), Inline: true},
			{Name: "Pending", Value: fmt.Sprintf("%d", st.CountLive(pending, now)), Inline: true},
			{Name: "Average score", Value: avg, Inline: true},
			{Name: "Latest", Value: latest},
		},
	}
}

func ptr[T any](v T) *T { return &v }

func init() {
	Register(ApplyMiddlewares(&VerificationAdminCommand{}, WithAdminCheck(), WithGuildOnly(), WithCommandLog()))
}
