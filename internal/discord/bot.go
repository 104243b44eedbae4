package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/gatekeeper/internal/command"
	"github.com/keshon/gatekeeper/internal/config"
	"github.com/keshon/gatekeeper/pkg/util"
)

const guildWorkers = 4

// Bot connects the command registry and the verification service to a
// Discord gateway session.
type Bot struct {
	dg   *discordgo.Session
	cfg  *config.Config
	deps command.Deps
	log  zerolog.Logger
}

// NewSession creates an unopened gateway session with the intents the gate
// needs. Member events require the privileged Server Members intent.
func NewSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	return dg, nil
}

func NewBot(dg *discordgo.Session, cfg *config.Config, deps command.Deps) *Bot {
	deps.Config = cfg
	return &Bot{
		dg:   dg,
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.With().Str("component", "bot").Logger(),
	}
}

// Run opens the session and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	b.dg.AddHandler(b.onReady)
	b.dg.AddHandler(b.onGuildCreate)
	b.dg.AddHandler(b.onInteractionCreate)
	b.dg.AddHandler(b.onGuildMemberAdd)
	b.dg.AddHandler(b.onGuildMemberRemove)

	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer b.dg.Close()

	<-ctx.Done()
	b.log.Info().Msg("shutdown signal received, closing gateway session")
	return nil
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	var guildIDs []string
	for _, g := range r.Guilds {
		if !b.leaveIfBlacklisted(s, g.ID) {
			guildIDs = append(guildIDs, g.ID)
		}
	}
	b.log.Info().Str("user", r.User.Username).Int("guilds", len(guildIDs)).Msg("discord bot is running")

	// Failures are per guild and never abort the others.
	_ = util.Parallel(context.Background(), guildIDs, guildWorkers, func(ctx context.Context, guildID string) error {
		if err := b.deps.Verification.RestoreTimers(ctx, guildID); err != nil {
			b.log.Error().Err(err).Str("guild", guildID).Msg("restoring verification timers failed")
		}
		if !b.cfg.InitSlashCommands {
			return nil
		}
		if err := b.registerCommands(guildID); err != nil {
			b.log.Error().Err(err).Str("guild", guildID).Msg("slash command registration failed")
		}
		return nil
	})
}

func (b *Bot) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if b.leaveIfBlacklisted(s, g.ID) {
		return
	}
	if !b.cfg.InitSlashCommands {
		return
	}
	if err := b.registerCommands(g.ID); err != nil {
		b.log.Error().Err(err).Str("guild", g.ID).Msg("slash command registration failed")
	}
}

func (b *Bot) leaveIfBlacklisted(s *discordgo.Session, guildID string) bool {
	if !b.cfg.IsGuildBlacklisted(guildID) {
		return false
	}
	b.log.Info().Str("guild", guildID).Msg("leaving blacklisted guild")
	if err := s.GuildLeave(guildID); err != nil {
		b.log.Error().Err(err).Str("guild", guildID).Msg("failed to leave guild")
	}
	return true
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.GuildID != "" && b.cfg.IsGuildBlacklisted(i.GuildID) {
		return
	}

	var err error
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		name := i.ApplicationCommandData().Name
		cmd, ok := command.Get(name)
		if !ok {
			b.log.Warn().Str("command", name).Msg("unknown command")
			return
		}
		err = cmd.Run(&command.SlashInteractionContext{Session: s, Event: i, Deps: b.deps})

	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		cmd, ok := command.ForCustomID(customID)
		if !ok {
			b.log.Warn().Str("custom_id", customID).Msg("no command owns component")
			return
		}
		if h, ok := cmd.(command.ComponentInteractionHandler); ok {
			err = h.Component(&command.ComponentInteractionContext{Session: s, Event: i, Deps: b.deps})
		}

	case discordgo.InteractionModalSubmit:
		customID := i.ModalSubmitData().CustomID
		cmd, ok := command.ForCustomID(customID)
		if !ok {
			b.log.Warn().Str("custom_id", customID).Msg("no command owns modal")
			return
		}
		if h, ok := cmd.(command.ModalSubmitHandler); ok {
			err = h.ModalSubmit(&command.ComponentInteractionContext{Session: s, Event: i, Deps: b.deps})
		}

	default:
		return
	}

	if err != nil {
		b.log.Error().Err(err).Stringer("type", i.Type).Msg("interaction failed")
		_ = command.RespondEmbedEphemeral(s, i, &discordgo.MessageEmbed{
			Description: "Something went wrong while handling that. Please try again.",
			Color:       command.ErrorColor,
		})
	}
}

func (b *Bot) onGuildMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.User == nil || m.User.Bot || b.cfg.IsGuildBlacklisted(m.GuildID) {
		return
	}
	if err := b.deps.Verification.HandleMemberJoin(context.Background(), m.GuildID, m.User.ID); err != nil {
		b.log.Error().Err(err).Str("guild", m.GuildID).Str("user", m.User.ID).Msg("member join handling failed")
	}
}

func (b *Bot) onGuildMemberRemove(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.User == nil {
		return
	}
	if err := b.deps.Verification.HandleMemberLeave(context.Background(), m.GuildID, m.User.ID); err != nil {
		b.log.Error().Err(err).Str("guild", m.GuildID).Str("user", m.User.ID).Msg("member leave handling failed")
	}
}

// commandAPI is the slice of *discordgo.Session used for registration.
type commandAPI interface {
	ApplicationCommands(appID, guildID string, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	ApplicationCommandCreate(appID, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
	ApplicationCommandDelete(appID, guildID, cmdID string, options ...discordgo.RequestOption) error
}

func (b *Bot) registerCommands(guildID string) error {
	appID := ""
	if b.dg.State != nil && b.dg.State.User != nil {
		appID = b.dg.State.User.ID
	}
	if appID == "" {
		user, err := b.dg.User("@me")
		if err != nil {
			return err
		}
		appID = user.ID
	}
	return syncCommands(context.Background(), b.dg, b.deps, appID, guildID, time.Second/40, b.log)
}

// syncCommands deletes commands no longer registered and uploads the ones
// whose definition hash differs from the stored one.
func syncCommands(ctx context.Context, api commandAPI, deps command.Deps, appID, guildID string, pace time.Duration, log zerolog.Logger) error {
	existing, err := api.ApplicationCommands(appID, guildID)
	if err != nil {
		return fmt.Errorf("list commands: %w", err)
	}
	stored, err := deps.Storage.GetCommandHashes(ctx, guildID)
	if err != nil {
		return fmt.Errorf("load command hashes: %w", err)
	}

	wanted := map[string]*discordgo.ApplicationCommand{}
	hashes := map[string]string{}
	for _, cmd := range command.All() {
		sp, ok := cmd.(command.SlashProvider)
		if !ok {
			continue
		}
		def := sp.SlashDefinition()
		if def == nil {
			continue
		}
		if def.Type == 0 {
			def.Type = discordgo.ChatApplicationCommand
		}
		wanted[def.Name] = def
		hashes[def.Name] = hashCommand(def)
	}

	present := map[string]bool{}
	var errs []error
	for _, old := range existing {
		if _, ok := wanted[old.Name]; ok {
			present[old.Name] = true
			continue
		}
		log.Info().Str("guild", guildID).Str("command", old.Name).Msg("deleting obsolete command")
		if err := api.ApplicationCommandDelete(appID, guildID, old.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", old.Name, err))
		}
	}

	ticker := time.NewTicker(pace)
	defer ticker.Stop()

	saved := map[string]string{}
	for name, def := range wanted {
		if present[name] && stored[name] == hashes[name] {
			saved[name] = hashes[name]
			continue
		}
		<-ticker.C
		if _, err := api.ApplicationCommandCreate(appID, guildID, def); err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", name, err))
			continue
		}
		log.Info().Str("guild", guildID).Str("command", name).Msg("command registered")
		saved[name] = hashes[name]
	}

	if err := deps.Storage.SetCommandHashes(ctx, guildID, saved); err != nil {
		errs = append(errs, fmt.Errorf("save command hashes: %w", err))
	}
	return errors.Join(errs...)
}
