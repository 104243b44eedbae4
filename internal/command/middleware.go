package command

import (
	"time"

	"github.com/bwmarrin/discordgo"
)

type Middleware func(Command) Command

type WrappedCommand struct {
	Command
	Wrap func(ctx interface{}) error
}

func (w *WrappedCommand) Run(ctx interface{}) error {
	if w.Wrap != nil {
		return w.Wrap(ctx)
	}
	return w.Command.Run(ctx)
}

// Component and ModalSubmit route through Wrap so middlewares see every
// interaction kind. The inner command is reached through Run's type switch
// in dispatch.
func (w *WrappedCommand) Component(ctx *ComponentInteractionContext) error {
	if w.Wrap != nil {
		return w.Wrap(ctx)
	}
	return dispatch(w.Command, ctx)
}

func (w *WrappedCommand) ModalSubmit(ctx *ComponentInteractionContext) error {
	return w.Component(ctx)
}

func (w *WrappedCommand) SlashDefinition() *discordgo.ApplicationCommand {
	if sp, ok := w.Command.(SlashProvider); ok {
		return sp.SlashDefinition()
	}
	return nil
}

// dispatch sends ctx to the matching hook of cmd.
func dispatch(cmd Command, ctx interface{}) error {
	c, ok := ctx.(*ComponentInteractionContext)
	if !ok {
		return cmd.Run(ctx)
	}
	switch c.Event.Type {
	case discordgo.InteractionModalSubmit:
		if mh, ok := cmd.(ModalSubmitHandler); ok {
			return mh.ModalSubmit(c)
		}
	default:
		if ch, ok := cmd.(ComponentInteractionHandler); ok {
			return ch.Component(c)
		}
	}
	return nil
}

func ApplyMiddlewares(cmd Command, mws ...Middleware) Command {
	for _, mw := range mws {
		cmd = mw(cmd)
	}
	return cmd
}

func WithGuildOnly() Middleware {
	return func(cmd Command) Command {
		return &WrappedCommand{
			Command: cmd,
			Wrap: func(ctx interface{}) error {
				s, i, _ := eventOf(ctx)
				if i != nil && i.GuildID == "" {
					return RespondEmbedEphemeral(s, i, &discordgo.MessageEmbed{
						Description: "This command only works inside a server.",
						Color:       EmbedColor,
					})
				}
				return dispatch(cmd, ctx)
			},
		}
	}
}

// WithAdminCheck rejects non-administrators for commands with RequireAdmin.
func WithAdminCheck() Middleware {
	return func(cmd Command) Command {
		return &WrappedCommand{
			Command: cmd,
			Wrap: func(ctx interface{}) error {
				s, i, deps := eventOf(ctx)
				if i == nil || !cmd.RequireAdmin() {
					return dispatch(cmd, ctx)
				}
				developerID := ""
				if deps.Config != nil {
					developerID = deps.Config.DeveloperID
				}
				if !IsAdministrator(s, i.GuildID, i.Member, developerID) {
					return RespondEmbedEphemeral(s, i, &discordgo.MessageEmbed{
						Description: "You must be a server administrator to use this command.",
						Color:       EmbedColor,
					})
				}
				return dispatch(cmd, ctx)
			},
		}
	}
}

// WithCommandLog writes one structured line per invocation.
func WithCommandLog() Middleware {
	return func(cmd Command) Command {
		return &WrappedCommand{
			Command: cmd,
			Wrap: func(ctx interface{}) error {
				_, i, deps := eventOf(ctx)
				if i == nil {
					return dispatch(cmd, ctx)
				}

				start := time.Now()
				err := dispatch(cmd, ctx)

				ev := deps.Logger.Info()
				if err != nil {
					ev = deps.Logger.Error().Err(err)
				}
				userID := ""
				if u := interactionUser(i); u != nil {
					userID = u.ID
				}
				ev.Str("command", cmd.Name()).
					Str("guild", i.GuildID).
					Str("user", userID).
					Stringer("type", i.Type).
					Dur("took", time.Since(start)).
					Msg("command handled")
				return err
			},
		}
	}
}
