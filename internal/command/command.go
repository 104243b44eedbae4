package command

import (
	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/gatekeeper/internal/config"
	"github.com/keshon/gatekeeper/internal/storage"
	"github.com/keshon/gatekeeper/internal/verification"
)

type Command interface {
	Name() string
	Description() string
	Group() string
	Category() string
	RequireAdmin() bool
	Run(ctx interface{}) error
}

// Providers - how a command is registered with Discord

type SlashProvider interface {
	SlashDefinition() *discordgo.ApplicationCommand
}

// Hooks beyond Run

type ComponentInteractionHandler interface {
	Component(*ComponentInteractionContext) error
}

type ModalSubmitHandler interface {
	ModalSubmit(*ComponentInteractionContext) error
}

// Deps is what the runtime hands every command.
type Deps struct {
	Storage      *storage.Storage
	Verification *verification.Service
	Config       *config.Config
	Logger       zerolog.Logger
}

// Contexts - what the runtime passes when executing

type SlashInteractionContext struct {
	Session *discordgo.Session
	Event   *discordgo.InteractionCreate
	Deps
}

// ComponentInteractionContext carries button presses and modal submissions.
type ComponentInteractionContext struct {
	Session *discordgo.Session
	Event   *discordgo.InteractionCreate
	Deps
}

func eventOf(ctx interface{}) (*discordgo.Session, *discordgo.InteractionCreate, *Deps) {
	switch v := ctx.(type) {
	case *SlashInteractionContext:
		return v.Session, v.Event, &v.Deps
	case *ComponentInteractionContext:
		return v.Session, v.Event, &v.Deps
	}
	return nil, nil, nil
}

// interactionUser returns the invoking user for guild and DM interactions.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}
