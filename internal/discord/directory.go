package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/gatekeeper/internal/verification"
	"github.com/keshon/gatekeeper/pkg/retrylimit"
)

// guildAPI is the slice of *discordgo.Session the directory calls.
type guildAPI interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildRoleCreate(guildID string, data *discordgo.RoleParams, options ...discordgo.RequestOption) (*discordgo.Role, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberDeleteWithReason(guildID, userID, reason string, options ...discordgo.RequestOption) error
}

// Directory implements verification.Directory over the Discord REST API.
// Calls go through an adaptive limiter and are retried on 429 and 5xx.
type Directory struct {
	api   guildAPI
	lim   *retrylimit.AdaptiveLimiter
	retry retrylimit.RetryConfig
}

func NewDirectory(api guildAPI, logger zerolog.Logger) *Directory {
	cfg := retrylimit.DefaultRetryConfig()
	cfg.Logger = logger.With().Str("component", "directory").Logger()
	return &Directory{
		api:   api,
		lim:   retrylimit.NewAdaptiveLimiter(10, 1, 40, 1, 0.5),
		retry: cfg,
	}
}

func (d *Directory) do(ctx context.Context, fn func() error) error {
	return retrylimit.WithRetryConfig(ctx, func() error {
		return classify(fn())
	}, d.lim, d.retry)
}

func (d *Directory) Member(ctx context.Context, guildID, userID string) (*verification.Member, error) {
	var m *discordgo.Member
	err := d.do(ctx, func() (err error) {
		m, err = d.api.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return nil, err
	}
	if m.User == nil {
		return nil, fmt.Errorf("member %s has no user payload", userID)
	}

	created, err := discordgo.SnowflakeTimestamp(m.User.ID)
	if err != nil {
		return nil, fmt.Errorf("decode snowflake %s: %w", m.User.ID, err)
	}
	return &verification.Member{
		UserID:    m.User.ID,
		Username:  m.User.Username,
		Bot:       m.User.Bot,
		CreatedAt: created,
		RoleIDs:   m.Roles,
	}, nil
}

func (d *Directory) Roles(ctx context.Context, guildID string) ([]verification.Role, error) {
	var roles []*discordgo.Role
	err := d.do(ctx, func() (err error) {
		roles, err = d.api.GuildRoles(guildID, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]verification.Role, 0, len(roles))
	for _, r := range roles {
		out = append(out, verification.Role{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

func (d *Directory) CreateRole(ctx context.Context, guildID, name string, color int, reason string) (*verification.Role, error) {
	var role *discordgo.Role
	mentionable := false
	err := d.do(ctx, func() (err error) {
		role, err = d.api.GuildRoleCreate(guildID, &discordgo.RoleParams{
			Name:        name,
			Color:       &color,
			Mentionable: &mentionable,
		}, discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &verification.Role{ID: role.ID, Name: role.Name}, nil
}

func (d *Directory) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return d.do(ctx, func() error {
		return d.api.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
	})
}

func (d *Directory) Kick(ctx context.Context, guildID, userID, reason string) error {
	return d.do(ctx, func() error {
		return d.api.GuildMemberDeleteWithReason(guildID, userID, reason, discordgo.WithContext(ctx))
	})
}

// restError exposes the status code of a discordgo REST failure to retrylimit.
type restError struct {
	*discordgo.RESTError
}

func (e restError) StatusCode() int { return e.Response.StatusCode }
func (e restError) Unwrap() error { return e.RESTError }

// classify marks client errors as fatal and exposes status codes for retries.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) || rest.Response == nil {
		return err
	}
	wrapped := restError{rest}
	code := rest.Response.StatusCode
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return retrylimit.Fatal(wrapped)
	}
	return wrapped
}

var _ verification.Directory = (*Directory)(nil)
