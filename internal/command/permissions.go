package command

import (
	"github.com/bwmarrin/discordgo"
)

// IsAdministrator reports whether member may manage verification settings:
// the configured developer, anyone with Administrator or Manage Server, or
// the guild owner.
func IsAdministrator(s *discordgo.Session, guildID string, member *discordgo.Member, developerID string) bool {
	if member == nil || member.User == nil {
		return false
	}
	if developerID != "" && member.User.ID == developerID {
		return true
	}
	// interaction payloads carry the member's computed permissions
	if member.Permissions&(discordgo.PermissionAdministrator|discordgo.PermissionManageGuild) != 0 {
		return true
	}
	if s == nil {
		return false
	}

	guild, err := s.State.Guild(guildID)
	if err != nil || guild == nil {
		guild, err = s.Guild(guildID)
		if err != nil || guild == nil {
			return false
		}
	}
	if member.User.ID == guild.OwnerID {
		return true
	}
	for _, roleID := range member.Roles {
		if role, _ := s.State.Role(guildID, roleID); role != nil {
			if role.Permissions&discordgo.PermissionAdministrator != 0 {
				return true
			}
		}
	}
	return false
}
