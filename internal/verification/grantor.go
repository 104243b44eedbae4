package verification

import (
	"context"
	"fmt"
	"slices"
)

const (
	VerifiedRoleColor  = 0x2ECC71
	VerifiedRoleReason = "Gatekeeper verification role"
)

// RoleGrantor turns a successful verification into a guild role.
type RoleGrantor struct {
	dir Directory
}

func NewRoleGrantor(dir Directory) *RoleGrantor {
	return &RoleGrantor{dir: dir}
}

// Grant makes sure a role named roleName exists in the guild and that the
// member holds it. It returns the role ID. Holding the role already is not an
// error.
func (g *RoleGrantor) Grant(ctx context.Context, guildID, userID, roleName string) (string, error) {
	role, err := g.ensureRole(ctx, guildID, roleName)
	if err != nil {
		return "", err
	}

	member, err := g.dir.Member(ctx, guildID, userID)
	if err != nil {
		return "", fmt.Errorf("fetch member %s: %w", userID, err)
	}
	if slices.Contains(member.RoleIDs, role.ID) {
		return role.ID, nil
	}

	if err := g.dir.AddRole(ctx, guildID, userID, role.ID); err != nil {
		return "", fmt.Errorf("assign role %q: %w", roleName, err)
	}
	return role.ID, nil
}

func (g *RoleGrantor) ensureRole(ctx context.Context, guildID, roleName string) (*Role, error) {
	roles, err := g.dir.Roles(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	for _, r := range roles {
		if r.Name == roleName {
			r := r
			return &r, nil
		}
	}

	role, err := g.dir.CreateRole(ctx, guildID, roleName, VerifiedRoleColor, VerifiedRoleReason)
	if err != nil {
		return nil, fmt.Errorf("create role %q: %w", roleName, err)
	}
	return role, nil
}
