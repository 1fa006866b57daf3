// Package access resolves caller identities against the engine's role table.
//
// Roles are assigned, never inferred. The table is read on every decision, so
// GrantRole and RevokeRole take effect for the very next call. Decisions are
// side-effect free.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnauthorized      = errors.New("access: caller lacks required role")
	ErrInvalidRole       = errors.New("access: unknown role")
	ErrInvalidIdentity   = errors.New("access: invalid identity address")
	ErrLastAdministrator = errors.New("access: cannot revoke the last administrator")
	ErrPaused            = errors.New("access: role changes are paused")
)

// Role is a named capability.
type Role string

const (
	RoleAdministrator  Role = "administrator"
	RoleBridgeOperator Role = "bridge_operator"
	RolePauseOperator  Role = "pause_operator"
)

// Roles lists every assignable role.
var Roles = []Role{RoleAdministrator, RoleBridgeOperator, RolePauseOperator}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdministrator, RoleBridgeOperator, RolePauseOperator:
		return true
	}
	return false
}

// Action is a mutating entry point guarded by a role check.
type Action string

const (
	ActionCreate  Action = "create"
	ActionFund    Action = "fund"
	ActionRelease Action = "release"
	ActionCancel  Action = "cancel"
	ActionDispute Action = "dispute"
	ActionResolve Action = "resolve"
	ActionDismiss Action = "dismiss"
	ActionPause   Action = "pause"
	ActionUnpause Action = "unpause"
	ActionGrant   Action = "grant_role"
	ActionRevoke  Action = "revoke_role"
)

// requiredRoles maps each action to the roles that may perform it. Holding
// any one of them is sufficient.
var requiredRoles = map[Action][]Role{
	ActionCreate:  {RoleBridgeOperator},
	ActionFund:    {RoleBridgeOperator},
	ActionRelease: {RoleBridgeOperator},
	ActionCancel:  {RoleBridgeOperator, RoleAdministrator},
	ActionDispute: {RoleBridgeOperator},
	ActionResolve: {RoleAdministrator},
	ActionDismiss: {RoleAdministrator},
	ActionPause:   {RolePauseOperator, RoleAdministrator},
	ActionUnpause: {RolePauseOperator, RoleAdministrator},
	ActionGrant:   {RoleAdministrator},
	ActionRevoke:  {RoleAdministrator},
}

// RequiredRoles returns the roles that satisfy action.
func RequiredRoles(action Action) []Role {
	return append([]Role(nil), requiredRoles[action]...)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Err converts a denial into an error wrapping ErrUnauthorized.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnauthorized, d.Reason)
}

// Store persists the role table.
type Store interface {
	HasRole(ctx context.Context, role Role, identity string) (bool, error)
	Grant(ctx context.Context, role Role, identity, grantedBy string) error
	// Revoke removes the assignment. It fails with ErrLastAdministrator,
	// decided atomically with the delete, when identity is the only
	// administrator left.
	Revoke(ctx context.Context, role Role, identity string) error
	Members(ctx context.Context, role Role) ([]string, error)
}

// PauseChecker reports whether the engine is paused. Role changes are
// mutations and stop while paused.
type PauseChecker interface {
	Check() error
}

// Guard is the AuthorizationGuard service.
type Guard struct {
	store  Store
	pause  PauseChecker
	logger *slog.Logger
}

// NewGuard creates a guard over the role table.
func NewGuard(store Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, logger: logger}
}

// WithPause makes role changes fail while p reports paused.
func (g *Guard) WithPause(p PauseChecker) *Guard {
	g.pause = p
	return g
}

// Admit runs the gates of a role change in order: pause, then role.
func (g *Guard) Admit(ctx context.Context, caller string, action Action) error {
	if g.pause != nil {
		if err := g.pause.Check(); err != nil {
			return fmt.Errorf("%w: %w", ErrPaused, err)
		}
	}
	return g.Require(ctx, caller, action)
}

// NormalizeIdentity returns the EIP-55 form of an address identity.
func NormalizeIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if !common.IsHexAddress(identity) {
		return "", ErrInvalidIdentity
	}
	return common.HexToAddress(identity).Hex(), nil
}

// Authorize decides whether caller may perform action.
func (g *Guard) Authorize(ctx context.Context, caller string, action Action) (Decision, error) {
	roles, ok := requiredRoles[action]
	if !ok {
		return Decision{Reason: fmt.Sprintf("unknown action %q", action)}, nil
	}
	identity, err := NormalizeIdentity(caller)
	if err != nil {
		return Decision{Reason: "caller identity is not an address"}, nil
	}
	for _, role := range roles {
		has, err := g.store.HasRole(ctx, role, identity)
		if err != nil {
			return Decision{}, fmt.Errorf("read role table: %w", err)
		}
		if has {
			return Decision{Allowed: true}, nil
		}
	}
	return Decision{Reason: fmt.Sprintf("%s requires one of %v", action, roles)}, nil
}

// Require is Authorize collapsed into a single error.
func (g *Guard) Require(ctx context.Context, caller string, action Action) error {
	d, err := g.Authorize(ctx, caller, action)
	if err != nil {
		return err
	}
	return d.Err()
}

// HasRole reports whether identity currently holds role.
func (g *Guard) HasRole(ctx context.Context, role Role, identity string) (bool, error) {
	if !role.Valid() {
		return false, ErrInvalidRole
	}
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return false, err
	}
	return g.store.HasRole(ctx, role, id)
}

// Members lists the identities holding role.
func (g *Guard) Members(ctx context.Context, role Role) ([]string, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	return g.store.Members(ctx, role)
}

// GrantRole assigns role to identity. Only administrators may grant.
func (g *Guard) GrantRole(ctx context.Context, caller string, role Role, identity string) error {
	if err := g.Admit(ctx, caller, ActionGrant); err != nil {
		return err
	}
	if !role.Valid() {
		return ErrInvalidRole
	}
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	by, _ := NormalizeIdentity(caller)
	if err := g.store.Grant(ctx, role, id, by); err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	roleChangesTotal.WithLabelValues("grant", string(role)).Inc()
	g.logger.Info("role granted", "role", role, "identity", id, "by", by)
	return nil
}

// RevokeRole removes role from identity. Only administrators may revoke, and
// the last administrator cannot be removed.
func (g *Guard) RevokeRole(ctx context.Context, caller string, role Role, identity string) error {
	if err := g.Admit(ctx, caller, ActionRevoke); err != nil {
		return err
	}
	if !role.Valid() {
		return ErrInvalidRole
	}
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	if err := g.store.Revoke(ctx, role, id); err != nil {
		if errors.Is(err, ErrLastAdministrator) {
			return err
		}
		return fmt.Errorf("revoke role: %w", err)
	}
	by, _ := NormalizeIdentity(caller)
	roleChangesTotal.WithLabelValues("revoke", string(role)).Inc()
	g.logger.Info("role revoked", "role", role, "identity", id, "by", by)
	return nil
}

// Bootstrap seeds the role table at startup. It bypasses the administrator
// check and is idempotent; empty identities are skipped.
func (g *Guard) Bootstrap(ctx context.Context, assignments map[Role][]string) error {
	for role, ids := range assignments {
		if !role.Valid() {
			return ErrInvalidRole
		}
		for _, raw := range ids {
			if raw == "" {
				continue
			}
			id, err := NormalizeIdentity(raw)
			if err != nil {
				return fmt.Errorf("bootstrap %s %q: %w", role, raw, err)
			}
			if err := g.store.Grant(ctx, role, id, "bootstrap"); err != nil {
				return fmt.Errorf("bootstrap %s: %w", role, err)
			}
		}
	}
	return nil
}
