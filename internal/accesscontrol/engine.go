// Package accesscontrol decides what a caller may do to a conversation
// group, independent of which datastore backend holds the membership rows.
// It centralizes the membership-lookup policy the datastore plugins used to
// each reimplement as a private requireAccess helper.
package accesscontrol

import (
	"context"

	"github.com/agentcore/memoryd/internal/model"
	registrystore "github.com/agentcore/memoryd/internal/registry/store"
	"github.com/google/uuid"
)

// Principal is the caller identity an access decision is made against:
// (userId, clientId, roles) plus whether the request carries an API key,
// mirroring the principal tuple every core operation receives.
type Principal struct {
	UserID        string
	ClientID      string
	Roles         map[string]bool
	APIKeyPresent bool
}

// HasRole reports whether the principal carries the named role.
func (p Principal) HasRole(role string) bool {
	return p.Roles != nil && p.Roles[role]
}

const (
	RoleAdmin   = "admin"
	RoleAuditor = "auditor"
	RoleIndexer = "indexer"
)

// Engine answers access-control questions against a MemoryStore's
// membership records, applying the role-based policy rules on top.
type Engine struct {
	store registrystore.MemoryStore
}

// NewEngine creates an Engine backed by the given datastore.
func NewEngine(store registrystore.MemoryStore) *Engine {
	return &Engine{store: store}
}

// EffectiveAccess resolves the access level a principal holds over a
// conversation group:
//
//   - admin role: OWNER, unconditionally.
//   - auditor role: READER on every group, without a membership row.
//   - API-key-only request (no user principal) carrying the indexer role:
//     READER, so the background indexer's read-only paths work without a
//     membership row. Callers requiring WRITER or above still fail this
//     bypass and fall through to the membership lookup.
//   - otherwise: the group's membership table.
//
// Returns NotFoundError when none of the above apply and no membership row
// exists, matching the "NOT_FOUND, not FORBIDDEN" rule spec.md requires so
// unauthorized callers can't distinguish "doesn't exist" from "not yours".
func (e *Engine) EffectiveAccess(ctx context.Context, principal Principal, groupID uuid.UUID) (model.AccessLevel, error) {
	if principal.HasRole(RoleAdmin) {
		return model.AccessLevelOwner, nil
	}
	if principal.HasRole(RoleAuditor) {
		return model.AccessLevelReader, nil
	}
	if principal.UserID == "" && principal.APIKeyPresent && principal.HasRole(RoleIndexer) {
		return model.AccessLevelReader, nil
	}
	level, found, err := e.store.GetAccessLevel(ctx, principal.UserID, groupID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", &registrystore.NotFoundError{Resource: "conversationGroup", ID: groupID.String()}
	}
	return level, nil
}

// EnsureAccess returns nil when the principal's effective access on groupID
// is at least minLevel, NotFoundError when no membership/bypass exists at
// all, and ForbiddenError when a membership exists but is below minLevel.
func (e *Engine) EnsureAccess(ctx context.Context, principal Principal, groupID uuid.UUID, minLevel model.AccessLevel) (model.AccessLevel, error) {
	level, err := e.EffectiveAccess(ctx, principal, groupID)
	if err != nil {
		return "", err
	}
	if !level.IsAtLeast(minLevel) {
		return "", &registrystore.ForbiddenError{}
	}
	return level, nil
}

// AccessibleGroupIdsForUser returns up to limit conversation groups the
// user has membership in, most-recently-joined first when orderByRecent is
// set. Used to scope external-vector-store search to a bounded, relevant
// set of groups instead of every group the user has ever touched.
func (e *Engine) AccessibleGroupIdsForUser(ctx context.Context, userID string, limit int, orderByRecent bool) ([]uuid.UUID, error) {
	return e.store.ListConversationGroupIDs(ctx, userID, limit, orderByRecent)
}
