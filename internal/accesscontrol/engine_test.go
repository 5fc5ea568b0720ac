package accesscontrol_test

import (
	"context"
	"testing"

	"github.com/agentcore/memoryd/internal/accesscontrol"
	"github.com/agentcore/memoryd/internal/config"
	"github.com/agentcore/memoryd/internal/model"
	"github.com/agentcore/memoryd/internal/plugin/store/postgres"
	registrymigrate "github.com/agentcore/memoryd/internal/registry/migrate"
	registrystore "github.com/agentcore/memoryd/internal/registry/store"
	"github.com/agentcore/memoryd/internal/testutil/testpg"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEngine(t *testing.T) (registrystore.MemoryStore, *accesscontrol.Engine, context.Context) {
	t.Helper()

	dbURL := testpg.StartPostgres(t)
	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	ctx := config.WithContext(context.Background(), &cfg)

	_ = postgres.ForceImport
	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)

	return store, accesscontrol.NewEngine(store), ctx
}

func TestEffectiveAccessMembership(t *testing.T) {
	store, engine, ctx := setupEngine(t)

	conv, err := store.CreateConversation(ctx, "owner1", "t", nil, nil, nil)
	require.NoError(t, err)

	level, err := engine.EffectiveAccess(ctx, accesscontrol.Principal{UserID: "owner1"}, conv.ConversationGroupID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessLevelOwner, level)
}

func TestEffectiveAccessNoMembershipIsNotFound(t *testing.T) {
	store, engine, ctx := setupEngine(t)

	conv, err := store.CreateConversation(ctx, "owner1", "t", nil, nil, nil)
	require.NoError(t, err)

	_, err = engine.EffectiveAccess(ctx, accesscontrol.Principal{UserID: "stranger"}, conv.ConversationGroupID)
	var notFound *registrystore.NotFoundError
	assert.ErrorAs(t, err, &notFound, "a non-member must see NOT_FOUND, not FORBIDDEN, so membership can't be probed for")
}

func TestEnsureAccessInsufficientLevelIsForbidden(t *testing.T) {
	store, engine, ctx := setupEngine(t)

	conv, err := store.CreateConversation(ctx, "owner1", "t", nil, nil, nil)
	require.NoError(t, err)
	_, err = store.ShareConversation(ctx, "owner1", conv.ID, "reader1", model.AccessLevelReader)
	require.NoError(t, err)

	_, err = engine.EnsureAccess(ctx, accesscontrol.Principal{UserID: "reader1"}, conv.ConversationGroupID, model.AccessLevelWriter)
	var forbidden *registrystore.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestEffectiveAccessAdminBypass(t *testing.T) {
	store, engine, ctx := setupEngine(t)

	conv, err := store.CreateConversation(ctx, "owner1", "t", nil, nil, nil)
	require.NoError(t, err)

	principal := accesscontrol.Principal{UserID: "admin1", Roles: map[string]bool{accesscontrol.RoleAdmin: true}}
	level, err := engine.EffectiveAccess(ctx, principal, conv.ConversationGroupID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessLevelOwner, level)
}

func TestEffectiveAccessAuditorBypass(t *testing.T) {
	store, engine, ctx := setupEngine(t)

	conv, err := store.CreateConversation(ctx, "owner1", "t", nil, nil, nil)
	require.NoError(t, err)

	principal := accesscontrol.Principal{UserID: "auditor1", Roles: map[string]bool{accesscontrol.RoleAuditor: true}}
	level, err := engine.EffectiveAccess(ctx, principal, conv.ConversationGroupID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessLevelReader, level)
}

func TestEffectiveAccessIndexerAPIKeyBypassRequiresNoUser(t *testing.T) {
	_, engine, ctx := setupEngine(t)

	groupID := uuid.New()

	// No user principal, API key present, indexer role: read-only bypass.
	bypassed := accesscontrol.Principal{Roles: map[string]bool{accesscontrol.RoleIndexer: true}, APIKeyPresent: true}
	level, err := engine.EffectiveAccess(ctx, bypassed, groupID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessLevelReader, level)

	// Same roles but with a user principal: not an API-key-only request, no bypass.
	withUser := accesscontrol.Principal{UserID: "someone", Roles: map[string]bool{accesscontrol.RoleIndexer: true}, APIKeyPresent: true}
	_, err = engine.EffectiveAccess(ctx, withUser, groupID)
	var notFound *registrystore.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestAccessibleGroupIdsForUserOrdersByRecent(t *testing.T) {
	store, engine, ctx := setupEngine(t)

	convA, err := store.CreateConversation(ctx, "shared-user", "a", nil, nil, nil)
	require.NoError(t, err)
	convB, err := store.CreateConversation(ctx, "owner2", "b", nil, nil, nil)
	require.NoError(t, err)
	_, err = store.ShareConversation(ctx, "owner2", convB.ID, "shared-user", model.AccessLevelReader)
	require.NoError(t, err)

	ids, err := engine.AccessibleGroupIdsForUser(ctx, "shared-user", 1, true)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, convB.ConversationGroupID, ids[0], "most-recently-joined membership (convB, shared later) should come first")
	_ = convA
}
