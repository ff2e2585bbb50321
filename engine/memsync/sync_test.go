package memsync_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadkeep/threadkeep/engine/auth"
	"github.com/threadkeep/threadkeep/engine/authz"
	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/conversation/convtest"
	"github.com/threadkeep/threadkeep/engine/conversation/uc"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/memcache"
	"github.com/threadkeep/threadkeep/engine/memsync"
)

type env struct {
	svc   *memsync.Service
	store *conversation.Store
	ctx   context.Context
	conv  *conversation.Conversation
}

func newEnv(t *testing.T) *env {
	t.Helper()
	bundle := convtest.New().Bundle()
	az := authz.NewEngine(bundle.Memberships, false)
	ctx := auth.ContextWithActor(context.Background(), &auth.Actor{ClientID: "agent-a"})
	conv, err := uc.NewCreateConversation(&uc.Options{Store: bundle, Authz: az, Cache: memcache.Noop{}}).
		Execute(ctx, &uc.CreateConversationInput{})
	require.NoError(t, err)
	return &env{
		svc:   memsync.NewService(bundle, az, memcache.Noop{}),
		store: bundle,
		ctx:   ctx,
		conv:  conv,
	}
}

func messages(texts ...string) []memsync.Message {
	out := make([]memsync.Message, 0, len(texts))
	for _, text := range texts {
		out = append(out, memsync.Message{
			Channel: conversation.ChannelMemory,
			Content: []conversation.ContentBlock{conversation.TextBlock(text)},
		})
	}
	return out
}

func (e *env) sync(t *testing.T, texts ...string) *memsync.Result {
	t.Helper()
	res, err := e.svc.Sync(e.ctx, &memsync.Input{ConversationID: e.conv.ID, Messages: messages(texts...)})
	require.NoError(t, err)
	return res
}

func TestSync(t *testing.T) {
	t.Run("Should allocate epoch 1 on first sync", func(t *testing.T) {
		e := newEnv(t)
		res := e.sync(t, "a", "b")
		assert.Equal(t, int64(1), res.Epoch)
		assert.True(t, res.EpochIncremented)
		assert.False(t, res.NoOp)
		assert.Len(t, res.Entries, 2)
	})
	t.Run("Should no-op on an identical replay", func(t *testing.T) {
		e := newEnv(t)
		e.sync(t, "a", "b")
		res := e.sync(t, "a", "b")
		assert.True(t, res.NoOp)
		assert.Equal(t, int64(1), res.Epoch)
		assert.False(t, res.EpochIncremented)
		assert.Empty(t, res.Entries)
	})
	t.Run("Should append only the suffix on a prefix extension", func(t *testing.T) {
		e := newEnv(t)
		e.sync(t, "a", "b")
		res := e.sync(t, "a", "b", "c", "d")
		assert.Equal(t, int64(1), res.Epoch)
		assert.False(t, res.EpochIncremented)
		require.Len(t, res.Entries, 2)
		assert.Equal(t, "c", res.Entries[0].Content[0].Text())
		assert.Equal(t, "d", res.Entries[1].Content[0].Text())
		stored, err := e.store.Entries.ListEpoch(context.Background(), e.conv.ID, "agent-a", 1)
		require.NoError(t, err)
		assert.Len(t, stored, 4)
	})
	t.Run("Should bump the epoch when histories diverge", func(t *testing.T) {
		e := newEnv(t)
		e.sync(t, "a", "b")
		res := e.sync(t, "a", "x")
		assert.Equal(t, int64(2), res.Epoch)
		assert.True(t, res.EpochIncremented)
		require.Len(t, res.Entries, 2)
		stored, err := e.store.Entries.ListEpoch(context.Background(), e.conv.ID, "agent-a", 2)
		require.NoError(t, err)
		assert.Len(t, stored, 2)
	})
	t.Run("Should bump the epoch on truncation", func(t *testing.T) {
		e := newEnv(t)
		e.sync(t, "a", "b", "c")
		res := e.sync(t, "a", "b")
		assert.Equal(t, int64(2), res.Epoch)
		assert.True(t, res.EpochIncremented)
	})
	t.Run("Should keep epochs independent per client", func(t *testing.T) {
		e := newEnv(t)
		e.sync(t, "a")
		other := auth.ContextWithActor(context.Background(), &auth.Actor{ClientID: "agent-b"})
		res, err := e.svc.Sync(other, &memsync.Input{ConversationID: e.conv.ID, Messages: messages("b")})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Epoch)
		assert.True(t, res.EpochIncremented)
	})
	t.Run("Should converge under repeated divergent replays", func(t *testing.T) {
		e := newEnv(t)
		e.sync(t, "a")
		e.sync(t, "b")
		res := e.sync(t, "b")
		assert.True(t, res.NoOp)
		assert.Equal(t, int64(2), res.Epoch)
	})
	t.Run("Should reject empty input", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.svc.Sync(e.ctx, &memsync.Input{ConversationID: e.conv.ID})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
	t.Run("Should reject non-MEMORY channels", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.svc.Sync(e.ctx, &memsync.Input{
			ConversationID: e.conv.ID,
			Messages: []memsync.Message{{
				Channel: conversation.ChannelHistory,
				Content: []conversation.ContentBlock{conversation.TextBlock("x")},
			}},
		})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
	t.Run("Should reject non-agent callers", func(t *testing.T) {
		e := newEnv(t)
		userCtx := auth.ContextWithActor(context.Background(), &auth.Actor{UserID: "alice"})
		_, err := e.svc.Sync(userCtx, &memsync.Input{ConversationID: e.conv.ID, Messages: messages("a")})
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
	})
	t.Run("Should return not found for unknown conversations", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.svc.Sync(e.ctx, &memsync.Input{ConversationID: core.NewID(), Messages: messages("a")})
		assert.True(t, core.IsNotFound(err))
	})
}
