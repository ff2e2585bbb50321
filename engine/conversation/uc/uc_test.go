package uc_test

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
	"github.com/threadkeep/threadkeep/engine/vector"
)

func testOptions(t *testing.T) *uc.Options {
	t.Helper()
	bundle := convtest.New().Bundle()
	return &uc.Options{
		Store:  bundle,
		Authz:  authz.NewEngine(bundle.Memberships, false),
		Cache:  memcache.Noop{},
		Vector: vector.NewMemory(),
	}
}

func userCtx(userID string) context.Context {
	return auth.ContextWithActor(context.Background(), &auth.Actor{UserID: userID})
}

func agentCtx(clientID string) context.Context {
	return auth.ContextWithActor(context.Background(), &auth.Actor{ClientID: clientID})
}

func mustCreate(t *testing.T, opts *uc.Options, ctx context.Context) *conversation.Conversation {
	t.Helper()
	conv, err := uc.NewCreateConversation(opts).Execute(ctx, &uc.CreateConversationInput{})
	require.NoError(t, err)
	return conv
}

func TestCreateConversation(t *testing.T) {
	t.Run("Should create a group with an owner membership", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		conv := mustCreate(t, opts, ctx)
		assert.Equal(t, "alice", conv.OwnerUserID)
		got, err := uc.NewGetConversation(opts).Execute(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, conv.ID, got.ID)
		members, err := uc.NewListMemberships(opts).Execute(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, conversation.AccessOwner, members[0].AccessLevel)
	})
	t.Run("Should honor a caller-chosen id", func(t *testing.T) {
		opts := testOptions(t)
		id := core.NewID()
		conv, err := uc.NewCreateConversation(opts).Execute(userCtx("alice"), &uc.CreateConversationInput{ID: id})
		require.NoError(t, err)
		assert.Equal(t, id, conv.ID)
	})
	t.Run("Should reject unauthenticated callers", func(t *testing.T) {
		opts := testOptions(t)
		_, err := uc.NewCreateConversation(opts).Execute(context.Background(), &uc.CreateConversationInput{})
		assert.Equal(t, core.KindUnauthorized, core.KindOf(err))
	})
}

func TestGetConversation(t *testing.T) {
	t.Run("Should hide conversations from strangers as not found", func(t *testing.T) {
		opts := testOptions(t)
		conv := mustCreate(t, opts, userCtx("alice"))
		_, err := uc.NewGetConversation(opts).Execute(userCtx("bob"), conv.ID)
		assert.True(t, core.IsNotFound(err))
	})
	t.Run("Should return not found after soft delete", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		conv := mustCreate(t, opts, ctx)
		require.NoError(t, uc.NewDeleteConversation(opts).Execute(ctx, conv.ID))
		_, err := uc.NewGetConversation(opts).Execute(ctx, conv.ID)
		assert.True(t, core.IsNotFound(err))
	})
}

func TestDeleteConversation(t *testing.T) {
	t.Run("Should require manager access", func(t *testing.T) {
		opts := testOptions(t)
		owner := userCtx("alice")
		conv := mustCreate(t, opts, owner)
		_, err := uc.NewShareConversation(opts).Execute(owner, &uc.ShareConversationInput{
			ConversationID: conv.ID, UserID: "bob", AccessLevel: conversation.AccessWriter,
		})
		require.NoError(t, err)
		err = uc.NewDeleteConversation(opts).Execute(userCtx("bob"), conv.ID)
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
	})
}

func TestListConversations(t *testing.T) {
	t.Run("Should page newest first with a cursor", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		var ids []core.ID
		for range 5 {
			ids = append(ids, mustCreate(t, opts, ctx).ID)
		}
		list := uc.NewListConversations(opts)
		first, err := list.Execute(ctx, &uc.ListConversationsInput{Limit: 3})
		require.NoError(t, err)
		require.Len(t, first.Data, 3)
		require.NotEmpty(t, first.NextCursor)
		assert.Equal(t, ids[4], first.Data[0].ID)
		rest, err := list.Execute(ctx, &uc.ListConversationsInput{Limit: 3, After: first.NextCursor})
		require.NoError(t, err)
		require.Len(t, rest.Data, 2)
		assert.Equal(t, ids[1], rest.Data[0].ID)
		assert.Equal(t, ids[0], rest.Data[1].ID)
		assert.Empty(t, rest.NextCursor)
	})
	t.Run("Should scope results to the caller", func(t *testing.T) {
		opts := testOptions(t)
		mustCreate(t, opts, userCtx("alice"))
		out, err := uc.NewListConversations(opts).Execute(userCtx("bob"), &uc.ListConversationsInput{})
		require.NoError(t, err)
		assert.Empty(t, out.Data)
	})
	t.Run("Should not resurface a group on later latest_fork pages", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		root := mustCreate(t, opts, ctx)
		entry, err := uc.NewAppendUserEntry(opts).Execute(ctx, &uc.AppendUserEntryInput{
			ConversationID: root.ID,
			Content:        []conversation.ContentBlock{conversation.TextBlock("one")},
		})
		require.NoError(t, err)
		other := mustCreate(t, opts, ctx)
		fork, err := uc.NewForkConversation(opts).Execute(ctx, &uc.ForkConversationInput{
			ConversationID: root.ID, EntryID: entry.ID,
		})
		require.NoError(t, err)
		// The fork supersedes its root for the whole listing, including
		// the pages after the cursor moves past it.
		list := uc.NewListConversations(opts)
		var seen []core.ID
		cursor := ""
		for range 4 {
			out, err := list.Execute(ctx, &uc.ListConversationsInput{
				Mode: conversation.ModeLatestFork, Limit: 1, After: cursor,
			})
			require.NoError(t, err)
			for _, conv := range out.Data {
				seen = append(seen, conv.ID)
			}
			if out.NextCursor == "" {
				break
			}
			cursor = out.NextCursor
		}
		assert.Equal(t, []core.ID{fork.ID, other.ID}, seen)
	})
	t.Run("Should reject a garbage cursor", func(t *testing.T) {
		opts := testOptions(t)
		_, err := uc.NewListConversations(opts).Execute(userCtx("alice"), &uc.ListConversationsInput{After: "???"})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
}

func TestAppendUserEntry(t *testing.T) {
	t.Run("Should create the conversation on first write and derive the title", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		id := core.NewID()
		entry, err := uc.NewAppendUserEntry(opts).Execute(ctx, &uc.AppendUserEntryInput{
			ConversationID: id,
			Content:        []conversation.ContentBlock{conversation.TextBlock("  Plan   the  launch retro meeting for the whole team  ")},
		})
		require.NoError(t, err)
		assert.Equal(t, conversation.ChannelHistory, entry.Channel)
		conv, err := uc.NewGetConversation(opts).Execute(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, conv.Title)
		assert.Equal(t, "Plan the launch retro meeting for the wh", *conv.Title)
		assert.LessOrEqual(t, len([]rune(*conv.Title)), 40)
	})
	t.Run("Should not overwrite an explicit title", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		title := "kept"
		conv, err := uc.NewCreateConversation(opts).Execute(ctx, &uc.CreateConversationInput{Title: &title})
		require.NoError(t, err)
		_, err = uc.NewAppendUserEntry(opts).Execute(ctx, &uc.AppendUserEntryInput{
			ConversationID: conv.ID,
			Content:        []conversation.ContentBlock{conversation.TextBlock("something else")},
		})
		require.NoError(t, err)
		got, err := uc.NewGetConversation(opts).Execute(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "kept", *got.Title)
	})
	t.Run("Should bump recency so the conversation lists first", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		first := mustCreate(t, opts, ctx)
		mustCreate(t, opts, ctx)
		_, err := uc.NewAppendUserEntry(opts).Execute(ctx, &uc.AppendUserEntryInput{
			ConversationID: first.ID,
			Content:        []conversation.ContentBlock{conversation.TextBlock("hello")},
		})
		require.NoError(t, err)
		out, err := uc.NewListConversations(opts).Execute(ctx, &uc.ListConversationsInput{})
		require.NoError(t, err)
		require.NotEmpty(t, out.Data)
		assert.Equal(t, first.ID, out.Data[0].ID)
	})
	t.Run("Should report a deleted conversation's id as not found", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		conv := mustCreate(t, opts, ctx)
		require.NoError(t, uc.NewDeleteConversation(opts).Execute(ctx, conv.ID))
		_, err := uc.NewAppendUserEntry(opts).Execute(ctx, &uc.AppendUserEntryInput{
			ConversationID: conv.ID,
			Content:        []conversation.ContentBlock{conversation.TextBlock("hello again")},
		})
		assert.True(t, core.IsNotFound(err))
	})
	t.Run("Should deny writers-by-read-only", func(t *testing.T) {
		opts := testOptions(t)
		owner := userCtx("alice")
		conv := mustCreate(t, opts, owner)
		_, err := uc.NewShareConversation(opts).Execute(owner, &uc.ShareConversationInput{
			ConversationID: conv.ID, UserID: "bob", AccessLevel: conversation.AccessReader,
		})
		require.NoError(t, err)
		_, err = uc.NewAppendUserEntry(opts).Execute(userCtx("bob"), &uc.AppendUserEntryInput{
			ConversationID: conv.ID,
			Content:        []conversation.ContentBlock{conversation.TextBlock("nope")},
		})
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
	})
}

func epoch(n int64) *int64 { return &n }

func TestAppendAgentEntries(t *testing.T) {
	t.Run("Should require a memory epoch on MEMORY entries", func(t *testing.T) {
		opts := testOptions(t)
		ctx := agentCtx("agent-a")
		conv := mustCreate(t, opts, ctx)
		_, err := uc.NewAppendAgentEntries(opts).Execute(ctx, &uc.AppendAgentEntriesInput{
			ConversationID: conv.ID,
			Entries: []uc.AgentEntryInput{{
				Channel: conversation.ChannelMemory,
				Content: []conversation.ContentBlock{conversation.TextBlock("fact")},
			}},
		})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
	t.Run("Should reject a memory epoch outside MEMORY", func(t *testing.T) {
		opts := testOptions(t)
		ctx := agentCtx("agent-a")
		conv := mustCreate(t, opts, ctx)
		_, err := uc.NewAppendAgentEntries(opts).Execute(ctx, &uc.AppendAgentEntriesInput{
			ConversationID: conv.ID,
			Entries: []uc.AgentEntryInput{{
				Channel:     conversation.ChannelHistory,
				Content:     []conversation.ContentBlock{conversation.TextBlock("turn")},
				MemoryEpoch: epoch(1),
			}},
		})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
	t.Run("Should stamp the writing client on every entry", func(t *testing.T) {
		opts := testOptions(t)
		ctx := agentCtx("agent-a")
		conv := mustCreate(t, opts, ctx)
		entries, err := uc.NewAppendAgentEntries(opts).Execute(ctx, &uc.AppendAgentEntriesInput{
			ConversationID: conv.ID,
			Entries: []uc.AgentEntryInput{
				{Channel: conversation.ChannelHistory, Content: []conversation.ContentBlock{conversation.TextBlock("turn")}},
				{Channel: conversation.ChannelMemory, MemoryEpoch: epoch(1), Content: []conversation.ContentBlock{conversation.TextBlock("fact")}},
			},
		})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		for _, e := range entries {
			require.NotNil(t, e.ClientID)
			assert.Equal(t, "agent-a", *e.ClientID)
		}
	})
	t.Run("Should refuse non-agent callers", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		conv := mustCreate(t, opts, ctx)
		_, err := uc.NewAppendAgentEntries(opts).Execute(ctx, &uc.AppendAgentEntriesInput{
			ConversationID: conv.ID,
			Entries: []uc.AgentEntryInput{{
				Channel: conversation.ChannelHistory,
				Content: []conversation.ContentBlock{conversation.TextBlock("turn")},
			}},
		})
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
	})
}

func appendMemory(t *testing.T, opts *uc.Options, ctx context.Context, convID core.ID, ep int64, texts ...string) {
	t.Helper()
	items := make([]uc.AgentEntryInput, 0, len(texts))
	for _, text := range texts {
		items = append(items, uc.AgentEntryInput{
			Channel:     conversation.ChannelMemory,
			MemoryEpoch: epoch(ep),
			Content:     []conversation.ContentBlock{conversation.TextBlock(text)},
		})
	}
	_, err := uc.NewAppendAgentEntries(opts).Execute(ctx, &uc.AppendAgentEntriesInput{ConversationID: convID, Entries: items})
	require.NoError(t, err)
}

func TestGetEntries(t *testing.T) {
	memory := conversation.ChannelMemory
	t.Run("Should isolate MEMORY reads per client", func(t *testing.T) {
		opts := testOptions(t)
		a := agentCtx("agent-a")
		b := agentCtx("agent-b")
		conv := mustCreate(t, opts, a)
		appendMemory(t, opts, a, conv.ID, 1, "a-fact")
		appendMemory(t, opts, b, conv.ID, 1, "b-fact")
		out, err := uc.NewGetEntries(opts).Execute(a, &uc.GetEntriesInput{ConversationID: conv.ID, Channel: &memory})
		require.NoError(t, err)
		require.Len(t, out.Data, 1)
		assert.Equal(t, "a-fact", out.Data[0].Content[0].Text())
	})
	t.Run("Should default MEMORY reads to the latest epoch", func(t *testing.T) {
		opts := testOptions(t)
		ctx := agentCtx("agent-a")
		conv := mustCreate(t, opts, ctx)
		appendMemory(t, opts, ctx, conv.ID, 1, "old-1", "old-2")
		appendMemory(t, opts, ctx, conv.ID, 2, "new-1")
		out, err := uc.NewGetEntries(opts).Execute(ctx, &uc.GetEntriesInput{ConversationID: conv.ID, Channel: &memory})
		require.NoError(t, err)
		require.Len(t, out.Data, 1)
		assert.Equal(t, "new-1", out.Data[0].Content[0].Text())
	})
	t.Run("Should return an empty page when the client has no memory", func(t *testing.T) {
		opts := testOptions(t)
		ctx := agentCtx("agent-a")
		conv := mustCreate(t, opts, ctx)
		out, err := uc.NewGetEntries(opts).Execute(ctx, &uc.GetEntriesInput{ConversationID: conv.ID, Channel: &memory})
		require.NoError(t, err)
		assert.Empty(t, out.Data)
		assert.Empty(t, out.NextCursor)
	})
	t.Run("Should reject MEMORY reads without a client identity", func(t *testing.T) {
		opts := testOptions(t)
		agent := agentCtx("agent-a")
		conv := mustCreate(t, opts, agent)
		_, err := uc.NewShareConversation(opts).Execute(agent, &uc.ShareConversationInput{
			ConversationID: conv.ID, UserID: "alice", AccessLevel: conversation.AccessManager,
		})
		require.NoError(t, err)
		_, err = uc.NewGetEntries(opts).Execute(userCtx("alice"), &uc.GetEntriesInput{ConversationID: conv.ID, Channel: &memory})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
	t.Run("Should page HISTORY in chronological order", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		conv := mustCreate(t, opts, ctx)
		for _, text := range []string{"one", "two", "three"} {
			_, err := uc.NewAppendUserEntry(opts).Execute(ctx, &uc.AppendUserEntryInput{
				ConversationID: conv.ID,
				Content:        []conversation.ContentBlock{conversation.TextBlock(text)},
			})
			require.NoError(t, err)
		}
		get := uc.NewGetEntries(opts)
		first, err := get.Execute(ctx, &uc.GetEntriesInput{ConversationID: conv.ID, Limit: 2})
		require.NoError(t, err)
		require.Len(t, first.Data, 2)
		assert.Equal(t, "one", first.Data[0].Content[0].Text())
		require.NotEmpty(t, first.NextCursor)
		rest, err := get.Execute(ctx, &uc.GetEntriesInput{ConversationID: conv.ID, Limit: 2, After: first.NextCursor})
		require.NoError(t, err)
		require.Len(t, rest.Data, 1)
		assert.Equal(t, "three", rest.Data[0].Content[0].Text())
	})
	t.Run("Should reject epoch filters outside MEMORY", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		conv := mustCreate(t, opts, ctx)
		_, err := uc.NewGetEntries(opts).Execute(ctx, &uc.GetEntriesInput{
			ConversationID: conv.ID,
			Epoch:          conversation.EpochFilter{Kind: conversation.EpochExact, N: 1},
		})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
}

func TestForkConversation(t *testing.T) {
	appendHistory := func(t *testing.T, opts *uc.Options, ctx context.Context, convID core.ID, text string) *conversation.Entry {
		t.Helper()
		entry, err := uc.NewAppendUserEntry(opts).Execute(ctx, &uc.AppendUserEntryInput{
			ConversationID: convID,
			Content:        []conversation.ContentBlock{conversation.TextBlock(text)},
		})
		require.NoError(t, err)
		return entry
	}
	t.Run("Should anchor at the preceding HISTORY entry", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		conv := mustCreate(t, opts, ctx)
		first := appendHistory(t, opts, ctx, conv.ID, "one")
		second := appendHistory(t, opts, ctx, conv.ID, "two")
		fork, err := uc.NewForkConversation(opts).Execute(ctx, &uc.ForkConversationInput{
			ConversationID: conv.ID, EntryID: second.ID,
		})
		require.NoError(t, err)
		assert.Equal(t, conv.GroupID, fork.GroupID)
		require.NotNil(t, fork.ForkedAtConversationID)
		assert.Equal(t, conv.ID, *fork.ForkedAtConversationID)
		require.NotNil(t, fork.ForkedAtEntryID)
		assert.Equal(t, first.ID, *fork.ForkedAtEntryID)
	})
	t.Run("Should leave the anchor nil when forking at the first entry", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		conv := mustCreate(t, opts, ctx)
		first := appendHistory(t, opts, ctx, conv.ID, "one")
		fork, err := uc.NewForkConversation(opts).Execute(ctx, &uc.ForkConversationInput{
			ConversationID: conv.ID, EntryID: first.ID,
		})
		require.NoError(t, err)
		assert.Nil(t, fork.ForkedAtEntryID)
	})
	t.Run("Should reject non-HISTORY anchors", func(t *testing.T) {
		opts := testOptions(t)
		agent := agentCtx("agent-a")
		conv := mustCreate(t, opts, agent)
		appendMemory(t, opts, agent, conv.ID, 1, "fact")
		memory := conversation.ChannelMemory
		out, err := uc.NewGetEntries(opts).Execute(agent, &uc.GetEntriesInput{ConversationID: conv.ID, Channel: &memory})
		require.NoError(t, err)
		require.NotEmpty(t, out.Data)
		_, err = uc.NewForkConversation(opts).Execute(agent, &uc.ForkConversationInput{
			ConversationID: conv.ID, EntryID: out.Data[0].ID,
		})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
	t.Run("Should list all siblings of the group", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		conv := mustCreate(t, opts, ctx)
		entry := appendHistory(t, opts, ctx, conv.ID, "one")
		_, err := uc.NewForkConversation(opts).Execute(ctx, &uc.ForkConversationInput{
			ConversationID: conv.ID, EntryID: entry.ID,
		})
		require.NoError(t, err)
		forks, err := uc.NewListForks(opts).Execute(ctx, conv.ID)
		require.NoError(t, err)
		assert.Len(t, forks, 2)
	})
}

func TestMemberships(t *testing.T) {
	t.Run("Should grant access to the shared user", func(t *testing.T) {
		opts := testOptions(t)
		owner := userCtx("alice")
		conv := mustCreate(t, opts, owner)
		_, err := uc.NewShareConversation(opts).Execute(owner, &uc.ShareConversationInput{
			ConversationID: conv.ID, UserID: "bob", AccessLevel: conversation.AccessReader,
		})
		require.NoError(t, err)
		got, err := uc.NewGetConversation(opts).Execute(userCtx("bob"), conv.ID)
		require.NoError(t, err)
		assert.Equal(t, conv.ID, got.ID)
	})
	t.Run("Should hide the roster from non-managers", func(t *testing.T) {
		opts := testOptions(t)
		owner := userCtx("alice")
		conv := mustCreate(t, opts, owner)
		share := func(user string, level conversation.AccessLevel) {
			_, err := uc.NewShareConversation(opts).Execute(owner, &uc.ShareConversationInput{
				ConversationID: conv.ID, UserID: user, AccessLevel: level,
			})
			require.NoError(t, err)
		}
		share("bob", conversation.AccessReader)
		share("carol", conversation.AccessWriter)
		share("dave", conversation.AccessManager)
		_, err := uc.NewListMemberships(opts).Execute(userCtx("bob"), conv.ID)
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
		_, err = uc.NewListMemberships(opts).Execute(userCtx("carol"), conv.ID)
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
		members, err := uc.NewListMemberships(opts).Execute(userCtx("dave"), conv.ID)
		require.NoError(t, err)
		assert.Len(t, members, 4)
	})
	t.Run("Should never grant OWNER through sharing", func(t *testing.T) {
		opts := testOptions(t)
		owner := userCtx("alice")
		conv := mustCreate(t, opts, owner)
		_, err := uc.NewShareConversation(opts).Execute(owner, &uc.ShareConversationInput{
			ConversationID: conv.ID, UserID: "bob", AccessLevel: conversation.AccessOwner,
		})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
	t.Run("Should refuse to demote or remove the owner", func(t *testing.T) {
		opts := testOptions(t)
		owner := userCtx("alice")
		conv := mustCreate(t, opts, owner)
		_, err := uc.NewUpdateMembership(opts).Execute(owner, &uc.UpdateMembershipInput{
			ConversationID: conv.ID, UserID: "alice", AccessLevel: conversation.AccessReader,
		})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
		err = uc.NewDeleteMembership(opts).Execute(owner, &uc.DeleteMembershipInput{
			ConversationID: conv.ID, UserID: "alice",
		})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
	t.Run("Should revoke access on delete", func(t *testing.T) {
		opts := testOptions(t)
		owner := userCtx("alice")
		conv := mustCreate(t, opts, owner)
		_, err := uc.NewShareConversation(opts).Execute(owner, &uc.ShareConversationInput{
			ConversationID: conv.ID, UserID: "bob", AccessLevel: conversation.AccessWriter,
		})
		require.NoError(t, err)
		require.NoError(t, uc.NewDeleteMembership(opts).Execute(owner, &uc.DeleteMembershipInput{
			ConversationID: conv.ID, UserID: "bob",
		}))
		_, err = uc.NewGetConversation(opts).Execute(userCtx("bob"), conv.ID)
		assert.True(t, core.IsNotFound(err))
	})
	t.Run("Should require manager access to share", func(t *testing.T) {
		opts := testOptions(t)
		owner := userCtx("alice")
		conv := mustCreate(t, opts, owner)
		_, err := uc.NewShareConversation(opts).Execute(owner, &uc.ShareConversationInput{
			ConversationID: conv.ID, UserID: "bob", AccessLevel: conversation.AccessWriter,
		})
		require.NoError(t, err)
		_, err = uc.NewShareConversation(opts).Execute(userCtx("bob"), &uc.ShareConversationInput{
			ConversationID: conv.ID, UserID: "carol", AccessLevel: conversation.AccessReader,
		})
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
	})
}

func TestTransfers(t *testing.T) {
	setup := func(t *testing.T) (*uc.Options, context.Context, context.Context, *conversation.Conversation) {
		t.Helper()
		opts := testOptions(t)
		owner := userCtx("alice")
		conv := mustCreate(t, opts, owner)
		_, err := uc.NewShareConversation(opts).Execute(owner, &uc.ShareConversationInput{
			ConversationID: conv.ID, UserID: "bob", AccessLevel: conversation.AccessWriter,
		})
		require.NoError(t, err)
		return opts, owner, userCtx("bob"), conv
	}
	t.Run("Should allow only one pending transfer per group", func(t *testing.T) {
		opts, owner, _, conv := setup(t)
		create := uc.NewCreateTransfer(opts)
		first, err := create.Execute(owner, &uc.CreateTransferInput{ConversationID: conv.ID, ToUserID: "bob"})
		require.NoError(t, err)
		_, err = create.Execute(owner, &uc.CreateTransferInput{ConversationID: conv.ID, ToUserID: "bob"})
		require.True(t, core.IsConflict(err))
		typed := core.AsError(err)
		assert.Equal(t, "TRANSFER_ALREADY_PENDING", typed.Code)
		assert.Equal(t, first.ID, typed.Details["transferId"])
	})
	t.Run("Should swap owner and manager on accept", func(t *testing.T) {
		opts, owner, target, conv := setup(t)
		transfer, err := uc.NewCreateTransfer(opts).Execute(owner, &uc.CreateTransferInput{ConversationID: conv.ID, ToUserID: "bob"})
		require.NoError(t, err)
		require.NoError(t, uc.NewAcceptTransfer(opts).Execute(target, &uc.AcceptTransferInput{TransferID: transfer.ID}))
		members, err := uc.NewListMemberships(opts).Execute(target, conv.ID)
		require.NoError(t, err)
		levels := make(map[string]conversation.AccessLevel, len(members))
		for _, m := range members {
			levels[m.UserID] = m.AccessLevel
		}
		assert.Equal(t, conversation.AccessOwner, levels["bob"])
		assert.Equal(t, conversation.AccessManager, levels["alice"])
	})
	t.Run("Should let only the target accept", func(t *testing.T) {
		opts, owner, _, conv := setup(t)
		transfer, err := uc.NewCreateTransfer(opts).Execute(owner, &uc.CreateTransferInput{ConversationID: conv.ID, ToUserID: "bob"})
		require.NoError(t, err)
		err = uc.NewAcceptTransfer(opts).Execute(owner, &uc.AcceptTransferInput{TransferID: transfer.ID})
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
	})
	t.Run("Should reject transfers to non-members and to self", func(t *testing.T) {
		opts, owner, _, conv := setup(t)
		create := uc.NewCreateTransfer(opts)
		_, err := create.Execute(owner, &uc.CreateTransferInput{ConversationID: conv.ID, ToUserID: "stranger"})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
		_, err = create.Execute(owner, &uc.CreateTransferInput{ConversationID: conv.ID, ToUserID: "alice"})
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
	t.Run("Should require owner access to start a transfer", func(t *testing.T) {
		opts, _, writer, conv := setup(t)
		_, err := uc.NewCreateTransfer(opts).Execute(writer, &uc.CreateTransferInput{ConversationID: conv.ID, ToUserID: "alice"})
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
	})
	t.Run("Should let either party cancel", func(t *testing.T) {
		opts, owner, target, conv := setup(t)
		transfer, err := uc.NewCreateTransfer(opts).Execute(owner, &uc.CreateTransferInput{ConversationID: conv.ID, ToUserID: "bob"})
		require.NoError(t, err)
		require.NoError(t, uc.NewDeleteTransfer(opts).Execute(target, &uc.DeleteTransferInput{TransferID: transfer.ID}))
		_, err = uc.NewCreateTransfer(opts).Execute(owner, &uc.CreateTransferInput{ConversationID: conv.ID, ToUserID: "bob"})
		require.NoError(t, err)
	})
	t.Run("Should cancel the pending transfer when the target is removed", func(t *testing.T) {
		opts, owner, target, conv := setup(t)
		transfer, err := uc.NewCreateTransfer(opts).Execute(owner, &uc.CreateTransferInput{ConversationID: conv.ID, ToUserID: "bob"})
		require.NoError(t, err)
		require.NoError(t, uc.NewDeleteMembership(opts).Execute(owner, &uc.DeleteMembershipInput{
			ConversationID: conv.ID, UserID: "bob",
		}))
		err = uc.NewAcceptTransfer(opts).Execute(target, &uc.AcceptTransferInput{TransferID: transfer.ID})
		assert.True(t, core.IsNotFound(err))
	})
}

func TestAppendSummary(t *testing.T) {
	t.Run("Should record a SUMMARY entry without bumping recency", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		first := mustCreate(t, opts, ctx)
		second := mustCreate(t, opts, ctx)
		entry, err := uc.NewAppendSummary(opts).Execute(ctx, &uc.AppendSummaryInput{
			ConversationID: first.ID, Text: "what happened so far",
		})
		require.NoError(t, err)
		assert.Equal(t, conversation.ChannelSummary, entry.Channel)
		assert.Equal(t, "summary", entry.Content[0].Type())
		out, err := uc.NewListConversations(opts).Execute(ctx, &uc.ListConversationsInput{})
		require.NoError(t, err)
		assert.Equal(t, second.ID, out.Data[0].ID)
	})
}

func TestSearchConversations(t *testing.T) {
	t.Run("Should match titles in text mode", func(t *testing.T) {
		opts := testOptions(t)
		ctx := userCtx("alice")
		title := "Quarterly planning"
		_, err := uc.NewCreateConversation(opts).Execute(ctx, &uc.CreateConversationInput{Title: &title})
		require.NoError(t, err)
		mustCreate(t, opts, ctx)
		results, err := uc.NewSearchConversations(opts).Execute(ctx, &uc.SearchConversationsInput{Query: "planning"})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, title, *results[0].Conversation.Title)
	})
	t.Run("Should filter semantic hits down to visible conversations", func(t *testing.T) {
		opts := testOptions(t)
		alice := userCtx("alice")
		bob := userCtx("bob")
		mine := mustCreate(t, opts, alice)
		theirs := mustCreate(t, opts, bob)
		require.NoError(t, opts.Vector.Upsert(context.Background(), []vector.Document{
			{ConversationID: mine.ID, GroupID: mine.GroupID, Text: "rollout checklist for the beta"},
			{ConversationID: theirs.ID, GroupID: theirs.GroupID, Text: "rollout schedule for the beta"},
		}))
		results, err := uc.NewSearchConversations(opts).Execute(alice, &uc.SearchConversationsInput{
			Query: "beta rollout", Mode: uc.SearchSemantic,
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, mine.ID, results[0].Conversation.ID)
		assert.Greater(t, results[0].Score, 0.0)
	})
}
