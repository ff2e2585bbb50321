package eviction_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadkeep/threadkeep/engine/auth"
	"github.com/threadkeep/threadkeep/engine/authz"
	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/conversation/convtest"
	"github.com/threadkeep/threadkeep/engine/conversation/uc"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/eviction"
	"github.com/threadkeep/threadkeep/engine/memcache"
	"github.com/threadkeep/threadkeep/engine/taskqueue"
	"github.com/threadkeep/threadkeep/engine/vector"
)

func TestParseISODuration(t *testing.T) {
	t.Run("Should parse common retention periods", func(t *testing.T) {
		cases := map[string]time.Duration{
			"P90D":      90 * 24 * time.Hour,
			"P1W":       7 * 24 * time.Hour,
			"P1Y":       365 * 24 * time.Hour,
			"P1M":       30 * 24 * time.Hour,
			"PT12H":     12 * time.Hour,
			"P1DT12H":   36 * time.Hour,
			"PT1H30M5S": time.Hour + 30*time.Minute + 5*time.Second,
		}
		for input, want := range cases {
			got, err := eviction.ParseISODuration(input)
			require.NoError(t, err, input)
			assert.Equal(t, want, got, input)
		}
	})
	t.Run("Should reject malformed durations", func(t *testing.T) {
		for _, input := range []string{
			"", "P", "90D", "PD", "P90", "P90X", "PT90D", "P1H", "P1DT", "P1D2", "p90d", "P90D ", "P1D1D",
		} {
			_, err := eviction.ParseISODuration(input)
			assert.Error(t, err, "input %q", input)
		}
	})
}

type world struct {
	store *convtest.Store
	queue *taskqueue.Memory
	eng   *eviction.Engine
	opts  *uc.Options
	ctx   context.Context
}

func newWorld(t *testing.T, batchSize int) *world {
	t.Helper()
	store := convtest.New()
	bundle := store.Bundle()
	queue := taskqueue.NewMemory(time.Minute)
	opts := &uc.Options{
		Store:  bundle,
		Authz:  authz.NewEngine(bundle.Memberships, false),
		Cache:  memcache.Noop{},
		Vector: vector.NewMemory(),
	}
	return &world{
		store: store,
		queue: queue,
		eng:   eviction.NewEngine(store.Eviction(), queue, memcache.Noop{}, batchSize),
		opts:  opts,
		ctx:   auth.ContextWithActor(context.Background(), &auth.Actor{UserID: "alice"}),
	}
}

// seedDeleted creates n conversations and soft-deletes them so they are
// immediately past any zero-length retention window.
func (w *world) seedDeleted(t *testing.T, n int) []core.ID {
	t.Helper()
	ids := make([]core.ID, 0, n)
	for range n {
		conv, err := uc.NewCreateConversation(w.opts).Execute(w.ctx, &uc.CreateConversationInput{})
		require.NoError(t, err)
		_, err = uc.NewAppendUserEntry(w.opts).Execute(w.ctx, &uc.AppendUserEntryInput{
			ConversationID: conv.ID,
			Content:        []conversation.ContentBlock{conversation.TextBlock("to be removed")},
		})
		require.NoError(t, err)
		require.NoError(t, uc.NewDeleteConversation(w.opts).Execute(w.ctx, conv.ID))
		ids = append(ids, conv.ID)
	}
	return ids
}

func TestEngineRun(t *testing.T) {
	t.Run("Should hard-delete expired conversations and enqueue vector cleanup", func(t *testing.T) {
		w := newWorld(t, 10)
		ids := w.seedDeleted(t, 3)
		live, err := uc.NewCreateConversation(w.opts).Execute(w.ctx, &uc.CreateConversationInput{})
		require.NoError(t, err)
		err = w.eng.Run(context.Background(), &eviction.Request{
			RetentionPeriod: "PT0S",
			ResourceTypes:   []string{"conversations"},
		}, nil)
		require.NoError(t, err)
		for _, id := range ids {
			got, err := w.store.Bundle().Conversations.Get(context.Background(), id, true)
			require.NoError(t, err)
			assert.Nil(t, got, "conversation %s should be gone", id)
		}
		kept, err := w.store.Bundle().Conversations.Get(context.Background(), live.ID, false)
		require.NoError(t, err)
		assert.NotNil(t, kept)
		// One vector_store_delete per removed group.
		assert.Equal(t, 3, w.queue.Pending())
	})
	t.Run("Should keep rows inside the retention window", func(t *testing.T) {
		w := newWorld(t, 10)
		ids := w.seedDeleted(t, 2)
		err := w.eng.Run(context.Background(), &eviction.Request{
			RetentionPeriod: "P90D",
			ResourceTypes:   []string{"conversations"},
		}, nil)
		require.NoError(t, err)
		for _, id := range ids {
			got, err := w.store.Bundle().Conversations.Get(context.Background(), id, true)
			require.NoError(t, err)
			assert.NotNil(t, got)
		}
		assert.Zero(t, w.queue.Pending())
	})
	t.Run("Should emit monotonic progress ending at 100 percent", func(t *testing.T) {
		w := newWorld(t, 2)
		w.seedDeleted(t, 5)
		var events []eviction.Progress
		err := w.eng.Run(context.Background(), &eviction.Request{
			RetentionPeriod: "PT0S",
			ResourceTypes:   []string{"conversations"},
		}, func(p eviction.Progress) { events = append(events, p) })
		require.NoError(t, err)
		require.NotEmpty(t, events)
		last := 0
		for _, ev := range events {
			assert.Equal(t, eviction.ResourceConversations, ev.Phase)
			assert.GreaterOrEqual(t, ev.Done, last)
			assert.Equal(t, 5, ev.Total)
			last = ev.Done
		}
		final := events[len(events)-1]
		assert.Equal(t, 100, final.Percent)
	})
	t.Run("Should reject unknown resource types", func(t *testing.T) {
		w := newWorld(t, 10)
		err := w.eng.Run(context.Background(), &eviction.Request{
			RetentionPeriod: "P90D",
			ResourceTypes:   []string{"users"},
		}, nil)
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
	t.Run("Should reject an invalid retention period", func(t *testing.T) {
		w := newWorld(t, 10)
		err := w.eng.Run(context.Background(), &eviction.Request{
			RetentionPeriod: "90 days",
			ResourceTypes:   []string{"conversations"},
		}, nil)
		assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	})
	t.Run("Should delete each row exactly once under concurrent runs", func(t *testing.T) {
		w := newWorld(t, 1)
		w.seedDeleted(t, 8)
		second := eviction.NewEngine(w.store.Eviction(), w.queue, memcache.Noop{}, 1)
		req := &eviction.Request{RetentionPeriod: "PT0S", ResourceTypes: []string{"conversations"}}
		var wg sync.WaitGroup
		var mu sync.Mutex
		totalDone := 0
		for _, eng := range []*eviction.Engine{w.eng, second} {
			wg.Add(1)
			go func(eng *eviction.Engine) {
				defer wg.Done()
				done := 0
				err := eng.Run(context.Background(), req, func(p eviction.Progress) { done = p.Done })
				assert.NoError(t, err)
				mu.Lock()
				totalDone += done
				mu.Unlock()
			}(eng)
		}
		wg.Wait()
		// Every row deleted once; the two runs split the work.
		assert.Equal(t, 8, totalDone)
		assert.Equal(t, 8, w.queue.Pending())
		count, err := w.store.Eviction().CountExpired(context.Background(), time.Now().UTC())
		require.NoError(t, err)
		assert.Zero(t, count)
	})
	t.Run("Should spare groups that still hold a live fork", func(t *testing.T) {
		w := newWorld(t, 10)
		conv, err := uc.NewCreateConversation(w.opts).Execute(w.ctx, &uc.CreateConversationInput{})
		require.NoError(t, err)
		entry, err := uc.NewAppendUserEntry(w.opts).Execute(w.ctx, &uc.AppendUserEntryInput{
			ConversationID: conv.ID,
			Content:        []conversation.ContentBlock{conversation.TextBlock("root")},
		})
		require.NoError(t, err)
		fork, err := uc.NewForkConversation(w.opts).Execute(w.ctx, &uc.ForkConversationInput{
			ConversationID: conv.ID, EntryID: entry.ID,
		})
		require.NoError(t, err)
		require.NoError(t, uc.NewDeleteConversation(w.opts).Execute(w.ctx, conv.ID))
		err = w.eng.Run(context.Background(), &eviction.Request{
			RetentionPeriod: "PT0S",
			ResourceTypes:   []string{"conversations"},
		}, nil)
		require.NoError(t, err)
		kept, err := w.store.Bundle().Conversations.Get(context.Background(), fork.ID, false)
		require.NoError(t, err)
		require.NotNil(t, kept)
		// The group survives, so no embedding cleanup is scheduled.
		assert.Zero(t, w.queue.Pending())
	})
}
