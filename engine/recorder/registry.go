package recorder

import (
	"context"
	"sync"

	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/pkg/logger"
)

// Registry hands out recorders per conversation and serves replays.
// Streams live in process memory; an optional backend keeps a copy so
// replays survive a restart.
type Registry struct {
	mu        sync.Mutex
	recorders map[core.ID]*Recorder
	backend   Backend
}

// Option configures the registry.
type Option func(*Registry)

// WithBackend mirrors every stream into a persistent backend.
func WithBackend(b Backend) Option {
	return func(r *Registry) { r.backend = b }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{recorders: make(map[core.ID]*Recorder)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recorder returns the sink for a new response stream. A second call
// while a stream is still in progress returns the same recorder, so a
// retried request attaches to the running stream instead of forking it.
func (g *Registry) Recorder(ctx context.Context, conversationID core.ID) *Recorder {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.recorders[conversationID]; ok && rec.inProgress() {
		return rec
	}
	rec := newRecorder(conversationID)
	if g.backend != nil {
		g.attachBackend(ctx, rec)
	}
	g.recorders[conversationID] = rec
	return rec
}

func (g *Registry) attachBackend(ctx context.Context, rec *Recorder) {
	backend := g.backend
	id := rec.conversationID
	if err := backend.Reset(ctx, id); err != nil {
		logger.FromContext(ctx).Warn("recorder backend unavailable, stream is memory-only", "error", err)
		return
	}
	rec.onWrite = func(token string) {
		if err := backend.AppendToken(context.Background(), id, token); err != nil {
			logger.FromContext(ctx).Debug("recorder backend write failed", "error", err)
		}
	}
	rec.onComplete = func() {
		if err := backend.MarkComplete(context.Background(), id); err != nil {
			logger.FromContext(ctx).Debug("recorder backend complete failed", "error", err)
		}
	}
}

// Replay streams tokens from the given offset, then follows the live
// stream until completion. The returned channel closes when the stream
// completes or ctx is done; detaching a reader never affects the
// producer.
func (g *Registry) Replay(ctx context.Context, conversationID core.ID, from int) (<-chan string, error) {
	if from < 0 {
		from = 0
	}
	g.mu.Lock()
	rec := g.recorders[conversationID]
	g.mu.Unlock()
	if rec != nil {
		return g.replayLive(ctx, rec, from), nil
	}
	if g.backend != nil {
		return g.replayBackend(ctx, conversationID, from)
	}
	return nil, ErrReplayFailed
}

func (g *Registry) replayLive(ctx context.Context, rec *Recorder, from int) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		pos := from
		for {
			pending, complete, changed := rec.snapshot(pos)
			for _, token := range pending {
				select {
				case out <- token:
					pos++
				case <-ctx.Done():
					return
				}
			}
			if complete {
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// replayBackend serves a stream this process no longer holds: recorded
// before a restart, or being produced by another replica.
func (g *Registry) replayBackend(ctx context.Context, conversationID core.ID, from int) (<-chan string, error) {
	tokens, complete, found, err := g.backend.Stream(ctx, conversationID, from)
	if err != nil || !found {
		return nil, ErrReplayFailed
	}
	out := make(chan string)
	go func() {
		defer close(out)
		pos := from
		for {
			for _, token := range tokens {
				select {
				case out <- token:
					pos++
				case <-ctx.Done():
					return
				}
			}
			if complete {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-g.backend.Poll(ctx):
			}
			tokens, complete, found, err = g.backend.Stream(ctx, conversationID, pos)
			if err != nil || !found {
				return
			}
		}
	}()
	return out, nil
}

// Check returns the subset of conversations with an in-progress stream.
func (g *Registry) Check(ctx context.Context, ids []core.ID) []core.ID {
	var active []core.ID
	for _, id := range ids {
		g.mu.Lock()
		rec := g.recorders[id]
		g.mu.Unlock()
		if rec != nil && rec.inProgress() {
			active = append(active, id)
			continue
		}
		if rec == nil && g.backend != nil {
			if _, complete, found, err := g.backend.Stream(ctx, id, 0); err == nil && found && !complete {
				active = append(active, id)
			}
		}
	}
	return active
}

// RequestCancel signals the producer of the conversation's stream.
// Unknown conversations are a no-op.
func (g *Registry) RequestCancel(conversationID core.ID) {
	g.mu.Lock()
	rec := g.recorders[conversationID]
	g.mu.Unlock()
	if rec != nil {
		rec.RequestCancel()
	}
}

// Release drops a completed stream from the registry (and the backend
// copy when one exists).
func (g *Registry) Release(ctx context.Context, conversationID core.ID) {
	g.mu.Lock()
	rec := g.recorders[conversationID]
	if rec != nil && !rec.inProgress() {
		delete(g.recorders, conversationID)
	}
	g.mu.Unlock()
	if g.backend != nil {
		if err := g.backend.Delete(ctx, conversationID); err != nil {
			logger.FromContext(ctx).Debug("recorder backend delete failed", "error", err)
		}
	}
}
