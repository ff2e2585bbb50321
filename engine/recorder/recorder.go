// Package recorder records an in-flight LLM token stream once and
// replays it to any number of readers, including readers that attach
// mid-stream or reconnect with an offset. Cancellation is cooperative:
// readers signal, the producer observes and completes.
package recorder

import (
	"errors"
	"sync"

	"github.com/threadkeep/threadkeep/engine/core"
)

// ErrReplayFailed means no stream exists for the conversation: nothing
// was ever recorded, or the process restarted and the backend kept no
// copy. Callers fall back to re-issuing the LLM request.
var ErrReplayFailed = errors.New("recorder: replay failed, no recorded stream")

// ErrCompleted is returned by Write after Complete.
var ErrCompleted = errors.New("recorder: stream already completed")

// Recorder is the write side of one conversation's token stream. Writes
// are serialized; readers fan out through the registry.
type Recorder struct {
	conversationID core.ID

	mu       sync.Mutex
	tokens   []string
	complete bool
	// notify is closed and replaced on every state change so readers can
	// select on it alongside their context.
	notify chan struct{}

	cancel     chan struct{}
	cancelOnce sync.Once

	onWrite    func(token string)
	onComplete func()
}

func newRecorder(conversationID core.ID) *Recorder {
	return &Recorder{
		conversationID: conversationID,
		notify:         make(chan struct{}),
		cancel:         make(chan struct{}),
	}
}

// Write appends one token to the stream and wakes every reader.
func (r *Recorder) Write(token string) error {
	r.mu.Lock()
	if r.complete {
		r.mu.Unlock()
		return ErrCompleted
	}
	r.tokens = append(r.tokens, token)
	r.broadcast()
	onWrite := r.onWrite
	r.mu.Unlock()
	if onWrite != nil {
		onWrite(token)
	}
	return nil
}

// Complete marks the stream finished; live readers drain and terminate.
// Safe to call more than once.
func (r *Recorder) Complete() {
	r.mu.Lock()
	if r.complete {
		r.mu.Unlock()
		return
	}
	r.complete = true
	r.broadcast()
	onComplete := r.onComplete
	r.mu.Unlock()
	if onComplete != nil {
		onComplete()
	}
}

// CancelRequested is closed when a cancel was requested. The producer
// selects on it and is expected to stop writing and call Complete.
func (r *Recorder) CancelRequested() <-chan struct{} { return r.cancel }

// RequestCancel flips the cancel signal. Idempotent.
func (r *Recorder) RequestCancel() {
	r.cancelOnce.Do(func() { close(r.cancel) })
}

func (r *Recorder) broadcast() {
	close(r.notify)
	r.notify = make(chan struct{})
}

// snapshot returns the tokens at and after from, the completion flag,
// and the channel that signals the next state change.
func (r *Recorder) snapshot(from int) ([]string, bool, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []string
	if from < len(r.tokens) {
		pending = append(pending, r.tokens[from:]...)
	}
	return pending, r.complete, r.notify
}

func (r *Recorder) inProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.complete
}
