// Package taskqueue schedules durable background work: at-least-once,
// retry-forever, safe to run from any number of replicas. The relational
// driver claims rows with SKIP LOCKED; the in-memory repository serves
// tests and single-node dev.
package taskqueue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/threadkeep/threadkeep/engine/core"
)

// Known task types.
const (
	TypeVectorDelete     = "vector_store_delete"
	TypeVectorIndexRetry = "vector_store_index_retry"
	TypeAttachmentSweep  = "attachment_cleanup"
)

// Task is one unit of pending background work.
type Task struct {
	ID core.ID `json:"id"`
	// Name makes the task a singleton: enqueueing a second task with the
	// same name is a silent no-op.
	Name       *string         `json:"taskName,omitempty"`
	Type       string          `json:"taskType"`
	Body       json.RawMessage `json:"taskBody,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	RetryAt    time.Time       `json:"retryAt"`
	LastError  *string         `json:"lastError,omitempty"`
	RetryCount int             `json:"retryCount"`
}

// New builds a task due immediately.
func New(taskType string, body any) (*Task, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Task{
		ID:        core.NewID(),
		Type:      taskType,
		Body:      raw,
		CreatedAt: now,
		RetryAt:   now,
	}, nil
}

// NewSingleton builds a named task; at most one task with the name ever
// exists in the queue.
func NewSingleton(name, taskType string, body any) (*Task, error) {
	task, err := New(taskType, body)
	if err != nil {
		return nil, err
	}
	task.Name = &name
	return task, nil
}

// Repository is the persistence port for the queue.
type Repository interface {
	// Enqueue inserts the task. Named tasks already present are silently
	// skipped.
	Enqueue(ctx context.Context, task *Task) error
	// Claim returns up to limit due tasks, locking each so no other
	// replica claims it concurrently.
	Claim(ctx context.Context, limit int, now time.Time) ([]*Task, error)
	// Complete deletes a finished task.
	Complete(ctx context.Context, id core.ID) error
	// Fail reschedules the task and records the error.
	Fail(ctx context.Context, id core.ID, retryAt time.Time, lastError string) error
}

// Memory is the in-process repository. Claims are leased: a claim older
// than staleTimeout is up for grabs again, mirroring the crashed-worker
// recovery of the document-store driver.
type Memory struct {
	mu           sync.Mutex
	tasks        map[core.ID]*memTask
	staleTimeout time.Duration
}

type memTask struct {
	task         Task
	processingAt *time.Time
}

func NewMemory(staleTimeout time.Duration) *Memory {
	if staleTimeout <= 0 {
		staleTimeout = 5 * time.Minute
	}
	return &Memory{tasks: make(map[core.ID]*memTask), staleTimeout: staleTimeout}
}

func (m *Memory) Enqueue(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.Name != nil {
		for _, t := range m.tasks {
			if t.task.Name != nil && *t.task.Name == *task.Name {
				return nil
			}
		}
	}
	cp := *task
	m.tasks[task.ID] = &memTask{task: cp}
	return nil
}

func (m *Memory) Claim(_ context.Context, limit int, now time.Time) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*memTask
	for _, t := range m.tasks {
		if t.task.RetryAt.After(now) {
			continue
		}
		if t.processingAt != nil && now.Sub(*t.processingAt) < m.staleTimeout {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].task.RetryAt.Before(due[j].task.RetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*Task, 0, len(due))
	for _, t := range due {
		at := now
		t.processingAt = &at
		cp := t.task
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Complete(_ context.Context, id core.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *Memory) Fail(_ context.Context, id core.ID, retryAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.task.RetryAt = retryAt
		t.task.RetryCount++
		t.task.LastError = &lastError
		t.processingAt = nil
	}
	return nil
}

// Pending reports how many tasks remain; tests assert queue drain with
// it.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
