package conversation

import (
	"context"
	"time"

	"github.com/threadkeep/threadkeep/engine/core"
)

// ListMode filters the conversation listing.
type ListMode string

const (
	// ModeAll returns every visible conversation.
	ModeAll ListMode = "all"
	// ModeRoots returns only conversations without a fork parent.
	ModeRoots ListMode = "roots"
	// ModeLatestFork returns the most-recently-updated conversation per
	// group.
	ModeLatestFork ListMode = "latest_fork"
)

func ParseListMode(s string) (ListMode, bool) {
	switch ListMode(s) {
	case "", ModeAll:
		return ModeAll, true
	case ModeRoots:
		return ModeRoots, true
	case ModeLatestFork:
		return ModeLatestFork, true
	default:
		return "", false
	}
}

// Visibility scopes a listing to what the actor may see.
type Visibility struct {
	UserID string
	// OrgIDs are organizations where the actor holds owner or admin.
	OrgIDs []string
	// TeamIDs are teams the actor belongs to.
	TeamIDs []string
	// Admin short-circuits scoping entirely.
	Admin bool
}

// ListFilter drives the conversation listing query.
type ListFilter struct {
	Query      string
	After      core.Cursor
	Limit      int
	Mode       ListMode
	Visibility Visibility
}

// EpochKind selects which memory epochs a listing covers.
type EpochKind string

const (
	EpochAll    EpochKind = "ALL"
	EpochLatest EpochKind = "LATEST"
	EpochExact  EpochKind = "EXACT"
)

type EpochFilter struct {
	Kind EpochKind
	N    int64
}

// EntryFilter drives the entry listing query. ClientID must be set when
// Channel is MEMORY.
type EntryFilter struct {
	ConversationID core.ID
	After          core.Cursor
	Limit          int
	Channel        *Channel
	ClientID       *string
	Epoch          EpochFilter
}

// Repository is the persistence port for conversations and groups.
// Composite methods are transactional in the driver.
type Repository interface {
	// CreateWithGroup atomically creates the group, the first
	// conversation, and the owner membership.
	CreateWithGroup(ctx context.Context, group *Group, conv *Conversation, owner *Membership) error
	// CreateFork creates a sibling conversation within an existing group.
	CreateFork(ctx context.Context, fork *Conversation) error
	Get(ctx context.Context, id core.ID, includeDeleted bool) (*Conversation, error)
	GetGroup(ctx context.Context, id core.ID) (*Group, error)
	List(ctx context.Context, filter *ListFilter) ([]*Conversation, error)
	ListForks(ctx context.Context, groupID core.ID) ([]*Conversation, error)
	SoftDelete(ctx context.Context, id core.ID, at time.Time) error
	// Touch bumps updated_at; HISTORY appends route through it.
	Touch(ctx context.Context, id core.ID, at time.Time) error
	// SetTitleIfNull derives the title lazily from the first message.
	SetTitleIfNull(ctx context.Context, id core.ID, title string) error
	SetVectorizedAt(ctx context.Context, id core.ID, at time.Time) error
	// ListUnvectorized returns live conversations whose content has not
	// been indexed yet; the index-retry task drains it.
	ListUnvectorized(ctx context.Context, limit int) ([]*Conversation, error)
}

// EntryRepository is the persistence port for entries.
type EntryRepository interface {
	// Append writes entries in one transaction, bumping the parent
	// conversation's updated_at when touch is set.
	Append(ctx context.Context, entries []*Entry, touch bool) error
	List(ctx context.Context, filter *EntryFilter) ([]*Entry, error)
	Get(ctx context.Context, conversationID, entryID core.ID) (*Entry, error)
	// PrevHistory returns the HISTORY entry immediately preceding the
	// given entry in (created_at, id) order, or nil.
	PrevHistory(ctx context.Context, conversationID core.ID, before *Entry) (*Entry, error)
	// LatestEpoch returns the highest memory epoch for the client, with
	// ok=false when the client has no memory entries.
	LatestEpoch(ctx context.Context, conversationID core.ID, clientID string) (int64, bool, error)
	ListEpoch(ctx context.Context, conversationID core.ID, clientID string, epoch int64) ([]*Entry, error)
}

// MembershipRepository is the persistence port for group memberships.
type MembershipRepository interface {
	Get(ctx context.Context, groupID core.ID, userID string) (*Membership, error)
	List(ctx context.Context, groupID core.ID) ([]*Membership, error)
	Upsert(ctx context.Context, m *Membership) error
	UpdateLevel(ctx context.Context, groupID core.ID, userID string, level AccessLevel) error
	// Delete removes the membership and hard-deletes any pending
	// transfer targeting the removed user, atomically.
	Delete(ctx context.Context, groupID core.ID, userID string) error
}

// TransferRepository is the persistence port for ownership transfers.
type TransferRepository interface {
	Get(ctx context.Context, id core.ID) (*Transfer, error)
	GetPendingForGroup(ctx context.Context, groupID core.ID) (*Transfer, error)
	Create(ctx context.Context, t *Transfer) error
	Delete(ctx context.Context, id core.ID) error
	// Accept atomically promotes the target to OWNER, demotes the former
	// owner to MANAGER, and deletes the transfer row.
	Accept(ctx context.Context, t *Transfer) error
}

// Store bundles the persistence ports the use cases operate on.
type Store struct {
	Conversations Repository
	Entries       EntryRepository
	Memberships   MembershipRepository
	Transfers     TransferRepository
}
