package conversation

import (
	"strings"
	"time"
	"unicode"

	"github.com/threadkeep/threadkeep/engine/core"
)

// Channel partitions entries within a conversation.
type Channel string

const (
	// ChannelHistory holds user-visible conversation turns.
	ChannelHistory Channel = "HISTORY"
	// ChannelMemory holds agent working memory, scoped to the writing
	// client and tagged with a memory epoch.
	ChannelMemory Channel = "MEMORY"
	// ChannelSummary holds derived summaries.
	ChannelSummary Channel = "SUMMARY"
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, bool) {
	switch Channel(strings.ToUpper(s)) {
	case ChannelHistory:
		return ChannelHistory, true
	case ChannelMemory:
		return ChannelMemory, true
	case ChannelSummary:
		return ChannelSummary, true
	default:
		return "", false
	}
}

// AccessLevel is totally ordered: READER < WRITER < MANAGER < OWNER.
type AccessLevel string

const (
	AccessReader  AccessLevel = "READER"
	AccessWriter  AccessLevel = "WRITER"
	AccessManager AccessLevel = "MANAGER"
	AccessOwner   AccessLevel = "OWNER"
)

var accessRank = map[AccessLevel]int{
	AccessReader:  1,
	AccessWriter:  2,
	AccessManager: 3,
	AccessOwner:   4,
}

// AtLeast reports whether l satisfies the required level.
func (l AccessLevel) AtLeast(required AccessLevel) bool {
	return accessRank[l] >= accessRank[required]
}

// ParseAccessLevel validates an access level name.
func ParseAccessLevel(s string) (AccessLevel, bool) {
	level := AccessLevel(strings.ToUpper(s))
	_, ok := accessRank[level]
	return level, ok
}

// Group is the equivalence class of a conversation and all its forks. It
// owns memberships and ownership transfers.
type Group struct {
	ID             core.ID    `json:"id"`
	OrganizationID *string    `json:"organizationId,omitempty"`
	TeamID         *string    `json:"teamId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// Conversation is a thread of entries belonging to exactly one group.
type Conversation struct {
	ID                     core.ID        `json:"id"`
	GroupID                core.ID        `json:"conversationGroupId"`
	OwnerUserID            string         `json:"ownerUserId"`
	Title                  *string        `json:"title,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
	CreatedAt              time.Time      `json:"createdAt"`
	UpdatedAt              time.Time      `json:"updatedAt"`
	ForkedAtConversationID *core.ID       `json:"forkedAtConversationId,omitempty"`
	ForkedAtEntryID        *core.ID       `json:"forkedAtEntryId,omitempty"`
	VectorizedAt           *time.Time     `json:"vectorizedAt,omitempty"`
	DeletedAt              *time.Time     `json:"deletedAt,omitempty"`
}

// IsFork reports whether the conversation diverged from a parent.
func (c *Conversation) IsFork() bool { return c.ForkedAtConversationID != nil }

// ContentBlock is one typed element of an entry payload. Text blocks are
// interpreted by the service (title derivation, search); every other type
// is pass-through.
type ContentBlock map[string]any

func (b ContentBlock) Type() string {
	t, _ := b["type"].(string)
	return t
}

func (b ContentBlock) Text() string {
	t, _ := b["text"].(string)
	return t
}

// TextBlock builds a {type:"text"} content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{"type": "text", "text": text}
}

// Entry is a single message in a conversation.
type Entry struct {
	ID             core.ID        `json:"id"`
	ConversationID core.ID        `json:"conversationId"`
	GroupID        core.ID        `json:"conversationGroupId"`
	UserID         *string        `json:"userId,omitempty"`
	ClientID       *string        `json:"clientId,omitempty"`
	Channel        Channel        `json:"channel"`
	MemoryEpoch    *int64         `json:"memoryEpoch,omitempty"`
	Content        []ContentBlock `json:"content"`
	ContentType    string         `json:"contentType,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// FirstText returns the first textual block of the entry, if any.
func (e *Entry) FirstText() (string, bool) {
	for _, block := range e.Content {
		if block.Type() == "text" && block.Text() != "" {
			return block.Text(), true
		}
	}
	return "", false
}

// Membership grants a user an access level on a group.
type Membership struct {
	GroupID     core.ID     `json:"conversationGroupId"`
	UserID      string      `json:"userId"`
	AccessLevel AccessLevel `json:"accessLevel"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// TransferStatus is the lifecycle state of an ownership transfer.
type TransferStatus string

const TransferPending TransferStatus = "PENDING"

// Transfer is a pending ownership handoff for a group. At most one
// pending transfer exists per group.
type Transfer struct {
	ID         core.ID        `json:"id"`
	GroupID    core.ID        `json:"conversationGroupId"`
	FromUserID string         `json:"fromUserId"`
	ToUserID   string         `json:"toUserId"`
	Status     TransferStatus `json:"status"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

const maxDerivedTitleLen = 40

// DeriveTitle produces a conversation title from the first user-message
// text: whitespace collapsed, truncated to 40 characters.
func DeriveTitle(text string) string {
	collapsed := strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
	runes := []rune(collapsed)
	if len(runes) > maxDerivedTitleLen {
		return string(runes[:maxDerivedTitleLen])
	}
	return collapsed
}
