package postgres

import (
	"time"

	"github.com/threadkeep/threadkeep/engine/attachment"
	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/crypto"
	"github.com/threadkeep/threadkeep/engine/eviction"
	"github.com/threadkeep/threadkeep/engine/taskqueue"
)

var (
	_ conversation.Repository           = (*ConversationRepo)(nil)
	_ conversation.EntryRepository      = (*EntryRepo)(nil)
	_ conversation.MembershipRepository = (*MembershipRepo)(nil)
	_ conversation.TransferRepository   = (*TransferRepo)(nil)
	_ taskqueue.Repository              = (*TaskRepo)(nil)
	_ crypto.DEKRepository              = (*DEKRepo)(nil)
	_ attachment.Repository             = (*AttachmentRepo)(nil)
	_ eviction.Repository               = (*EvictionRepo)(nil)
)

// Store bundles every repository over one database handle.
type Store struct {
	Conversations *ConversationRepo
	Entries       *EntryRepo
	Memberships   *MembershipRepo
	Transfers     *TransferRepo
	Tasks         *TaskRepo
	DEKs          *DEKRepo
	Attachments   *AttachmentRepo
	Eviction      *EvictionRepo
}

// NewStore wires the repositories. The crypto service seals titles and
// entry content; staleTimeout bounds task-claim leases.
func NewStore(db DBInterface, cryptoSvc *crypto.Service, staleTimeout time.Duration) *Store {
	return &Store{
		Conversations: NewConversationRepo(db, cryptoSvc),
		Entries:       NewEntryRepo(db, cryptoSvc),
		Memberships:   NewMembershipRepo(db),
		Transfers:     NewTransferRepo(db),
		Tasks:         NewTaskRepo(db, staleTimeout),
		DEKs:          NewDEKRepo(db),
		Attachments:   NewAttachmentRepo(db),
		Eviction:      NewEvictionRepo(db),
	}
}

// ConversationStore adapts the bundle to the port set the use cases
// consume.
func (s *Store) ConversationStore() *conversation.Store {
	return &conversation.Store{
		Conversations: s.Conversations,
		Entries:       s.Entries,
		Memberships:   s.Memberships,
		Transfers:     s.Transfers,
	}
}
