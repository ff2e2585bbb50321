package uc

import (
	"context"
	"fmt"
	"time"

	"github.com/threadkeep/threadkeep/engine/auth"
	"github.com/threadkeep/threadkeep/engine/authz"
	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// CreateTransfer opens an ownership handoff to another member. At most
// one transfer can be pending per group.
type CreateTransfer struct {
	opts *Options
}

func NewCreateTransfer(opts *Options) *CreateTransfer {
	return &CreateTransfer{opts: opts}
}

type CreateTransferInput struct {
	ConversationID core.ID
	ToUserID       string
}

func (uc *CreateTransfer) Execute(ctx context.Context, in *CreateTransferInput) (*conversation.Transfer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if in.ToUserID == "" {
		return nil, core.BadRequestError("toUserId is required")
	}
	conv, _, err := loadForAccess(ctx, uc.opts, actor, in.ConversationID, conversation.AccessOwner, true)
	if err != nil {
		return nil, err
	}
	from := authz.PrincipalID(actor)
	if in.ToUserID == from {
		return nil, core.BadRequestError("cannot transfer ownership to yourself")
	}
	target, err := uc.opts.Store.Memberships.Get(ctx, conv.GroupID, in.ToUserID)
	if err != nil {
		return nil, fmt.Errorf("loading target membership: %w", err)
	}
	if target == nil {
		return nil, core.BadRequestError("transfer target must be a member of the conversation")
	}
	pending, err := uc.opts.Store.Transfers.GetPendingForGroup(ctx, conv.GroupID)
	if err != nil {
		return nil, fmt.Errorf("checking pending transfers: %w", err)
	}
	if pending != nil {
		return nil, core.ConflictError("TRANSFER_ALREADY_PENDING", "a transfer is already pending for this conversation").
			WithDetails(map[string]any{"transferId": pending.ID})
	}
	now := time.Now().UTC()
	transfer := &conversation.Transfer{
		ID:         core.NewID(),
		GroupID:    conv.GroupID,
		FromUserID: from,
		ToUserID:   in.ToUserID,
		Status:     conversation.TransferPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := uc.opts.Store.Transfers.Create(ctx, transfer); err != nil {
		return nil, fmt.Errorf("creating transfer: %w", err)
	}
	return transfer, nil
}

// AcceptTransfer completes the handoff: the target becomes OWNER, the
// former owner drops to MANAGER, and the transfer disappears. Only the
// target may accept.
type AcceptTransfer struct {
	opts *Options
}

func NewAcceptTransfer(opts *Options) *AcceptTransfer {
	return &AcceptTransfer{opts: opts}
}

type AcceptTransferInput struct {
	TransferID core.ID
}

func (uc *AcceptTransfer) Execute(ctx context.Context, in *AcceptTransferInput) error {
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	transfer, err := loadTransferForActor(ctx, uc.opts, actor, in.TransferID)
	if err != nil {
		return err
	}
	if authz.PrincipalID(actor) != transfer.ToUserID {
		return core.AccessDeniedError("only the transfer target may accept")
	}
	if err := uc.opts.Store.Transfers.Accept(ctx, transfer); err != nil {
		return fmt.Errorf("accepting transfer: %w", err)
	}
	return nil
}

// loadTransferForActor resolves the transfer and checks the actor can
// see its group; invisible transfers report as missing.
func loadTransferForActor(
	ctx context.Context,
	opts *Options,
	actor *auth.Actor,
	id core.ID,
) (*conversation.Transfer, error) {
	transfer, err := opts.Store.Transfers.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading transfer: %w", err)
	}
	if transfer == nil {
		return nil, core.NotFoundError("transfer not found")
	}
	group, err := opts.Store.Conversations.GetGroup(ctx, transfer.GroupID)
	if err != nil {
		return nil, fmt.Errorf("loading group: %w", err)
	}
	if group == nil {
		return nil, core.NotFoundError("transfer not found")
	}
	if err := opts.Authz.Require(ctx, actor, group, conversation.AccessReader, true); err != nil {
		return nil, err
	}
	return transfer, nil
}

// DeleteTransfer cancels a pending handoff. Either side may cancel.
type DeleteTransfer struct {
	opts *Options
}

func NewDeleteTransfer(opts *Options) *DeleteTransfer {
	return &DeleteTransfer{opts: opts}
}

type DeleteTransferInput struct {
	TransferID core.ID
}

func (uc *DeleteTransfer) Execute(ctx context.Context, in *DeleteTransferInput) error {
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	transfer, err := loadTransferForActor(ctx, uc.opts, actor, in.TransferID)
	if err != nil {
		return err
	}
	principal := authz.PrincipalID(actor)
	if principal != transfer.FromUserID && principal != transfer.ToUserID && actor.Platform != auth.PlatformAdmin {
		return core.AccessDeniedError("only the transfer parties may cancel")
	}
	if err := uc.opts.Store.Transfers.Delete(ctx, transfer.ID); err != nil {
		return fmt.Errorf("cancelling transfer: %w", err)
	}
	return nil
}
