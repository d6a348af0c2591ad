package engine

import (
	"context"
	"encoding/json"
	"errors"

	"peerlink/internal/content"
	"peerlink/internal/domain"
	"peerlink/internal/events"
	"peerlink/internal/id"
	"peerlink/internal/repo"
)

// ShareOwnIdentityAttribute opens an outgoing request offering the peer a
// copy of an own identity attribute. The share record is written when the
// peer's acceptance completes the request, not here.
func (e Engine) ShareOwnIdentityAttribute(ctx context.Context, attributeID, peer, actorID string) (domain.Request, error) {
	if e.Config == nil {
		return domain.Request{}, errors.New("config not loaded")
	}
	attr, err := e.Repo.GetAttribute(ctx, attributeID)
	if err != nil {
		return domain.Request{}, err
	}
	if attr.Kind != domain.AttributeKindIdentity || attr.Owner != e.address() {
		return domain.Request{}, newError(CodeValidation, "attribute %s is not an own identity attribute", attributeID)
	}
	if attr.DeletionStatus != nil {
		return domain.Request{}, newError(CodeValidation, "attribute %s is deleted", attributeID)
	}
	if !attr.IsCurrent() {
		return domain.Request{}, newError(CodeValidation, "attribute %s was succeeded by %s, share the current version", attributeID, *attr.SuccessorID)
	}
	root, err := e.chainRoot(ctx, attributeID)
	if err != nil {
		return domain.Request{}, err
	}
	sharedVersion, err := e.chainVersionSharedWith(ctx, root, peer)
	if err != nil {
		return domain.Request{}, err
	}
	if sharedVersion == attributeID {
		return domain.Request{}, newError(CodeValidation, "attribute %s is already shared with %s", attributeID, peer)
	}
	if sharedVersion != "" {
		return domain.Request{}, newError(CodeValidation, "peer %s holds version %s of this attribute, notify them about the succession instead", peer, sharedVersion)
	}
	if err := e.ensureNoOpenShareRequest(ctx, peer, attributeID); err != nil {
		return domain.Request{}, err
	}
	var payload content.Attribute
	if err := json.Unmarshal([]byte(attr.ContentJSON), &payload); err != nil {
		return domain.Request{}, err
	}
	reqContent := content.Request{
		Items: []content.RequestNode{
			content.ShareAttributeRequestItem{
				ItemHeader:        content.ItemHeader{MustBeAccepted: true},
				Attribute:         payload,
				SourceAttributeID: attributeID,
			},
		},
	}
	return e.CreateOutgoingRequest(ctx, peer, reqContent, actorID)
}

// CreateAndShareRelationshipAttribute opens an outgoing request asking the
// peer to store a new relationship attribute. The local copy and its share
// record come into existence when the peer's acceptance completes the
// request.
func (e Engine) CreateAndShareRelationshipAttribute(ctx context.Context, attr content.Attribute, peer, actorID string) (domain.Request, error) {
	if e.Config == nil {
		return domain.Request{}, errors.New("config not loaded")
	}
	if attr.Owner == "" {
		attr.Owner = e.address()
	}
	if attr.Owner != e.address() {
		return domain.Request{}, newError(CodeValidation, "relationship attribute must be owned by this identity, got %s", attr.Owner)
	}
	if !attr.IsRelationship() {
		return domain.Request{}, newError(CodeValidation, "attribute value is not a relationship value")
	}
	if err := attr.Validate(); err != nil {
		return domain.Request{}, newError(CodeValidation, "%s", err.Error())
	}
	reqContent := content.Request{
		Items: []content.RequestNode{
			content.CreateAttributeRequestItem{
				ItemHeader: content.ItemHeader{MustBeAccepted: true},
				Attribute:  attr,
			},
		},
	}
	return e.CreateOutgoingRequest(ctx, peer, reqContent, actorID)
}

// ensureNoOpenShareRequest rejects a duplicate share while an earlier offer
// for the same attribute and peer is still undecided.
func (e Engine) ensureNoOpenShareRequest(ctx context.Context, peer, attributeID string) error {
	open, err := e.Repo.ListRequests(ctx, repo.RequestFilter{
		Direction: domain.DirectionOutgoing,
		Status:    domain.RequestStatusOpen,
		Peer:      peer,
	})
	if err != nil {
		return err
	}
	for _, req := range open {
		if e.isExpired(req) {
			continue
		}
		reqContent, err := parseRequestContent(req)
		if err != nil {
			return err
		}
		for _, item := range flattenItems(reqContent) {
			share, ok := item.(content.ShareAttributeRequestItem)
			if ok && share.SourceAttributeID == attributeID {
				return newError(CodeValidation, "request %s already offers attribute %s to %s", req.ID, attributeID, peer)
			}
		}
	}
	return nil
}

// DeleteSharedAttributesForRejectedOrRevokedRelationship soft-deletes every
// active share record held by a peer whose relationship ended. Rows stay for
// the audit trail; default queries stop returning them.
func (e Engine) DeleteSharedAttributesForRejectedOrRevokedRelationship(ctx context.Context, peer, actorID string) (int64, error) {
	if peer == "" {
		return 0, newError(CodeValidation, "peer is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	affected, err := e.Repo.MarkSharesDeletedTx(ctx, tx, peer, "", domain.DeletedByPeer, e.nowString())
	if err != nil {
		return 0, err
	}
	if err := e.events().Append(ctx, tx, "shares.relationship_terminated", "peer", peer, actorID, events.EventPayload{
		"affected": affected,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return affected, nil
}

// GetForwardingDetailsForAttribute answers "who holds this attribute and in
// what state": one record per peer-sharing, including soft-deleted ones
// unless onlyActive is set.
func (e Engine) GetForwardingDetailsForAttribute(ctx context.Context, attributeID, peer string, onlyActive bool) ([]domain.SharedAttributeRecord, error) {
	if _, err := e.Repo.GetAttribute(ctx, attributeID); err != nil {
		return nil, err
	}
	return e.Repo.ListShares(ctx, repo.ShareFilter{
		AttributeID: attributeID,
		Peer:        peer,
		OnlyActive:  onlyActive,
	})
}

// DeleteAttributeAndNotify soft-deletes an own attribute, soft-deletes its
// active shares and queues a deletion notification to every peer that held
// one.
func (e Engine) DeleteAttributeAndNotify(ctx context.Context, attributeID, actorID string) (domain.Attribute, []domain.Notification, error) {
	if e.Config == nil {
		return domain.Attribute{}, nil, errors.New("config not loaded")
	}
	root, err := e.chainRoot(ctx, attributeID)
	if err != nil {
		return domain.Attribute{}, nil, err
	}
	if err := e.Locks.Acquire(attributeLockKey(root)); err != nil {
		return domain.Attribute{}, nil, err
	}
	defer e.Locks.Release(attributeLockKey(root))

	attr, err := e.Repo.GetAttribute(ctx, attributeID)
	if err != nil {
		return domain.Attribute{}, nil, err
	}
	if attr.Owner != e.address() {
		return domain.Attribute{}, nil, newError(CodeValidation, "attribute %s is not owned by this identity", attributeID)
	}
	if attr.DeletionStatus != nil {
		return domain.Attribute{}, nil, newError(CodeValidation, "attribute %s is already deleted", attributeID)
	}
	shares, err := e.Repo.ListShares(ctx, repo.ShareFilter{AttributeID: attributeID, OnlyActive: true})
	if err != nil {
		return domain.Attribute{}, nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Attribute{}, nil, err
	}
	defer tx.Rollback()

	now := e.nowString()
	status := domain.DeletedByOwner
	attr.DeletionStatus = &status
	attr.DeletedAt = &now
	if err := e.Repo.UpdateAttributeTx(ctx, tx, attr); err != nil {
		return domain.Attribute{}, nil, err
	}
	var queued []domain.Notification
	for _, share := range shares {
		if _, err := e.Repo.MarkSharesDeletedTx(ctx, tx, share.Peer, attributeID, domain.DeletedByOwner, now); err != nil {
			return domain.Attribute{}, nil, err
		}
		n := domain.Notification{
			ID:          id.New(id.Notification),
			Peer:        share.Peer,
			Kind:        domain.NotificationDeletion,
			AttributeID: attributeID,
			Status:      domain.NotificationPending,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertNotificationTx(ctx, tx, n); err != nil {
			return domain.Attribute{}, nil, err
		}
		queued = append(queued, n)
	}
	if err := e.events().Append(ctx, tx, "attribute.deleted", "attribute", attr.ID, actorID, events.EventPayload{
		"notified_peers": len(queued),
	}); err != nil {
		return domain.Attribute{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Attribute{}, nil, err
	}

	notifications := make([]domain.Notification, 0, len(queued))
	for _, n := range queued {
		dispatched, err := e.dispatchNotification(ctx, n, attr)
		if err != nil {
			notifications = append(notifications, n)
			continue
		}
		notifications = append(notifications, dispatched)
	}
	return attr, notifications, nil
}
