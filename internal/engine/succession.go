package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"peerlink/internal/content"
	"peerlink/internal/domain"
	"peerlink/internal/events"
	"peerlink/internal/id"
	"peerlink/internal/repo"
)

// CreateAttribute stores a new own attribute as the root of a fresh
// succession chain. The owner defaults to the local identity.
func (e Engine) CreateAttribute(ctx context.Context, attr content.Attribute, actorID string) (domain.Attribute, error) {
	if e.Config == nil {
		return domain.Attribute{}, errors.New("config not loaded")
	}
	if attr.Owner == "" {
		attr.Owner = e.address()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Attribute{}, err
	}
	defer tx.Rollback()
	created, err := e.createAttributeTx(ctx, tx, attr)
	if err != nil {
		return domain.Attribute{}, err
	}
	if err := e.events().Append(ctx, tx, "attribute.created", "attribute", created.ID, actorID, events.EventPayload{
		"kind": created.Kind, "owner": created.Owner,
	}); err != nil {
		return domain.Attribute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Attribute{}, err
	}
	return created, nil
}

// SuccessionResult pairs the updated predecessor with its new successor.
type SuccessionResult struct {
	Predecessor domain.Attribute `json:"predecessor"`
	Successor   domain.Attribute `json:"successor"`
}

// SucceedOwnIdentityAttribute replaces an own identity attribute with a new
// version. The predecessor keeps its row and gains a successor pointer; it
// never changes value again. Peers are NOT told here; use
// NotifyPeerAboutOwnIdentityAttributeSuccession per peer afterwards.
func (e Engine) SucceedOwnIdentityAttribute(ctx context.Context, predecessorID string, successor content.Attribute, actorID string) (SuccessionResult, error) {
	return e.succeed(ctx, predecessorID, successor, domain.AttributeKindIdentity, actorID, nil)
}

// SucceedRelationshipAttributeAndNotifyPeer replaces a relationship
// attribute and queues a succession notification to every peer holding an
// active share of the predecessor. The successor is shared with those peers
// in the same transaction, so a crash after commit leaves a consistent view.
func (e Engine) SucceedRelationshipAttributeAndNotifyPeer(ctx context.Context, predecessorID string, successor content.Attribute, actorID string) (SuccessionResult, []domain.Notification, error) {
	var queued []domain.Notification
	res, err := e.succeed(ctx, predecessorID, successor, domain.AttributeKindRelationship, actorID,
		func(ctx context.Context, tx *sql.Tx, pred, succ domain.Attribute) error {
			shares, err := e.Repo.ListShares(ctx, repo.ShareFilter{AttributeID: pred.ID, OnlyActive: true})
			if err != nil {
				return err
			}
			for _, share := range shares {
				n, err := e.queueSuccessionNotificationTx(ctx, tx, share.Peer, pred.ID, succ.ID)
				if err != nil {
					return err
				}
				queued = append(queued, n)
			}
			return nil
		})
	if err != nil {
		return SuccessionResult{}, nil, err
	}
	sent := make([]domain.Notification, 0, len(queued))
	for _, n := range queued {
		dispatched, err := e.dispatchNotification(ctx, n, res.Successor)
		if err != nil {
			// The notification stays pending and can be re-dispatched; the
			// succession itself is already committed.
			sent = append(sent, n)
			continue
		}
		sent = append(sent, dispatched)
	}
	return res, sent, nil
}

// succeed runs the shared succession transaction. extra runs inside the
// transaction after both rows are written.
func (e Engine) succeed(ctx context.Context, predecessorID string, successor content.Attribute, requiredKind, actorID string, extra func(ctx context.Context, tx *sql.Tx, pred, succ domain.Attribute) error) (SuccessionResult, error) {
	if e.Config == nil {
		return SuccessionResult{}, errors.New("config not loaded")
	}
	root, err := e.chainRoot(ctx, predecessorID)
	if err != nil {
		return SuccessionResult{}, err
	}
	if err := e.Locks.Acquire(attributeLockKey(root)); err != nil {
		return SuccessionResult{}, err
	}
	defer e.Locks.Release(attributeLockKey(root))

	pred, err := e.Repo.GetAttribute(ctx, predecessorID)
	if err != nil {
		return SuccessionResult{}, err
	}
	if pred.Kind != requiredKind {
		return SuccessionResult{}, newError(CodeValidation, "attribute %s is a %s attribute, succession requires %s", pred.ID, pred.Kind, requiredKind)
	}
	if pred.Owner != e.address() {
		return SuccessionResult{}, newError(CodeValidation, "attribute %s is not owned by this identity", pred.ID)
	}
	if pred.DeletionStatus != nil {
		return SuccessionResult{}, newError(CodeValidation, "attribute %s is deleted and cannot be succeeded", pred.ID)
	}
	if pred.SuccessorID != nil {
		err := newError(CodeAttributeAlreadySucceeded, "attribute %s already has successor %s", pred.ID, *pred.SuccessorID)
		err.Details = map[string]string{"successor_id": *pred.SuccessorID}
		return SuccessionResult{}, err
	}
	var predPayload content.Attribute
	if err := json.Unmarshal([]byte(pred.ContentJSON), &predPayload); err != nil {
		return SuccessionResult{}, err
	}
	if successor.Owner == "" {
		successor.Owner = pred.Owner
	}
	if successor.Owner != pred.Owner {
		return SuccessionResult{}, newError(CodeValidation, "successor owner %s differs from predecessor owner %s", successor.Owner, pred.Owner)
	}
	if got, want := valueKindOf(successor.Value), valueKindOf(predPayload.Value); got != want {
		return SuccessionResult{}, newError(CodeValidation, "successor value kind %s differs from predecessor value kind %s", got, want)
	}
	// Identity metadata carries over unless overridden.
	if len(successor.Tags) == 0 {
		successor.Tags = predPayload.Tags
	}
	if successor.IsRelationship() {
		if successor.Key == "" {
			successor.Key = predPayload.Key
		}
		if successor.Confidentiality == "" {
			successor.Confidentiality = predPayload.Confidentiality
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SuccessionResult{}, err
	}
	defer tx.Rollback()

	raw, err := json.Marshal(successor)
	if err != nil {
		return SuccessionResult{}, err
	}
	succ := domain.Attribute{
		ID:            id.New(id.Attribute),
		Kind:          pred.Kind,
		Owner:         pred.Owner,
		ContentJSON:   string(raw),
		PredecessorID: &pred.ID,
		CreatedAt:     e.nowString(),
	}
	if err := e.Repo.InsertAttributeTx(ctx, tx, succ); err != nil {
		return SuccessionResult{}, err
	}
	pred.SuccessorID = &succ.ID
	if err := e.Repo.UpdateAttributeTx(ctx, tx, pred); err != nil {
		return SuccessionResult{}, err
	}
	if extra != nil {
		if err := extra(ctx, tx, pred, succ); err != nil {
			return SuccessionResult{}, err
		}
	}
	if err := e.events().Append(ctx, tx, "attribute.succeeded", "attribute", pred.ID, actorID, events.EventPayload{
		"successor_id": succ.ID,
	}); err != nil {
		return SuccessionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SuccessionResult{}, err
	}
	return SuccessionResult{Predecessor: pred, Successor: succ}, nil
}

// NotifyPeerAboutOwnIdentityAttributeSuccession tells one peer that an own
// identity attribute they hold a share of was succeeded. The successor is
// shared with the peer and a succession notification is queued and sent.
// Calling it twice for the same peer and successor is a no-op.
func (e Engine) NotifyPeerAboutOwnIdentityAttributeSuccession(ctx context.Context, successorID, peer, actorID string) (domain.Notification, error) {
	if e.Config == nil {
		return domain.Notification{}, errors.New("config not loaded")
	}
	if peer == "" {
		return domain.Notification{}, newError(CodeValidation, "peer is required")
	}
	root, err := e.chainRoot(ctx, successorID)
	if err != nil {
		return domain.Notification{}, err
	}
	if err := e.Locks.Acquire(attributeLockKey(root)); err != nil {
		return domain.Notification{}, err
	}
	defer e.Locks.Release(attributeLockKey(root))

	succ, err := e.Repo.GetAttribute(ctx, successorID)
	if err != nil {
		return domain.Notification{}, err
	}
	if succ.Kind != domain.AttributeKindIdentity || succ.Owner != e.address() {
		return domain.Notification{}, newError(CodeValidation, "attribute %s is not an own identity attribute", successorID)
	}
	if succ.PredecessorID == nil {
		return domain.Notification{}, newError(CodeValidation, "attribute %s has no predecessor, nothing to notify about", successorID)
	}
	// The peer must already hold some version of this chain.
	sharedVersion, err := e.chainVersionSharedWith(ctx, root, peer)
	if err != nil {
		return domain.Notification{}, err
	}
	if sharedVersion == "" {
		return domain.Notification{}, newError(CodeValidation, "no version of attribute %s was ever shared with %s", successorID, peer)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Notification{}, err
	}
	defer tx.Rollback()

	already, err := e.Repo.HasSuccessionNotificationTx(ctx, tx, peer, succ.ID)
	if err != nil {
		return domain.Notification{}, err
	}
	if already {
		notifications, err := e.Repo.ListNotifications(ctx, repo.NotificationFilter{Peer: peer, Kind: domain.NotificationSuccession})
		if err != nil {
			return domain.Notification{}, err
		}
		for _, n := range notifications {
			if n.SuccessorID != nil && *n.SuccessorID == succ.ID {
				return n, nil
			}
		}
		return domain.Notification{}, nil
	}
	n, err := e.queueSuccessionNotificationTx(ctx, tx, peer, *succ.PredecessorID, succ.ID)
	if err != nil {
		return domain.Notification{}, err
	}
	if err := e.events().Append(ctx, tx, "attribute.succession_notified", "attribute", succ.ID, actorID, events.EventPayload{
		"peer": peer,
	}); err != nil {
		return domain.Notification{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Notification{}, err
	}
	dispatched, err := e.dispatchNotification(ctx, n, succ)
	if err != nil {
		return n, nil
	}
	return dispatched, nil
}

// queueSuccessionNotificationTx shares the successor with the peer and
// writes a pending succession notification.
func (e Engine) queueSuccessionNotificationTx(ctx context.Context, tx *sql.Tx, peer, predecessorID, successorID string) (domain.Notification, error) {
	n := domain.Notification{
		ID:          id.New(id.Notification),
		Peer:        peer,
		Kind:        domain.NotificationSuccession,
		AttributeID: predecessorID,
		SuccessorID: &successorID,
		Status:      domain.NotificationPending,
		CreatedAt:   e.nowString(),
	}
	if _, err := e.Repo.GetActiveShareTx(ctx, tx, successorID, peer); err == nil {
		// Successor already shared; only the notification is missing.
	} else if errors.Is(err, repo.ErrNotFound) {
		if err := e.createShareTx(ctx, tx, successorID, peer, domain.SourceMessage, n.ID); err != nil {
			return domain.Notification{}, err
		}
	} else {
		return domain.Notification{}, err
	}
	if err := e.Repo.InsertNotificationTx(ctx, tx, n); err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

// successionPayload is the wire body handed to the transport collaborator.
type successionPayload struct {
	Kind          string            `json:"notification"`
	PredecessorID string            `json:"predecessorId"`
	SuccessorID   string            `json:"successorId"`
	Successor     content.Attribute `json:"successor"`
}

// dispatchNotification sends a pending notification through the messenger
// and marks it sent. A send failure leaves the row pending.
func (e Engine) dispatchNotification(ctx context.Context, n domain.Notification, attr domain.Attribute) (domain.Notification, error) {
	var body any
	switch n.Kind {
	case domain.NotificationSuccession:
		var payload content.Attribute
		if err := json.Unmarshal([]byte(attr.ContentJSON), &payload); err != nil {
			return n, err
		}
		body = successionPayload{
			Kind:          n.Kind,
			PredecessorID: n.AttributeID,
			SuccessorID:   attr.ID,
			Successor:     payload,
		}
	case domain.NotificationDeletion:
		body = map[string]string{"notification": n.Kind, "attributeId": n.AttributeID}
	default:
		return n, newError(CodeValidation, "unknown notification kind %s", n.Kind)
	}
	messageID, err := e.Messenger.Send(ctx, body, []string{n.Peer})
	if err != nil {
		return n, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return n, err
	}
	defer tx.Rollback()
	sentAt := e.nowString()
	if err := e.Repo.MarkNotificationSentTx(ctx, tx, n.ID, messageID, sentAt); err != nil {
		return n, err
	}
	if err := tx.Commit(); err != nil {
		return n, err
	}
	n.Status = domain.NotificationSent
	n.MessageID = &messageID
	n.SentAt = &sentAt
	return n, nil
}

// GetVersionsOfAttribute reconstructs the full succession chain containing
// the attribute, oldest first.
func (e Engine) GetVersionsOfAttribute(ctx context.Context, attributeID string) ([]domain.Attribute, error) {
	root, err := e.chainRoot(ctx, attributeID)
	if err != nil {
		return nil, err
	}
	var versions []domain.Attribute
	cursor := root
	for cursor != "" {
		a, err := e.Repo.GetAttribute(ctx, cursor)
		if err != nil {
			return nil, err
		}
		versions = append(versions, a)
		if a.SuccessorID == nil {
			break
		}
		cursor = *a.SuccessorID
	}
	return versions, nil
}

// GetVersionsOfAttributeSharedWithPeer lists the chain versions the peer
// holds an active share of, oldest first. With onlyLatest, only the newest
// such version is returned.
func (e Engine) GetVersionsOfAttributeSharedWithPeer(ctx context.Context, attributeID, peer string, onlyLatest bool) ([]domain.Attribute, error) {
	if peer == "" {
		return nil, newError(CodeValidation, "peer is required")
	}
	versions, err := e.GetVersionsOfAttribute(ctx, attributeID)
	if err != nil {
		return nil, err
	}
	var shared []domain.Attribute
	for _, v := range versions {
		_, err := e.Repo.GetActiveShare(ctx, v.ID, peer)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		shared = append(shared, v)
	}
	if onlyLatest && len(shared) > 1 {
		shared = shared[len(shared)-1:]
	}
	return shared, nil
}

// MarkAttributeAsViewed stamps the first time the attribute was displayed.
// Repeated calls keep the original timestamp.
func (e Engine) MarkAttributeAsViewed(ctx context.Context, attributeID, actorID string) (domain.Attribute, error) {
	a, err := e.Repo.GetAttribute(ctx, attributeID)
	if err != nil {
		return domain.Attribute{}, err
	}
	if a.WasViewedAt != nil {
		return a, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Attribute{}, err
	}
	defer tx.Rollback()
	now := e.nowString()
	a.WasViewedAt = &now
	if err := e.Repo.UpdateAttributeTx(ctx, tx, a); err != nil {
		return domain.Attribute{}, err
	}
	if err := e.events().Append(ctx, tx, "attribute.viewed", "attribute", a.ID, actorID, events.EventPayload{}); err != nil {
		return domain.Attribute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Attribute{}, err
	}
	return a, nil
}

// chainRoot walks predecessor pointers to the first version of the chain.
func (e Engine) chainRoot(ctx context.Context, attributeID string) (string, error) {
	cursor := attributeID
	for {
		a, err := e.Repo.GetAttribute(ctx, cursor)
		if err != nil {
			return "", err
		}
		if a.PredecessorID == nil {
			return a.ID, nil
		}
		cursor = *a.PredecessorID
	}
}

// chainVersionSharedWith returns the newest chain version the peer holds a
// share of (active or historical), or "".
func (e Engine) chainVersionSharedWith(ctx context.Context, rootID, peer string) (string, error) {
	var found string
	cursor := rootID
	for cursor != "" {
		a, err := e.Repo.GetAttribute(ctx, cursor)
		if err != nil {
			return "", err
		}
		records, err := e.Repo.ListShares(ctx, repo.ShareFilter{AttributeID: a.ID, Peer: peer})
		if err != nil {
			return "", err
		}
		if len(records) > 0 {
			found = a.ID
		}
		if a.SuccessorID == nil {
			break
		}
		cursor = *a.SuccessorID
	}
	return found, nil
}

// valueKindOf names the concrete value kind for succession compatibility
// checks.
func valueKindOf(v content.AttributeValue) string {
	switch val := v.(type) {
	case content.IdentityValue:
		return val.ValueKind
	case content.RelationshipValue:
		return val.ValueKind
	default:
		return ""
	}
}
