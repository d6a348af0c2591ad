package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"peerlink/internal/content"
	"peerlink/internal/domain"
	"peerlink/internal/events"
	"peerlink/internal/id"
	"peerlink/internal/repo"
)

// CreateOutgoingRequest opens a local request addressed to a peer. The
// request stays open until the peer's response arrives or it is discarded.
func (e Engine) CreateOutgoingRequest(ctx context.Context, peer string, reqContent content.Request, actorID string) (domain.Request, error) {
	return e.openRequest(ctx, domain.DirectionOutgoing, peer, reqContent, "", "", actorID)
}

// ReceivedIncomingRequest opens a local request for content delivered by the
// transport collaborator, recording which object carried it.
func (e Engine) ReceivedIncomingRequest(ctx context.Context, peer string, reqContent content.Request, sourceType, sourceID, actorID string) (domain.Request, error) {
	if sourceType != domain.SourceMessage && sourceType != domain.SourceRelationship {
		return domain.Request{}, newError(CodeValidation, "unknown request source type %q", sourceType)
	}
	return e.openRequest(ctx, domain.DirectionIncoming, peer, reqContent, sourceType, sourceID, actorID)
}

func (e Engine) openRequest(ctx context.Context, direction, peer string, reqContent content.Request, sourceType, sourceID, actorID string) (domain.Request, error) {
	if e.Config == nil {
		return domain.Request{}, errors.New("config not loaded")
	}
	if peer == "" {
		return domain.Request{}, newError(CodeValidation, "peer is required")
	}
	if err := reqContent.Validate(); err != nil {
		return domain.Request{}, newError(CodeValidation, "%s", err.Error())
	}
	if reqContent.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, reqContent.ExpiresAt)
		if err != nil {
			return domain.Request{}, newError(CodeValidation, "invalid expiresAt: %s", err.Error())
		}
		if direction == domain.DirectionOutgoing && !exp.After(e.now()) {
			return domain.Request{}, newError(CodeValidation, "expiresAt must lie in the future")
		}
	}
	raw, err := json.Marshal(reqContent)
	if err != nil {
		return domain.Request{}, err
	}
	now := e.nowString()
	req := domain.Request{
		ID:          id.New(id.Request),
		Direction:   direction,
		Peer:        peer,
		Status:      domain.RequestStatusOpen,
		ContentJSON: string(raw),
		SourceType:  optionalString(sourceType),
		SourceID:    optionalString(sourceID),
		ExpiresAt:   optionalString(reqContent.ExpiresAt),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	evtType := "request.created"
	if direction == domain.DirectionIncoming {
		evtType = "request.received"
	}
	if err := e.events().Append(ctx, tx, evtType, "request", req.ID, actorID, events.EventPayload{
		"peer": peer, "direction": direction, "status": req.Status,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// SentOutgoingRequest binds the transport object that carried an outgoing
// request to the peer. The request must still be open.
func (e Engine) SentOutgoingRequest(ctx context.Context, requestID, sourceType, sourceID, actorID string) (domain.Request, error) {
	return e.withRequest(ctx, requestID, actorID, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (string, events.EventPayload, error) {
		if req.Direction != domain.DirectionOutgoing {
			return "", nil, newError(CodeValidation, "request %s is not outgoing", req.ID)
		}
		if req.Status != domain.RequestStatusOpen {
			return "", nil, wrongStatus(req.ID, req.Status, domain.RequestStatusOpen)
		}
		if sourceType != domain.SourceMessage && sourceType != domain.SourceRelationship {
			return "", nil, newError(CodeValidation, "unknown request source type %q", sourceType)
		}
		req.SourceType = optionalString(sourceType)
		req.SourceID = optionalString(sourceID)
		return "request.sent", events.EventPayload{"source_type": sourceType, "source_id": sourceID}, nil
	})
}

// PrerequisiteCheck is the result of CheckPrerequisitesOfIncomingRequest.
type PrerequisiteCheck struct {
	CanAutoDecide bool     `json:"can_auto_decide"`
	Reasons       []string `json:"reasons,omitempty"`
}

// CheckPrerequisitesOfIncomingRequest evaluates whether the request could be
// decided without a manual decision: every item kind must be enabled for
// automation, no item may demand a manual decision, and query-backed items
// must be answerable from existing attributes. It never transitions state.
func (e Engine) CheckPrerequisitesOfIncomingRequest(ctx context.Context, requestID string) (PrerequisiteCheck, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return PrerequisiteCheck{}, err
	}
	if req.Direction != domain.DirectionIncoming {
		return PrerequisiteCheck{}, newError(CodeValidation, "request %s is not incoming", requestID)
	}
	reqContent, err := parseRequestContent(req)
	if err != nil {
		return PrerequisiteCheck{}, err
	}
	check := PrerequisiteCheck{CanAutoDecide: true}
	for _, item := range flattenItems(reqContent) {
		h := item.Header()
		if h.RequireManualDecision {
			check.CanAutoDecide = false
			check.Reasons = append(check.Reasons, item.TypeName()+" requires a manual decision")
			continue
		}
		if !e.Config.MayAutoAccept(item.TypeName()) {
			check.CanAutoDecide = false
			check.Reasons = append(check.Reasons, item.TypeName()+" is not enabled for automation")
			continue
		}
		if read, ok := item.(content.ReadAttributeRequestItem); ok {
			if _, _, err := e.findOwnAttributeMatching(ctx, read.Query); err != nil {
				check.CanAutoDecide = false
				check.Reasons = append(check.Reasons, "no attribute satisfies the query of a "+item.TypeName())
			}
		}
	}
	return check, nil
}

// RequireManualDecisionOfIncomingRequest flags the request for manual
// handling. Idempotent when already flagged; fails once decided.
func (e Engine) RequireManualDecisionOfIncomingRequest(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	return e.withRequest(ctx, requestID, actorID, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (string, events.EventPayload, error) {
		if req.Direction != domain.DirectionIncoming {
			return "", nil, newError(CodeValidation, "request %s is not incoming", req.ID)
		}
		switch req.Status {
		case domain.RequestStatusManualDecision:
			return "", nil, nil // already flagged
		case domain.RequestStatusOpen:
		default:
			return "", nil, wrongStatus(req.ID, req.Status, domain.RequestStatusOpen)
		}
		req.Status = domain.RequestStatusManualDecision
		return "request.manual_decision_required", events.EventPayload{}, nil
	})
}

// AcceptIncomingRequest runs the decision evaluator over the caller's
// decision tree, composes the response and moves the request to decided.
// The response stays a pending artifact until CompleteIncomingRequest binds
// the transport object that delivers it.
func (e Engine) AcceptIncomingRequest(ctx context.Context, requestID string, decision content.Decision, actorID string) (domain.Request, error) {
	if e.Config == nil {
		return domain.Request{}, errors.New("config not loaded")
	}
	if err := e.Locks.Acquire(requestLockKey(requestID)); err != nil {
		return domain.Request{}, err
	}
	defer e.Locks.Release(requestLockKey(requestID))

	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if req.Direction != domain.DirectionIncoming {
		return domain.Request{}, newError(CodeValidation, "request %s is not incoming", requestID)
	}
	switch req.Status {
	case domain.RequestStatusOpen, domain.RequestStatusManualDecision:
	default:
		return domain.Request{}, wrongStatus(req.ID, req.Status, domain.RequestStatusOpen, domain.RequestStatusManualDecision)
	}
	if e.isExpired(req) {
		return domain.Request{}, newError(CodeExpired, "request %s expired at %s", req.ID, *req.ExpiresAt)
	}
	reqContent, err := parseRequestContent(req)
	if err != nil {
		return domain.Request{}, err
	}
	nodes, err := Evaluate(reqContent, decision)
	if err != nil {
		return domain.Request{}, err
	}
	if rejected := requiredTopLevelRejections(nodes); len(rejected) > 0 {
		return domain.Request{}, newError(CodeValidation, "cannot accept the request: %d mustBeAccepted item(s) were rejected", len(rejected))
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	resp, err := e.compose(ctx, tx, req, nodes)
	if err != nil {
		return domain.Request{}, err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return domain.Request{}, err
	}
	respJSON := string(raw)
	req.Status = domain.RequestStatusDecided
	req.ResponseJSON = &respJSON
	req.WasAutomated = decision.DecidedByAutomation
	req.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	if err := e.events().Append(ctx, tx, "request.accepted", "request", req.ID, actorID, events.EventPayload{
		"automated": decision.DecidedByAutomation,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// RejectIncomingRequest rejects every item of the request with the supplied
// code and message and moves it to decided.
func (e Engine) RejectIncomingRequest(ctx context.Context, requestID, code, message, actorID string) (domain.Request, error) {
	if e.Config == nil {
		return domain.Request{}, errors.New("config not loaded")
	}
	if err := e.Locks.Acquire(requestLockKey(requestID)); err != nil {
		return domain.Request{}, err
	}
	defer e.Locks.Release(requestLockKey(requestID))

	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if req.Direction != domain.DirectionIncoming {
		return domain.Request{}, newError(CodeValidation, "request %s is not incoming", requestID)
	}
	switch req.Status {
	case domain.RequestStatusOpen, domain.RequestStatusManualDecision:
	default:
		return domain.Request{}, wrongStatus(req.ID, req.Status, domain.RequestStatusOpen, domain.RequestStatusManualDecision)
	}
	if e.isExpired(req) {
		return domain.Request{}, newError(CodeExpired, "request %s expired at %s", req.ID, *req.ExpiresAt)
	}
	reqContent, err := parseRequestContent(req)
	if err != nil {
		return domain.Request{}, err
	}
	if code == "" {
		code = content.RejectCodeUnspecified
	}
	nodes, err := Evaluate(reqContent, allReject(reqContent, code, message))
	if err != nil {
		return domain.Request{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	resp, err := e.compose(ctx, tx, req, nodes)
	if err != nil {
		return domain.Request{}, err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return domain.Request{}, err
	}
	respJSON := string(raw)
	req.Status = domain.RequestStatusDecided
	req.ResponseJSON = &respJSON
	req.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	if err := e.events().Append(ctx, tx, "request.rejected", "request", req.ID, actorID, events.EventPayload{"code": code}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// CompleteIncomingRequest binds the transport object that delivers the
// response and moves the request to completed. Fails before the request is
// decided.
func (e Engine) CompleteIncomingRequest(ctx context.Context, requestID, responseSourceID, actorID string) (domain.Request, error) {
	return e.withRequest(ctx, requestID, actorID, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (string, events.EventPayload, error) {
		if req.Direction != domain.DirectionIncoming {
			return "", nil, newError(CodeValidation, "request %s is not incoming", req.ID)
		}
		if req.Status != domain.RequestStatusDecided {
			return "", nil, wrongStatus(req.ID, req.Status, domain.RequestStatusDecided)
		}
		req.Status = domain.RequestStatusCompleted
		req.ResponseSourceID = optionalString(responseSourceID)
		return "request.completed", events.EventPayload{"response_source_id": responseSourceID}, nil
	})
}

// CompleteOutgoingRequest records the peer's response to an outgoing request
// and moves it straight to completed: the peer decided, the local side only
// archives the outcome. Share records promised by accepted share items are
// written in the same transaction.
func (e Engine) CompleteOutgoingRequest(ctx context.Context, requestID string, resp content.Response, responseSourceID, actorID string) (domain.Request, error) {
	if e.Config == nil {
		return domain.Request{}, errors.New("config not loaded")
	}
	if err := e.Locks.Acquire(requestLockKey(requestID)); err != nil {
		return domain.Request{}, err
	}
	defer e.Locks.Release(requestLockKey(requestID))

	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if req.Direction != domain.DirectionOutgoing {
		return domain.Request{}, newError(CodeValidation, "request %s is not outgoing", requestID)
	}
	if req.Status != domain.RequestStatusOpen {
		return domain.Request{}, wrongStatus(req.ID, req.Status, domain.RequestStatusOpen)
	}
	reqContent, err := parseRequestContent(req)
	if err != nil {
		return domain.Request{}, err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return domain.Request{}, err
	}
	respJSON := string(raw)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	if err := e.recordOutgoingShares(ctx, tx, req, reqContent, resp); err != nil {
		return domain.Request{}, err
	}
	req.Status = domain.RequestStatusCompleted
	req.ResponseJSON = &respJSON
	req.ResponseSourceID = optionalString(responseSourceID)
	req.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	if err := e.events().Append(ctx, tx, "request.completed", "request", req.ID, actorID, events.EventPayload{
		"response_source_id": responseSourceID,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// recordOutgoingShares walks request and response trees in lockstep. An
// accepted share item yields a share record for its source attribute; an
// accepted create item materializes the local attribute it promised along
// with its share record. Accepted read and propose items carry the peer's
// disclosed attribute, which gets a local peer-owned copy.
func (e Engine) recordOutgoingShares(ctx context.Context, tx *sql.Tx, req domain.Request, reqContent content.Request, resp content.Response) error {
	reqItems := flattenItems(reqContent)
	respItems := flattenResponseItems(resp)
	if len(respItems) != len(reqItems) {
		return structuralMismatch("response has %d items for %d request items", len(respItems), len(reqItems))
	}
	for i, item := range reqItems {
		if respItems[i].Result() != content.ResultAccepted {
			continue
		}
		switch it := item.(type) {
		case content.ShareAttributeRequestItem:
			if it.SourceAttributeID == "" {
				continue
			}
			// Repeated completions of different requests for the same pair
			// must not pile up records.
			if _, err := e.Repo.GetActiveShareTx(ctx, tx, it.SourceAttributeID, req.Peer); err == nil {
				continue
			} else if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if err := e.createShareTx(ctx, tx, it.SourceAttributeID, req.Peer, domain.SourceMessage, req.ID); err != nil {
				return err
			}
		case content.CreateAttributeRequestItem:
			attr := it.Attribute
			if attr.Owner == "" {
				attr.Owner = e.address()
			}
			created, err := e.createAttributeTx(ctx, tx, attr)
			if err != nil {
				return err
			}
			if err := e.createShareTx(ctx, tx, created.ID, req.Peer, domain.SourceMessage, req.ID); err != nil {
				return err
			}
		case content.ReadAttributeRequestItem:
			acc, ok := respItems[i].(content.ReadAttributeAcceptResponseItem)
			if !ok {
				continue
			}
			if err := e.storePeerAttributeTx(ctx, tx, req, acc.Attribute); err != nil {
				return err
			}
		case content.ProposeAttributeRequestItem:
			acc, ok := respItems[i].(content.ProposeAttributeAcceptResponseItem)
			if !ok {
				continue
			}
			if err := e.storePeerAttributeTx(ctx, tx, req, acc.Attribute); err != nil {
				return err
			}
		}
	}
	return nil
}

// storePeerAttributeTx keeps a local copy of an attribute the peer disclosed
// while answering an outgoing request. The peer stays owner, and the share
// record ties the copy to the peer it came from.
func (e Engine) storePeerAttributeTx(ctx context.Context, tx *sql.Tx, req domain.Request, attr content.Attribute) error {
	if attr.Owner == "" {
		attr.Owner = req.Peer
	}
	created, err := e.createAttributeTx(ctx, tx, attr)
	if err != nil {
		return err
	}
	return e.createShareTx(ctx, tx, created.ID, req.Peer, domain.SourceMessage, req.ID)
}

// DiscardOutgoingRequest drops an outgoing request that was never sent to
// the peer. Only valid while open.
func (e Engine) DiscardOutgoingRequest(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	return e.withRequest(ctx, requestID, actorID, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (string, events.EventPayload, error) {
		if req.Direction != domain.DirectionOutgoing {
			return "", nil, newError(CodeValidation, "request %s is not outgoing", req.ID)
		}
		if req.Status != domain.RequestStatusOpen {
			return "", nil, wrongStatus(req.ID, req.Status, domain.RequestStatusOpen)
		}
		req.Status = domain.RequestStatusDiscarded
		return "request.discarded", events.EventPayload{}, nil
	})
}

// DeleteIncomingRequest removes an incoming request locally without
// notifying the peer. Valid from any state but completed.
func (e Engine) DeleteIncomingRequest(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	return e.withRequest(ctx, requestID, actorID, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (string, events.EventPayload, error) {
		if req.Direction != domain.DirectionIncoming {
			return "", nil, newError(CodeValidation, "request %s is not incoming", req.ID)
		}
		if req.Status == domain.RequestStatusCompleted {
			return "", nil, wrongStatus(req.ID, req.Status,
				domain.RequestStatusOpen, domain.RequestStatusManualDecision, domain.RequestStatusDecided)
		}
		req.Status = domain.RequestStatusDeleted
		return "request.deleted", events.EventPayload{}, nil
	})
}

// GetRequest loads a request with its derived status: a request past its
// expiry that never completed reads as expired without a stored transition.
func (e Engine) GetRequest(ctx context.Context, requestID string) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	return e.withDerivedStatus(req), nil
}

// ListRequests lists requests with derived statuses. The status filter
// matches the derived status, so "open" excludes rows past their expiry and
// "expired" finds them even though no expired row is ever stored.
func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilter) ([]domain.Request, error) {
	stored := f
	if f.Status == domain.RequestStatusExpired {
		stored.Status = ""
	}
	reqs, err := e.Repo.ListRequests(ctx, stored)
	if err != nil {
		return nil, err
	}
	out := reqs[:0]
	for _, req := range reqs {
		req = e.withDerivedStatus(req)
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (e Engine) withDerivedStatus(req domain.Request) domain.Request {
	if e.isExpired(req) {
		req.Status = domain.RequestStatusExpired
	}
	return req
}

// isExpired reports whether the request's expiry elapsed before it reached a
// terminal or decided state.
func (e Engine) isExpired(req domain.Request) bool {
	if req.ExpiresAt == nil {
		return false
	}
	switch req.Status {
	case domain.RequestStatusOpen, domain.RequestStatusManualDecision:
	default:
		return false
	}
	exp, err := time.Parse(time.RFC3339, *req.ExpiresAt)
	if err != nil {
		return false
	}
	return e.now().After(exp)
}

// withRequest wraps the common single-request transition: acquire the
// request lock, load, mutate, persist and log in one transaction. The
// mutator returns the event type to append, or "" for an idempotent no-op.
func (e Engine) withRequest(ctx context.Context, requestID, actorID string, mutate func(ctx context.Context, tx *sql.Tx, req *domain.Request) (string, events.EventPayload, error)) (domain.Request, error) {
	if e.Config == nil {
		return domain.Request{}, errors.New("config not loaded")
	}
	if err := e.Locks.Acquire(requestLockKey(requestID)); err != nil {
		return domain.Request{}, err
	}
	defer e.Locks.Release(requestLockKey(requestID))

	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	evtType, payload, err := mutate(ctx, tx, &req)
	if err != nil {
		return domain.Request{}, err
	}
	if evtType == "" {
		return req, nil
	}
	req.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	if err := e.events().Append(ctx, tx, evtType, "request", req.ID, actorID, payload); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

func parseRequestContent(req domain.Request) (content.Request, error) {
	var c content.Request
	if err := json.Unmarshal([]byte(req.ContentJSON), &c); err != nil {
		return content.Request{}, err
	}
	return c, nil
}

// flattenItems lists every leaf item in tree order, groups expanded.
func flattenItems(c content.Request) []content.RequestItem {
	var items []content.RequestItem
	for _, node := range c.Items {
		switch n := node.(type) {
		case content.RequestItemGroup:
			items = append(items, n.Items...)
		case content.RequestItem:
			items = append(items, n)
		}
	}
	return items
}

func flattenResponseItems(r content.Response) []content.ResponseItem {
	var items []content.ResponseItem
	for _, node := range r.Items {
		switch n := node.(type) {
		case content.ResponseItemGroup:
			items = append(items, n.Items...)
		case content.ResponseItem:
			items = append(items, n)
		}
	}
	return items
}
