package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"peerlink/internal/content"
	"peerlink/internal/domain"
	"peerlink/internal/id"
	"peerlink/internal/repo"
)

const errorCodeProcessingFailed = "error.peerlink.requests.decide.processingFailed"

// compose converts the decided tree into the Response item tree, creating
// attributes and share records as the accepted items demand. It runs inside
// the transaction that also persists the Response on the request, so those
// writes commit or roll back together.
//
// A processing failure on an accepted item aborts the whole composition when
// the item is mustBeAccepted; otherwise it degrades to an ErrorResponseItem
// and composition continues.
func (e Engine) compose(ctx context.Context, tx *sql.Tx, req domain.Request, nodes []DecidedNode) (content.Response, error) {
	resp := content.Response{RequestID: req.ID}
	for _, node := range nodes {
		if node.Group != nil {
			group := content.ResponseItemGroup{}
			for _, item := range node.Group.Items {
				ri, err := e.composeItem(ctx, tx, req, item)
				if err != nil {
					return content.Response{}, err
				}
				group.Items = append(group.Items, ri)
			}
			resp.Items = append(resp.Items, group)
			continue
		}
		ri, err := e.composeItem(ctx, tx, req, *node.Item)
		if err != nil {
			return content.Response{}, err
		}
		resp.Items = append(resp.Items, ri)
	}
	return resp, nil
}

func (e Engine) composeItem(ctx context.Context, tx *sql.Tx, req domain.Request, item DecidedItem) (content.ResponseItem, error) {
	if !item.Accepted {
		code := item.Decision.Code
		if code == "" {
			code = content.RejectCodeUnspecified
		}
		return content.RejectResponseItem{Code: code, Message: item.Decision.Message}, nil
	}
	ri, err := e.acceptItem(ctx, tx, req, item)
	if err == nil {
		return ri, nil
	}
	var fatal *Error
	if errors.As(err, &fatal) && fatal.Code == CodeConcurrentModification {
		return nil, err
	}
	if item.Item.Header().MustBeAccepted {
		return nil, err
	}
	return content.ErrorResponseItem{Code: errorCodeProcessingFailed, Message: err.Error()}, nil
}

// acceptItem dispatches on the original request item's kind, not on the
// decision, so each kind yields its own accept-response variant. The type
// switch is exhaustive over the closed item union; an unknown kind is a bug
// upstream and fails the composition.
func (e Engine) acceptItem(ctx context.Context, tx *sql.Tx, req domain.Request, item DecidedItem) (content.ResponseItem, error) {
	switch it := item.Item.(type) {
	case content.CreateAttributeRequestItem:
		return e.acceptCreateAttribute(ctx, tx, req, it)
	case content.DeleteAttributeRequestItem:
		return e.acceptDeleteAttribute(ctx, tx, it)
	case content.ShareAttributeRequestItem:
		return e.acceptShareAttribute(ctx, tx, req, it)
	case content.ProposeAttributeRequestItem:
		return e.acceptProposeAttribute(ctx, tx, req, it, item.Decision)
	case content.ReadAttributeRequestItem:
		return e.acceptReadAttribute(ctx, tx, req, it, item.Decision)
	case content.ConsentRequestItem:
		return content.AcceptResponseItem{}, nil
	case content.AuthenticationRequestItem:
		return content.AcceptResponseItem{}, nil
	case content.FormFieldRequestItem:
		if item.Decision.FormFieldResponse == nil {
			return nil, newError(CodeValidation, "form field item requires a response value")
		}
		return content.FormFieldAcceptResponseItem{Response: item.Decision.FormFieldResponse}, nil
	case content.TransferFileOwnershipRequestItem:
		return e.acceptTransferFileOwnership(ctx, tx, it)
	case content.ShareCredentialOfferRequestItem:
		return content.ShareCredentialOfferAcceptResponseItem{CredentialOffer: it.CredentialOffer}, nil
	default:
		return nil, fmt.Errorf("no accept handler for request item kind %s", item.Item.TypeName())
	}
}

func (e Engine) acceptCreateAttribute(ctx context.Context, tx *sql.Tx, req domain.Request, it content.CreateAttributeRequestItem) (content.ResponseItem, error) {
	attr := it.Attribute
	if attr.Owner == "" {
		attr.Owner = e.address()
	}
	created, err := e.createAttributeTx(ctx, tx, attr)
	if err != nil {
		return nil, err
	}
	// The sender knows the attribute it asked for, so the new attribute
	// counts as shared with the peer from the start.
	if err := e.createShareTx(ctx, tx, created.ID, req.Peer, domain.SourceMessage, req.ID); err != nil {
		return nil, err
	}
	return content.CreateAttributeAcceptResponseItem{AttributeID: created.ID}, nil
}

func (e Engine) acceptDeleteAttribute(ctx context.Context, tx *sql.Tx, it content.DeleteAttributeRequestItem) (content.ResponseItem, error) {
	attr, err := e.Repo.GetAttributeTx(ctx, tx, it.AttributeID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newError(CodeValidation, "attribute %s not found", it.AttributeID)
		}
		return nil, err
	}
	status := domain.DeletedByOwner
	now := e.nowString()
	attr.DeletionStatus = &status
	attr.DeletedAt = &now
	if err := e.Repo.UpdateAttributeTx(ctx, tx, attr); err != nil {
		return nil, err
	}
	return content.AcceptResponseItem{}, nil
}

func (e Engine) acceptShareAttribute(ctx context.Context, tx *sql.Tx, req domain.Request, it content.ShareAttributeRequestItem) (content.ResponseItem, error) {
	// The peer disclosed one of its attributes; store a local copy that
	// keeps the peer as owner.
	attr := it.Attribute
	if attr.Owner == "" {
		attr.Owner = req.Peer
	}
	created, err := e.createAttributeTx(ctx, tx, attr)
	if err != nil {
		return nil, err
	}
	return content.ShareAttributeAcceptResponseItem{AttributeID: created.ID}, nil
}

func (e Engine) acceptProposeAttribute(ctx context.Context, tx *sql.Tx, req domain.Request, it content.ProposeAttributeRequestItem, dec content.DecisionItem) (content.ResponseItem, error) {
	var (
		attrID  string
		payload content.Attribute
	)
	switch {
	case dec.ExistingAttributeID != "":
		existing, payloadAttr, err := e.resolveOwnAttribute(ctx, tx, dec.ExistingAttributeID, it.Query)
		if err != nil {
			return nil, err
		}
		attrID, payload = existing.ID, payloadAttr
	case dec.NewAttribute != nil:
		attr := *dec.NewAttribute
		if attr.Owner == "" {
			attr.Owner = e.address()
		}
		if !it.Query.Matches(attr) {
			return nil, newError(CodeValidation, "substituted attribute does not satisfy the query")
		}
		created, err := e.createAttributeTx(ctx, tx, attr)
		if err != nil {
			return nil, err
		}
		attrID, payload = created.ID, attr
	default:
		// Accepted verbatim: the proposed value becomes an own attribute.
		attr := it.Attribute
		attr.Owner = e.address()
		if !it.Query.Matches(attr) {
			return nil, newError(CodeValidation, "proposed attribute does not satisfy its own query")
		}
		created, err := e.createAttributeTx(ctx, tx, attr)
		if err != nil {
			return nil, err
		}
		attrID, payload = created.ID, attr
	}
	if err := e.createShareTx(ctx, tx, attrID, req.Peer, domain.SourceMessage, req.ID); err != nil {
		return nil, err
	}
	return content.ProposeAttributeAcceptResponseItem{AttributeID: attrID, Attribute: payload}, nil
}

func (e Engine) acceptReadAttribute(ctx context.Context, tx *sql.Tx, req domain.Request, it content.ReadAttributeRequestItem, dec content.DecisionItem) (content.ResponseItem, error) {
	var (
		attrID  string
		payload content.Attribute
	)
	switch {
	case dec.ExistingAttributeID != "":
		existing, payloadAttr, err := e.resolveOwnAttribute(ctx, tx, dec.ExistingAttributeID, it.Query)
		if err != nil {
			return nil, err
		}
		attrID, payload = existing.ID, payloadAttr
	case dec.NewAttribute != nil:
		attr := *dec.NewAttribute
		if attr.Owner == "" {
			attr.Owner = e.address()
		}
		if !it.Query.Matches(attr) {
			return nil, newError(CodeValidation, "supplied attribute does not satisfy the query")
		}
		created, err := e.createAttributeTx(ctx, tx, attr)
		if err != nil {
			return nil, err
		}
		attrID, payload = created.ID, attr
	default:
		found, payloadAttr, err := e.findOwnAttributeMatching(ctx, it.Query)
		if err != nil {
			return nil, err
		}
		attrID, payload = found.ID, payloadAttr
	}
	// Same (attribute, peer) pair must not accumulate duplicate share
	// records: answering the same query twice reuses the existing share.
	if _, err := e.Repo.GetActiveShareTx(ctx, tx, attrID, req.Peer); err == nil {
		return content.AttributeAlreadySharedAcceptResponseItem{AttributeID: attrID}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if err := e.createShareTx(ctx, tx, attrID, req.Peer, domain.SourceMessage, req.ID); err != nil {
		return nil, err
	}
	return content.ReadAttributeAcceptResponseItem{AttributeID: attrID, Attribute: payload}, nil
}

func (e Engine) acceptTransferFileOwnership(ctx context.Context, tx *sql.Tx, it content.TransferFileOwnershipRequestItem) (content.ResponseItem, error) {
	if it.FileReference == "" {
		return nil, newError(CodeValidation, "file ownership item carries no file reference")
	}
	attr := content.Attribute{
		Owner: e.address(),
		Value: content.IdentityValue{ValueKind: content.KindIdentityFileReference, Value: it.FileReference},
	}
	created, err := e.createAttributeTx(ctx, tx, attr)
	if err != nil {
		return nil, err
	}
	return content.TransferFileOwnershipAcceptResponseItem{AttributeID: created.ID}, nil
}

// resolveOwnAttribute loads an attribute the decider claims to own and
// checks it against the query.
func (e Engine) resolveOwnAttribute(ctx context.Context, tx *sql.Tx, attributeID string, q content.AttributeQuery) (domain.Attribute, content.Attribute, error) {
	existing, err := e.Repo.GetAttributeTx(ctx, tx, attributeID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Attribute{}, content.Attribute{}, newError(CodeValidation, "attribute %s not found", attributeID)
		}
		return domain.Attribute{}, content.Attribute{}, err
	}
	if existing.Owner != e.address() {
		return domain.Attribute{}, content.Attribute{}, newError(CodeValidation, "attribute %s is not owned by this identity", attributeID)
	}
	var payload content.Attribute
	if err := json.Unmarshal([]byte(existing.ContentJSON), &payload); err != nil {
		return domain.Attribute{}, content.Attribute{}, err
	}
	if !q.Matches(payload) {
		return domain.Attribute{}, content.Attribute{}, newError(CodeValidation, "attribute %s does not satisfy the query", attributeID)
	}
	return existing, payload, nil
}

// findOwnAttributeMatching picks the newest current own attribute that
// satisfies the query.
func (e Engine) findOwnAttributeMatching(ctx context.Context, q content.AttributeQuery) (domain.Attribute, content.Attribute, error) {
	candidates, err := e.Repo.ListAttributes(ctx, repo.AttributeFilter{Owner: e.address(), OnlyCurrent: true})
	if err != nil {
		return domain.Attribute{}, content.Attribute{}, err
	}
	for _, cand := range candidates {
		if cand.DeletionStatus != nil {
			continue
		}
		var payload content.Attribute
		if err := json.Unmarshal([]byte(cand.ContentJSON), &payload); err != nil {
			return domain.Attribute{}, content.Attribute{}, err
		}
		if q.Matches(payload) {
			return cand, payload, nil
		}
	}
	return domain.Attribute{}, content.Attribute{}, newError(CodeValidation, "no own attribute satisfies the query for %s", q.ValueKind)
}

func (e Engine) createAttributeTx(ctx context.Context, tx *sql.Tx, attr content.Attribute) (domain.Attribute, error) {
	if err := attr.Validate(); err != nil {
		return domain.Attribute{}, newError(CodeValidation, "%s", err.Error())
	}
	kind := domain.AttributeKindIdentity
	if attr.IsRelationship() {
		kind = domain.AttributeKindRelationship
	}
	raw, err := json.Marshal(attr)
	if err != nil {
		return domain.Attribute{}, err
	}
	a := domain.Attribute{
		ID:          id.New(id.Attribute),
		Kind:        kind,
		Owner:       attr.Owner,
		ContentJSON: string(raw),
		CreatedAt:   e.nowString(),
	}
	if err := e.Repo.InsertAttributeTx(ctx, tx, a); err != nil {
		return domain.Attribute{}, err
	}
	return a, nil
}

func (e Engine) createShareTx(ctx context.Context, tx *sql.Tx, attributeID, peer, sourceType, sourceID string) error {
	return e.Repo.InsertShareTx(ctx, tx, domain.SharedAttributeRecord{
		ID:          id.New(id.Share),
		AttributeID: attributeID,
		Peer:        peer,
		SourceType:  sourceType,
		SourceID:    sourceID,
		SharedAt:    e.nowString(),
	})
}
