package content

import (
	"encoding/json"
	"fmt"
)

// ResponseResult states a response item's outcome. It must agree with the
// item's variant: accept variants carry Accepted, RejectResponseItem carries
// Rejected and ErrorResponseItem carries Error.
type ResponseResult string

const (
	ResultAccepted ResponseResult = "Accepted"
	ResultRejected ResponseResult = "Rejected"
	ResultError    ResponseResult = "Error"
)

// Response mirrors a decided Request's item tree, one response node per
// request node in the same order.
type Response struct {
	RequestID string         `json:"requestId"`
	Items     []ResponseNode `json:"-"`
}

// ResponseNode is either a ResponseItem or a ResponseItemGroup.
type ResponseNode interface {
	responseNode()
}

// ResponseItem is the closed union of per-item outcomes.
type ResponseItem interface {
	ResponseNode
	responseItem()
	Result() ResponseResult
	TypeName() string
}

// ResponseItemGroup mirrors a RequestItemGroup.
type ResponseItemGroup struct {
	Items []ResponseItem `json:"-"`
}

func (ResponseItemGroup) responseNode() {}

// Response item type names.
const (
	TypeAcceptResponseItem                       = "AcceptResponseItem"
	TypeCreateAttributeAcceptResponseItem        = "CreateAttributeAcceptResponseItem"
	TypeShareAttributeAcceptResponseItem         = "ShareAttributeAcceptResponseItem"
	TypeProposeAttributeAcceptResponseItem       = "ProposeAttributeAcceptResponseItem"
	TypeReadAttributeAcceptResponseItem          = "ReadAttributeAcceptResponseItem"
	TypeAttributeAlreadySharedAcceptResponseItem = "AttributeAlreadySharedAcceptResponseItem"
	TypeAttributeSuccessionAcceptResponseItem    = "AttributeSuccessionAcceptResponseItem"
	TypeFormFieldAcceptResponseItem              = "FormFieldAcceptResponseItem"
	TypeTransferFileOwnershipAcceptResponseItem  = "TransferFileOwnershipAcceptResponseItem"
	TypeShareCredentialOfferAcceptResponseItem   = "ShareCredentialOfferAcceptResponseItem"
	TypeRejectResponseItem                       = "RejectResponseItem"
	TypeErrorResponseItem                        = "ErrorResponseItem"
	TypeResponseItemGroup                        = "ResponseItemGroup"
)

type acceptMarker struct{}

func (acceptMarker) responseNode()          {}
func (acceptMarker) responseItem()          {}
func (acceptMarker) Result() ResponseResult { return ResultAccepted }

// AcceptResponseItem is the generic acceptance used for item kinds without a
// typed payload (Consent, Authentication, Delete, ShareCredentialOffer when
// no offer payload is echoed).
type AcceptResponseItem struct {
	acceptMarker
}

func (AcceptResponseItem) TypeName() string { return TypeAcceptResponseItem }

// CreateAttributeAcceptResponseItem carries the id of the attribute created
// on acceptance.
type CreateAttributeAcceptResponseItem struct {
	acceptMarker
	AttributeID string `json:"attributeId"`
}

func (CreateAttributeAcceptResponseItem) TypeName() string {
	return TypeCreateAttributeAcceptResponseItem
}

// ShareAttributeAcceptResponseItem carries the id of the received copy.
type ShareAttributeAcceptResponseItem struct {
	acceptMarker
	AttributeID string `json:"attributeId"`
}

func (ShareAttributeAcceptResponseItem) TypeName() string {
	return TypeShareAttributeAcceptResponseItem
}

// ProposeAttributeAcceptResponseItem carries the accepted (possibly
// substituted) attribute and its id.
type ProposeAttributeAcceptResponseItem struct {
	acceptMarker
	AttributeID string    `json:"attributeId"`
	Attribute   Attribute `json:"attribute"`
}

func (ProposeAttributeAcceptResponseItem) TypeName() string {
	return TypeProposeAttributeAcceptResponseItem
}

// ReadAttributeAcceptResponseItem carries the disclosed attribute.
type ReadAttributeAcceptResponseItem struct {
	acceptMarker
	AttributeID string    `json:"attributeId"`
	Attribute   Attribute `json:"attribute"`
}

func (ReadAttributeAcceptResponseItem) TypeName() string {
	return TypeReadAttributeAcceptResponseItem
}

// AttributeAlreadySharedAcceptResponseItem signals that the queried attribute
// was already shared with the peer; no new copy or share record is created.
type AttributeAlreadySharedAcceptResponseItem struct {
	acceptMarker
	AttributeID string `json:"attributeId"`
}

func (AttributeAlreadySharedAcceptResponseItem) TypeName() string {
	return TypeAttributeAlreadySharedAcceptResponseItem
}

// AttributeSuccessionAcceptResponseItem carries the successor created when a
// peer accepts a succeeded attribute version.
type AttributeSuccessionAcceptResponseItem struct {
	acceptMarker
	PredecessorID string    `json:"predecessorId"`
	SuccessorID   string    `json:"successorId"`
	Successor     Attribute `json:"successor"`
}

func (AttributeSuccessionAcceptResponseItem) TypeName() string {
	return TypeAttributeSuccessionAcceptResponseItem
}

// FormFieldAcceptResponseItem echoes the caller's form field response.
type FormFieldAcceptResponseItem struct {
	acceptMarker
	Response any `json:"response"`
}

func (FormFieldAcceptResponseItem) TypeName() string {
	return TypeFormFieldAcceptResponseItem
}

// TransferFileOwnershipAcceptResponseItem carries the repossessed file
// attribute id.
type TransferFileOwnershipAcceptResponseItem struct {
	acceptMarker
	AttributeID string `json:"attributeId"`
}

func (TransferFileOwnershipAcceptResponseItem) TypeName() string {
	return TypeTransferFileOwnershipAcceptResponseItem
}

// ShareCredentialOfferAcceptResponseItem echoes the processed offer.
type ShareCredentialOfferAcceptResponseItem struct {
	acceptMarker
	CredentialOffer map[string]any `json:"credentialOffer,omitempty"`
}

func (ShareCredentialOfferAcceptResponseItem) TypeName() string {
	return TypeShareCredentialOfferAcceptResponseItem
}

// RejectCodeUnspecified is used when a caller rejects without giving a code.
const RejectCodeUnspecified = "error.peerlink.requests.decide.unspecifiedReason"

// RejectResponseItem records a per-item rejection.
type RejectResponseItem struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (RejectResponseItem) responseNode()          {}
func (RejectResponseItem) responseItem()          {}
func (RejectResponseItem) Result() ResponseResult { return ResultRejected }
func (RejectResponseItem) TypeName() string       { return TypeRejectResponseItem }

// ErrorResponseItem records a per-item processing failure.
type ErrorResponseItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorResponseItem) responseNode()          {}
func (ErrorResponseItem) responseItem()          {}
func (ErrorResponseItem) Result() ResponseResult { return ResultError }
func (ErrorResponseItem) TypeName() string       { return TypeErrorResponseItem }

func marshalResponseItem(item ResponseItem) ([]byte, error) {
	b, err := encodeTagged(item.TypeName(), item)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	rb, err := json.Marshal(item.Result())
	if err != nil {
		return nil, err
	}
	m["result"] = rb
	return json.Marshal(m)
}

func unmarshalResponseItem(data []byte) (ResponseItem, error) {
	tag, err := peekType(data)
	if err != nil {
		return nil, err
	}
	var item ResponseItem
	switch tag {
	case TypeAcceptResponseItem:
		var v AcceptResponseItem
		err, item = json.Unmarshal(data, &v), v
	case TypeCreateAttributeAcceptResponseItem:
		var v CreateAttributeAcceptResponseItem
		err, item = json.Unmarshal(data, &v), v
	case TypeShareAttributeAcceptResponseItem:
		var v ShareAttributeAcceptResponseItem
		err, item = json.Unmarshal(data, &v), v
	case TypeProposeAttributeAcceptResponseItem:
		var v ProposeAttributeAcceptResponseItem
		err, item = json.Unmarshal(data, &v), v
	case TypeReadAttributeAcceptResponseItem:
		var v ReadAttributeAcceptResponseItem
		err, item = json.Unmarshal(data, &v), v
	case TypeAttributeAlreadySharedAcceptResponseItem:
		var v AttributeAlreadySharedAcceptResponseItem
		err, item = json.Unmarshal(data, &v), v
	case TypeAttributeSuccessionAcceptResponseItem:
		var v AttributeSuccessionAcceptResponseItem
		err, item = json.Unmarshal(data, &v), v
	case TypeFormFieldAcceptResponseItem:
		var v FormFieldAcceptResponseItem
		err, item = json.Unmarshal(data, &v), v
	case TypeTransferFileOwnershipAcceptResponseItem:
		var v TransferFileOwnershipAcceptResponseItem
		err, item = json.Unmarshal(data, &v), v
	case TypeShareCredentialOfferAcceptResponseItem:
		var v ShareCredentialOfferAcceptResponseItem
		err, item = json.Unmarshal(data, &v), v
	case TypeRejectResponseItem:
		var v RejectResponseItem
		err, item = json.Unmarshal(data, &v), v
	case TypeErrorResponseItem:
		var v ErrorResponseItem
		err, item = json.Unmarshal(data, &v), v
	default:
		return nil, fmt.Errorf("unknown response item type %q", tag)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (g ResponseItemGroup) MarshalJSON() ([]byte, error) {
	items := make([]json.RawMessage, 0, len(g.Items))
	for _, item := range g.Items {
		b, err := marshalResponseItem(item)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	ib, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	m := map[string]json.RawMessage{"items": ib}
	tb, err := json.Marshal(TypeResponseItemGroup)
	if err != nil {
		return nil, err
	}
	m["@type"] = tb
	return json.Marshal(m)
}

func (g *ResponseItemGroup) UnmarshalJSON(data []byte) error {
	var raw struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.Items = g.Items[:0]
	for _, ib := range raw.Items {
		item, err := unmarshalResponseItem(ib)
		if err != nil {
			return err
		}
		g.Items = append(g.Items, item)
	}
	return nil
}

func (r Response) MarshalJSON() ([]byte, error) {
	items := make([]json.RawMessage, 0, len(r.Items))
	for _, node := range r.Items {
		var (
			b   []byte
			err error
		)
		switch n := node.(type) {
		case ResponseItemGroup:
			b, err = n.MarshalJSON()
		case ResponseItem:
			b, err = marshalResponseItem(n)
		default:
			err = fmt.Errorf("unsupported response node type %T", node)
		}
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	type alias Response
	b, err := json.Marshal(alias(r))
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	ib, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	m["items"] = ib
	return json.Marshal(m)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	type alias Response
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	var raw struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, nb := range raw.Items {
		tag, err := peekType(nb)
		if err != nil {
			return err
		}
		if tag == TypeResponseItemGroup {
			var g ResponseItemGroup
			if err := g.UnmarshalJSON(nb); err != nil {
				return err
			}
			tmp.Items = append(tmp.Items, g)
			continue
		}
		item, err := unmarshalResponseItem(nb)
		if err != nil {
			return err
		}
		tmp.Items = append(tmp.Items, item)
	}
	*r = Response(tmp)
	return nil
}
