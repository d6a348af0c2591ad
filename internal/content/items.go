package content

import (
	"encoding/json"
	"fmt"
)

// Request is the content of a negotiation request: an ordered tree of items
// and single-level groups sent to a peer for decision.
type Request struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	ExpiresAt   string         `json:"expiresAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Items       []RequestNode  `json:"-"`
}

// RequestNode is a node in a Request's content tree: either a RequestItem or
// a RequestItemGroup. Groups contain only items; items do not nest.
type RequestNode interface {
	requestNode()
}

// RequestItem is the closed union of decidable leaf items.
type RequestItem interface {
	RequestNode
	requestItem()
	Header() ItemHeader
	TypeName() string
}

// ItemHeader carries the fields common to every request item.
type ItemHeader struct {
	Title                 string         `json:"title,omitempty"`
	Description           string         `json:"description,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	MustBeAccepted        bool           `json:"mustBeAccepted"`
	RequireManualDecision bool           `json:"requireManualDecision,omitempty"`
}

func (h ItemHeader) Header() ItemHeader { return h }

// RequestItemGroup bundles items that are decided together: rejecting any
// mustBeAccepted member rejects the whole group.
type RequestItemGroup struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Items       []RequestItem  `json:"-"`
}

func (RequestItemGroup) requestNode() {}

// Request item type names, used as wire discriminators.
const (
	TypeCreateAttributeRequestItem       = "CreateAttributeRequestItem"
	TypeDeleteAttributeRequestItem       = "DeleteAttributeRequestItem"
	TypeShareAttributeRequestItem        = "ShareAttributeRequestItem"
	TypeProposeAttributeRequestItem      = "ProposeAttributeRequestItem"
	TypeReadAttributeRequestItem         = "ReadAttributeRequestItem"
	TypeConsentRequestItem               = "ConsentRequestItem"
	TypeAuthenticationRequestItem        = "AuthenticationRequestItem"
	TypeFormFieldRequestItem             = "FormFieldRequestItem"
	TypeTransferFileOwnershipRequestItem = "TransferFileOwnershipRequestItem"
	TypeShareCredentialOfferRequestItem  = "ShareCredentialOfferRequestItem"
	TypeRequestItemGroup                 = "RequestItemGroup"
)

// CreateAttributeRequestItem asks the peer to create (and thereby own a copy
// of) the given attribute.
type CreateAttributeRequestItem struct {
	ItemHeader
	Attribute Attribute `json:"attribute"`
}

func (CreateAttributeRequestItem) requestNode() {}
func (CreateAttributeRequestItem) requestItem() {}
func (CreateAttributeRequestItem) TypeName() string {
	return TypeCreateAttributeRequestItem
}

// DeleteAttributeRequestItem asks the peer to delete its copy of an
// attribute previously shared with it.
type DeleteAttributeRequestItem struct {
	ItemHeader
	AttributeID string `json:"attributeId"`
}

func (DeleteAttributeRequestItem) requestNode() {}
func (DeleteAttributeRequestItem) requestItem() {}
func (DeleteAttributeRequestItem) TypeName() string {
	return TypeDeleteAttributeRequestItem
}

// ShareAttributeRequestItem offers one of the sender's attributes to the peer.
type ShareAttributeRequestItem struct {
	ItemHeader
	Attribute         Attribute `json:"attribute"`
	SourceAttributeID string    `json:"sourceAttributeId"`
}

func (ShareAttributeRequestItem) requestNode() {}
func (ShareAttributeRequestItem) requestItem() {}
func (ShareAttributeRequestItem) TypeName() string {
	return TypeShareAttributeRequestItem
}

// AttributeQuery narrows which attribute a Propose/Read item asks for.
type AttributeQuery struct {
	ValueKind string   `json:"valueType"`
	Tags      []string `json:"tags,omitempty"`
	Owner     string   `json:"owner,omitempty"`
	// Relationship attribute queries only.
	Key string `json:"key,omitempty"`
}

// Matches reports whether the attribute satisfies the query.
func (q AttributeQuery) Matches(a Attribute) bool {
	if q.ValueKind != "" && (a.Value == nil || a.Value.Kind() != q.ValueKind) {
		return false
	}
	if q.Owner != "" && a.Owner != q.Owner {
		return false
	}
	if q.Key != "" && a.Key != q.Key {
		return false
	}
	for _, want := range q.Tags {
		found := false
		for _, have := range a.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ProposeAttributeRequestItem proposes an attribute value; the recipient may
// accept it verbatim or answer with an own attribute satisfying the query.
type ProposeAttributeRequestItem struct {
	ItemHeader
	Query     AttributeQuery `json:"query"`
	Attribute Attribute      `json:"attribute"`
}

func (ProposeAttributeRequestItem) requestNode() {}
func (ProposeAttributeRequestItem) requestItem() {}
func (ProposeAttributeRequestItem) TypeName() string {
	return TypeProposeAttributeRequestItem
}

// ReadAttributeRequestItem asks the peer to disclose an attribute matching
// the query.
type ReadAttributeRequestItem struct {
	ItemHeader
	Query AttributeQuery `json:"query"`
}

func (ReadAttributeRequestItem) requestNode() {}
func (ReadAttributeRequestItem) requestItem() {}
func (ReadAttributeRequestItem) TypeName() string {
	return TypeReadAttributeRequestItem
}

// ConsentRequestItem asks the peer to consent to a free-text statement.
type ConsentRequestItem struct {
	ItemHeader
	Consent string `json:"consent"`
	Link    string `json:"link,omitempty"`
}

func (ConsentRequestItem) requestNode() {}
func (ConsentRequestItem) requestItem() {}
func (ConsentRequestItem) TypeName() string {
	return TypeConsentRequestItem
}

// AuthenticationRequestItem asks the peer to authenticate an action.
type AuthenticationRequestItem struct {
	ItemHeader
}

func (AuthenticationRequestItem) requestNode() {}
func (AuthenticationRequestItem) requestItem() {}
func (AuthenticationRequestItem) TypeName() string {
	return TypeAuthenticationRequestItem
}

// FormFieldRequestItem asks the peer to fill in a form field.
type FormFieldRequestItem struct {
	ItemHeader
	Settings map[string]any `json:"settings,omitempty"`
}

func (FormFieldRequestItem) requestNode() {}
func (FormFieldRequestItem) requestItem() {}
func (FormFieldRequestItem) TypeName() string {
	return TypeFormFieldRequestItem
}

// TransferFileOwnershipRequestItem offers the peer ownership of a file.
type TransferFileOwnershipRequestItem struct {
	ItemHeader
	FileReference  string `json:"fileReference"`
	OwnershipToken string `json:"ownershipToken,omitempty"`
}

func (TransferFileOwnershipRequestItem) requestNode() {}
func (TransferFileOwnershipRequestItem) requestItem() {}
func (TransferFileOwnershipRequestItem) TypeName() string {
	return TypeTransferFileOwnershipRequestItem
}

// ShareCredentialOfferRequestItem offers a verifiable credential to the peer.
type ShareCredentialOfferRequestItem struct {
	ItemHeader
	CredentialOffer map[string]any `json:"credentialOffer"`
}

func (ShareCredentialOfferRequestItem) requestNode() {}
func (ShareCredentialOfferRequestItem) requestItem() {}
func (ShareCredentialOfferRequestItem) TypeName() string {
	return TypeShareCredentialOfferRequestItem
}

func marshalRequestItem(item RequestItem) ([]byte, error) {
	return encodeTagged(item.TypeName(), item)
}

func unmarshalRequestItem(data []byte) (RequestItem, error) {
	tag, err := peekType(data)
	if err != nil {
		return nil, err
	}
	var item RequestItem
	switch tag {
	case TypeCreateAttributeRequestItem:
		var v CreateAttributeRequestItem
		err, item = json.Unmarshal(data, &v), v
	case TypeDeleteAttributeRequestItem:
		var v DeleteAttributeRequestItem
		err, item = json.Unmarshal(data, &v), v
	case TypeShareAttributeRequestItem:
		var v ShareAttributeRequestItem
		err, item = json.Unmarshal(data, &v), v
	case TypeProposeAttributeRequestItem:
		var v ProposeAttributeRequestItem
		err, item = json.Unmarshal(data, &v), v
	case TypeReadAttributeRequestItem:
		var v ReadAttributeRequestItem
		err, item = json.Unmarshal(data, &v), v
	case TypeConsentRequestItem:
		var v ConsentRequestItem
		err, item = json.Unmarshal(data, &v), v
	case TypeAuthenticationRequestItem:
		var v AuthenticationRequestItem
		err, item = json.Unmarshal(data, &v), v
	case TypeFormFieldRequestItem:
		var v FormFieldRequestItem
		err, item = json.Unmarshal(data, &v), v
	case TypeTransferFileOwnershipRequestItem:
		var v TransferFileOwnershipRequestItem
		err, item = json.Unmarshal(data, &v), v
	case TypeShareCredentialOfferRequestItem:
		var v ShareCredentialOfferRequestItem
		err, item = json.Unmarshal(data, &v), v
	default:
		return nil, fmt.Errorf("unknown request item type %q", tag)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (g RequestItemGroup) MarshalJSON() ([]byte, error) {
	items := make([]json.RawMessage, 0, len(g.Items))
	for _, item := range g.Items {
		b, err := marshalRequestItem(item)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	type alias RequestItemGroup
	b, err := encodeTagged(TypeRequestItemGroup, alias(g))
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

func (g *RequestItemGroup) UnmarshalJSON(data []byte) error {
	type alias RequestItemGroup
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
	for _, ib := range raw.Items {
		item, err := unmarshalRequestItem(ib)
		if err != nil {
			return err
		}
		tmp.Items = append(tmp.Items, item)
	}
	*g = RequestItemGroup(tmp)
	return nil
}

func (r Request) MarshalJSON() ([]byte, error) {
	items := make([]json.RawMessage, 0, len(r.Items))
	for _, node := range r.Items {
		var (
			b   []byte
			err error
		)
		switch n := node.(type) {
		case RequestItemGroup:
			b, err = n.MarshalJSON()
		case RequestItem:
			b, err = marshalRequestItem(n)
		default:
			err = fmt.Errorf("unsupported request node type %T", node)
		}
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	type alias Request
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

func (r *Request) UnmarshalJSON(data []byte) error {
	type alias Request
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
		if tag == TypeRequestItemGroup {
			var g RequestItemGroup
			if err := g.UnmarshalJSON(nb); err != nil {
				return err
			}
			tmp.Items = append(tmp.Items, g)
			continue
		}
		item, err := unmarshalRequestItem(nb)
		if err != nil {
			return err
		}
		tmp.Items = append(tmp.Items, item)
	}
	*r = Request(tmp)
	return nil
}

// Validate checks the structural rules of the content tree: at least one
// item, groups non-empty, no nested groups (enforced by the type system but
// re-checked for decoded payloads).
func (r Request) Validate() error {
	if len(r.Items) == 0 {
		return fmt.Errorf("request must contain at least one item")
	}
	for i, node := range r.Items {
		g, ok := node.(RequestItemGroup)
		if !ok {
			continue
		}
		if len(g.Items) == 0 {
			return fmt.Errorf("item group at position %d is empty", i)
		}
	}
	return nil
}
