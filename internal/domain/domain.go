package domain

// Request direction.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Request lifecycle statuses. Expired is derived from content.expiresAt at
// query time and never stored.
const (
	RequestStatusOpen           = "open"
	RequestStatusManualDecision = "manual_decision_required"
	RequestStatusDecided        = "decided"
	RequestStatusCompleted      = "completed"
	RequestStatusDiscarded      = "discarded"
	RequestStatusDeleted        = "deleted"
	RequestStatusExpired        = "expired"
)

// Source object kinds that can carry a request or its response.
const (
	SourceMessage      = "message"
	SourceRelationship = "relationship"
)

type Request struct {
	ID               string  `json:"id"`
	Direction        string  `json:"direction" enum:"incoming,outgoing"`
	Peer             string  `json:"peer"`
	Status           string  `json:"status" enum:"open,manual_decision_required,decided,completed,discarded,deleted,expired"`
	ContentJSON      string  `json:"content_json"`
	SourceType       *string `json:"source_type,omitempty" enum:"message,relationship"`
	SourceID         *string `json:"source_id,omitempty"`
	ResponseJSON     *string `json:"response_json,omitempty"`
	ResponseSourceID *string `json:"response_source_id,omitempty"`
	WasAutomated     bool    `json:"was_automated,omitempty"`
	ExpiresAt        *string `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Attribute kinds.
const (
	AttributeKindIdentity     = "identity"
	AttributeKindRelationship = "relationship"
)

// Attribute and share deletion statuses.
const (
	DeletionRequested = "deletion_requested"
	DeletedByOwner    = "deleted_by_owner"
	DeletedByPeer     = "deleted_by_peer"
)

type Attribute struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind" enum:"identity,relationship"`
	Owner          string  `json:"owner"`
	ContentJSON    string  `json:"content_json"`
	PredecessorID  *string `json:"predecessor_id,omitempty"`
	SuccessorID    *string `json:"successor_id,omitempty"`
	DeletionStatus *string `json:"deletion_status,omitempty" enum:"deletion_requested,deleted_by_owner,deleted_by_peer"`
	DeletedAt      *string `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	WasViewedAt    *string `json:"was_viewed_at,omitempty" format:"date-time"`
}

// IsCurrent reports whether the attribute is the tip of its succession chain.
func (a Attribute) IsCurrent() bool { return a.SuccessorID == nil }

// SharedAttributeRecord links an owned attribute to a peer it was disclosed
// to. Deletion is always soft: status and date are set, the row stays.
type SharedAttributeRecord struct {
	ID             string  `json:"id"`
	AttributeID    string  `json:"attribute_id"`
	Peer           string  `json:"peer"`
	SourceType     string  `json:"source_type" enum:"message,relationship"`
	SourceID       string  `json:"source_id"`
	SharedAt       string  `json:"shared_at" format:"date-time"`
	DeletionStatus *string `json:"deletion_status,omitempty" enum:"deletion_requested,deleted_by_owner,deleted_by_peer"`
	DeletedAt      *string `json:"deleted_at,omitempty" format:"date-time"`
}

// Active reports whether the record still counts as a live share.
func (s SharedAttributeRecord) Active() bool { return s.DeletionStatus == nil }

// Notification kinds and statuses. Notifications are intents queued for the
// transport collaborator; the engine's responsibility ends at producing them.
const (
	NotificationSuccession = "attribute_succession"
	NotificationDeletion   = "attribute_deletion"

	NotificationPending = "pending"
	NotificationSent    = "sent"
)

type Notification struct {
	ID          string  `json:"id"`
	Peer        string  `json:"peer"`
	Kind        string  `json:"kind" enum:"attribute_succession,attribute_deletion"`
	AttributeID string  `json:"attribute_id"`
	SuccessorID *string `json:"successor_id,omitempty"`
	Status      string  `json:"status" enum:"pending,sent"`
	MessageID   *string `json:"message_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	SentAt      *string `json:"sent_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
