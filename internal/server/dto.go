package server

import (
	"encoding/json"

	"peerlink/internal/content"
	"peerlink/internal/domain"
	"peerlink/internal/engine"
)

// Request payloads

type CreateOutgoingRequestBody struct {
	Peer    string          `json:"peer"`
	Content content.Request `json:"content"`
}

type ReceiveRequestBody struct {
	Peer       string          `json:"peer"`
	Content    content.Request `json:"content"`
	SourceType string          `json:"source_type" enum:"message,relationship"`
	SourceID   string          `json:"source_id"`
}

type SentRequestBody struct {
	SourceType string `json:"source_type" enum:"message,relationship"`
	SourceID   string `json:"source_id"`
}

type AcceptRequestBody struct {
	Decision content.Decision `json:"decision"`
}

type RejectRequestBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type CompleteIncomingBody struct {
	ResponseSourceID string `json:"response_source_id,omitempty"`
}

type CompleteOutgoingBody struct {
	Response         content.Response `json:"response"`
	ResponseSourceID string           `json:"response_source_id,omitempty"`
}

type CreateAttributeBody struct {
	Attribute content.Attribute `json:"attribute"`
}

type SucceedAttributeBody struct {
	Successor content.Attribute `json:"successor"`
}

type NotifySuccessionBody struct {
	Peer string `json:"peer"`
}

type ShareAttributeBody struct {
	Peer string `json:"peer"`
}

type CreateAndShareRelationshipBody struct {
	Peer      string            `json:"peer"`
	Attribute content.Attribute `json:"attribute"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type RequestResponse struct {
	ID               string          `json:"id"`
	Direction        string          `json:"direction" enum:"incoming,outgoing"`
	Peer             string          `json:"peer"`
	Status           string          `json:"status" enum:"open,manual_decision_required,decided,completed,discarded,deleted,expired"`
	Content          json.RawMessage `json:"content"`
	SourceType       *string         `json:"source_type,omitempty"`
	SourceID         *string         `json:"source_id,omitempty"`
	Response         json.RawMessage `json:"response,omitempty"`
	ResponseSourceID *string         `json:"response_source_id,omitempty"`
	WasAutomated     bool            `json:"was_automated,omitempty"`
	ExpiresAt        *string         `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	UpdatedAt        string          `json:"updated_at" format:"date-time"`
}

type AttributeResponse struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind" enum:"identity,relationship"`
	Owner          string          `json:"owner"`
	Content        json.RawMessage `json:"content"`
	PredecessorID  *string         `json:"predecessor_id,omitempty"`
	SuccessorID    *string         `json:"successor_id,omitempty"`
	DeletionStatus *string         `json:"deletion_status,omitempty"`
	DeletedAt      *string         `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	WasViewedAt    *string         `json:"was_viewed_at,omitempty" format:"date-time"`
}

type SuccessionResponse struct {
	Predecessor AttributeResponse `json:"predecessor"`
	Successor   AttributeResponse `json:"successor"`
}

type ShareResponse struct {
	ID             string  `json:"id"`
	AttributeID    string  `json:"attribute_id"`
	Peer           string  `json:"peer"`
	SourceType     string  `json:"source_type"`
	SourceID       string  `json:"source_id"`
	SharedAt       string  `json:"shared_at" format:"date-time"`
	DeletionStatus *string `json:"deletion_status,omitempty"`
	DeletedAt      *string `json:"deleted_at,omitempty" format:"date-time"`
}

type NotificationResponse struct {
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

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

func requestResponse(r domain.Request) RequestResponse {
	resp := RequestResponse{
		ID:               r.ID,
		Direction:        r.Direction,
		Peer:             r.Peer,
		Status:           r.Status,
		Content:          json.RawMessage(r.ContentJSON),
		SourceType:       r.SourceType,
		SourceID:         r.SourceID,
		ResponseSourceID: r.ResponseSourceID,
		WasAutomated:     r.WasAutomated,
		ExpiresAt:        r.ExpiresAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.ResponseJSON != nil {
		resp.Response = json.RawMessage(*r.ResponseJSON)
	}
	return resp
}

func attributeResponse(a domain.Attribute) AttributeResponse {
	return AttributeResponse{
		ID:             a.ID,
		Kind:           a.Kind,
		Owner:          a.Owner,
		Content:        json.RawMessage(a.ContentJSON),
		PredecessorID:  a.PredecessorID,
		SuccessorID:    a.SuccessorID,
		DeletionStatus: a.DeletionStatus,
		DeletedAt:      a.DeletedAt,
		CreatedAt:      a.CreatedAt,
		WasViewedAt:    a.WasViewedAt,
	}
}

func successionResponse(res engine.SuccessionResult) SuccessionResponse {
	return SuccessionResponse{
		Predecessor: attributeResponse(res.Predecessor),
		Successor:   attributeResponse(res.Successor),
	}
}

func shareResponse(s domain.SharedAttributeRecord) ShareResponse {
	return ShareResponse{
		ID:             s.ID,
		AttributeID:    s.AttributeID,
		Peer:           s.Peer,
		SourceType:     s.SourceType,
		SourceID:       s.SourceID,
		SharedAt:       s.SharedAt,
		DeletionStatus: s.DeletionStatus,
		DeletedAt:      s.DeletedAt,
	}
}

func notificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse{
		ID:          n.ID,
		Peer:        n.Peer,
		Kind:        n.Kind,
		AttributeID: n.AttributeID,
		SuccessorID: n.SuccessorID,
		Status:      n.Status,
		MessageID:   n.MessageID,
		CreatedAt:   n.CreatedAt,
		SentAt:      n.SentAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    json.RawMessage(evt.Payload),
	}
}

func mapRequests(items []domain.Request) []RequestResponse {
	res := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		res = append(res, requestResponse(r))
	}
	return res
}

func mapAttributes(items []domain.Attribute) []AttributeResponse {
	res := make([]AttributeResponse, 0, len(items))
	for _, a := range items {
		res = append(res, attributeResponse(a))
	}
	return res
}

func mapShares(items []domain.SharedAttributeRecord) []ShareResponse {
	res := make([]ShareResponse, 0, len(items))
	for _, s := range items {
		res = append(res, shareResponse(s))
	}
	return res
}

func mapNotifications(items []domain.Notification) []NotificationResponse {
	res := make([]NotificationResponse, 0, len(items))
	for _, n := range items {
		res = append(res, notificationResponse(n))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		res = append(res, eventResponse(evt))
	}
	return res
}
