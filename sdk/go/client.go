package peerlinksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Peerlink HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request represents the API request model. Content and Response carry the
// raw item trees; decode them with your own content types.
type Request struct {
	ID               string          `json:"id"`
	Direction        string          `json:"direction"`
	Peer             string          `json:"peer"`
	Status           string          `json:"status"`
	Content          json.RawMessage `json:"content"`
	SourceType       *string         `json:"source_type,omitempty"`
	SourceID         *string         `json:"source_id,omitempty"`
	Response         json.RawMessage `json:"response,omitempty"`
	ResponseSourceID *string         `json:"response_source_id,omitempty"`
	WasAutomated     bool            `json:"was_automated,omitempty"`
	ExpiresAt        *string         `json:"expires_at,omitempty"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
}

// Attribute represents the API attribute model.
type Attribute struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Owner          string          `json:"owner"`
	Content        json.RawMessage `json:"content"`
	PredecessorID  *string         `json:"predecessor_id,omitempty"`
	SuccessorID    *string         `json:"successor_id,omitempty"`
	DeletionStatus *string         `json:"deletion_status,omitempty"`
	DeletedAt      *string         `json:"deleted_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	WasViewedAt    *string         `json:"was_viewed_at,omitempty"`
}

// Succession pairs the old and the new version after a succeed call.
type Succession struct {
	Predecessor Attribute `json:"predecessor"`
	Successor   Attribute `json:"successor"`
}

// Share is a shared-attribute registry record.
type Share struct {
	ID             string  `json:"id"`
	AttributeID    string  `json:"attribute_id"`
	Peer           string  `json:"peer"`
	SourceType     string  `json:"source_type"`
	SourceID       string  `json:"source_id"`
	SharedAt       string  `json:"shared_at"`
	DeletionStatus *string `json:"deletion_status,omitempty"`
	DeletedAt      *string `json:"deleted_at,omitempty"`
}

// Notification is a queued succession or deletion notice.
type Notification struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Peer        string  `json:"peer"`
	AttributeID string  `json:"attribute_id"`
	SuccessorID *string `json:"successor_id,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	SentAt      *string `json:"sent_at,omitempty"`
}

// PrerequisiteCheck reports whether an incoming request can auto-decide.
type PrerequisiteCheck struct {
	CanAutoDecide bool     `json:"can_auto_decide"`
	Reasons       []string `json:"reasons,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateOutgoingRequest creates a request addressed to a peer. content is the
// item tree, marshalled as-is.
func (c *Client) CreateOutgoingRequest(ctx context.Context, peer string, content any) (Request, error) {
	body := map[string]any{"peer": peer, "content": content}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/outgoing", body, &resp)
	return resp, err
}

// ReceivedRequest records a request that arrived from a peer.
func (c *Client) ReceivedRequest(ctx context.Context, peer string, content any, sourceType, sourceID string) (Request, error) {
	body := map[string]any{
		"peer":        peer,
		"content":     content,
		"source_type": sourceType,
		"source_id":   sourceID,
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/incoming", body, &resp)
	return resp, err
}

// ListRequests filters by direction, status, and peer; empty values match all.
func (c *Client) ListRequests(ctx context.Context, direction, status, peer string) ([]Request, error) {
	var resp []Request
	endpoint := "requests" + query(map[string]string{
		"direction": direction,
		"status":    status,
		"peer":      peer,
	})
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// MarkRequestSent binds the transport object an outgoing request left with.
func (c *Client) MarkRequestSent(ctx context.Context, id, sourceType, sourceID string) (Request, error) {
	body := map[string]any{"source_type": sourceType, "source_id": sourceID}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/sent", body, &resp)
	return resp, err
}

// CheckPrerequisites asks whether an incoming request can be decided
// automatically. It never transitions the request.
func (c *Client) CheckPrerequisites(ctx context.Context, id string) (PrerequisiteCheck, error) {
	var resp PrerequisiteCheck
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id)+"/prerequisites", nil, &resp)
	return resp, err
}

// RequireManualDecision flags an incoming request for manual handling.
func (c *Client) RequireManualDecision(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/require-manual-decision", nil, &resp)
	return resp, err
}

// AcceptRequest decides an incoming request with the given decision tree.
func (c *Client) AcceptRequest(ctx context.Context, id string, decision any) (Request, error) {
	body := map[string]any{"decision": decision}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/accept", body, &resp)
	return resp, err
}

// RejectRequest rejects every item of an incoming request.
func (c *Client) RejectRequest(ctx context.Context, id, code, message string) (Request, error) {
	body := map[string]any{"code": code, "message": message}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/reject", body, &resp)
	return resp, err
}

// CompleteRequest completes a decided incoming request.
func (c *Client) CompleteRequest(ctx context.Context, id, responseSourceID string) (Request, error) {
	body := map[string]any{"response_source_id": responseSourceID}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/complete", body, &resp)
	return resp, err
}

// RecordResponse records the peer's response to an outgoing request and
// completes it.
func (c *Client) RecordResponse(ctx context.Context, id string, response any, responseSourceID string) (Request, error) {
	body := map[string]any{"response": response, "response_source_id": responseSourceID}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/response", body, &resp)
	return resp, err
}

// DiscardRequest discards an unsent outgoing request.
func (c *Client) DiscardRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/discard", nil, &resp)
	return resp, err
}

// DeleteRequest deletes an incoming request locally.
func (c *Client) DeleteRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodDelete, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateAttribute creates an attribute from its content payload.
func (c *Client) CreateAttribute(ctx context.Context, attribute any) (Attribute, error) {
	body := map[string]any{"attribute": attribute}
	var resp Attribute
	err := c.do(ctx, http.MethodPost, "attributes", body, &resp)
	return resp, err
}

// ListAttributes filters by owner and kind; onlyCurrent keeps chain tips.
func (c *Client) ListAttributes(ctx context.Context, owner, kind string, onlyCurrent bool) ([]Attribute, error) {
	var resp []Attribute
	params := map[string]string{"owner": owner, "kind": kind}
	if onlyCurrent {
		params["only_current"] = "true"
	}
	err := c.do(ctx, http.MethodGet, "attributes"+query(params), nil, &resp)
	return resp, err
}

// GetAttribute fetches an attribute by id.
func (c *Client) GetAttribute(ctx context.Context, id string) (Attribute, error) {
	var resp Attribute
	err := c.do(ctx, http.MethodGet, "attributes/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SucceedAttribute replaces an identity attribute with a new version.
func (c *Client) SucceedAttribute(ctx context.Context, id string, successor any) (Succession, error) {
	body := map[string]any{"successor": successor}
	var resp Succession
	err := c.do(ctx, http.MethodPost, "attributes/"+url.PathEscape(id)+"/succeed", body, &resp)
	return resp, err
}

// NotifySuccession tells a peer that an identity attribute it holds was
// replaced by a newer version.
func (c *Client) NotifySuccession(ctx context.Context, id, peer string) (Notification, error) {
	body := map[string]any{"peer": peer}
	var resp Notification
	err := c.do(ctx, http.MethodPost, "attributes/"+url.PathEscape(id)+"/notify-peer", body, &resp)
	return resp, err
}

// GetVersions returns the attribute's succession chain, oldest first.
func (c *Client) GetVersions(ctx context.Context, id string) ([]Attribute, error) {
	var resp []Attribute
	err := c.do(ctx, http.MethodGet, "attributes/"+url.PathEscape(id)+"/versions", nil, &resp)
	return resp, err
}

// ShareAttribute offers an own identity attribute to a peer; the returned
// request tracks the negotiation.
func (c *Client) ShareAttribute(ctx context.Context, id, peer string) (Request, error) {
	body := map[string]any{"peer": peer}
	var resp Request
	err := c.do(ctx, http.MethodPost, "attributes/"+url.PathEscape(id)+"/share", body, &resp)
	return resp, err
}

// Forwarding returns the share records of an attribute.
func (c *Client) Forwarding(ctx context.Context, id, peer string, onlyActive bool) ([]Share, error) {
	var resp []Share
	params := map[string]string{"peer": peer}
	if onlyActive {
		params["only_active"] = "true"
	}
	endpoint := "attributes/" + url.PathEscape(id) + "/forwarding" + query(params)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteAttribute soft-deletes an attribute and queues deletion notices for
// peers holding copies.
func (c *Client) DeleteAttribute(ctx context.Context, id string) (Attribute, error) {
	var resp struct {
		Attribute Attribute `json:"attribute"`
	}
	err := c.do(ctx, http.MethodDelete, "attributes/"+url.PathEscape(id), nil, &resp)
	return resp.Attribute, err
}

// Notifications lists queued and sent notifications.
func (c *Client) Notifications(ctx context.Context, peer, status string) ([]Notification, error) {
	var resp []Notification
	endpoint := "notifications" + query(map[string]string{"peer": peer, "status": status})
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, optionally scoped to one entity.
func (c *Client) Events(ctx context.Context, entityID string, limit int) ([]Event, error) {
	var resp []Event
	params := map[string]string{"entity_id": entityID}
	if limit > 0 {
		params["limit"] = fmt.Sprintf("%d", limit)
	}
	err := c.do(ctx, http.MethodGet, "events"+query(params), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func query(params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		if val != "" {
			v.Set(k, val)
		}
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
