package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"peerlink/internal/config"
	"peerlink/internal/content"
	"peerlink/internal/db"
	"peerlink/internal/domain"
	"peerlink/internal/engine"
	"peerlink/internal/migrate"
	"peerlink/internal/repo"
	"peerlink/internal/transport"
)

func attributeFilterOwner(owner string) repo.AttributeFilter {
	return repo.AttributeFilter{Owner: owner}
}

const (
	localAddress = "did:e:alice"
	peerAddress  = "did:e:bob"
)

type testEnv struct {
	Engine engine.Engine
	Outbox *transport.Outbox
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(localAddress)
	outbox := transport.NewOutbox()
	eng := engine.New(conn, cfg, outbox)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Outbox: outbox, Ctx: context.Background()}
}

func displayName(v string) content.Attribute {
	return content.Attribute{
		Value: content.IdentityValue{ValueKind: content.KindDisplayName, Value: v},
	}
}

// seedShare pushes one identity attribute through the full outgoing share
// flow so the peer ends up with an active share record.
func seedShare(t *testing.T, env testEnv, attributeID string) domain.Request {
	t.Helper()
	req, err := env.Engine.ShareOwnIdentityAttribute(env.Ctx, attributeID, peerAddress, "tester")
	if err != nil {
		t.Fatalf("share attribute: %v", err)
	}
	resp := content.Response{
		RequestID: req.ID,
		Items: []content.ResponseNode{
			content.ShareAttributeAcceptResponseItem{AttributeID: "peer-copy-1"},
		},
	}
	req, err = env.Engine.CompleteOutgoingRequest(env.Ctx, req.ID, resp, "MSG1", "tester")
	if err != nil {
		t.Fatalf("complete share request: %v", err)
	}
	return req
}

func TestIncomingRequestLifecycle(t *testing.T) {
	env := newTestEnv(t)
	reqContent := content.Request{
		Items: []content.RequestNode{
			content.ConsentRequestItem{
				ItemHeader: content.ItemHeader{MustBeAccepted: true},
				Consent:    "I agree to the terms",
			},
		},
	}
	req, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, reqContent, domain.SourceMessage, "MSGIN1", "tester")
	if err != nil {
		t.Fatalf("receive request: %v", err)
	}
	if req.Status != domain.RequestStatusOpen {
		t.Fatalf("status = %s, want open", req.Status)
	}
	// completing before a decision must fail
	if _, err := env.Engine.CompleteIncomingRequest(env.Ctx, req.ID, "", "tester"); !engine.IsCode(err, engine.CodeWrongRequestStatus) {
		t.Fatalf("complete on open: %v, want wrong_request_status", err)
	}
	decision := content.Decision{
		Items: []content.DecisionNode{content.DecisionItem{Accept: true}},
	}
	req, err = env.Engine.AcceptIncomingRequest(env.Ctx, req.ID, decision, "tester")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if req.Status != domain.RequestStatusDecided {
		t.Fatalf("status = %s, want decided", req.Status)
	}
	if req.ResponseJSON == nil {
		t.Fatalf("expected response after accept")
	}
	req, err = env.Engine.CompleteIncomingRequest(env.Ctx, req.ID, "MSGOUT1", "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if req.Status != domain.RequestStatusCompleted {
		t.Fatalf("status = %s, want completed", req.Status)
	}
	// no transition leaves completed
	if _, err := env.Engine.AcceptIncomingRequest(env.Ctx, req.ID, decision, "tester"); !engine.IsCode(err, engine.CodeWrongRequestStatus) {
		t.Fatalf("accept on completed: %v, want wrong_request_status", err)
	}
}

func TestAcceptRequiresMustBeAcceptedItems(t *testing.T) {
	env := newTestEnv(t)
	reqContent := content.Request{
		Items: []content.RequestNode{
			content.ConsentRequestItem{
				ItemHeader: content.ItemHeader{MustBeAccepted: true},
				Consent:    "required consent",
			},
			content.ConsentRequestItem{Consent: "optional consent"},
		},
	}
	req, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, reqContent, domain.SourceMessage, "MSGIN1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	decision := content.Decision{
		Items: []content.DecisionNode{
			content.DecisionItem{Accept: false, Message: "no"},
			content.DecisionItem{Accept: true},
		},
	}
	_, err = env.Engine.AcceptIncomingRequest(env.Ctx, req.ID, decision, "tester")
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("accept with required rejection: %v, want validation_error", err)
	}
	// rejecting only the optional item is fine
	decision.Items = []content.DecisionNode{
		content.DecisionItem{Accept: true},
		content.DecisionItem{Accept: false, Message: "not this one"},
	}
	req, err = env.Engine.AcceptIncomingRequest(env.Ctx, req.ID, decision, "tester")
	if err != nil {
		t.Fatalf("accept with optional rejection: %v", err)
	}
	if req.Status != domain.RequestStatusDecided {
		t.Fatalf("status = %s, want decided", req.Status)
	}
}

func TestGroupRejectionCascades(t *testing.T) {
	env := newTestEnv(t)
	reqContent := content.Request{
		Items: []content.RequestNode{
			content.RequestItemGroup{
				Items: []content.RequestItem{
					content.ConsentRequestItem{
						ItemHeader: content.ItemHeader{MustBeAccepted: true},
						Consent:    "core consent",
					},
					content.ConsentRequestItem{Consent: "extra consent"},
				},
			},
		},
	}
	req, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, reqContent, domain.SourceMessage, "MSGIN1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	// rejecting the mustBeAccepted member rejects the whole group, even
	// though the second member was accepted
	decision := content.Decision{
		Items: []content.DecisionNode{
			content.DecisionGroup{Items: []content.DecisionItem{
				{Accept: false, Message: "refused"},
				{Accept: true},
			}},
		},
	}
	req, err = env.Engine.AcceptIncomingRequest(env.Ctx, req.ID, decision, "tester")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	var resp content.Response
	if err := json.Unmarshal([]byte(*req.ResponseJSON), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	group, ok := resp.Items[0].(content.ResponseItemGroup)
	if !ok {
		t.Fatalf("response node 0 is %T, want group", resp.Items[0])
	}
	for i, item := range group.Items {
		if item.Result() != content.ResultRejected {
			t.Fatalf("group member %d result = %s, want rejected", i, item.Result())
		}
	}
}

func TestAcceptStructuralMismatch(t *testing.T) {
	env := newTestEnv(t)
	reqContent := content.Request{
		Items: []content.RequestNode{
			content.ConsentRequestItem{Consent: "only one"},
		},
	}
	req, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, reqContent, domain.SourceMessage, "MSGIN1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	decision := content.Decision{
		Items: []content.DecisionNode{
			content.DecisionItem{Accept: true},
			content.DecisionItem{Accept: true},
		},
	}
	_, err = env.Engine.AcceptIncomingRequest(env.Ctx, req.ID, decision, "tester")
	if !engine.IsCode(err, engine.CodeStructuralMismatch) {
		t.Fatalf("got %v, want structural_mismatch", err)
	}
	// the failed decision must not have transitioned the request
	req, err = env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != domain.RequestStatusOpen {
		t.Fatalf("status = %s, want open after failed decision", req.Status)
	}
}

func TestRejectIncomingRequest(t *testing.T) {
	env := newTestEnv(t)
	reqContent := content.Request{
		Items: []content.RequestNode{
			content.ConsentRequestItem{
				ItemHeader: content.ItemHeader{MustBeAccepted: true},
				Consent:    "consent",
			},
		},
	}
	req, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, reqContent, domain.SourceMessage, "MSGIN1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	req, err = env.Engine.RejectIncomingRequest(env.Ctx, req.ID, "", "not now", "tester")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if req.Status != domain.RequestStatusDecided {
		t.Fatalf("status = %s, want decided", req.Status)
	}
	var resp content.Response
	if err := json.Unmarshal([]byte(*req.ResponseJSON), &resp); err != nil {
		t.Fatal(err)
	}
	item, ok := resp.Items[0].(content.RejectResponseItem)
	if !ok {
		t.Fatalf("response node 0 is %T, want reject item", resp.Items[0])
	}
	if item.Code != content.RejectCodeUnspecified {
		t.Fatalf("code = %s, want unspecified-reason default", item.Code)
	}
}

func TestExpiredRequestCannotBeDecided(t *testing.T) {
	env := newTestEnv(t)
	reqContent := content.Request{
		ExpiresAt: "2025-01-01T00:00:00Z",
		Items: []content.RequestNode{
			content.ConsentRequestItem{Consent: "late"},
		},
	}
	req, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, reqContent, domain.SourceMessage, "MSGIN1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RequestStatusExpired {
		t.Fatalf("derived status = %s, want expired", got.Status)
	}
	decision := content.Decision{Items: []content.DecisionNode{content.DecisionItem{Accept: true}}}
	if _, err := env.Engine.AcceptIncomingRequest(env.Ctx, req.ID, decision, "tester"); !engine.IsCode(err, engine.CodeExpired) {
		t.Fatalf("accept expired: %v, want expired", err)
	}
	if _, err := env.Engine.RejectIncomingRequest(env.Ctx, req.ID, "", "", "tester"); !engine.IsCode(err, engine.CodeExpired) {
		t.Fatalf("reject expired: %v, want expired", err)
	}
}

func TestOutgoingExpiryMustBeFuture(t *testing.T) {
	env := newTestEnv(t)
	reqContent := content.Request{
		ExpiresAt: "2025-01-01T00:00:00Z",
		Items: []content.RequestNode{
			content.ConsentRequestItem{Consent: "c"},
		},
	}
	_, err := env.Engine.CreateOutgoingRequest(env.Ctx, peerAddress, reqContent, "tester")
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("got %v, want validation_error", err)
	}
}

func TestRequireManualDecisionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	reqContent := content.Request{
		Items: []content.RequestNode{
			content.ConsentRequestItem{Consent: "c"},
		},
	}
	req, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, reqContent, domain.SourceMessage, "MSGIN1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	req, err = env.Engine.RequireManualDecisionOfIncomingRequest(env.Ctx, req.ID, "tester")
	if err != nil || req.Status != domain.RequestStatusManualDecision {
		t.Fatalf("first call: status=%s err=%v", req.Status, err)
	}
	req, err = env.Engine.RequireManualDecisionOfIncomingRequest(env.Ctx, req.ID, "tester")
	if err != nil || req.Status != domain.RequestStatusManualDecision {
		t.Fatalf("second call: status=%s err=%v", req.Status, err)
	}
}

func TestCheckPrerequisites(t *testing.T) {
	env := newTestEnv(t)
	// a manual-decision item always blocks automation
	reqContent := content.Request{
		Items: []content.RequestNode{
			content.ConsentRequestItem{
				ItemHeader: content.ItemHeader{RequireManualDecision: true},
				Consent:    "c",
			},
		},
	}
	req, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, reqContent, domain.SourceMessage, "MSGIN1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	check, err := env.Engine.CheckPrerequisitesOfIncomingRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if check.CanAutoDecide {
		t.Fatalf("expected manual-decision item to block automation: %+v", check)
	}
	// checking must not transition the request
	got, _ := env.Engine.GetRequest(env.Ctx, req.ID)
	if got.Status != domain.RequestStatusOpen {
		t.Fatalf("status = %s, want open after check", got.Status)
	}
}

func TestDiscardAndDelete(t *testing.T) {
	env := newTestEnv(t)
	reqContent := content.Request{
		Items: []content.RequestNode{content.ConsentRequestItem{Consent: "c"}},
	}
	out, err := env.Engine.CreateOutgoingRequest(env.Ctx, peerAddress, reqContent, "tester")
	if err != nil {
		t.Fatal(err)
	}
	out, err = env.Engine.DiscardOutgoingRequest(env.Ctx, out.ID, "tester")
	if err != nil || out.Status != domain.RequestStatusDiscarded {
		t.Fatalf("discard: status=%s err=%v", out.Status, err)
	}
	in, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, reqContent, domain.SourceMessage, "MSGIN1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	in, err = env.Engine.DeleteIncomingRequest(env.Ctx, in.ID, "tester")
	if err != nil || in.Status != domain.RequestStatusDeleted {
		t.Fatalf("delete: status=%s err=%v", in.Status, err)
	}
	// completed requests cannot be deleted
	in2, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, reqContent, domain.SourceMessage, "MSGIN2", "tester")
	if err != nil {
		t.Fatal(err)
	}
	decision := content.Decision{Items: []content.DecisionNode{content.DecisionItem{Accept: true}}}
	if _, err := env.Engine.AcceptIncomingRequest(env.Ctx, in2.ID, decision, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteIncomingRequest(env.Ctx, in2.ID, "", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DeleteIncomingRequest(env.Ctx, in2.ID, "tester"); !engine.IsCode(err, engine.CodeWrongRequestStatus) {
		t.Fatalf("delete completed: %v, want wrong_request_status", err)
	}
}

func TestSuccessionHappensExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	pred, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.SucceedOwnIdentityAttribute(env.Ctx, pred.ID, displayName("Alice B."), "tester")
	if err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if res.Predecessor.SuccessorID == nil || *res.Predecessor.SuccessorID != res.Successor.ID {
		t.Fatalf("predecessor not linked to successor: %+v", res.Predecessor)
	}
	if res.Successor.PredecessorID == nil || *res.Successor.PredecessorID != pred.ID {
		t.Fatalf("successor not linked to predecessor: %+v", res.Successor)
	}
	// a second succession of the same version must fail and name the
	// existing successor
	_, err = env.Engine.SucceedOwnIdentityAttribute(env.Ctx, pred.ID, displayName("Alice C."), "tester")
	if !engine.IsCode(err, engine.CodeAttributeAlreadySucceeded) {
		t.Fatalf("second succeed: %v, want attribute_already_succeeded", err)
	}
	var engErr *engine.Error
	if !asEngineError(err, &engErr) || engErr.Details["successor_id"] != res.Successor.ID {
		t.Fatalf("details = %+v, want successor_id %s", engErr.Details, res.Successor.ID)
	}
}

func asEngineError(err error, target **engine.Error) bool {
	e, ok := err.(*engine.Error)
	if ok {
		*target = e
	}
	return ok
}

func TestSuccessionRequiresSameValueKind(t *testing.T) {
	env := newTestEnv(t)
	pred, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	other := content.Attribute{
		Value: content.IdentityValue{ValueKind: content.KindEMailAddress, Value: "a@example.com"},
	}
	_, err = env.Engine.SucceedOwnIdentityAttribute(env.Ctx, pred.ID, other, "tester")
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("got %v, want validation_error", err)
	}
}

func TestGetVersionsWalksWholeChain(t *testing.T) {
	env := newTestEnv(t)
	v1, err := env.Engine.CreateAttribute(env.Ctx, displayName("One"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	r1, err := env.Engine.SucceedOwnIdentityAttribute(env.Ctx, v1.ID, displayName("Two"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := env.Engine.SucceedOwnIdentityAttribute(env.Ctx, r1.Successor.ID, displayName("Three"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	// querying from the middle version still yields the full chain
	versions, err := env.Engine.GetVersionsOfAttribute(env.Ctx, r1.Successor.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 3 {
		t.Fatalf("got %d versions, want 3", len(versions))
	}
	want := []string{v1.ID, r1.Successor.ID, r2.Successor.ID}
	for i, v := range versions {
		if v.ID != want[i] {
			t.Fatalf("version %d = %s, want %s", i, v.ID, want[i])
		}
	}
}

func TestShareAndCompleteRecordsShare(t *testing.T) {
	env := newTestEnv(t)
	attr, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	req := seedShare(t, env, attr.ID)
	if req.Status != domain.RequestStatusCompleted {
		t.Fatalf("status = %s, want completed", req.Status)
	}
	shares, err := env.Engine.GetForwardingDetailsForAttribute(env.Ctx, attr.ID, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 1 || shares[0].Peer != peerAddress {
		t.Fatalf("shares = %+v, want one active share with %s", shares, peerAddress)
	}
	// second share of the same version is refused
	if _, err := env.Engine.ShareOwnIdentityAttribute(env.Ctx, attr.ID, peerAddress, "tester"); !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("reshare: %v, want validation_error", err)
	}
}

func TestShareRefusedWhileRequestOpen(t *testing.T) {
	env := newTestEnv(t)
	attr, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ShareOwnIdentityAttribute(env.Ctx, attr.ID, peerAddress, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ShareOwnIdentityAttribute(env.Ctx, attr.ID, peerAddress, "tester")
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("got %v, want validation_error while request open", err)
	}
}

func TestCreateAndShareRelationshipAttribute(t *testing.T) {
	env := newTestEnv(t)
	attr := content.Attribute{
		Key:             "customerId",
		Confidentiality: content.ConfidentialityPrivate,
		Value: content.RelationshipValue{
			ValueKind: content.KindProprietaryString,
			Title:     "Customer ID",
			Value:     "C-1234",
		},
	}
	req, err := env.Engine.CreateAndShareRelationshipAttribute(env.Ctx, attr, peerAddress, "tester")
	if err != nil {
		t.Fatalf("create and share: %v", err)
	}
	// the local attribute only materializes when the peer accepts
	owned, err := env.Engine.Repo.ListAttributes(env.Ctx, attributeFilterOwner(localAddress))
	if err != nil {
		t.Fatal(err)
	}
	if len(owned) != 0 {
		t.Fatalf("attribute created before completion: %+v", owned)
	}
	resp := content.Response{
		RequestID: req.ID,
		Items: []content.ResponseNode{
			content.CreateAttributeAcceptResponseItem{AttributeID: "peer-copy-1"},
		},
	}
	if _, err := env.Engine.CompleteOutgoingRequest(env.Ctx, req.ID, resp, "MSG1", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	owned, err = env.Engine.Repo.ListAttributes(env.Ctx, attributeFilterOwner(localAddress))
	if err != nil {
		t.Fatal(err)
	}
	if len(owned) != 1 || owned[0].Kind != domain.AttributeKindRelationship {
		t.Fatalf("owned = %+v, want one relationship attribute", owned)
	}
	shares, err := env.Engine.GetForwardingDetailsForAttribute(env.Ctx, owned[0].ID, peerAddress, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 1 {
		t.Fatalf("shares = %+v, want one", shares)
	}
}

func TestCompleteOutgoingStructuralMismatch(t *testing.T) {
	env := newTestEnv(t)
	attr, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	req, err := env.Engine.ShareOwnIdentityAttribute(env.Ctx, attr.ID, peerAddress, "tester")
	if err != nil {
		t.Fatal(err)
	}
	resp := content.Response{RequestID: req.ID} // zero items for one request item
	_, err = env.Engine.CompleteOutgoingRequest(env.Ctx, req.ID, resp, "", "tester")
	if !engine.IsCode(err, engine.CodeStructuralMismatch) {
		t.Fatalf("got %v, want structural_mismatch", err)
	}
}

func TestReadAttributeAnswersWithExistingShare(t *testing.T) {
	env := newTestEnv(t)
	attr, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	seedShare(t, env, attr.ID)
	reqContent := content.Request{
		Items: []content.RequestNode{
			content.ReadAttributeRequestItem{
				Query: content.AttributeQuery{ValueKind: content.KindDisplayName},
			},
		},
	}
	req, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, reqContent, domain.SourceMessage, "MSGIN1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	decision := content.Decision{Items: []content.DecisionNode{content.DecisionItem{Accept: true}}}
	req, err = env.Engine.AcceptIncomingRequest(env.Ctx, req.ID, decision, "tester")
	if err != nil {
		t.Fatalf("accept read: %v", err)
	}
	var resp content.Response
	if err := json.Unmarshal([]byte(*req.ResponseJSON), &resp); err != nil {
		t.Fatal(err)
	}
	item, ok := resp.Items[0].(content.AttributeAlreadySharedAcceptResponseItem)
	if !ok {
		t.Fatalf("response node 0 is %T, want already-shared item", resp.Items[0])
	}
	if item.AttributeID != attr.ID {
		t.Fatalf("attribute id = %s, want %s", item.AttributeID, attr.ID)
	}
	// the existing share record is reused, not duplicated
	shares, err := env.Engine.GetForwardingDetailsForAttribute(env.Ctx, attr.ID, peerAddress, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 1 {
		t.Fatalf("got %d share records, want 1", len(shares))
	}
}

func TestNotifySuccessionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	attr, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	seedShare(t, env, attr.ID)
	res, err := env.Engine.SucceedOwnIdentityAttribute(env.Ctx, attr.ID, displayName("Alice B."), "tester")
	if err != nil {
		t.Fatal(err)
	}
	n1, err := env.Engine.NotifyPeerAboutOwnIdentityAttributeSuccession(env.Ctx, res.Successor.ID, peerAddress, "tester")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if n1.Status != domain.NotificationSent {
		t.Fatalf("status = %s, want sent", n1.Status)
	}
	sentBefore := len(env.Outbox.Sent())
	n2, err := env.Engine.NotifyPeerAboutOwnIdentityAttributeSuccession(env.Ctx, res.Successor.ID, peerAddress, "tester")
	if err != nil {
		t.Fatalf("second notify: %v", err)
	}
	if n2.ID != n1.ID {
		t.Fatalf("second notify minted a new notification: %s vs %s", n2.ID, n1.ID)
	}
	if got := len(env.Outbox.Sent()); got != sentBefore {
		t.Fatalf("second notify sent %d extra messages", got-sentBefore)
	}
}

func TestNotifySuccessionRequiresShare(t *testing.T) {
	env := newTestEnv(t)
	attr, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.SucceedOwnIdentityAttribute(env.Ctx, attr.ID, displayName("Alice B."), "tester")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.NotifyPeerAboutOwnIdentityAttributeSuccession(env.Ctx, res.Successor.ID, peerAddress, "tester")
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("got %v, want validation_error when peer never saw the chain", err)
	}
}

func TestRelationshipSuccessionNotifiesPeers(t *testing.T) {
	env := newTestEnv(t)
	attr := content.Attribute{
		Key:             "customerId",
		Confidentiality: content.ConfidentialityPrivate,
		Value: content.RelationshipValue{
			ValueKind: content.KindProprietaryString,
			Title:     "Customer ID",
			Value:     "C-1",
		},
	}
	req, err := env.Engine.CreateAndShareRelationshipAttribute(env.Ctx, attr, peerAddress, "tester")
	if err != nil {
		t.Fatal(err)
	}
	resp := content.Response{
		RequestID: req.ID,
		Items: []content.ResponseNode{
			content.CreateAttributeAcceptResponseItem{AttributeID: "peer-copy-1"},
		},
	}
	if _, err := env.Engine.CompleteOutgoingRequest(env.Ctx, req.ID, resp, "MSG1", "tester"); err != nil {
		t.Fatal(err)
	}
	owned, err := env.Engine.Repo.ListAttributes(env.Ctx, attributeFilterOwner(localAddress))
	if err != nil || len(owned) != 1 {
		t.Fatalf("owned = %+v err = %v", owned, err)
	}
	successor := attr
	successor.Value = content.RelationshipValue{
		ValueKind: content.KindProprietaryString,
		Title:     "Customer ID",
		Value:     "C-2",
	}
	_, notifications, err := env.Engine.SucceedRelationshipAttributeAndNotifyPeer(env.Ctx, owned[0].ID, successor, "tester")
	if err != nil {
		t.Fatalf("succeed relationship: %v", err)
	}
	if len(notifications) != 1 || notifications[0].Peer != peerAddress {
		t.Fatalf("notifications = %+v, want one for %s", notifications, peerAddress)
	}
	if notifications[0].Status != domain.NotificationSent {
		t.Fatalf("status = %s, want sent", notifications[0].Status)
	}
}

func TestDeleteAttributeQueuesNotifications(t *testing.T) {
	env := newTestEnv(t)
	attr, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	seedShare(t, env, attr.ID)
	deleted, notifications, err := env.Engine.DeleteAttributeAndNotify(env.Ctx, attr.ID, "tester")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.DeletionStatus == nil || *deleted.DeletionStatus != domain.DeletedByOwner {
		t.Fatalf("deletion status = %v, want deleted_by_owner", deleted.DeletionStatus)
	}
	if len(notifications) != 1 || notifications[0].Kind != domain.NotificationDeletion {
		t.Fatalf("notifications = %+v, want one deletion notice", notifications)
	}
	// share records are soft-deleted, history retained
	active, err := env.Engine.GetForwardingDetailsForAttribute(env.Ctx, attr.ID, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("active shares after delete = %+v", active)
	}
	all, err := env.Engine.GetForwardingDetailsForAttribute(env.Ctx, attr.ID, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("share history lost: %+v", all)
	}
	// deleting twice fails
	if _, _, err := env.Engine.DeleteAttributeAndNotify(env.Ctx, attr.ID, "tester"); !engine.IsCode(err, engine.CodeValidation) {
		t.Fatalf("second delete: %v, want validation_error", err)
	}
}

func TestRelationshipTerminationSoftDeletesShares(t *testing.T) {
	env := newTestEnv(t)
	a1, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	seedShare(t, env, a1.ID)
	count, err := env.Engine.DeleteSharedAttributesForRejectedOrRevokedRelationship(env.Ctx, peerAddress, "tester")
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	active, err := env.Engine.GetForwardingDetailsForAttribute(env.Ctx, a1.ID, peerAddress, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("active shares remain: %+v", active)
	}
}

func TestMarkAttributeAsViewedKeepsFirstTimestamp(t *testing.T) {
	env := newTestEnv(t)
	attr, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.MarkAttributeAsViewed(env.Ctx, attr.ID, "tester")
	if err != nil || first.WasViewedAt == nil {
		t.Fatalf("first view: %+v err=%v", first, err)
	}
	env.Engine.Now = func() time.Time { return time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC) }
	second, err := env.Engine.MarkAttributeAsViewed(env.Ctx, attr.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if *second.WasViewedAt != *first.WasViewedAt {
		t.Fatalf("viewed timestamp moved: %s -> %s", *first.WasViewedAt, *second.WasViewedAt)
	}
}

func TestCompleteOutgoingReadStoresPeerCopy(t *testing.T) {
	env := newTestEnv(t)
	reqContent := content.Request{
		Items: []content.RequestNode{
			content.ReadAttributeRequestItem{Query: content.AttributeQuery{ValueKind: content.KindDisplayName}},
			content.ProposeAttributeRequestItem{
				Query:     content.AttributeQuery{ValueKind: content.KindEMailAddress},
				Attribute: content.Attribute{Value: content.IdentityValue{ValueKind: content.KindEMailAddress, Value: "bob@example.com"}},
			},
		},
	}
	req, err := env.Engine.CreateOutgoingRequest(env.Ctx, peerAddress, reqContent, "tester")
	if err != nil {
		t.Fatal(err)
	}
	resp := content.Response{
		RequestID: req.ID,
		Items: []content.ResponseNode{
			content.ReadAttributeAcceptResponseItem{
				AttributeID: "peer-att-1",
				Attribute: content.Attribute{
					Owner: peerAddress,
					Value: content.IdentityValue{ValueKind: content.KindDisplayName, Value: "Bob"},
				},
			},
			content.ProposeAttributeAcceptResponseItem{
				AttributeID: "peer-att-2",
				Attribute: content.Attribute{
					Value: content.IdentityValue{ValueKind: content.KindEMailAddress, Value: "bob@example.com"},
				},
			},
		},
	}
	if _, err := env.Engine.CompleteOutgoingRequest(env.Ctx, req.ID, resp, "MSG1", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// both disclosed attributes get local copies owned by the peer
	copies, err := env.Engine.Repo.ListAttributes(env.Ctx, attributeFilterOwner(peerAddress))
	if err != nil {
		t.Fatal(err)
	}
	if len(copies) != 2 {
		t.Fatalf("peer copies = %d, want 2", len(copies))
	}
	for _, c := range copies {
		var payload content.Attribute
		if err := json.Unmarshal([]byte(c.ContentJSON), &payload); err != nil {
			t.Fatal(err)
		}
		if payload.Owner != peerAddress {
			t.Fatalf("copy owner = %s, want %s", payload.Owner, peerAddress)
		}
		shares, err := env.Engine.GetForwardingDetailsForAttribute(env.Ctx, c.ID, peerAddress, true)
		if err != nil {
			t.Fatal(err)
		}
		if len(shares) != 1 {
			t.Fatalf("shares for %s = %d, want 1", c.ID, len(shares))
		}
	}
}

func TestConcurrentTransitionFailsFast(t *testing.T) {
	env := newTestEnv(t)
	reqContent := content.Request{
		Items: []content.RequestNode{content.ConsentRequestItem{Consent: "c"}},
	}
	req, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, reqContent, domain.SourceMessage, "MSGIN1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	decision := content.Decision{Items: []content.DecisionNode{content.DecisionItem{Accept: true}}}
	if err := env.Engine.Locks.Acquire("request:" + req.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptIncomingRequest(env.Ctx, req.ID, decision, "tester"); !engine.IsCode(err, engine.CodeConcurrentModification) {
		t.Fatalf("accept with held lock: %v, want concurrent_modification", err)
	}
	env.Engine.Locks.Release("request:" + req.ID)
	if _, err := env.Engine.AcceptIncomingRequest(env.Ctx, req.ID, decision, "tester"); err != nil {
		t.Fatalf("accept after release: %v", err)
	}

	attr, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	// succession locks the chain root, which for a fresh attribute is itself
	if err := env.Engine.Locks.Acquire("attribute:" + attr.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SucceedOwnIdentityAttribute(env.Ctx, attr.ID, displayName("Alice B."), "tester"); !engine.IsCode(err, engine.CodeConcurrentModification) {
		t.Fatalf("succeed with held lock: %v, want concurrent_modification", err)
	}
	env.Engine.Locks.Release("attribute:" + attr.ID)
	if _, err := env.Engine.SucceedOwnIdentityAttribute(env.Ctx, attr.ID, displayName("Alice B."), "tester"); err != nil {
		t.Fatalf("succeed after release: %v", err)
	}
}

func TestSharedVersionsOnlyLatestReturnsTip(t *testing.T) {
	env := newTestEnv(t)
	v1, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	seedShare(t, env, v1.ID)
	res, err := env.Engine.SucceedOwnIdentityAttribute(env.Ctx, v1.ID, displayName("Alice B."), "tester")
	if err != nil {
		t.Fatal(err)
	}
	v2 := res.Successor
	// notifying the peer records the successor's share
	if _, err := env.Engine.NotifyPeerAboutOwnIdentityAttributeSuccession(env.Ctx, v2.ID, peerAddress, "tester"); err != nil {
		t.Fatal(err)
	}
	tip, err := env.Engine.GetVersionsOfAttributeSharedWithPeer(env.Ctx, v1.ID, peerAddress, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(tip) != 1 || tip[0].ID != v2.ID {
		t.Fatalf("tip = %+v, want only %s", tip, v2.ID)
	}
	all, err := env.Engine.GetVersionsOfAttributeSharedWithPeer(env.Ctx, v1.ID, peerAddress, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != v1.ID || all[1].ID != v2.ID {
		t.Fatalf("versions = %+v, want [%s %s]", all, v1.ID, v2.ID)
	}
}

func TestAuditTimestampsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	attr, err := env.Engine.CreateAttribute(env.Ctx, displayName("Alice"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, attr.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) == 0 {
		t.Fatal("no audit events recorded")
	}
	for _, ev := range evts {
		if ev.TS != "2025-06-01T12:00:00Z" {
			t.Fatalf("event ts = %s, want the fixed clock", ev.TS)
		}
	}
}

func TestListRequestsFiltersDerivedStatus(t *testing.T) {
	env := newTestEnv(t)
	expired := content.Request{
		ExpiresAt: "2025-01-01T00:00:00Z",
		Items:     []content.RequestNode{content.ConsentRequestItem{Consent: "late"}},
	}
	stale, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, expired, domain.SourceMessage, "MSGIN1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := env.Engine.ReceivedIncomingRequest(env.Ctx, peerAddress, content.Request{
		Items: []content.RequestNode{content.ConsentRequestItem{Consent: "c"}},
	}, domain.SourceMessage, "MSGIN2", "tester")
	if err != nil {
		t.Fatal(err)
	}
	open, err := env.Engine.ListRequests(env.Ctx, repo.RequestFilter{Status: domain.RequestStatusOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != fresh.ID {
		t.Fatalf("open = %+v, want only %s", open, fresh.ID)
	}
	gone, err := env.Engine.ListRequests(env.Ctx, repo.RequestFilter{Status: domain.RequestStatusExpired})
	if err != nil {
		t.Fatal(err)
	}
	if len(gone) != 1 || gone[0].ID != stale.ID {
		t.Fatalf("expired = %+v, want only %s", gone, stale.ID)
	}
}
