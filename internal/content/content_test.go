package content

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTripPreservesItemTypes(t *testing.T) {
	req := Request{
		Title: "Onboarding",
		Items: []RequestNode{
			ShareAttributeRequestItem{
				ItemHeader:        ItemHeader{MustBeAccepted: true},
				SourceAttributeID: "ATTaaaaaaaaaaaaaaaaa",
				Attribute: Attribute{
					Owner: "did:e:alice",
					Value: IdentityValue{ValueKind: KindDisplayName, Value: "Alice"},
				},
			},
			RequestItemGroup{
				Title: "Contact data",
				Items: []RequestItem{
					ReadAttributeRequestItem{Query: AttributeQuery{ValueKind: KindEMailAddress}},
					ConsentRequestItem{Consent: "May we contact you?"},
				},
			},
		},
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"@type":"ShareAttributeRequestItem"`)

	var got Request
	require.NoError(t, json.Unmarshal(b, &got))
	require.Len(t, got.Items, 2)

	share, ok := got.Items[0].(ShareAttributeRequestItem)
	require.True(t, ok, "item 0 is %T", got.Items[0])
	assert.True(t, share.MustBeAccepted)
	assert.Equal(t, "ATTaaaaaaaaaaaaaaaaa", share.SourceAttributeID)
	assert.Equal(t, KindDisplayName, share.Attribute.Value.Kind())

	group, ok := got.Items[1].(RequestItemGroup)
	require.True(t, ok, "item 1 is %T", got.Items[1])
	require.Len(t, group.Items, 2)
	_, ok = group.Items[0].(ReadAttributeRequestItem)
	assert.True(t, ok, "group member 0 is %T", group.Items[0])
}

func TestRequestRejectsUnknownItemType(t *testing.T) {
	raw := `{"items":[{"@type":"TeleportRequestItem"}]}`
	var req Request
	err := json.Unmarshal([]byte(raw), &req)
	assert.Error(t, err)
}

func TestRequestValidateRejectsNestedGroups(t *testing.T) {
	// groups contain only items; Validate also refuses empty trees
	assert.Error(t, Request{}.Validate())
	assert.Error(t, Request{Items: []RequestNode{RequestItemGroup{}}}.Validate())
	ok := Request{Items: []RequestNode{ConsentRequestItem{Consent: "x"}}}
	assert.NoError(t, ok.Validate())
}

func TestDecisionAutomationMarker(t *testing.T) {
	plain := Decision{Items: []DecisionNode{DecisionItem{Accept: true}}}
	b, err := json.Marshal(plain)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "decidedByAutomation")

	auto := plain
	auto.DecidedByAutomation = true
	b, err = json.Marshal(auto)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"decidedByAutomation":true`)

	// a literal false marker is malformed on the wire
	var dec Decision
	err = json.Unmarshal([]byte(`{"items":[],"decidedByAutomation":false}`), &dec)
	assert.Error(t, err)
}

func TestDecisionGroupRoundTrip(t *testing.T) {
	dec := Decision{
		Items: []DecisionNode{
			DecisionGroup{Items: []DecisionItem{
				{Accept: true},
				{Accept: false, Code: "error.custom", Message: "no"},
			}},
			DecisionItem{Accept: true, ExistingAttributeID: "ATTbbbbbbbbbbbbbbbbb"},
		},
	}
	b, err := json.Marshal(dec)
	require.NoError(t, err)
	var got Decision
	require.NoError(t, json.Unmarshal(b, &got))
	require.Len(t, got.Items, 2)
	group, ok := got.Items[0].(DecisionGroup)
	require.True(t, ok)
	assert.False(t, group.Items[1].Accept)
	assert.Equal(t, "error.custom", group.Items[1].Code)
	item, ok := got.Items[1].(DecisionItem)
	require.True(t, ok)
	assert.Equal(t, "ATTbbbbbbbbbbbbbbbbb", item.ExistingAttributeID)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{
		RequestID: "REQccccccccccccccccc",
		Items: []ResponseNode{
			ReadAttributeAcceptResponseItem{
				AttributeID: "ATTddddddddddddddddd",
				Attribute: Attribute{
					Owner: "did:e:alice",
					Value: IdentityValue{ValueKind: KindEMailAddress, Value: "a@example.com"},
				},
			},
			RejectResponseItem{Code: RejectCodeUnspecified},
		},
	}
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	var got Response
	require.NoError(t, json.Unmarshal(b, &got))
	require.Len(t, got.Items, 2)
	read, ok := got.Items[0].(ReadAttributeAcceptResponseItem)
	require.True(t, ok, "item 0 is %T", got.Items[0])
	assert.Equal(t, ResultAccepted, read.Result())
	assert.Equal(t, "a@example.com", read.Attribute.Value.(IdentityValue).Value)
	reject, ok := got.Items[1].(RejectResponseItem)
	require.True(t, ok, "item 1 is %T", got.Items[1])
	assert.Equal(t, ResultRejected, reject.Result())
}

func TestAttributeValidate(t *testing.T) {
	identity := Attribute{Value: IdentityValue{ValueKind: KindCity, Value: "Berlin"}}
	assert.NoError(t, identity.Validate())

	// identity attributes must not carry relationship-only fields
	leaky := identity
	leaky.Key = "city"
	assert.Error(t, leaky.Validate())

	rel := Attribute{
		Key:             "customerId",
		Confidentiality: ConfidentialityPrivate,
		Value:           RelationshipValue{ValueKind: KindProprietaryString, Title: "ID", Value: "C-1"},
	}
	assert.NoError(t, rel.Validate())

	rel.Confidentiality = "secret"
	assert.Error(t, rel.Validate())

	rel.Confidentiality = ConfidentialityPrivate
	rel.Key = ""
	assert.Error(t, rel.Validate())
}

func TestAttributeValueRoundTrip(t *testing.T) {
	attr := Attribute{
		Owner: "did:e:alice",
		Tags:  []string{"work"},
		Value: IdentityValue{ValueKind: KindJobTitle, Value: "Engineer"},
	}
	b, err := json.Marshal(attr)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"@type":"JobTitle"`)

	var got Attribute
	require.NoError(t, json.Unmarshal(b, &got))
	v, ok := got.Value.(IdentityValue)
	require.True(t, ok, "value is %T", got.Value)
	assert.Equal(t, KindJobTitle, v.ValueKind)
	assert.Equal(t, "Engineer", v.Value)
}

func TestAttributeQueryMatches(t *testing.T) {
	attr := Attribute{
		Owner: "did:e:alice",
		Tags:  []string{"work", "public"},
		Value: IdentityValue{ValueKind: KindEMailAddress, Value: "a@example.com"},
	}
	assert.True(t, AttributeQuery{ValueKind: KindEMailAddress}.Matches(attr))
	assert.True(t, AttributeQuery{ValueKind: KindEMailAddress, Tags: []string{"work"}}.Matches(attr))
	assert.False(t, AttributeQuery{ValueKind: KindDisplayName}.Matches(attr))
	assert.False(t, AttributeQuery{ValueKind: KindEMailAddress, Tags: []string{"private"}}.Matches(attr))
	assert.False(t, AttributeQuery{ValueKind: KindEMailAddress, Owner: "did:e:bob"}.Matches(attr))
}
