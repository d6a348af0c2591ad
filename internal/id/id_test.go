package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewProducesWellFormedIDs(t *testing.T) {
	for _, p := range []Prefix{Request, Attribute, Share, Notification, Message, APIKey} {
		s := New(p)
		assert.Len(t, s, 20)
		assert.True(t, Valid(s), "id %q", s)
		assert.True(t, ValidFor(p, s), "id %q for prefix %s", s, p)
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		s := New(Request)
		assert.False(t, seen[s], "duplicate id %q", s)
		seen[s] = true
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("REQxk2v9QmZp41LcoTnA"))
	assert.False(t, Valid("REQshort"))
	assert.False(t, Valid("XXXxk2v9QmZp41LcoTnA"))
	assert.False(t, Valid("REQxk2v9QmZp41LcoTn!"))
	assert.False(t, Valid(""))
}

func TestEnsure(t *testing.T) {
	s := New(Attribute)
	assert.NoError(t, Ensure(Attribute, s))
	assert.Error(t, Ensure(Request, s))
	assert.Error(t, Ensure(Attribute, "garbage"))
}
