package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromYAMLRoundTrip(t *testing.T) {
	cfg := Default("did:e:alice")
	cfg.Server.JWTSecret = "s3cret"
	data, err := cfg.ToYAML()
	require.NoError(t, err)

	got, err := FromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, cfg.Identity.Address, got.Identity.Address)
	assert.Equal(t, cfg.Automation.AutoAcceptKinds, got.Automation.AutoAcceptKinds)
	assert.Equal(t, "s3cret", got.Server.JWTSecret)
}

func TestFromYAMLRejectsUnknownFields(t *testing.T) {
	_, err := FromYAML([]byte("identity:\n  address: did:e:alice\nsurprise: true\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	var empty Config
	assert.Error(t, empty.Validate())

	cfg := Default("did:e:alice")
	assert.NoError(t, cfg.Validate())

	cfg.Automation.AutoAcceptKinds = append(cfg.Automation.AutoAcceptKinds, "TeleportRequestItem")
	assert.Error(t, cfg.Validate())
}

func TestMayAutoAccept(t *testing.T) {
	cfg := Default("did:e:alice")
	assert.True(t, cfg.MayAutoAccept("ShareAttributeRequestItem"))
	assert.False(t, cfg.MayAutoAccept("ConsentRequestItem"))
}
