package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"peerlink/internal/content"
)

// Config models peerlink.yml. It is stored in the database and imported
// explicitly; the file on disk is only the import source.
type Config struct {
	Identity struct {
		Address string `yaml:"address"`
	} `yaml:"identity"`
	Automation struct {
		// Request item kinds that may be decided without a manual decision
		// when their prerequisites hold.
		AutoAcceptKinds []string `yaml:"auto_accept_kinds"`
	} `yaml:"automation"`
	Server struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

var knownItemKinds = map[string]bool{
	content.TypeCreateAttributeRequestItem:       true,
	content.TypeDeleteAttributeRequestItem:       true,
	content.TypeShareAttributeRequestItem:        true,
	content.TypeProposeAttributeRequestItem:      true,
	content.TypeReadAttributeRequestItem:         true,
	content.TypeConsentRequestItem:               true,
	content.TypeAuthenticationRequestItem:        true,
	content.TypeFormFieldRequestItem:             true,
	content.TypeTransferFileOwnershipRequestItem: true,
	content.TypeShareCredentialOfferRequestItem:  true,
}

// Default returns the seed config for a local identity address.
func Default(address string) *Config {
	c := &Config{}
	c.Identity.Address = address
	c.Automation.AutoAcceptKinds = []string{
		content.TypeShareAttributeRequestItem,
		content.TypeShareCredentialOfferRequestItem,
	}
	return c
}

// Path returns the import-file location for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, "peerlink.yml")
}

// Load reads and validates config from the workspace import file.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with plk config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var c Config
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ToYAML serializes the config for storage.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Identity.Address == "" {
		return fmt.Errorf("config.identity.address is required")
	}
	for _, kind := range c.Automation.AutoAcceptKinds {
		if !knownItemKinds[kind] {
			return fmt.Errorf("automation.auto_accept_kinds contains unknown item kind %s", kind)
		}
	}
	return nil
}

// MayAutoAccept reports whether the item kind is eligible for automated
// acceptance.
func (c *Config) MayAutoAccept(kind string) bool {
	for _, k := range c.Automation.AutoAcceptKinds {
		if k == kind {
			return true
		}
	}
	return false
}
