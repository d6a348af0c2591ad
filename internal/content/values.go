package content

import (
	"encoding/json"
	"fmt"
)

// AttributeValue is the closed union of identity and relationship value kinds.
// The concrete types carry the "@type" discriminator on the wire.
type AttributeValue interface {
	attributeValue()
	Kind() string
}

// IdentityValue is a value of one of the identity attribute kinds. All
// identity kinds carry a single string payload.
type IdentityValue struct {
	ValueKind string `json:"-"`
	Value     string `json:"value"`
}

func (IdentityValue) attributeValue() {}

func (v IdentityValue) Kind() string { return v.ValueKind }

// RelationshipValue is a value of one of the relationship (proprietary) value
// kinds. Title is mandatory for proprietary kinds; Value holds the typed
// payload (string, number, bool or object depending on the kind).
type RelationshipValue struct {
	ValueKind   string `json:"-"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Value       any    `json:"value,omitempty"`
	// Consent kind only.
	Consent string `json:"consent,omitempty"`
	Link    string `json:"link,omitempty"`
}

func (RelationshipValue) attributeValue() {}

func (v RelationshipValue) Kind() string { return v.ValueKind }

// Identity value kinds.
const (
	KindAffiliationOrganization = "AffiliationOrganization"
	KindAffiliationRole         = "AffiliationRole"
	KindAffiliationUnit         = "AffiliationUnit"
	KindBirthDate               = "BirthDate"
	KindBirthName               = "BirthName"
	KindCitizenship             = "Citizenship"
	KindCity                    = "City"
	KindCommunicationLanguage   = "CommunicationLanguage"
	KindCountry                 = "Country"
	KindDisplayName             = "DisplayName"
	KindEMailAddress            = "EMailAddress"
	KindFaxNumber               = "FaxNumber"
	KindGivenName               = "GivenName"
	KindHouseNumber             = "HouseNumber"
	KindIdentityFileReference   = "IdentityFileReference"
	KindJobTitle                = "JobTitle"
	KindNationality             = "Nationality"
	KindPhoneNumber             = "PhoneNumber"
	KindPseudonym               = "Pseudonym"
	KindSchematizedXML          = "SchematizedXML"
	KindSex                     = "Sex"
	KindState                   = "State"
	KindStatementString         = "StatementString"
	KindStreet                  = "Street"
	KindSurname                 = "Surname"
	KindWebsite                 = "Website"
	KindZipCode                 = "ZipCode"
)

// Relationship value kinds.
const (
	KindConsent                  = "Consent"
	KindProprietaryBoolean       = "ProprietaryBoolean"
	KindProprietaryCountry       = "ProprietaryCountry"
	KindProprietaryEMailAddress  = "ProprietaryEMailAddress"
	KindProprietaryFileReference = "ProprietaryFileReference"
	KindProprietaryFloat         = "ProprietaryFloat"
	KindProprietaryHEXColor      = "ProprietaryHEXColor"
	KindProprietaryInteger       = "ProprietaryInteger"
	KindProprietaryJSON          = "ProprietaryJSON"
	KindProprietaryLanguage      = "ProprietaryLanguage"
	KindProprietaryPhoneNumber   = "ProprietaryPhoneNumber"
	KindProprietaryString        = "ProprietaryString"
	KindProprietaryURL           = "ProprietaryURL"
	KindProprietaryXML           = "ProprietaryXML"
)

var identityValueKinds = map[string]bool{
	KindAffiliationOrganization: true,
	KindAffiliationRole:         true,
	KindAffiliationUnit:         true,
	KindBirthDate:               true,
	KindBirthName:               true,
	KindCitizenship:             true,
	KindCity:                    true,
	KindCommunicationLanguage:   true,
	KindCountry:                 true,
	KindDisplayName:             true,
	KindEMailAddress:            true,
	KindFaxNumber:               true,
	KindGivenName:               true,
	KindHouseNumber:             true,
	KindIdentityFileReference:   true,
	KindJobTitle:                true,
	KindNationality:             true,
	KindPhoneNumber:             true,
	KindPseudonym:               true,
	KindSchematizedXML:          true,
	KindSex:                     true,
	KindState:                   true,
	KindStatementString:         true,
	KindStreet:                  true,
	KindSurname:                 true,
	KindWebsite:                 true,
	KindZipCode:                 true,
}

var relationshipValueKinds = map[string]bool{
	KindConsent:                  true,
	KindProprietaryBoolean:       true,
	KindProprietaryCountry:       true,
	KindProprietaryEMailAddress:  true,
	KindProprietaryFileReference: true,
	KindProprietaryFloat:         true,
	KindProprietaryHEXColor:      true,
	KindProprietaryInteger:       true,
	KindProprietaryJSON:          true,
	KindProprietaryLanguage:      true,
	KindProprietaryPhoneNumber:   true,
	KindProprietaryString:        true,
	KindProprietaryURL:           true,
	KindProprietaryXML:           true,
}

// IsIdentityValueKind reports whether kind names an identity value.
func IsIdentityValueKind(kind string) bool { return identityValueKinds[kind] }

// IsRelationshipValueKind reports whether kind names a relationship value.
func IsRelationshipValueKind(kind string) bool { return relationshipValueKinds[kind] }

func marshalAttributeValue(v AttributeValue) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	switch val := v.(type) {
	case IdentityValue:
		if !identityValueKinds[val.ValueKind] {
			return nil, fmt.Errorf("unknown identity value kind %q", val.ValueKind)
		}
		return encodeTagged(val.ValueKind, val)
	case RelationshipValue:
		if !relationshipValueKinds[val.ValueKind] {
			return nil, fmt.Errorf("unknown relationship value kind %q", val.ValueKind)
		}
		return encodeTagged(val.ValueKind, val)
	default:
		return nil, fmt.Errorf("unsupported attribute value type %T", v)
	}
}

func unmarshalAttributeValue(data []byte) (AttributeValue, error) {
	kind, err := peekType(data)
	if err != nil {
		return nil, err
	}
	switch {
	case identityValueKinds[kind]:
		var v IdentityValue
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		v.ValueKind = kind
		return v, nil
	case relationshipValueKinds[kind]:
		var v RelationshipValue
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		v.ValueKind = kind
		return v, nil
	default:
		return nil, fmt.Errorf("unknown attribute value kind %q", kind)
	}
}

// Confidentiality levels for relationship attributes.
const (
	ConfidentialityPublic    = "public"
	ConfidentialityPrivate   = "private"
	ConfidentialityProtected = "protected"
)

// Attribute is the wire-level attribute content: an owner plus a value, with
// the relationship-only fields populated when Value is a RelationshipValue.
type Attribute struct {
	Owner string         `json:"owner"`
	Tags  []string       `json:"tags,omitempty"`
	Value AttributeValue `json:"-"`

	// Relationship attributes only.
	Key             string `json:"key,omitempty"`
	Confidentiality string `json:"confidentiality,omitempty"`
	IsTechnical     bool   `json:"isTechnical,omitempty"`
}

// IsRelationship reports whether the attribute carries a relationship value.
func (a Attribute) IsRelationship() bool {
	_, ok := a.Value.(RelationshipValue)
	return ok
}

// Validate checks value presence and the relationship-only constraints.
func (a Attribute) Validate() error {
	if a.Value == nil {
		return fmt.Errorf("attribute value is required")
	}
	if a.IsRelationship() {
		if a.Key == "" {
			return fmt.Errorf("relationship attribute requires a key")
		}
		switch a.Confidentiality {
		case ConfidentialityPublic, ConfidentialityPrivate, ConfidentialityProtected:
		default:
			return fmt.Errorf("invalid confidentiality %q", a.Confidentiality)
		}
	} else if a.Key != "" || a.Confidentiality != "" {
		return fmt.Errorf("identity attribute must not carry key or confidentiality")
	}
	return nil
}

func (a Attribute) MarshalJSON() ([]byte, error) {
	type alias Attribute
	b, err := json.Marshal(alias(a))
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	vb, err := marshalAttributeValue(a.Value)
	if err != nil {
		return nil, err
	}
	m["value"] = vb
	return json.Marshal(m)
}

func (a *Attribute) UnmarshalJSON(data []byte) error {
	type alias Attribute
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	var raw struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Value) > 0 && string(raw.Value) != "null" {
		v, err := unmarshalAttributeValue(raw.Value)
		if err != nil {
			return err
		}
		tmp.Value = v
	}
	*a = Attribute(tmp)
	return nil
}
