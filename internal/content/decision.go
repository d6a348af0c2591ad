package content

import (
	"encoding/json"
	"fmt"
)

// Decision is the caller-supplied mirror of a Request's item tree. It is an
// immutable value object: built once by the caller, consumed once by the
// evaluator. Its shape must match the request tree exactly, one entry per
// node in the same order.
type Decision struct {
	Items []DecisionNode `json:"-"`
	// DecidedByAutomation is a provenance marker. On the wire it is either
	// absent or the constant true; a false value is never serialized.
	DecidedByAutomation bool `json:"-"`
}

// DecisionNode is either a DecisionItem or a DecisionGroup.
type DecisionNode interface {
	decisionNode()
}

// DecisionGroup mirrors a RequestItemGroup with one DecisionItem per member.
type DecisionGroup struct {
	Items []DecisionItem `json:"items"`
}

func (DecisionGroup) decisionNode() {}

// DecisionItem decides a single leaf: accept (optionally with kind-specific
// parameters) or reject (optional code and message).
type DecisionItem struct {
	Accept bool `json:"accept"`

	// Reject parameters.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Accept parameters. NewAttribute supplies a substitute or created value
	// (Propose/Create), ExistingAttributeID answers a query with an attribute
	// the decider already owns (Read/Propose), FormFieldResponse answers a
	// form field, Tags override tag propagation.
	NewAttribute        *Attribute `json:"newAttribute,omitempty"`
	ExistingAttributeID string     `json:"existingAttributeId,omitempty"`
	FormFieldResponse   any        `json:"formFieldResponse,omitempty"`
	Tags                []string   `json:"tags,omitempty"`
}

func (DecisionItem) decisionNode() {}

func (d Decision) MarshalJSON() ([]byte, error) {
	items := make([]json.RawMessage, 0, len(d.Items))
	for _, node := range d.Items {
		var (
			b   []byte
			err error
		)
		switch n := node.(type) {
		case DecisionGroup:
			b, err = json.Marshal(struct {
				Group bool           `json:"group"`
				Items []DecisionItem `json:"items"`
			}{true, n.Items})
		case DecisionItem:
			b, err = json.Marshal(n)
		default:
			err = fmt.Errorf("unsupported decision node type %T", node)
		}
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	out := map[string]any{"items": items}
	if d.DecidedByAutomation {
		out["decidedByAutomation"] = true
	}
	return json.Marshal(out)
}

func (d *Decision) UnmarshalJSON(data []byte) error {
	var raw struct {
		Items               []json.RawMessage `json:"items"`
		DecidedByAutomation *bool             `json:"decidedByAutomation"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.DecidedByAutomation != nil {
		if !*raw.DecidedByAutomation {
			return fmt.Errorf("decidedByAutomation may only be true when present")
		}
		d.DecidedByAutomation = true
	}
	d.Items = d.Items[:0]
	for _, nb := range raw.Items {
		var probe struct {
			Group bool `json:"group"`
		}
		if err := json.Unmarshal(nb, &probe); err != nil {
			return err
		}
		if probe.Group {
			var g DecisionGroup
			if err := json.Unmarshal(nb, &g); err != nil {
				return err
			}
			d.Items = append(d.Items, g)
			continue
		}
		var item DecisionItem
		if err := json.Unmarshal(nb, &item); err != nil {
			return err
		}
		d.Items = append(d.Items, item)
	}
	return nil
}
