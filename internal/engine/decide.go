package engine

import (
	"peerlink/internal/content"
)

// DecidedItem pairs a request item with its (possibly cascaded) decision.
type DecidedItem struct {
	Item     content.RequestItem
	Decision content.DecisionItem
	Accepted bool
}

// DecidedGroup is a group with its per-member outcomes and the group result.
type DecidedGroup struct {
	Group    content.RequestItemGroup
	Items    []DecidedItem
	Accepted bool
}

// DecidedNode mirrors one request tree node; exactly one field is set.
type DecidedNode struct {
	Item  *DecidedItem
	Group *DecidedGroup
}

// Evaluate validates that the decision tree mirrors the request's item tree
// and applies the per-item accept/reject rules. It is a pure function: no
// stores are touched, and the result reports outcomes per item so callers
// can surface rejection reasons individually.
//
// Group semantics: a group is accepted iff every mustBeAccepted member is
// individually accepted. When a mustBeAccepted member is rejected the group
// is rejected in full, cascading rejection onto members the caller had
// accepted. Members without mustBeAccepted never affect the group outcome.
func Evaluate(req content.Request, dec content.Decision) ([]DecidedNode, error) {
	if len(dec.Items) != len(req.Items) {
		return nil, structuralMismatch("decision has %d entries for %d request nodes", len(dec.Items), len(req.Items))
	}
	nodes := make([]DecidedNode, 0, len(req.Items))
	for i, reqNode := range req.Items {
		decNode := dec.Items[i]
		switch rn := reqNode.(type) {
		case content.RequestItemGroup:
			dg, ok := decNode.(content.DecisionGroup)
			if !ok {
				return nil, structuralMismatch("request node %d is a group but decision entry is a single item", i)
			}
			group, err := evaluateGroup(i, rn, dg)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, DecidedNode{Group: group})
		case content.RequestItem:
			di, ok := decNode.(content.DecisionItem)
			if !ok {
				return nil, structuralMismatch("request node %d is a single item but decision entry is a group", i)
			}
			nodes = append(nodes, DecidedNode{Item: &DecidedItem{
				Item:     rn,
				Decision: di,
				Accepted: di.Accept,
			}})
		default:
			return nil, structuralMismatch("request node %d has unsupported type", i)
		}
	}
	return nodes, nil
}

func evaluateGroup(pos int, g content.RequestItemGroup, dg content.DecisionGroup) (*DecidedGroup, error) {
	if len(dg.Items) != len(g.Items) {
		return nil, structuralMismatch("group at node %d has %d items but decision supplies %d", pos, len(g.Items), len(dg.Items))
	}
	group := &DecidedGroup{Group: g, Accepted: true}
	for i, item := range g.Items {
		di := dg.Items[i]
		group.Items = append(group.Items, DecidedItem{
			Item:     item,
			Decision: di,
			Accepted: di.Accept,
		})
		if item.Header().MustBeAccepted && !di.Accept {
			group.Accepted = false
		}
	}
	if !group.Accepted {
		// All-or-nothing: the rejected mustBeAccepted member drags every
		// other member down with it.
		for i := range group.Items {
			if group.Items[i].Accepted {
				group.Items[i].Accepted = false
				group.Items[i].Decision.Accept = false
				if group.Items[i].Decision.Code == "" {
					group.Items[i].Decision.Code = content.RejectCodeUnspecified
					group.Items[i].Decision.Message = "item was rejected because a mustBeAccepted item of its group was rejected"
				}
			}
		}
	}
	return group, nil
}

// requiredTopLevelRejections returns the positions of top-level
// mustBeAccepted items the decision rejects. Accepting a request with any
// such rejection is a validation error; rejecting the whole request is not.
func requiredTopLevelRejections(nodes []DecidedNode) []int {
	var positions []int
	for i, n := range nodes {
		if n.Item != nil && n.Item.Item.Header().MustBeAccepted && !n.Item.Accepted {
			positions = append(positions, i)
		}
	}
	return positions
}

// allReject builds a decision tree that rejects every node of the request,
// used by RejectIncomingRequest.
func allReject(req content.Request, code, message string) content.Decision {
	dec := content.Decision{}
	for _, node := range req.Items {
		switch n := node.(type) {
		case content.RequestItemGroup:
			g := content.DecisionGroup{}
			for range n.Items {
				g.Items = append(g.Items, content.DecisionItem{Code: code, Message: message})
			}
			dec.Items = append(dec.Items, g)
		default:
			dec.Items = append(dec.Items, content.DecisionItem{Code: code, Message: message})
		}
	}
	return dec
}
