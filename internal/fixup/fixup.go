// Package fixup implements execution graph fixups: caller-supplied
// transforms that add synthetic ordering edges to a graph view before the
// scheduler runs it.
package fixup

import (
	"fmt"
	"sort"

	"qgraphexec/internal/graphview"
	"qgraphexec/internal/quantum"
)

// ErrMissingDataIDKey is returned by Canonical when a node's payload lacks
// the configured ordering key or holds a non-numeric value under it.
type ErrMissingDataIDKey struct {
	Key   string
	Index int
}

func (e *ErrMissingDataIDKey) Error() string {
	return fmt.Sprintf("fixup: node %d payload has no %q key", e.Index, e.Key)
}

// Fixup transforms a graph view by adding synthetic predecessor edges. It
// must not remove nodes or existing edges, and must not introduce a cycle;
// scheduler.Run checks this after applying fixups and fails with a
// CycleError when FindCycle is non-empty.
type Fixup interface {
	Apply(v *graphview.View) (*graphview.View, error)
}

// Canonical orders same-label nodes by a numeric data-id field, chaining
// each node to its immediate predecessor in that order. Ties on the data-id
// value are broken by node index, so the induced order is total and
// deterministic regardless of input order.
type Canonical struct {
	// DataIDKey is the payload field read from each node to obtain its
	// ordering value. It must map to a float64, int, or int64.
	DataIDKey string

	// Reverse, when true, orders nodes by descending data-id value.
	Reverse bool
}

// Apply chains same-label nodes into a total order and returns a new view
// with the corresponding predecessor edges added.
func (c Canonical) Apply(v *graphview.View) (*graphview.View, error) {
	extra, err := canonicalChainEdges(v, c.DataIDKey, c.Reverse, nil)
	if err != nil {
		return nil, err
	}
	return v.Extend(extra)
}

// ConditionalOrdering is Canonical restricted to the subset of nodes whose
// payload satisfies a DataIDMatch predicate: same-label nodes that match
// are chained into a total order exactly as Canonical would, while
// non-matching nodes are left out of the chain entirely rather than
// breaking it. It is the fixup-side counterpart of an ExecFixup that
// filters which quanta participate in canonical ordering.
type ConditionalOrdering struct {
	dataIDKey string
	reverse   bool
	match     *DataIDMatch
}

// NewConditionalOrdering builds a ConditionalOrdering that orders
// same-label nodes by dataIDKey (descending when reverse is true), among
// only those nodes whose payload satisfies matchExpr.
func NewConditionalOrdering(dataIDKey string, reverse bool, matchExpr string) (*ConditionalOrdering, error) {
	m, err := NewDataIDMatch(matchExpr)
	if err != nil {
		return nil, err
	}
	return &ConditionalOrdering{dataIDKey: dataIDKey, reverse: reverse, match: m}, nil
}

// Apply chains the matching subset of same-label nodes into a total order
// and returns a new view with the corresponding predecessor edges added.
func (c *ConditionalOrdering) Apply(v *graphview.View) (*graphview.View, error) {
	include := func(n quantum.Node) (bool, error) {
		ok, err := c.match.Match(n.Quantum)
		if err != nil {
			return false, fmt.Errorf("fixup: conditional ordering node %d: %w", n.Index, err)
		}
		return ok, nil
	}
	extra, err := canonicalChainEdges(v, c.dataIDKey, c.reverse, include)
	if err != nil {
		return nil, err
	}
	return v.Extend(extra)
}

// canonicalChainEdges computes the predecessor edges Canonical/
// ConditionalOrdering add: same-label nodes passing include (all nodes,
// when include is nil) chained in dataIDKey order, ties broken by index.
func canonicalChainEdges(v *graphview.View, dataIDKey string, reverse bool, include func(quantum.Node) (bool, error)) (map[int][]int, error) {
	byLabel := make(map[string][]orderedNode)

	for _, n := range v.Nodes() {
		if include != nil {
			ok, err := include(n)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		val, err := numericField(n.Quantum, dataIDKey)
		if err != nil {
			return nil, &ErrMissingDataIDKey{Key: dataIDKey, Index: n.Index}
		}
		byLabel[n.TaskDef.Label] = append(byLabel[n.TaskDef.Label], orderedNode{index: n.Index, value: val})
	}

	extra := make(map[int][]int)
	for _, group := range byLabel {
		sort.Slice(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if a.value != b.value {
				if reverse {
					return a.value > b.value
				}
				return a.value < b.value
			}
			return a.index < b.index
		})
		for i := 1; i < len(group); i++ {
			prev, cur := group[i-1], group[i]
			extra[cur.index] = append(extra[cur.index], prev.index)
		}
	}

	return extra, nil
}

type orderedNode struct {
	index int
	value float64
}

func numericField(payload map[string]any, key string) (float64, error) {
	raw, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("missing key %q", key)
	}
	switch x := raw.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("key %q has non-numeric type %T", key, raw)
	}
}
