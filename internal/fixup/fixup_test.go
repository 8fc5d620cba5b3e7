package fixup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qgraphexec/internal/graphview"
	"qgraphexec/internal/quantum"
)

func dataIDNode(idx int, label string, dataID float64) quantum.Node {
	return quantum.NewNode(idx, quantum.TaskDef{Label: label}, quantum.Payload{"visit": dataID})
}

func TestCanonical_ChainsSameLabelNodesByDataID(t *testing.T) {
	v, err := graphview.New([]quantum.Node{
		dataIDNode(0, "isr", 30),
		dataIDNode(1, "isr", 10),
		dataIDNode(2, "isr", 20),
	})
	require.NoError(t, err)

	fixed, err := Canonical{DataIDKey: "visit"}.Apply(v)
	require.NoError(t, err)

	order, err := fixed.IterateTopologically()
	require.NoError(t, err)

	position := make(map[int]int, len(order))
	for i, n := range order {
		position[n.Index] = i
	}
	assert.Less(t, position[1], position[2])
	assert.Less(t, position[2], position[0])
}

func TestCanonical_ReverseFlipsOrder(t *testing.T) {
	v, err := graphview.New([]quantum.Node{
		dataIDNode(0, "isr", 1),
		dataIDNode(1, "isr", 2),
	})
	require.NoError(t, err)

	fixed, err := Canonical{DataIDKey: "visit", Reverse: true}.Apply(v)
	require.NoError(t, err)

	deps, err := fixed.DependenciesOf(0)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, 1, deps[0].Index)
}

func TestCanonical_DoesNotChainDifferentLabels(t *testing.T) {
	v, err := graphview.New([]quantum.Node{
		dataIDNode(0, "isr", 1),
		dataIDNode(1, "calibrate", 1),
	})
	require.NoError(t, err)

	fixed, err := Canonical{DataIDKey: "visit"}.Apply(v)
	require.NoError(t, err)

	deps0, _ := fixed.DependenciesOf(0)
	deps1, _ := fixed.DependenciesOf(1)
	assert.Empty(t, deps0)
	assert.Empty(t, deps1)
}

func TestCanonical_MissingDataIDKeyFails(t *testing.T) {
	v, err := graphview.New([]quantum.Node{
		quantum.NewNode(0, quantum.TaskDef{Label: "isr"}, quantum.Payload{}),
	})
	require.NoError(t, err)

	_, err = Canonical{DataIDKey: "visit"}.Apply(v)
	require.Error(t, err)
	var missing *ErrMissingDataIDKey
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "visit", missing.Key)
}

func conditionalNode(idx int, label string, visit float64, detector int64) quantum.Node {
	return quantum.NewNode(idx, quantum.TaskDef{Label: label}, quantum.Payload{"visit": visit, "detector": detector})
}

func TestConditionalOrdering_ChainsOnlyMatchingNodes(t *testing.T) {
	v, err := graphview.New([]quantum.Node{
		conditionalNode(0, "isr", 30, 1),
		conditionalNode(1, "isr", 10, 5),
		conditionalNode(2, "isr", 20, 1),
	})
	require.NoError(t, err)

	co, err := NewConditionalOrdering("visit", false, "detector == 1")
	require.NoError(t, err)

	fixed, err := co.Apply(v)
	require.NoError(t, err)

	// Node 1 has detector == 5 and must not be chained to anything.
	deps1, err := fixed.DependenciesOf(1)
	require.NoError(t, err)
	assert.Empty(t, deps1)

	// Nodes 0 and 2 both have detector == 1 and are chained by visit order.
	deps0, err := fixed.DependenciesOf(0)
	require.NoError(t, err)
	require.Len(t, deps0, 1)
	assert.Equal(t, 2, deps0[0].Index)
}

func TestConditionalOrdering_InvalidExpressionFailsAtConstruction(t *testing.T) {
	_, err := NewConditionalOrdering("visit", false, "detector ===")
	require.Error(t, err)
}

func TestConditionalOrdering_PropagatesMatchEvaluationError(t *testing.T) {
	v, err := graphview.New([]quantum.Node{
		conditionalNode(0, "isr", 1, 1),
	})
	require.NoError(t, err)

	co, err := NewConditionalOrdering("visit", false, "undefinedField == 1")
	require.NoError(t, err)

	_, err = co.Apply(v)
	require.Error(t, err)
}

func TestCanonical_AppliedTwiceIsIdempotentOnEdgeSet(t *testing.T) {
	v, err := graphview.New([]quantum.Node{
		dataIDNode(0, "isr", 2),
		dataIDNode(1, "isr", 1),
	})
	require.NoError(t, err)

	c := Canonical{DataIDKey: "visit"}
	first, err := c.Apply(v)
	require.NoError(t, err)
	second, err := c.Apply(first)
	require.NoError(t, err)

	depsFirst, _ := first.DependenciesOf(0)
	depsSecond, _ := second.DependenciesOf(0)
	require.Len(t, depsFirst, 1)
	require.Len(t, depsSecond, 1)
	assert.Equal(t, depsFirst[0].Index, depsSecond[0].Index)
}
