package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qgraphexec/internal/quantum"
)

func TestAggregator_FinishOrdersNodesByIndexRegardlessOfAddOrder(t *testing.T) {
	a := NewAggregator("run-1")
	a.Add(QuantumReport{NodeIndex: 2, Label: "coadd", State: quantum.Succeeded})
	a.Add(QuantumReport{NodeIndex: 0, Label: "isr", State: quantum.Succeeded})
	a.Add(QuantumReport{NodeIndex: 1, Label: "calibrate", State: quantum.Failed, Diag: "boom"})

	rr := a.Finish("deadbeef")

	require.Len(t, rr.Nodes, 3)
	assert.Equal(t, 0, rr.Nodes[0].NodeIndex)
	assert.Equal(t, 1, rr.Nodes[1].NodeIndex)
	assert.Equal(t, 2, rr.Nodes[2].NodeIndex)
	assert.Equal(t, "run-1", rr.RunID)
	assert.Equal(t, "deadbeef", rr.TraceHash)
}

func TestAggregator_AddTwiceOverwritesEarlierReport(t *testing.T) {
	a := NewAggregator("run-1")
	a.Add(QuantumReport{NodeIndex: 0, State: quantum.Succeeded})
	a.Add(QuantumReport{NodeIndex: 0, State: quantum.Skipped, Diag: "downgraded after fail-fast teardown"})

	rr := a.Finish("")
	require.Len(t, rr.Nodes, 1)
	assert.Equal(t, quantum.Skipped, rr.Nodes[0].State)
}

func TestRunReport_Summarize(t *testing.T) {
	rr := RunReport{
		Nodes: []QuantumReport{
			{NodeIndex: 0, Label: "isr", State: quantum.Succeeded},
			{NodeIndex: 1, Label: "calibrate", State: quantum.Failed},
			{NodeIndex: 2, Label: "coadd", State: quantum.Skipped},
		},
	}

	s := rr.Summarize()
	assert.Equal(t, 3, s.Total)
	assert.False(t, s.AllSucceeded)
	assert.Equal(t, []string{"calibrate"}, s.Failed)
	assert.Equal(t, 1, s.Counts[quantum.Succeeded])
}

func TestRunReport_Summarize_AllSucceeded(t *testing.T) {
	rr := RunReport{
		Nodes: []QuantumReport{
			{NodeIndex: 0, State: quantum.Succeeded},
			{NodeIndex: 1, State: quantum.Succeeded},
		},
	}
	s := rr.Summarize()
	assert.True(t, s.AllSucceeded)
	assert.Empty(t, s.Failed)
}

func TestSummary_String(t *testing.T) {
	s := Summary{Total: 2, Counts: map[quantum.State]int{quantum.Succeeded: 2}, AllSucceeded: true}
	assert.Equal(t, "2/2 succeeded", s.String())

	s2 := Summary{Total: 2, Counts: map[quantum.State]int{quantum.Succeeded: 1}, Failed: []string{"calibrate"}}
	assert.Contains(t, s2.String(), "calibrate")
}
