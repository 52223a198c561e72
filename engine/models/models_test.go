package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceIDRoundTrip(t *testing.T) {
	id := NewInstanceID()
	parsed, err := ParseInstanceID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestTriggerTreeEvaluate(t *testing.T) {
	x, y, z := NewInstanceID(), NewInstanceID(), NewInstanceID()
	tree := TriggerTree{
		Op: GateAND,
		Children: []TriggerTree{
			{IsLeaf: true, Leaf: x},
			{Op: GateOR, Children: []TriggerTree{
				{IsLeaf: true, Leaf: y},
				{Op: GateNAND, Children: []TriggerTree{{IsLeaf: true, Leaf: z}}},
			}},
		},
	}

	cases := []struct {
		name   string
		cache  map[InstanceID]bool
		expect bool
	}{
		{"nand-false-child-yields-true-leaf", map[InstanceID]bool{x: true, y: false, z: false}, true},
		{"nand-true-child-yields-false-leaf", map[InstanceID]bool{x: true, y: false, z: true}, false},
		{"and-short-circuits-on-false-x", map[InstanceID]bool{x: false, y: true, z: false}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, tree.Evaluate(tc.cache))
			// purity: re-evaluating the identical cache yields the identical result.
			assert.Equal(t, tc.expect, tree.Evaluate(tc.cache))
		})
	}
}

func TestTriggerTreeLeavesBFS(t *testing.T) {
	x, y := NewInstanceID(), NewInstanceID()
	tree := TriggerTree{Op: GateOR, Children: []TriggerTree{
		{IsLeaf: true, Leaf: x},
		{IsLeaf: true, Leaf: y},
	}}
	leaves := tree.Leaves()
	assert.ElementsMatch(t, []InstanceID{x, y}, leaves)
}

func TestNodeInstanceStatusInvariantHelpers(t *testing.T) {
	n := &NodeInstance{Status: StatusBuilt, Worker: &WorkerHandle{}}
	assert.True(t, n.Built())
	assert.False(t, n.Errored())

	n2 := &NodeInstance{Status: StatusError, BuildError: assertError("boom")}
	assert.False(t, n2.Built())
	assert.True(t, n2.Errored())
}

type assertError string

func (e assertError) Error() string { return string(e) }
