package flow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mohitkumar/fleetflow/flow"
)

func TestRegistryRejectsInvalidClasses(t *testing.T) {
	r := flow.NewRegistry()
	start := func(f *flow.Context) error { return nil }

	require.ErrorAs(t, r.Register(&flow.FlowClass{Start: start}), &flow.InvalidFlowClassError{})
	require.ErrorAs(t, r.Register(&flow.FlowClass{Name: "NoStart"}), &flow.InvalidFlowClassError{})
	require.ErrorAs(t, r.Register(&flow.FlowClass{
		Name:   "NilState",
		Start:  start,
		States: map[string]flow.StateFunc{"Done": nil},
	}), &flow.InvalidFlowClassError{})
	require.Empty(t, r.Names())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := flow.NewRegistry()
	c := &flow.FlowClass{Name: "Dup", Start: func(f *flow.Context) error { return nil }}
	require.NoError(t, r.Register(c))
	require.ErrorAs(t, r.Register(c), &flow.InvalidFlowClassError{})
	require.Panics(t, func() { r.MustRegister(c) })
}

func TestRegistryLookup(t *testing.T) {
	r := flow.NewRegistry()
	start := func(f *flow.Context) error { return nil }
	r.MustRegister(&flow.FlowClass{Name: "B", Start: start}, &flow.FlowClass{Name: "A", Start: start})

	require.Equal(t, []string{"A", "B"}, r.Names())
	c, err := r.Get("A")
	require.NoError(t, err)
	require.Equal(t, "A", c.Name)

	_, err = r.Get("C")
	require.ErrorAs(t, err, &flow.UnknownFlowClassError{})
	require.EqualError(t, err, "unknown flow C")
}
