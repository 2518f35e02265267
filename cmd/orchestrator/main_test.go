package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApp(t *testing.T) {
	t.Parallel()

	root, lggr, err := newApp([]string{"plan", "validate", "--log-level", "debug", "-f", "plan.yaml"})
	require.NoError(t, err)
	require.NotNil(t, lggr)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"plan", "op", "nonce"})

	_, _, err = newApp([]string{"--log-level", "loud"})
	require.ErrorContains(t, err, "--log-level")
}
