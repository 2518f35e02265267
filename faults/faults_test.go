package faults

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Error_Is(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("deploy: %w", New(Revert, "execution reverted: %s", "insufficient balance"))

	require.ErrorIs(t, err, Revert)
	require.NotErrorIs(t, err, Timeout)
	assert.Equal(t, Revert, KindOf(err))
	assert.Contains(t, err.Error(), "insufficient balance")
}

func Test_Wrap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		give     error
		giveKind Kind
		want     Kind
	}{
		{
			name:     "plain error takes the kind",
			give:     errors.New("connection reset"),
			giveKind: TransientNetwork,
			want:     TransientNetwork,
		},
		{
			name:     "classified error keeps its kind",
			give:     New(Timeout, "no receipt"),
			giveKind: Revert,
			want:     Timeout,
		},
		{
			name:     "unknown kind is reclassified",
			give:     New(Unknown, "boom"),
			giveKind: Revert,
			want:     Revert,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Wrap(tt.giveKind, tt.give)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
		})
	}

	assert.Nil(t, Wrap(Revert, nil))
}

func Test_Retryable(t *testing.T) {
	t.Parallel()

	assert.True(t, Retryable(New(TransientNetwork, "reset")))
	assert.True(t, Retryable(New(Timeout, "no receipt")))
	assert.False(t, Retryable(New(Revert, "reverted")))
	assert.False(t, Retryable(New(SimulationFailure, "predicted revert")))
	assert.False(t, Retryable(errors.New("plain")))
}

func Test_Error_WithNode(t *testing.T) {
	t.Parallel()

	err := New(MissingArgument, "argument %q is required", "name").WithNode("plan_1", "TokenA")

	assert.Equal(t, "MissingArgument [TokenA]: argument \"name\" is required", err.Error())
	assert.Equal(t, "plan_1", err.Entity)

	text, mErr := err.MarshalText()
	require.NoError(t, mErr)
	assert.Equal(t, err.Error(), string(text))
	assert.True(t, MissingArgument.IsValidation())
	assert.False(t, Revert.IsValidation())
}

func Test_Error_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	orig := Wrap(Revert, fmt.Errorf("deploy: %w", errors.New("execution reverted: paused"))).WithNode("plan_1", "Registry")

	data, err := json.Marshal(orig)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"RevertError","entity":"plan_1","node":"Registry","message":"deploy: execution reverted: paused"}`, string(data))

	var got *Error
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, orig.Error(), got.Error())
	assert.ErrorIs(t, got, Revert)
}
