package operations

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_OperationRegistry_Retrieve(t *testing.T) {
	t.Parallel()

	v1 := semver.MustParse("1.0.0")
	op := NewOperation("deploy", v1, "deploys",
		func(b Bundle, deps any, input string) (string, error) { return input + "!", nil })

	r := NewOperationRegistry()
	RegisterOperation(r, op)

	tests := []struct {
		name    string
		give    Definition
		wantErr string
	}{
		{name: "found", give: Definition{ID: "deploy", Version: v1}},
		{name: "wrong version", give: Definition{ID: "deploy", Version: semver.MustParse("2.0.0")}, wantErr: "not found"},
		{name: "unknown id", give: Definition{ID: "other", Version: v1}, wantErr: "not found"},
		{name: "nil version", give: Definition{ID: "deploy"}, wantErr: "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := r.Retrieve(tt.give)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "deploy", got.ID())

			out, err := got.handler(Bundle{}, nil, "hi")
			require.NoError(t, err)
			assert.Equal(t, "hi!", out)

			_, err = got.handler(Bundle{}, nil, 42)
			require.ErrorContains(t, err, "input type mismatch")
		})
	}
}
