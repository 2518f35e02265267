package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
)

func Test_Graph_Waves(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		giveIDs   []string
		giveEdges []Edge
		want      [][]string
		wantErr   faults.Kind
	}{
		{
			name:    "independent nodes form one wave",
			giveIDs: []string{"a", "b", "c"},
			want:    [][]string{{"a", "b", "c"}},
		},
		{
			name:      "token then registry",
			giveIDs:   []string{"Registry", "TokenA"},
			giveEdges: []Edge{{From: "TokenA", To: "Registry"}},
			want:      [][]string{{"TokenA"}, {"Registry"}},
		},
		{
			name:    "diamond",
			giveIDs: []string{"root", "left", "right", "join"},
			giveEdges: []Edge{
				{From: "root", To: "left"},
				{From: "root", To: "right"},
				{From: "left", To: "join"},
				{From: "right", To: "join"},
			},
			want: [][]string{{"root"}, {"left", "right"}, {"join"}},
		},
		{
			name:    "duplicate edges are collapsed",
			giveIDs: []string{"a", "b"},
			giveEdges: []Edge{
				{From: "a", To: "b"},
				{From: "a", To: "b"},
			},
			want: [][]string{{"a"}, {"b"}},
		},
		{
			name:    "cycle",
			giveIDs: []string{"a", "b", "c", "d"},
			giveEdges: []Edge{
				{From: "a", To: "b"},
				{From: "b", To: "c"},
				{From: "c", To: "b"},
			},
			wantErr: faults.CyclicDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g, errs := NewGraph(tt.giveIDs, tt.giveEdges)
			require.Empty(t, errs)

			got, err := g.Waves()
			if tt.wantErr != "" {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_Graph_CycleNamesRemainingNodes(t *testing.T) {
	t.Parallel()

	g, errs := NewGraph([]string{"a", "b", "c"}, []Edge{{From: "b", To: "c"}, {From: "c", To: "b"}})
	require.Empty(t, errs)

	_, err := g.Waves()
	require.ErrorContains(t, err, "[b, c]")
}

func Test_NewGraph_ValidationErrors(t *testing.T) {
	t.Parallel()

	_, errs := NewGraph(
		[]string{"a", "a", "", "b"},
		[]Edge{
			{From: "a", To: "a"},
			{From: "ghost", To: "b"},
			{From: "a", To: "phantom"},
		},
	)

	kinds := make([]faults.Kind, 0, len(errs))
	for _, e := range errs {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []faults.Kind{
		faults.InvalidArgument,
		faults.InvalidArgument,
		faults.UnknownDependency,
		faults.UnknownDependency,
		faults.UnknownDependency,
	}, kinds)
}

func Test_Graph_TransitiveDependents(t *testing.T) {
	t.Parallel()

	g, errs := NewGraph(
		[]string{"token", "registry", "settlement", "other"},
		[]Edge{
			{From: "token", To: "registry"},
			{From: "registry", To: "settlement"},
			{From: "token", To: "settlement"},
		},
	)
	require.Empty(t, errs)

	assert.Equal(t, []string{"registry", "settlement"}, g.TransitiveDependents("token"))
	assert.Equal(t, []string{"settlement"}, g.TransitiveDependents("registry"))
	assert.Empty(t, g.TransitiveDependents("other"))
	assert.Equal(t, []string{"token"}, g.Dependencies("registry"))
	assert.Contains(t, g.String(), "token -> registry")
}

// Every edge must point from an earlier wave to a later one.
func Test_Graph_WavesRespectEdges(t *testing.T) {
	t.Parallel()

	ids := []string{"n0", "n1", "n2", "n3", "n4", "n5", "n6", "n7"}
	edges := []Edge{
		{From: "n0", To: "n3"}, {From: "n1", To: "n3"}, {From: "n3", To: "n5"},
		{From: "n2", To: "n6"}, {From: "n5", To: "n7"}, {From: "n6", To: "n7"}, {From: "n4", To: "n5"},
	}
	g, errs := NewGraph(ids, edges)
	require.Empty(t, errs)

	waves, err := g.Waves()
	require.NoError(t, err)

	waveOf := map[string]int{}
	total := 0
	for i, w := range waves {
		for _, id := range w {
			waveOf[id] = i
			total++
		}
	}
	assert.Equal(t, len(ids), total)
	for _, e := range edges {
		assert.Less(t, waveOf[e.From], waveOf[e.To], "%s -> %s", e.From, e.To)
	}
}
