package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/entitystore"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/store"
)

func newTestStore(t *testing.T) *entitystore.EntityStore {
	t.Helper()
	env, err := store.OpenEnv(t.TempDir() + "/entities.db")
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return entitystore.New(env, domain.NewRegistry())
}

func addFolder(t *testing.T, es *entitystore.EntityStore, name string) keys.Identifier {
	t.Helper()
	id := keys.NewIdentifier()
	require.NoError(t, es.Update(func(w *entitystore.Writer) error {
		_, err := w.Add(domain.Folder, id, map[string][]byte{"name": []byte(name)}, nil, false)
		return err
	}))
	return id
}

func TestExecuteFullScanMatchesBaseFilters(t *testing.T) {
	es := newTestStore(t)
	inbox := addFolder(t, es, "Inbox")
	addFolder(t, es, "Archive")

	q := Compile(es, domain.NewRegistry(), Query{
		Type:        domain.Folder,
		BaseFilters: map[string]Comparator{"name": {Kind: Equals, Value: []byte("Inbox")}},
	})

	rs, err := q.Execute()
	require.NoError(t, err)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, inbox, rs.Results[0].Entity)
	assert.Equal(t, Creation, rs.Results[0].Operation)
}

func TestExecuteRespectsLimit(t *testing.T) {
	es := newTestStore(t)
	addFolder(t, es, "A")
	addFolder(t, es, "B")
	addFolder(t, es, "C")

	q := Compile(es, domain.NewRegistry(), Query{Type: domain.Folder, Limit: 2})
	rs, err := q.Execute()
	require.NoError(t, err)
	assert.Len(t, rs.Results, 2)
}

func TestUpdateClassifiesCreationModificationAndRemoval(t *testing.T) {
	es := newTestStore(t)
	inbox := addFolder(t, es, "Inbox")

	q := Compile(es, domain.NewRegistry(), Query{Type: domain.Folder, LiveQuery: true})
	_, err := q.Execute()
	require.NoError(t, err)

	require.NoError(t, es.Update(func(w *entitystore.Writer) error {
		_, err := w.Modify(domain.Folder, inbox, map[string][]byte{"name": []byte("Renamed")}, nil, false)
		return err
	}))

	rs, err := q.Update(0)
	require.NoError(t, err)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, Modification, rs.Results[0].Operation)

	require.NoError(t, es.Update(func(w *entitystore.Writer) error {
		_, err := w.Remove(domain.Folder, inbox, false)
		return err
	}))

	rs, err = q.Update(0)
	require.NoError(t, err)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, Removal, rs.Results[0].Operation)
}

func TestReduceGroupsPicksRepresentativeAndCounts(t *testing.T) {
	in := []Result{
		{Entity: keys.NewIdentifier(), Properties: map[string][]byte{"thread": []byte("t1"), "date": []byte("2024-01-01")}},
		{Entity: keys.NewIdentifier(), Properties: map[string][]byte{"thread": []byte("t1"), "date": []byte("2024-06-01")}},
		{Entity: keys.NewIdentifier(), Properties: map[string][]byte{"thread": []byte("t2"), "date": []byte("2024-03-01")}},
	}

	stage := FilterStage{
		Kind:          StageReduce,
		ReductionProp: "thread",
		Selection: ReduceSelection{
			SelectionProp: "date",
			Cmp:           Max,
			Aggregators:   []Aggregator{{Kind: Count, Property: "count"}},
		},
	}

	out := reduce(stage, in)
	require.Len(t, out, 2)

	var t1Rep Result
	for _, res := range out {
		if string(res.Properties["thread"]) == "t1" {
			t1Rep = res
		}
	}
	assert.Equal(t, "2024-06-01", string(t1Rep.Properties["date"]))
	rev, err := keys.DecodeRevision(t1Rep.Aggregates["count"])
	require.NoError(t, err)
	assert.EqualValues(t, 2, rev)
}

func TestGetStateSetStateRoundtrip(t *testing.T) {
	es := newTestStore(t)
	addFolder(t, es, "Inbox")

	q := Compile(es, domain.NewRegistry(), Query{Type: domain.Folder, LiveQuery: true})
	_, err := q.Execute()
	require.NoError(t, err)

	state := q.GetState()
	assert.Len(t, state.Matched, 1)

	q2 := Compile(es, domain.NewRegistry(), Query{Type: domain.Folder, LiveQuery: true})
	q2.SetState(state)
	assert.Equal(t, state.LastRevision, q2.GetState().LastRevision)
}
