package plan

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `{
	"title": "Roadmap",
	"projects": [
		{"id": "p1", "name": "Alpha", "phases": [
			{"id": "ph1", "name": "Design", "start": "2024-01-01"},
			{"id": "ph2", "name": "Build"}
		]},
		{"id": "p2", "name": "Beta", "phases": [{"id": "ph3", "name": "Ship"}]}
	],
	"connections": [
		{"id": "c1", "from": "ph1", "to": "ph2"},
		{"id": "c2", "from": "ph2", "to": "ph3", "kind": "blocks"}
	]
}`

func mustDoc(t *testing.T, blob string) Document {
	t.Helper()
	doc, err := DecodeDocument([]byte(blob))
	require.NoError(t, err)
	return doc
}

func encoded(t *testing.T, doc Document) string {
	t.Helper()
	blob, err := EncodeDocument(doc)
	require.NoError(t, err)
	return string(blob)
}

func projectIDs(doc Document) []string {
	ids := make([]string, 0, len(doc.Projects))
	for _, p := range doc.Projects {
		ids = append(ids, p.ID)
	}
	return ids
}

func phaseIDs(p Project) []string {
	ids := make([]string, 0, len(p.Phases))
	for _, ph := range p.Phases {
		ids = append(ids, ph.ID)
	}
	return ids
}

func connectionIDs(doc Document) []string {
	ids := make([]string, 0, len(doc.Connections))
	for _, c := range doc.Connections {
		ids = append(ids, c.ID)
	}
	return ids
}

func raw(v string) json.RawMessage { return json.RawMessage(v) }

func TestApplyDoesNotMutateInput(t *testing.T) {
	doc := mustDoc(t, fixture)
	before := encoded(t, doc)

	actions := []Action{
		AddProject{Project: Project{ID: "p3"}},
		UpdateProject{ProjectID: "p1", Updates: Attrs{"name": raw(`"Renamed"`)}},
		Reorder(0, 1),
		AddPhase{ProjectID: "p1", Phase: Phase{ID: "ph9"}},
		UpdatePhase{ProjectID: "p1", PhaseID: "ph1", Updates: Attrs{"name": raw(`"Plan"`)}},
		MovePhase{PhaseID: "ph1", FromProjectID: "p1", ToProjectID: "p2"},
		DeletePhase{ProjectID: "p1", PhaseID: "ph2"},
		DeleteProject{ProjectID: "p2"},
		AddConnection{Connection: Connection{ID: "c9", From: "ph1", To: "ph3"}},
		DeleteConnection{ConnectionID: "c1"},
		SetDateRange{DateRange: &DateRange{Start: "2024-01-01", End: "2024-06-30"}},
	}
	for _, action := range actions {
		_ = Apply(doc, action)
		require.JSONEq(t, before, encoded(t, doc), "input changed by %s", action.Type())
	}
}

func TestReorderProjects(t *testing.T) {
	doc := mustDoc(t, `{"projects":[{"id":"A"},{"id":"B"},{"id":"C"},{"id":"D"}]}`)

	cases := []struct {
		name     string
		from, to int
		want     []string
	}{
		{name: "forward", from: 0, to: 2, want: []string{"B", "C", "A", "D"}},
		{name: "backward", from: 3, to: 0, want: []string{"D", "A", "B", "C"}},
		{name: "same index", from: 1, to: 1, want: []string{"A", "B", "C", "D"}},
		{name: "from out of range", from: 5, to: 0, want: []string{"A", "B", "C", "D"}},
		{name: "negative from", from: -1, to: 0, want: []string{"A", "B", "C", "D"}},
		{name: "to beyond end appends", from: 1, to: 10, want: []string{"A", "C", "D", "B"}},
		{name: "negative to counts from end", from: 1, to: -1, want: []string{"A", "C", "B", "D"}},
		{name: "negative to past start", from: 2, to: -10, want: []string{"C", "A", "B", "D"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next := Apply(doc, Reorder(tc.from, tc.to))
			assert.Equal(t, tc.want, projectIDs(next))
			assert.Equal(t, []string{"A", "B", "C", "D"}, projectIDs(doc))
		})
	}
}

func TestDeletePhaseRemovesTouchingConnections(t *testing.T) {
	doc := mustDoc(t, fixture)

	next := Apply(doc, DeletePhase{ProjectID: "p1", PhaseID: "ph2"})

	assert.Equal(t, []string{"ph1"}, phaseIDs(next.Projects[0]))
	assert.Empty(t, next.Connections)
	assert.Len(t, doc.Connections, 2)
}

func TestDeleteProjectRemovesConnectionsOfItsPhases(t *testing.T) {
	doc := mustDoc(t, fixture)

	next := Apply(doc, DeleteProject{ProjectID: "p2"})

	assert.Equal(t, []string{"p1"}, projectIDs(next))
	assert.Equal(t, []string{"c1"}, connectionIDs(next))
}

func TestMovePhase(t *testing.T) {
	doc := mustDoc(t, fixture)

	next := Apply(doc, MovePhase{
		PhaseID:       "ph1",
		FromProjectID: "p1",
		ToProjectID:   "p2",
		Updates:       Attrs{"start": raw(`"2024-03-01"`), "id": raw(`"hijack"`)},
	})

	assert.Equal(t, []string{"ph2"}, phaseIDs(next.Projects[0]))
	assert.Equal(t, []string{"ph3", "ph1"}, phaseIDs(next.Projects[1]))
	moved := next.Projects[1].Phases[1]
	assert.Equal(t, "2024-03-01", moved.Attrs.String("start"))
	assert.Equal(t, "Design", moved.Attrs.String("name"))
	assert.Equal(t, "ph1", moved.ID)
	assert.Equal(t, []string{"c1", "c2"}, connectionIDs(next))
}

func TestMovePhaseNoOps(t *testing.T) {
	doc := mustDoc(t, fixture)
	want := encoded(t, doc)

	cases := map[string]MovePhase{
		"missing target":         {PhaseID: "ph1", FromProjectID: "p1", ToProjectID: "nope"},
		"missing source":         {PhaseID: "ph1", FromProjectID: "nope", ToProjectID: "p2"},
		"phase not under source": {PhaseID: "ph3", FromProjectID: "p1", ToProjectID: "p2"},
	}
	for name, action := range cases {
		t.Run(name, func(t *testing.T) {
			assert.JSONEq(t, want, encoded(t, Apply(doc, action)))
		})
	}
}

func TestUpdatesNeverOverwriteIdentity(t *testing.T) {
	doc := mustDoc(t, fixture)

	next := Apply(doc, UpdateProject{ProjectID: "p1", Updates: Attrs{
		"id":     raw(`"other"`),
		"phases": raw(`[]`),
		"name":   raw(`"Alpha 2"`),
	}})
	next = Apply(next, UpdatePhase{ProjectID: "p1", PhaseID: "ph2", Updates: Attrs{
		"id":   raw(`"other"`),
		"name": raw(`"Construct"`),
	}})

	assert.Equal(t, "p1", next.Projects[0].ID)
	assert.Equal(t, "Alpha 2", next.Projects[0].Attrs.String("name"))
	assert.Equal(t, []string{"ph1", "ph2"}, phaseIDs(next.Projects[0]))
	assert.Equal(t, "Construct", next.Projects[0].Phases[1].Attrs.String("name"))
	assert.Equal(t, "Build", doc.Projects[0].Phases[1].Attrs.String("name"))
}

func TestMissingTargetsAreNoOps(t *testing.T) {
	doc := mustDoc(t, fixture)
	want := encoded(t, doc)

	actions := []Action{
		UpdateProject{ProjectID: "nope", Updates: Attrs{"name": raw(`"x"`)}},
		DeleteProject{ProjectID: "nope"},
		AddPhase{ProjectID: "nope", Phase: Phase{ID: "ph9"}},
		UpdatePhase{ProjectID: "p1", PhaseID: "nope", Updates: Attrs{"name": raw(`"x"`)}},
		DeleteConnection{ConnectionID: "nope"},
		AddConnection{Connection: Connection{ID: "c9", From: "ph1", To: "nope"}},
		Unknown{Kind: "archiveProject", Raw: raw(`{"type":"archiveProject","projectId":"p1"}`)},
	}
	for _, action := range actions {
		assert.JSONEq(t, want, encoded(t, Apply(doc, action)), action.Type())
	}
}

func TestAddIsNotIdempotent(t *testing.T) {
	doc := mustDoc(t, fixture)
	add := AddPhase{ProjectID: "p2", Phase: Phase{ID: "ph9"}}

	next := Apply(Apply(doc, add), add)

	assert.Equal(t, []string{"ph3", "ph9", "ph9"}, phaseIDs(next.Projects[1]))
}

func TestConnectionsAreNotDeduplicated(t *testing.T) {
	doc := mustDoc(t, fixture)
	require.True(t, HasConnection(doc, "ph1", "ph2"))
	require.False(t, HasConnection(doc, "ph1", "ph3"))

	next := Apply(doc, AddConnection{Connection: Connection{ID: "c3", From: "ph1", To: "ph2"}})

	assert.Equal(t, []string{"c1", "c2", "c3"}, connectionIDs(next))
}

func TestSetDateRange(t *testing.T) {
	doc := mustDoc(t, fixture)

	next := Apply(doc, SetDateRange{DateRange: &DateRange{Start: "2024-01-01", End: "2024-12-31"}})
	require.NotNil(t, next.DateRange)
	assert.Equal(t, "2024-12-31", next.DateRange.End)
	assert.Nil(t, doc.DateRange)

	cleared := Apply(next, SetDateRange{})
	assert.Nil(t, cleared.DateRange)
	assert.NotNil(t, next.DateRange)
}

func TestDocumentRoundTripPreservesUnknownFields(t *testing.T) {
	doc := mustDoc(t, fixture)

	assert.JSONEq(t, fixture, encoded(t, doc))
	assert.Equal(t, "Roadmap", doc.Attrs.String("title"))
	assert.Equal(t, "blocks", doc.Connections[1].Attrs.String("kind"))
}

func TestDecodeDocumentEmpty(t *testing.T) {
	doc, err := DecodeDocument(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"projects":[],"connections":[]}`, encoded(t, doc))

	_, err = DecodeDocument([]byte(`{"projects":{}}`))
	assert.Error(t, err)
}

// Random action sequences over a small id space must never leave an edge
// pointing at a phase that is no longer in the document.
func TestNoDanglingConnections(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	projects := []string{"p1", "p2", "p3"}
	phases := []string{"a", "b", "c", "d", "e", "f"}
	pick := func(ids []string) string { return ids[rng.Intn(len(ids))] }

	for run := 0; run < 200; run++ {
		doc := NewDocument()
		for step := 0; step < 40; step++ {
			var action Action
			switch rng.Intn(8) {
			case 0:
				action = AddProject{Project: Project{ID: pick(projects)}}
			case 1:
				action = AddPhase{ProjectID: pick(projects), Phase: Phase{ID: pick(phases)}}
			case 2:
				action = AddConnection{Connection: Connection{ID: fmt.Sprintf("c%d", step), From: pick(phases), To: pick(phases)}}
			case 3:
				action = DeletePhase{ProjectID: pick(projects), PhaseID: pick(phases)}
			case 4:
				action = DeleteProject{ProjectID: pick(projects)}
			case 5:
				action = MovePhase{PhaseID: pick(phases), FromProjectID: pick(projects), ToProjectID: pick(projects)}
			case 6:
				action = Reorder(rng.Intn(5)-1, rng.Intn(5)-1)
			default:
				action = AddPhase{ProjectID: pick(projects), Phase: Phase{ID: pick(phases)}}
			}
			doc = Apply(doc, action)
			for _, conn := range doc.Connections {
				if !doc.hasPhase(conn.From) || !doc.hasPhase(conn.To) {
					t.Fatalf("run %d step %d: %s left dangling connection %+v", run, step, action.Type(), conn)
				}
			}
		}
	}
}
