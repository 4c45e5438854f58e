package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu       sync.Mutex
	messages []map[string]any
}

func (c *recordingConn) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	c.mu.Lock()
	c.messages = append(c.messages, decoded)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) ofType(messageType string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, m := range c.messages {
		if m["type"] == messageType {
			out = append(out, m)
		}
	}
	return out
}

func (c *recordingConn) last(messageType string) map[string]any {
	matches := c.ofType(messageType)
	if len(matches) == 0 {
		return nil
	}
	return matches[len(matches)-1]
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
}

func rosterIDs(msg map[string]any) []string {
	users, _ := msg["users"].([]any)
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.(map[string]any)["id"].(string))
	}
	return ids
}

func newTestChannel() *Channel {
	return NewChannel(Options{Logger: zerolog.Nop()})
}

func connect(c *Channel, userID string) (*Session, *recordingConn) {
	conn := &recordingConn{}
	return c.Connect(conn, Identity{UserID: userID, Name: "User " + userID}), conn
}

func strPtr(s string) *string { return &s }

var ctx = context.Background()

func TestConnectAnnouncesInstanceID(t *testing.T) {
	c := newTestChannel()
	session, conn := connect(c, "u1")

	msg := conn.last(TypeConnected)
	require.NotNil(t, msg)
	assert.Equal(t, session.InstanceID(), msg["instanceId"])
}

func TestJoinBroadcastsFullRoster(t *testing.T) {
	c := newTestChannel()
	a, connA := connect(c, "u1")
	b, connB := connect(c, "u2")

	c.Handle(ctx, a, Inbound{Type: TypeJoin, DocumentID: "doc"})
	c.Handle(ctx, b, Inbound{Type: TypeJoin, DocumentID: "doc"})

	want := []string{a.InstanceID(), b.InstanceID()}
	assert.Equal(t, want, rosterIDs(connA.last(TypeUsers)))
	assert.Equal(t, want, rosterIDs(connB.last(TypeUsers)))
	assert.Equal(t, "doc", connB.last(TypeUsers)["documentId"])
}

func TestCursorExcludesSender(t *testing.T) {
	c := newTestChannel()
	a, connA := connect(c, "u1")
	b, connB := connect(c, "u2")
	outsider, connOut := connect(c, "u3")
	c.Handle(ctx, a, Inbound{Type: TypeJoin, DocumentID: "doc"})
	c.Handle(ctx, b, Inbound{Type: TypeJoin, DocumentID: "doc"})
	c.Handle(ctx, outsider, Inbound{Type: TypeJoin, DocumentID: "other"})

	c.Handle(ctx, a, Inbound{Type: TypeCursor, DayOffset: 12.5, Y: 40})

	assert.Empty(t, connA.ofType(TypeCursor))
	assert.Empty(t, connOut.ofType(TypeCursor))
	cursor := connB.last(TypeCursor)
	require.NotNil(t, cursor)
	assert.Equal(t, a.InstanceID(), cursor["instanceId"])
	assert.Equal(t, "u1", cursor["userId"])
	assert.Equal(t, "User u1", cursor["name"])
	assert.Equal(t, ColorFor("u1"), cursor["color"])
	assert.Equal(t, 12.5, cursor["dayOffset"])
	assert.Equal(t, 40.0, cursor["y"])
}

func TestSelectionRelayAndClear(t *testing.T) {
	c := newTestChannel()
	a, _ := connect(c, "u1")
	b, connB := connect(c, "u2")
	c.Handle(ctx, a, Inbound{Type: TypeJoin, DocumentID: "doc"})
	c.Handle(ctx, b, Inbound{Type: TypeJoin, DocumentID: "doc"})

	c.Handle(ctx, a, Inbound{Type: TypeSelection, PhaseID: strPtr("ph1")})
	assert.Equal(t, "ph1", connB.last(TypeSelection)["phaseId"])

	c.Handle(ctx, a, Inbound{Type: TypeSelection})
	cleared := connB.last(TypeSelection)
	value, present := cleared["phaseId"]
	assert.True(t, present)
	assert.Nil(t, value)
}

func TestMessagesBeforeJoinAreIgnored(t *testing.T) {
	c := newTestChannel()
	a, _ := connect(c, "u1")
	b, connB := connect(c, "u2")
	c.Handle(ctx, b, Inbound{Type: TypeJoin, DocumentID: "doc"})

	c.Handle(ctx, a, Inbound{Type: TypeCursor, DayOffset: 1, Y: 1})
	c.Handle(ctx, a, Inbound{Type: TypeSelection, PhaseID: strPtr("ph1")})
	c.Handle(ctx, a, Inbound{Type: TypeLeave})
	c.Handle(ctx, a, Inbound{Type: "wave"})

	assert.Empty(t, connB.ofType(TypeCursor))
	assert.Empty(t, connB.ofType(TypeSelection))
}

func TestDisconnectNotifiesRemaining(t *testing.T) {
	c := newTestChannel()
	a, _ := connect(c, "u1")
	b, connB := connect(c, "u2")
	d, connD := connect(c, "u3")
	for _, s := range []*Session{a, b, d} {
		c.Handle(ctx, s, Inbound{Type: TypeJoin, DocumentID: "doc"})
	}
	connB.reset()
	connD.reset()

	c.Disconnect(b)
	c.Disconnect(b)

	leave := connD.last(TypeCursorLeave)
	require.NotNil(t, leave)
	assert.Equal(t, b.InstanceID(), leave["instanceId"])
	assert.Equal(t, []string{a.InstanceID(), d.InstanceID()}, rosterIDs(connD.last(TypeUsers)))
	assert.Empty(t, connB.messages)
	assert.Len(t, c.Roster("doc"), 2)
}

func TestJoinAnotherDocumentLeavesThePrevious(t *testing.T) {
	c := newTestChannel()
	a, connA := connect(c, "u1")
	b, connB := connect(c, "u2")
	c.Handle(ctx, a, Inbound{Type: TypeJoin, DocumentID: "doc-1"})
	c.Handle(ctx, b, Inbound{Type: TypeJoin, DocumentID: "doc-1"})
	connB.reset()

	c.Handle(ctx, a, Inbound{Type: TypeJoin, DocumentID: "doc-2"})

	assert.Equal(t, a.InstanceID(), connB.last(TypeCursorLeave)["instanceId"])
	assert.Equal(t, []string{b.InstanceID()}, rosterIDs(connB.last(TypeUsers)))
	assert.Equal(t, "doc-2", connA.last(TypeUsers)["documentId"])
	assert.Len(t, c.Roster("doc-1"), 1)
	assert.Len(t, c.Roster("doc-2"), 1)

	c.Handle(ctx, a, Inbound{Type: TypeCursor, DayOffset: 3, Y: 3})
	assert.Empty(t, connB.ofType(TypeCursor))
}

func TestLateJoinerReceivesExistingCursorsAndSelections(t *testing.T) {
	c := newTestChannel()
	a, _ := connect(c, "u1")
	c.Handle(ctx, a, Inbound{Type: TypeJoin, DocumentID: "doc"})
	c.Handle(ctx, a, Inbound{Type: TypeCursor, DayOffset: 5, Y: 6})
	c.Handle(ctx, a, Inbound{Type: TypeSelection, PhaseID: strPtr("ph2")})

	b, connB := connect(c, "u2")
	c.Handle(ctx, b, Inbound{Type: TypeJoin, DocumentID: "doc"})

	assert.Equal(t, 5.0, connB.last(TypeCursor)["dayOffset"])
	assert.Equal(t, "ph2", connB.last(TypeSelection)["phaseId"])
}

func TestSameUserTwoTabsAreDistinctSessions(t *testing.T) {
	c := newTestChannel()
	tab1, conn1 := connect(c, "u1")
	tab2, conn2 := connect(c, "u1")
	c.Handle(ctx, tab1, Inbound{Type: TypeJoin, DocumentID: "doc"})
	c.Handle(ctx, tab2, Inbound{Type: TypeJoin, DocumentID: "doc"})

	c.Handle(ctx, tab1, Inbound{Type: TypeCursor, DayOffset: 1, Y: 2})

	assert.Empty(t, conn1.ofType(TypeCursor))
	assert.Len(t, conn2.ofType(TypeCursor), 1)
	assert.Len(t, c.Roster("doc"), 2)
}

func TestCursorRateLimit(t *testing.T) {
	c := NewChannel(Options{CursorRate: 1, CursorBurst: 2, Logger: zerolog.Nop()})
	a, _ := connect(c, "u1")
	b, connB := connect(c, "u2")
	c.Handle(ctx, a, Inbound{Type: TypeJoin, DocumentID: "doc"})
	c.Handle(ctx, b, Inbound{Type: TypeJoin, DocumentID: "doc"})

	for i := 0; i < 10; i++ {
		c.Handle(ctx, a, Inbound{Type: TypeCursor, DayOffset: float64(i), Y: 0})
	}

	assert.Len(t, connB.ofType(TypeCursor), 2)
	// The throttled positions collapse into one trailing update.
	require.Eventually(t, func() bool { return len(connB.ofType(TypeCursor)) == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 9.0, connB.last(TypeCursor)["dayOffset"])
}

func TestThrottledCursorSettlesOnLastPosition(t *testing.T) {
	c := NewChannel(Options{CursorRate: 30, Logger: zerolog.Nop()})
	sender, _ := connect(c, "u1")
	observer, connObs := connect(c, "u2")
	c.Handle(ctx, sender, Inbound{Type: TypeJoin, DocumentID: "doc"})
	c.Handle(ctx, observer, Inbound{Type: TypeJoin, DocumentID: "doc"})

	for i := 1; i <= 40; i++ {
		c.Handle(ctx, sender, Inbound{Type: TypeCursor, DayOffset: float64(i), Y: 2})
	}

	late, connLate := connect(c, "u3")
	c.Handle(ctx, late, Inbound{Type: TypeJoin, DocumentID: "doc"})
	assert.Equal(t, 40.0, connLate.last(TypeCursor)["dayOffset"])

	require.Eventually(t, func() bool {
		last := connObs.last(TypeCursor)
		return last != nil && last["dayOffset"] == 40.0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Less(t, len(connObs.ofType(TypeCursor)), 40)
}

func TestLeaveCancelsPendingCursor(t *testing.T) {
	c := NewChannel(Options{CursorRate: 10, CursorBurst: 1, Logger: zerolog.Nop()})
	a, _ := connect(c, "u1")
	b, connB := connect(c, "u2")
	c.Handle(ctx, a, Inbound{Type: TypeJoin, DocumentID: "doc"})
	c.Handle(ctx, b, Inbound{Type: TypeJoin, DocumentID: "doc"})

	c.Handle(ctx, a, Inbound{Type: TypeCursor, DayOffset: 1})
	c.Handle(ctx, a, Inbound{Type: TypeCursor, DayOffset: 2})
	c.Handle(ctx, a, Inbound{Type: TypeLeave})

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, connB.ofType(TypeCursor), 1)
	assert.Equal(t, 1.0, connB.last(TypeCursor)["dayOffset"])
}

func TestJoinRequiresAuthorization(t *testing.T) {
	c := newTestChannel()
	c.SetAuthorizer(func(_ context.Context, documentID, userID string) error {
		if userID == "stranger" {
			return errors.New("no role on " + documentID)
		}
		return nil
	})
	member, connMember := connect(c, "u1")
	stranger, connStranger := connect(c, "stranger")
	c.Handle(ctx, member, Inbound{Type: TypeJoin, DocumentID: "doc"})
	c.Handle(ctx, member, Inbound{Type: TypeCursor, DayOffset: 3, Y: 4})
	c.Handle(ctx, member, Inbound{Type: TypeSelection, PhaseID: strPtr("ph1")})
	connMember.reset()

	c.Handle(ctx, stranger, Inbound{Type: TypeJoin, DocumentID: "doc"})

	refusal := connStranger.last(TypeError)
	require.NotNil(t, refusal)
	assert.Equal(t, "doc", refusal["documentId"])
	assert.Equal(t, CodeJoinRefused, refusal["code"])
	assert.Empty(t, connStranger.ofType(TypeUsers))
	assert.Empty(t, connStranger.ofType(TypeCursor))
	assert.Empty(t, connStranger.ofType(TypeSelection))
	assert.Empty(t, connMember.ofType(TypeUsers))
	assert.Len(t, c.Roster("doc"), 1)

	c.Handle(ctx, stranger, Inbound{Type: TypeCursor, DayOffset: 9})
	assert.Empty(t, connMember.ofType(TypeCursor))
}

func TestColorForIsStable(t *testing.T) {
	assert.Equal(t, ColorFor("u1"), ColorFor("u1"))
	assert.Contains(t, palette, ColorFor("someone else"))
}
