package presence

const (
	TypeConnected   = "connected"
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeCursor      = "cursor"
	TypeCursorLeave = "cursor_leave"
	TypeSelection   = "selection"
	TypeUsers       = "users"
	TypeError       = "error"
)

// CodeJoinRefused is sent when the caller may not watch the document.
const CodeJoinRefused = "join_refused"

// Inbound is any message a client may send. Fields not used by Type are
// ignored.
type Inbound struct {
	Type       string  `json:"type"`
	DocumentID string  `json:"documentId,omitempty"`
	DayOffset  float64 `json:"dayOffset,omitempty"`
	Y          float64 `json:"y,omitempty"`
	PhaseID    *string `json:"phaseId,omitempty"`
}

type ConnectedMessage struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
}

type CursorMessage struct {
	Type       string  `json:"type"`
	InstanceID string  `json:"instanceId"`
	UserID     string  `json:"userId"`
	Name       string  `json:"name"`
	Color      string  `json:"color"`
	DayOffset  float64 `json:"dayOffset"`
	Y          float64 `json:"y"`
}

type CursorLeaveMessage struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
}

// SelectionMessage carries a nil PhaseID when the selection was cleared.
type SelectionMessage struct {
	Type       string  `json:"type"`
	InstanceID string  `json:"instanceId"`
	PhaseID    *string `json:"phaseId"`
	Color      string  `json:"color"`
}

type UsersMessage struct {
	Type       string        `json:"type"`
	DocumentID string        `json:"documentId"`
	Users      []RosterEntry `json:"users"`
}

type RosterEntry struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ErrorMessage reports a refused request. The session's state is unchanged.
type ErrorMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId,omitempty"`
	Code       string `json:"code"`
}
