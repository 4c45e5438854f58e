package presence

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"planboard/api/internal/metrics"
)

// Identity is who a connection belongs to, as established by the token it
// presented.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

// Conn delivers outbound messages to one connection. Send is called with the
// channel lock held and must not block on the network.
type Conn interface {
	Send(msg any) error
}

// Authorizer reports whether userID may watch documentID. A non-nil error
// refuses the join.
type Authorizer func(ctx context.Context, documentID, userID string) error

type Options struct {
	// CursorRate caps cursor messages per second per connection; zero
	// disables the limit. Positions over the cap are coalesced and the
	// latest one is sent once the limit allows.
	CursorRate  float64
	CursorBurst int
	// AllowedOrigins is a comma separated list of browser origins allowed to
	// open a websocket, or "*". Same-host and origin-less requests are
	// always accepted.
	AllowedOrigins string
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

// Session is one connection's presence state. Each browser tab is its own
// session even when the same user has several open.
type Session struct {
	instanceID string
	identity   Identity
	color      string
	conn       Conn
	limiter    *rate.Limiter

	// Guarded by Channel.mu.
	documentID  string
	joinSeq     uint64
	cursor      *CursorMessage
	cursorTimer *time.Timer
	selection   *string
}

func (s *Session) InstanceID() string { return s.instanceID }

func (s *Session) Color() string { return s.color }

// Channel relays ephemeral cursor, selection and roster updates between the
// sessions viewing the same document. Nothing it holds is persisted.
type Channel struct {
	mu        sync.Mutex
	docs      map[string]map[string]*Session
	sessions  map[string]*Session
	seq       uint64
	authorize Authorizer

	cursorRate     rate.Limit
	cursorBurst    int
	allowedOrigins string
	upgrader       websocket.Upgrader
	logger         zerolog.Logger
	metrics        *metrics.Metrics
}

func NewChannel(opts Options) *Channel {
	limit := rate.Inf
	if opts.CursorRate > 0 {
		limit = rate.Limit(opts.CursorRate)
	}
	burst := opts.CursorBurst
	if burst <= 0 {
		burst = max(1, int(opts.CursorRate/2))
	}
	c := &Channel{
		docs:           make(map[string]map[string]*Session),
		sessions:       make(map[string]*Session),
		cursorRate:     limit,
		cursorBurst:    burst,
		allowedOrigins: opts.AllowedOrigins,
		logger:         opts.Logger.With().Str("component", "presence").Logger(),
		metrics:        opts.Metrics,
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     c.checkOrigin,
	}
	return c
}

// SetAuthorizer installs the check run before every join. Without one any
// connected session may join any document.
func (c *Channel) SetAuthorizer(fn Authorizer) {
	c.mu.Lock()
	c.authorize = fn
	c.mu.Unlock()
}

// Connect registers a new connection and tells it its instance id.
func (c *Channel) Connect(conn Conn, id Identity) *Session {
	s := &Session{
		instanceID: uuid.NewString(),
		identity:   id,
		color:      ColorFor(id.UserID),
		conn:       conn,
		limiter:    rate.NewLimiter(c.cursorRate, c.cursorBurst),
	}

	c.mu.Lock()
	c.sessions[s.instanceID] = s
	c.send(s, ConnectedMessage{Type: TypeConnected, InstanceID: s.instanceID})
	c.mu.Unlock()

	c.metrics.PresenceOpened()
	c.logger.Debug().Str("instance_id", s.instanceID).Str("user_id", id.UserID).Msg("presence connected")
	return s
}

// Handle applies one inbound message from s. ctx bounds the authorization
// lookup a join performs.
func (c *Channel) Handle(ctx context.Context, s *Session, msg Inbound) {
	switch msg.Type {
	case TypeJoin:
		c.join(ctx, s, msg.DocumentID)
	case TypeLeave:
		c.leave(s)
	case TypeCursor:
		c.moveCursor(s, msg.DayOffset, msg.Y)
	case TypeSelection:
		c.selectPhase(s, msg.PhaseID)
	default:
		c.metrics.PresenceMessage("unknown", "ignored")
		c.logger.Debug().Str("instance_id", s.instanceID).Str("type", msg.Type).Msg("unknown presence message")
	}
}

// Disconnect removes s from its document and forgets it. It is safe to call
// more than once.
func (c *Channel) Disconnect(s *Session) {
	c.mu.Lock()
	if _, ok := c.sessions[s.instanceID]; !ok {
		c.mu.Unlock()
		return
	}
	if s.documentID != "" {
		c.detach(s)
	}
	delete(c.sessions, s.instanceID)
	c.mu.Unlock()

	c.metrics.PresenceClosed()
	c.logger.Debug().Str("instance_id", s.instanceID).Msg("presence disconnected")
}

// Roster lists the sessions in documentID in the order they joined.
func (c *Channel) Roster(documentID string) []RosterEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster(documentID)
}

func (c *Channel) join(ctx context.Context, s *Session, documentID string) {
	if documentID == "" {
		c.metrics.PresenceMessage(TypeJoin, "ignored")
		return
	}

	c.mu.Lock()
	authorize := c.authorize
	c.mu.Unlock()
	if authorize != nil {
		if err := authorize(ctx, documentID, s.identity.UserID); err != nil {
			c.metrics.PresenceMessage(TypeJoin, "denied")
			c.logger.Info().Err(err).
				Str("instance_id", s.instanceID).
				Str("user_id", s.identity.UserID).
				Str("document_id", documentID).
				Msg("presence join refused")
			c.mu.Lock()
			c.send(s, ErrorMessage{Type: TypeError, DocumentID: documentID, Code: CodeJoinRefused})
			c.mu.Unlock()
			return
		}
	}
	c.metrics.PresenceMessage(TypeJoin, "accepted")

	c.mu.Lock()
	defer c.mu.Unlock()

	if s.documentID == documentID {
		c.send(s, UsersMessage{Type: TypeUsers, DocumentID: documentID, Users: c.roster(documentID)})
		return
	}
	if s.documentID != "" {
		c.detach(s)
	}

	members := c.docs[documentID]
	if members == nil {
		members = make(map[string]*Session)
		c.docs[documentID] = members
	}
	c.seq++
	s.joinSeq = c.seq
	s.documentID = documentID
	members[s.instanceID] = s

	c.broadcastRoster(documentID)

	for _, other := range c.ordered(documentID) {
		if other == s {
			continue
		}
		if other.cursor != nil {
			c.send(s, *other.cursor)
		}
		if other.selection != nil {
			c.send(s, c.selectionMessage(other))
		}
	}
}

func (c *Channel) leave(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.documentID == "" {
		c.metrics.PresenceMessage(TypeLeave, "ignored")
		return
	}
	c.metrics.PresenceMessage(TypeLeave, "accepted")
	c.detach(s)
}

func (c *Channel) moveCursor(s *Session, dayOffset, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.documentID == "" {
		c.metrics.PresenceMessage(TypeCursor, "ignored")
		return
	}

	msg := CursorMessage{
		Type:       TypeCursor,
		InstanceID: s.instanceID,
		UserID:     s.identity.UserID,
		Name:       s.identity.Name,
		Color:      s.color,
		DayOffset:  dayOffset,
		Y:          y,
	}
	s.cursor = &msg

	if s.cursorTimer != nil {
		// The pending send picks up this position.
		c.metrics.PresenceMessage(TypeCursor, "throttled")
		return
	}
	if s.limiter.Allow() {
		c.metrics.PresenceMessage(TypeCursor, "accepted")
		c.broadcastExcept(s, msg)
		return
	}
	c.metrics.PresenceMessage(TypeCursor, "throttled")
	c.scheduleCursor(s)
}

// scheduleCursor sends the latest position of s once its limiter has a token
// for it. Caller holds c.mu.
func (c *Channel) scheduleCursor(s *Session) {
	r := s.limiter.Reserve()
	if !r.OK() {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(r.Delay(), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if s.cursorTimer != timer {
			return
		}
		s.cursorTimer = nil
		if s.documentID != "" && s.cursor != nil {
			c.broadcastExcept(s, *s.cursor)
		}
	})
	s.cursorTimer = timer
}

func (c *Channel) selectPhase(s *Session, phaseID *string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.documentID == "" {
		c.metrics.PresenceMessage(TypeSelection, "ignored")
		return
	}
	c.metrics.PresenceMessage(TypeSelection, "accepted")

	s.selection = nil
	if phaseID != nil {
		id := *phaseID
		s.selection = &id
	}
	c.broadcastExcept(s, c.selectionMessage(s))
}

// detach removes s from its document, tells the others its cursor is gone
// and re-sends the roster. Caller holds c.mu.
func (c *Channel) detach(s *Session) {
	documentID := s.documentID
	members := c.docs[documentID]
	delete(members, s.instanceID)
	if len(members) == 0 {
		delete(c.docs, documentID)
	}
	s.documentID = ""
	s.cursor = nil
	s.selection = nil
	if s.cursorTimer != nil {
		s.cursorTimer.Stop()
		s.cursorTimer = nil
	}

	leave := CursorLeaveMessage{Type: TypeCursorLeave, InstanceID: s.instanceID}
	for _, other := range c.ordered(documentID) {
		c.send(other, leave)
	}
	c.broadcastRoster(documentID)
}

func (c *Channel) broadcastRoster(documentID string) {
	msg := UsersMessage{Type: TypeUsers, DocumentID: documentID, Users: c.roster(documentID)}
	for _, member := range c.ordered(documentID) {
		c.send(member, msg)
	}
}

func (c *Channel) broadcastExcept(sender *Session, msg any) {
	for _, member := range c.ordered(sender.documentID) {
		if member.instanceID == sender.instanceID {
			continue
		}
		c.send(member, msg)
	}
}

func (c *Channel) selectionMessage(s *Session) SelectionMessage {
	return SelectionMessage{Type: TypeSelection, InstanceID: s.instanceID, PhaseID: s.selection, Color: s.color}
}

func (c *Channel) roster(documentID string) []RosterEntry {
	members := c.ordered(documentID)
	users := make([]RosterEntry, 0, len(members))
	for _, member := range members {
		users = append(users, RosterEntry{
			ID:     member.instanceID,
			UserID: member.identity.UserID,
			Name:   member.identity.Name,
			Avatar: member.identity.Avatar,
		})
	}
	return users
}

func (c *Channel) ordered(documentID string) []*Session {
	members := make([]*Session, 0, len(c.docs[documentID]))
	for _, member := range c.docs[documentID] {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].joinSeq < members[j].joinSeq })
	return members
}

func (c *Channel) send(to *Session, msg any) {
	if err := to.conn.Send(msg); err != nil {
		c.logger.Debug().Err(err).Str("instance_id", to.instanceID).Msg("presence send failed")
	}
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#469990",
	"#9a6324", "#800000", "#808000", "#000075",
}

// ColorFor picks a stable cursor color for a user.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
