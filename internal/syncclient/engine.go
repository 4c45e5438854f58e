// Package syncclient keeps one tab's optimistic copy of a document in step
// with the server: local edits apply immediately and are sent in the
// background, remote edits arrive as events.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"planboard/api/internal/plan"
	"planboard/api/internal/util"
)

type State int

const (
	StateIdle State = iota
	StateDirty
	StateSending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDirty:
		return "dirty"
	case StateSending:
		return "sending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrStreamClosed is returned by Run when the event channel closes. Events
// may have been missed; fetch a snapshot, hand it to HandleEvent as a replace
// event and Run again.
var ErrStreamClosed = errors.New("event stream closed")

// Transport submits one action to the mutation service.
type Transport interface {
	SubmitAction(ctx context.Context, documentID, clientID string, action plan.Action) error
}

// RejectedError means the server refused the action itself. Sending it again
// would fail the same way, so the engine drops it.
type RejectedError struct {
	Status  int
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("action rejected: %d %s: %s", e.Status, e.Code, e.Message)
}

// Permanent reports whether err is a rejection rather than a transport or
// storage failure worth retrying.
func Permanent(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

type Options struct {
	FlushInterval time.Duration
	// CloseTimeout bounds the final flush in Close.
	CloseTimeout time.Duration
	Logger       zerolog.Logger
	// OnChange receives the local document after every change. It runs on
	// the goroutine that made the change and must not call back into the
	// engine's mutating methods.
	OnChange func(plan.Document)
}

type Engine struct {
	documentID string
	clientID   string
	transport  Transport
	opts       Options
	logger     zerolog.Logger

	// slot is held by whichever goroutine is sending.
	slot chan struct{}

	mu      sync.Mutex
	doc     plan.Document
	pending []plan.Action
	sending bool
}

func New(documentID string, initial plan.Document, transport Transport, opts Options) *Engine {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 50 * time.Millisecond
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 2 * time.Second
	}
	clientID := uuid.NewString()
	return &Engine{
		documentID: documentID,
		clientID:   clientID,
		transport:  transport,
		opts:       opts,
		logger: opts.Logger.With().
			Str("component", "syncclient").
			Str("document_id", documentID).
			Str("client_id", clientID).
			Logger(),
		slot: make(chan struct{}, 1),
		doc:  initial.Clone(),
	}
}

// ClientID identifies this engine's submissions so their echoes can be
// recognised.
func (e *Engine) ClientID() string {
	return e.clientID
}

func (e *Engine) DocumentID() string {
	return e.documentID
}

// Dispatch applies a local edit and queues it for the server.
func (e *Engine) Dispatch(action plan.Action) error {
	if err := plan.Validate(action); err != nil {
		return err
	}
	e.mu.Lock()
	doc := e.applyLocked(action)
	e.mu.Unlock()

	e.notify(doc)
	return nil
}

// AddConnection dispatches a new edge between two phases unless the same
// edge already exists. It returns the new connection id, or "" when nothing
// was added.
func (e *Engine) AddConnection(from, to string, attrs plan.Attrs) (string, error) {
	action := plan.AddConnection{Connection: plan.Connection{
		ID:    util.NewID("conn"),
		From:  from,
		To:    to,
		Attrs: attrs,
	}}
	if err := plan.Validate(action); err != nil {
		return "", err
	}

	e.mu.Lock()
	if plan.HasConnection(e.doc, from, to) {
		e.mu.Unlock()
		return "", nil
	}
	doc := e.applyLocked(action)
	e.mu.Unlock()

	e.notify(doc)
	return action.Connection.ID, nil
}

func (e *Engine) applyLocked(action plan.Action) plan.Document {
	e.doc = plan.Apply(e.doc, action)
	e.pending = append(e.pending, action)
	return e.doc
}

// HandleEvent folds one server event into the local document and reports
// whether anything changed. Echoes of this engine's own actions are dropped
// since they were applied when dispatched.
func (e *Engine) HandleEvent(ev plan.Event) bool {
	var doc plan.Document
	switch ev.Kind {
	case plan.EventAction:
		if ev.ClientID == e.clientID || ev.Action == nil {
			return false
		}
		e.mu.Lock()
		e.doc = plan.Apply(e.doc, ev.Action)
		doc = e.doc
		e.mu.Unlock()
	case plan.EventReplace:
		if ev.Document == nil {
			return false
		}
		e.mu.Lock()
		e.doc = ev.Document.Clone()
		doc = e.doc
		pending := len(e.pending)
		e.mu.Unlock()
		e.logger.Info().Int("pending", pending).Msg("document replaced by server")
	default:
		e.logger.Debug().Str("kind", string(ev.Kind)).Msg("ignoring unknown event")
		return false
	}
	e.notify(doc)
	return true
}

// Flush sends everything queued so far, in order. It returns at once when
// another flush is in flight; edits made meanwhile wait for the next one.
// Actions the server rejects are dropped. On any other failure the failed
// action and the rest of the batch go back to the front of the queue.
func (e *Engine) Flush(ctx context.Context) error {
	select {
	case e.slot <- struct{}{}:
	default:
		return nil
	}
	defer func() { <-e.slot }()
	return e.flush(ctx)
}

// Close waits for an in-flight flush and then sends whatever is still queued.
func (e *Engine) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.CloseTimeout)
	defer cancel()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.slot }()

	err := e.flush(ctx)
	if n := e.Pending(); n > 0 {
		e.logger.Warn().Err(err).Int("pending", n).Msg("closing with unsent actions")
	}
	return err
}

func (e *Engine) flush(ctx context.Context) error {
	batch := e.takeBatch()
	if len(batch) == 0 {
		return nil
	}
	requeue, err := e.sendBatch(ctx, batch)
	e.finishBatch(requeue)
	return err
}

func (e *Engine) takeBatch() []plan.Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	batch := e.pending
	e.pending = nil
	e.sending = len(batch) > 0
	return batch
}

func (e *Engine) sendBatch(ctx context.Context, batch []plan.Action) ([]plan.Action, error) {
	var rejected []error
	for i, action := range batch {
		err := e.transport.SubmitAction(ctx, e.documentID, e.clientID, action)
		if err == nil {
			continue
		}
		if Permanent(err) {
			e.logger.Warn().Err(err).Str("action", action.Type()).Msg("action rejected, dropping")
			rejected = append(rejected, err)
			continue
		}
		e.logger.Warn().Err(err).Str("action", action.Type()).Int("requeued", len(batch)-i).Msg("flush failed")
		return batch[i:], errors.Join(append(rejected, err)...)
	}
	return nil, errors.Join(rejected...)
}

func (e *Engine) finishBatch(requeue []plan.Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(requeue) > 0 {
		e.pending = slices.Concat(requeue, e.pending)
	}
	e.sending = false
}

// Run flushes on a timer and applies events until ctx is done or events
// closes, then makes a final flush attempt bounded by CloseTimeout.
func (e *Engine) Run(ctx context.Context, events <-chan plan.Event) error {
	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()

	var inflight sync.WaitGroup
	finish := func(cause error) error {
		inflight.Wait()
		if err := e.Close(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn().Err(err).Msg("final flush failed")
		}
		return cause
	}

	for {
		select {
		case <-ctx.Done():
			return finish(ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return finish(ErrStreamClosed)
			}
			e.HandleEvent(ev)
		case <-ticker.C:
			if e.State() != StateDirty {
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				if err := e.Flush(ctx); err != nil {
					e.logger.Debug().Err(err).Msg("flush")
				}
			}()
		}
	}
}

// Document returns a copy of the local document.
func (e *Engine) Document() plan.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Clone()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.sending:
		return StateSending
	case len(e.pending) > 0:
		return StateDirty
	default:
		return StateIdle
	}
}

// Pending counts queued actions, not counting any batch in flight.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) notify(doc plan.Document) {
	if e.opts.OnChange != nil {
		e.opts.OnChange(doc.Clone())
	}
}
