package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"planboard/api/internal/config"
	"planboard/api/internal/hub"
	"planboard/api/internal/metrics"
	"planboard/api/internal/plan"
	"planboard/api/internal/rbac"
	"planboard/api/internal/serializer"
	"planboard/api/internal/store"
)

// DirtyMarker is told about every committed document.
type DirtyMarker interface {
	MarkDirty(documentID string)
}

// Service is the only write path for documents. Mutations of one document
// run one at a time, in arrival order, from the role check to the publish.
type Service struct {
	cfg     config.Config
	store   store.Backend
	locks   *serializer.Serializer
	events  *hub.Hub
	archive DirtyMarker
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func New(cfg config.Config, backend store.Backend, events *hub.Hub, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if cfg.MutationTimeout <= 0 {
		cfg.MutationTimeout = 5 * time.Second
	}
	if events == nil {
		events = hub.New(m)
	}
	return &Service{
		cfg:     cfg,
		store:   backend,
		locks:   serializer.New(),
		events:  events,
		metrics: m,
		logger:  logger.With().Str("component", "mutations").Logger(),
	}
}

// SetArchive registers the snapshot archiver. Call before serving.
func (s *Service) SetArchive(archive DirtyMarker) {
	s.archive = archive
}

func (s *Service) Hub() *hub.Hub {
	return s.events
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SubmitAction commits one action and announces it to the document's
// subscribers tagged with clientID. Nothing is published unless the new
// document was saved.
func (s *Service) SubmitAction(ctx context.Context, documentID, actorID, clientID string, action plan.Action) error {
	started := time.Now()
	err := s.submitAction(ctx, documentID, actorID, clientID, action)
	s.metrics.ObserveMutation(resultLabel(err), time.Since(started))

	if err != nil {
		s.logger.Warn().Err(err).
			Str("document_id", documentID).
			Str("actor_id", actorID).
			Str("client_id", clientID).
			Str("action", actionType(action)).
			Msg("mutation rejected")
		return err
	}
	s.logger.Debug().
		Str("document_id", documentID).
		Str("actor_id", actorID).
		Str("action", action.Type()).
		Dur("elapsed", time.Since(started)).
		Msg("mutation committed")
	return nil
}

func (s *Service) submitAction(ctx context.Context, documentID, actorID, clientID string, action plan.Action) error {
	if err := plan.Validate(action); err != nil {
		return errMalformed(err)
	}
	return s.mutate(ctx, documentID, actorID, func(doc plan.Document) (plan.Document, plan.Event) {
		return plan.Apply(doc, action), plan.ActionEvent(action, clientID)
	})
}

// ReplaceDocument swaps the whole document out of band, for example on an
// import. Subscribers receive a replace event carrying the new document.
func (s *Service) ReplaceDocument(ctx context.Context, documentID, actorID string, doc plan.Document) error {
	started := time.Now()
	replacement := doc.Clone()
	err := s.mutate(ctx, documentID, actorID, func(plan.Document) (plan.Document, plan.Event) {
		return replacement, plan.ReplaceEvent(replacement)
	})
	s.metrics.ObserveMutation(resultLabel(err), time.Since(started))
	if err != nil {
		s.logger.Warn().Err(err).Str("document_id", documentID).Str("actor_id", actorID).Msg("replace rejected")
		return err
	}
	s.logger.Info().Str("document_id", documentID).Str("actor_id", actorID).Msg("document replaced")
	return nil
}

func (s *Service) mutate(ctx context.Context, documentID, actorID string, change func(plan.Document) (plan.Document, plan.Event)) error {
	queued := time.Now()
	err := s.locks.WithLock(ctx, documentID, func(ctx context.Context) error {
		s.metrics.ObserveLockWait(time.Since(queued))

		ctx, cancel := context.WithTimeout(ctx, s.cfg.MutationTimeout)
		defer cancel()

		if _, err := s.authorize(ctx, documentID, actorID, rbac.ActionWrite); err != nil {
			return err
		}
		current, err := s.load(ctx, documentID)
		if err != nil {
			return err
		}
		next, event := change(current)
		if err := s.save(ctx, documentID, next); err != nil {
			return err
		}

		s.events.Publish(documentID, event)
		if s.archive != nil {
			s.archive.MarkDirty(documentID)
		}
		return nil
	})
	var de *DomainError
	if err != nil && !errors.As(err, &de) && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return errUnavailable(err)
	}
	return err
}

// Snapshot returns the committed document for a reader. Reads do not take
// the document lock; a stored blob is always a complete committed state.
func (s *Service) Snapshot(ctx context.Context, documentID, actorID string) (plan.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MutationTimeout)
	defer cancel()

	if _, err := s.authorize(ctx, documentID, actorID, rbac.ActionRead); err != nil {
		return plan.Document{}, err
	}
	return s.load(ctx, documentID)
}

// Authorize checks that actorID may perform action on documentID and
// returns the role it holds.
func (s *Service) Authorize(ctx context.Context, documentID, actorID string, action rbac.Action) (rbac.Role, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MutationTimeout)
	defer cancel()
	return s.authorize(ctx, documentID, actorID, action)
}

// CreateDocument stores an empty document and makes ownerID its owner.
func (s *Service) CreateDocument(ctx context.Context, documentID, ownerID string) error {
	if documentID == "" || ownerID == "" {
		return domainError(http.StatusBadRequest, CodeInvalidBody, "Document id and owner are required", nil)
	}
	blob, err := plan.EncodeDocument(plan.NewDocument())
	if err != nil {
		return err
	}
	if err := s.store.CreateDocument(ctx, documentID, blob); err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	if err := s.store.GrantRole(ctx, documentID, ownerID, rbac.RoleOwner); err != nil {
		return fmt.Errorf("grant owner: %w", err)
	}
	s.logger.Info().Str("document_id", documentID).Str("owner_id", ownerID).Msg("document created")
	return nil
}

// GrantRole records role for actorID on an existing document.
func (s *Service) GrantRole(ctx context.Context, documentID, actorID string, role rbac.Role) error {
	if _, err := s.store.LoadDocument(ctx, documentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound(documentID)
		}
		return errUnavailable(err)
	}
	if err := s.store.GrantRole(ctx, documentID, actorID, role); err != nil {
		return errUnavailable(err)
	}
	return nil
}

func (s *Service) authorize(ctx context.Context, documentID, actorID string, action rbac.Action) (rbac.Role, error) {
	if actorID == "" {
		return rbac.RoleNone, errForbidden()
	}
	role, err := s.store.RoleFor(ctx, documentID, actorID)
	if err != nil {
		return rbac.RoleNone, errUnavailable(err)
	}
	if !rbac.Can(role, action) {
		return role, errForbidden()
	}
	return role, nil
}

func (s *Service) load(ctx context.Context, documentID string) (plan.Document, error) {
	blob, err := s.store.LoadDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return plan.Document{}, errNotFound(documentID)
	}
	if err != nil {
		return plan.Document{}, errUnavailable(err)
	}
	doc, err := plan.DecodeDocument(blob)
	if err != nil {
		return plan.Document{}, fmt.Errorf("document %s: %w", documentID, err)
	}
	return doc, nil
}

func (s *Service) save(ctx context.Context, documentID string, doc plan.Document) error {
	blob, err := plan.EncodeDocument(doc)
	if err != nil {
		return err
	}
	if err := s.store.SaveDocument(ctx, documentID, blob); err != nil {
		return errUnavailable(err)
	}
	return nil
}

func actionType(action plan.Action) string {
	if action == nil {
		return ""
	}
	return action.Type()
}
