package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

const (
	TypeAddProject       = "addProject"
	TypeUpdateProject    = "updateProject"
	TypeDeleteProject    = "deleteProject"
	TypeReorderProjects  = "reorderProjects"
	TypeAddPhase         = "addPhase"
	TypeUpdatePhase      = "updatePhase"
	TypeDeletePhase      = "deletePhase"
	TypeMovePhase        = "movePhase"
	TypeAddConnection    = "addConnection"
	TypeDeleteConnection = "deleteConnection"
	TypeSetDateRange     = "setDateRange"
)

var ErrMalformedAction = errors.New("malformed action")

// Action is a closed set of document mutations. Every variant carries its
// own reduction, so adding one without it does not compile.
type Action interface {
	Type() string
	apply(doc *Document)
}

type AddProject struct {
	Project Project `json:"project" validate:"required"`
}

type UpdateProject struct {
	ProjectID string `json:"projectId" validate:"required"`
	Updates   Attrs  `json:"updates" validate:"required"`
}

type DeleteProject struct {
	ProjectID string `json:"projectId" validate:"required"`
}

type ReorderProjects struct {
	FromIndex *int `json:"fromIndex" validate:"required"`
	ToIndex   *int `json:"toIndex" validate:"required"`
}

type AddPhase struct {
	ProjectID string `json:"projectId" validate:"required"`
	Phase     Phase  `json:"phase" validate:"required"`
}

type UpdatePhase struct {
	ProjectID string `json:"projectId" validate:"required"`
	PhaseID   string `json:"phaseId" validate:"required"`
	Updates   Attrs  `json:"updates" validate:"required"`
}

type DeletePhase struct {
	ProjectID string `json:"projectId" validate:"required"`
	PhaseID   string `json:"phaseId" validate:"required"`
}

type MovePhase struct {
	PhaseID       string `json:"phaseId" validate:"required"`
	FromProjectID string `json:"fromProjectId" validate:"required"`
	ToProjectID   string `json:"toProjectId" validate:"required"`
	Updates       Attrs  `json:"updates,omitempty"`
}

type AddConnection struct {
	Connection Connection `json:"connection" validate:"required"`
}

type DeleteConnection struct {
	ConnectionID string `json:"connectionId" validate:"required"`
}

// SetDateRange with a nil range clears the visible range.
type SetDateRange struct {
	DateRange *DateRange `json:"dateRange"`
}

// Unknown is an action type this build does not recognize. It reduces to
// the input document and re-encodes to its original bytes.
type Unknown struct {
	Kind string
	Raw  json.RawMessage
}

func (AddProject) Type() string       { return TypeAddProject }
func (UpdateProject) Type() string    { return TypeUpdateProject }
func (DeleteProject) Type() string    { return TypeDeleteProject }
func (ReorderProjects) Type() string  { return TypeReorderProjects }
func (AddPhase) Type() string         { return TypeAddPhase }
func (UpdatePhase) Type() string      { return TypeUpdatePhase }
func (DeletePhase) Type() string      { return TypeDeletePhase }
func (MovePhase) Type() string        { return TypeMovePhase }
func (AddConnection) Type() string    { return TypeAddConnection }
func (DeleteConnection) Type() string { return TypeDeleteConnection }
func (SetDateRange) Type() string     { return TypeSetDateRange }
func (u Unknown) Type() string        { return u.Kind }

// Reorder builds a ReorderProjects action.
func Reorder(from, to int) ReorderProjects {
	return ReorderProjects{FromIndex: &from, ToIndex: &to}
}

var decoders = map[string]func([]byte) (Action, error){
	TypeAddProject:       decodeAs[AddProject],
	TypeUpdateProject:    decodeAs[UpdateProject],
	TypeDeleteProject:    decodeAs[DeleteProject],
	TypeReorderProjects:  decodeAs[ReorderProjects],
	TypeAddPhase:         decodeAs[AddPhase],
	TypeUpdatePhase:      decodeAs[UpdatePhase],
	TypeDeletePhase:      decodeAs[DeletePhase],
	TypeMovePhase:        decodeAs[MovePhase],
	TypeAddConnection:    decodeAs[AddConnection],
	TypeDeleteConnection: decodeAs[DeleteConnection],
	TypeSetDateRange:     decodeAs[SetDateRange],
}

func decodeAs[T Action](data []byte) (Action, error) {
	var action T
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, err
	}
	return action, nil
}

// DecodeAction parses the wire form of an action. Unrecognized types decode
// to Unknown without error; everything else that cannot be used is reported
// as ErrMalformedAction.
func DecodeAction(data []byte) (Action, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedAction)
	}
	decode, ok := decoders[head.Type]
	if !ok {
		return Unknown{Kind: head.Type, Raw: bytes.Clone(data)}, nil
	}
	action, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedAction, head.Type, err)
	}
	if err := Validate(action); err != nil {
		return nil, err
	}
	return action, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that an action carries the ids and payload its reduction
// needs.
func Validate(action Action) error {
	switch action.(type) {
	case nil:
		return fmt.Errorf("%w: nil action", ErrMalformedAction)
	case Unknown:
		return nil
	}
	if err := validate.Struct(action); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%w: %s: %s failed %q", ErrMalformedAction, action.Type(), fieldErrs[0].Namespace(), fieldErrs[0].Tag())
		}
		return fmt.Errorf("%w: %s: %v", ErrMalformedAction, action.Type(), err)
	}
	return nil
}

func (a AddProject) MarshalJSON() ([]byte, error) {
	type wire AddProject
	return withType(a.Type(), wire(a))
}

func (a UpdateProject) MarshalJSON() ([]byte, error) {
	type wire UpdateProject
	return withType(a.Type(), wire(a))
}

func (a DeleteProject) MarshalJSON() ([]byte, error) {
	type wire DeleteProject
	return withType(a.Type(), wire(a))
}

func (a ReorderProjects) MarshalJSON() ([]byte, error) {
	type wire ReorderProjects
	return withType(a.Type(), wire(a))
}

func (a AddPhase) MarshalJSON() ([]byte, error) {
	type wire AddPhase
	return withType(a.Type(), wire(a))
}

func (a UpdatePhase) MarshalJSON() ([]byte, error) {
	type wire UpdatePhase
	return withType(a.Type(), wire(a))
}

func (a DeletePhase) MarshalJSON() ([]byte, error) {
	type wire DeletePhase
	return withType(a.Type(), wire(a))
}

func (a MovePhase) MarshalJSON() ([]byte, error) {
	type wire MovePhase
	return withType(a.Type(), wire(a))
}

func (a AddConnection) MarshalJSON() ([]byte, error) {
	type wire AddConnection
	return withType(a.Type(), wire(a))
}

func (a DeleteConnection) MarshalJSON() ([]byte, error) {
	type wire DeleteConnection
	return withType(a.Type(), wire(a))
}

func (a SetDateRange) MarshalJSON() ([]byte, error) {
	type wire SetDateRange
	return withType(a.Type(), wire(a))
}

func (u Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return json.Marshal(map[string]string{"type": u.Kind})
	}
	return u.Raw, nil
}

func withType(actionType string, body any) ([]byte, error) {
	fields, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	head, err := json.Marshal(actionType)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(head)
	if inner := bytes.TrimSpace(fields[1 : len(fields)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
