package plan

import (
	"encoding/json"
	"fmt"
)

type EventKind string

const (
	EventAction  EventKind = "action"
	EventReplace EventKind = "replace"
)

// Event is what subscribers of a document receive: either one committed
// action tagged with the submitting client, or a whole replacement document.
type Event struct {
	Kind     EventKind
	Action   Action
	ClientID string
	Document *Document
}

func ActionEvent(action Action, clientID string) Event {
	return Event{Kind: EventAction, Action: action, ClientID: clientID}
}

func ReplaceEvent(doc Document) Event {
	return Event{Kind: EventReplace, Document: &doc}
}

type wireEvent struct {
	Event    EventKind       `json:"event"`
	Action   json.RawMessage `json:"action,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Document *Document       `json:"document,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := wireEvent{Event: e.Kind}
	switch e.Kind {
	case EventAction:
		if e.Action == nil {
			return nil, fmt.Errorf("action event without action")
		}
		raw, err := json.Marshal(e.Action)
		if err != nil {
			return nil, err
		}
		out.Action = raw
		out.ClientID = e.ClientID
	case EventReplace:
		if e.Document == nil {
			return nil, fmt.Errorf("replace event without document")
		}
		out.Document = e.Document
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var in wireEvent
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Event {
	case EventAction:
		action, err := DecodeAction(in.Action)
		if err != nil {
			return err
		}
		*e = ActionEvent(action, in.ClientID)
	case EventReplace:
		if in.Document == nil {
			return fmt.Errorf("replace event without document")
		}
		*e = ReplaceEvent(*in.Document)
	default:
		return fmt.Errorf("unknown event kind %q", in.Event)
	}
	return nil
}
