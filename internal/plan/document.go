package plan

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Attrs holds the fields of an entity the engine does not interpret. They
// travel next to the known keys in the JSON form.
type Attrs map[string]json.RawMessage

type Document struct {
	Projects    []Project
	Connections []Connection
	DateRange   *DateRange
	Attrs       Attrs
}

type Project struct {
	ID     string `validate:"required"`
	Phases []Phase
	Attrs  Attrs
}

type Phase struct {
	ID    string `validate:"required"`
	Attrs Attrs
}

type Connection struct {
	ID    string `validate:"required"`
	From  string `validate:"required"`
	To    string `validate:"required"`
	Attrs Attrs
}

type DateRange struct {
	Start string `json:"start" validate:"required"`
	End   string `json:"end" validate:"required"`
}

func NewDocument() Document {
	return Document{Projects: []Project{}, Connections: []Connection{}}
}

func DecodeDocument(blob []byte) (Document, error) {
	if len(blob) == 0 {
		return NewDocument(), nil
	}
	var doc Document
	if err := json.Unmarshal(blob, &doc); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func EncodeDocument(doc Document) ([]byte, error) {
	blob, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return blob, nil
}

// Clone returns a copy that shares no slices or maps with d. Raw attribute
// values are treated as immutable and shared.
func (d Document) Clone() Document {
	out := Document{
		Projects:    make([]Project, len(d.Projects)),
		Connections: make([]Connection, len(d.Connections)),
		Attrs:       d.Attrs.clone(),
	}
	for i, project := range d.Projects {
		out.Projects[i] = project.Clone()
	}
	for i, conn := range d.Connections {
		out.Connections[i] = conn.Clone()
	}
	if d.DateRange != nil {
		dr := *d.DateRange
		out.DateRange = &dr
	}
	return out
}

func (p Project) Clone() Project {
	out := Project{ID: p.ID, Phases: make([]Phase, len(p.Phases)), Attrs: p.Attrs.clone()}
	for i, phase := range p.Phases {
		out.Phases[i] = phase.Clone()
	}
	return out
}

func (p Phase) Clone() Phase {
	return Phase{ID: p.ID, Attrs: p.Attrs.clone()}
}

func (c Connection) Clone() Connection {
	return Connection{ID: c.ID, From: c.From, To: c.To, Attrs: c.Attrs.clone()}
}

func (a Attrs) clone() Attrs {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}

// String returns the attribute decoded as a string, or "" when it is absent
// or not a string.
func (a Attrs) String(key string) string {
	raw, ok := a[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// merge applies updates over a copy of a, skipping the protected keys.
func (a Attrs) merge(updates Attrs, protected ...string) Attrs {
	out := a.clone()
	if out == nil {
		out = make(Attrs, len(updates))
	}
	for key, value := range updates {
		if slices.Contains(protected, key) {
			continue
		}
		out[key] = value
	}
	return out
}

func (d Document) projectIndex(id string) int {
	return slices.IndexFunc(d.Projects, func(p Project) bool { return p.ID == id })
}

func (p Project) phaseIndex(id string) int {
	return slices.IndexFunc(p.Phases, func(ph Phase) bool { return ph.ID == id })
}

func (d Document) hasPhase(id string) bool {
	_, _, ok := FindPhase(d, id)
	return ok
}

// FindPhase locates a phase anywhere in the document.
func FindPhase(doc Document, phaseID string) (projectID string, phase Phase, ok bool) {
	for _, project := range doc.Projects {
		if i := project.phaseIndex(phaseID); i >= 0 {
			return project.ID, project.Phases[i], true
		}
	}
	return "", Phase{}, false
}

// HasConnection reports whether an edge from -> to already exists. The
// reducer does not deduplicate connections; callers check before adding.
func HasConnection(doc Document, from, to string) bool {
	return slices.ContainsFunc(doc.Connections, func(c Connection) bool {
		return c.From == from && c.To == to
	})
}

func (d Document) MarshalJSON() ([]byte, error) {
	out := d.Attrs.fields(3)
	out["projects"] = nonNil(d.Projects)
	out["connections"] = nonNil(d.Connections)
	if d.DateRange != nil {
		out["dateRange"] = d.DateRange
	}
	return json.Marshal(out)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	raw, err := splitFields(data)
	if err != nil {
		return err
	}
	var doc Document
	if err := takeField(raw, "projects", &doc.Projects); err != nil {
		return err
	}
	if err := takeField(raw, "connections", &doc.Connections); err != nil {
		return err
	}
	if err := takeField(raw, "dateRange", &doc.DateRange); err != nil {
		return err
	}
	if doc.Projects == nil {
		doc.Projects = []Project{}
	}
	if doc.Connections == nil {
		doc.Connections = []Connection{}
	}
	doc.Attrs = remaining(raw)
	*d = doc
	return nil
}

func (p Project) MarshalJSON() ([]byte, error) {
	out := p.Attrs.fields(2)
	out["id"] = p.ID
	out["phases"] = nonNil(p.Phases)
	return json.Marshal(out)
}

func (p *Project) UnmarshalJSON(data []byte) error {
	raw, err := splitFields(data)
	if err != nil {
		return err
	}
	var project Project
	if err := takeField(raw, "id", &project.ID); err != nil {
		return err
	}
	if err := takeField(raw, "phases", &project.Phases); err != nil {
		return err
	}
	if project.Phases == nil {
		project.Phases = []Phase{}
	}
	project.Attrs = remaining(raw)
	*p = project
	return nil
}

func (p Phase) MarshalJSON() ([]byte, error) {
	out := p.Attrs.fields(1)
	out["id"] = p.ID
	return json.Marshal(out)
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	raw, err := splitFields(data)
	if err != nil {
		return err
	}
	var phase Phase
	if err := takeField(raw, "id", &phase.ID); err != nil {
		return err
	}
	phase.Attrs = remaining(raw)
	*p = phase
	return nil
}

func (c Connection) MarshalJSON() ([]byte, error) {
	out := c.Attrs.fields(3)
	out["id"] = c.ID
	out["from"] = c.From
	out["to"] = c.To
	return json.Marshal(out)
}

func (c *Connection) UnmarshalJSON(data []byte) error {
	raw, err := splitFields(data)
	if err != nil {
		return err
	}
	var conn Connection
	for key, dst := range map[string]*string{"id": &conn.ID, "from": &conn.From, "to": &conn.To} {
		if err := takeField(raw, key, dst); err != nil {
			return err
		}
	}
	conn.Attrs = remaining(raw)
	*c = conn
	return nil
}

func (a Attrs) fields(extra int) map[string]any {
	out := make(map[string]any, len(a)+extra)
	for key, value := range a {
		out[key] = value
	}
	return out
}

func splitFields(data []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func takeField(raw map[string]json.RawMessage, key string, dst any) error {
	value, ok := raw[key]
	if !ok {
		return nil
	}
	delete(raw, key)
	if err := json.Unmarshal(value, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

func remaining(raw map[string]json.RawMessage) Attrs {
	if len(raw) == 0 {
		return nil
	}
	return Attrs(raw)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
