package plan

import "slices"

// Apply returns the document that results from applying action to doc. The
// input is never modified. Actions whose targets do not exist reduce to an
// unchanged copy.
func Apply(doc Document, action Action) Document {
	switch action.(type) {
	case nil, Unknown:
		return doc
	}
	next := doc.Clone()
	action.apply(&next)
	return next
}

func (a AddProject) apply(d *Document) {
	project := a.Project.Clone()
	if project.Phases == nil {
		project.Phases = []Phase{}
	}
	d.Projects = append(d.Projects, project)
}

func (a UpdateProject) apply(d *Document) {
	i := d.projectIndex(a.ProjectID)
	if i < 0 {
		return
	}
	d.Projects[i].Attrs = d.Projects[i].Attrs.merge(a.Updates, "id", "phases")
}

func (a DeleteProject) apply(d *Document) {
	i := d.projectIndex(a.ProjectID)
	if i < 0 {
		return
	}
	removed := make(map[string]struct{}, len(d.Projects[i].Phases))
	for _, phase := range d.Projects[i].Phases {
		removed[phase.ID] = struct{}{}
	}
	d.Projects = slices.Delete(d.Projects, i, i+1)
	d.dropConnections(removed)
}

func (a ReorderProjects) apply(d *Document) {
	if a.FromIndex == nil || a.ToIndex == nil {
		return
	}
	from, to := *a.FromIndex, *a.ToIndex
	if from < 0 || from >= len(d.Projects) {
		return
	}
	moved := d.Projects[from]
	rest := slices.Delete(d.Projects, from, from+1)
	switch {
	case to > len(rest):
		to = len(rest)
	case to < 0:
		// Negative positions count back from the end, as Array.prototype.splice does.
		to = max(len(rest)+to, 0)
	}
	d.Projects = slices.Insert(rest, to, moved)
}

func (a AddPhase) apply(d *Document) {
	i := d.projectIndex(a.ProjectID)
	if i < 0 {
		return
	}
	d.Projects[i].Phases = append(d.Projects[i].Phases, a.Phase.Clone())
}

func (a UpdatePhase) apply(d *Document) {
	i := d.projectIndex(a.ProjectID)
	if i < 0 {
		return
	}
	j := d.Projects[i].phaseIndex(a.PhaseID)
	if j < 0 {
		return
	}
	phase := &d.Projects[i].Phases[j]
	phase.Attrs = phase.Attrs.merge(a.Updates, "id")
}

// Connections touching the phase are removed even when the phase is not
// found under ProjectID.
func (a DeletePhase) apply(d *Document) {
	if i := d.projectIndex(a.ProjectID); i >= 0 {
		if j := d.Projects[i].phaseIndex(a.PhaseID); j >= 0 {
			d.Projects[i].Phases = slices.Delete(d.Projects[i].Phases, j, j+1)
		}
	}
	d.dropConnections(map[string]struct{}{a.PhaseID: {}})
}

func (a MovePhase) apply(d *Document) {
	from := d.projectIndex(a.FromProjectID)
	to := d.projectIndex(a.ToProjectID)
	if from < 0 || to < 0 {
		return
	}
	j := d.Projects[from].phaseIndex(a.PhaseID)
	if j < 0 {
		return
	}
	phase := d.Projects[from].Phases[j]
	d.Projects[from].Phases = slices.Delete(d.Projects[from].Phases, j, j+1)
	if len(a.Updates) > 0 {
		phase.Attrs = phase.Attrs.merge(a.Updates, "id")
	}
	d.Projects[to].Phases = append(d.Projects[to].Phases, phase)
}

func (a AddConnection) apply(d *Document) {
	if !d.hasPhase(a.Connection.From) || !d.hasPhase(a.Connection.To) {
		return
	}
	d.Connections = append(d.Connections, a.Connection.Clone())
}

func (a DeleteConnection) apply(d *Document) {
	d.Connections = slices.DeleteFunc(d.Connections, func(c Connection) bool {
		return c.ID == a.ConnectionID
	})
}

func (a SetDateRange) apply(d *Document) {
	if a.DateRange == nil {
		d.DateRange = nil
		return
	}
	dr := *a.DateRange
	d.DateRange = &dr
}

// Unknown never reaches apply through Apply; the method only closes the set.
func (Unknown) apply(*Document) {}

func (d *Document) dropConnections(phaseIDs map[string]struct{}) {
	d.Connections = slices.DeleteFunc(d.Connections, func(c Connection) bool {
		_, from := phaseIDs[c.From]
		_, to := phaseIDs[c.To]
		return from || to
	})
}
