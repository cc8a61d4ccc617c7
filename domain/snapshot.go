package domain

// Snapshot is the assembled, render ready view of one board. A Snapshot is
// never modified after it has been published; transitions build a new one.
type Snapshot struct {
	// OrderID is the id of the column order record document. Empty means
	// ColumnOrderID.
	OrderID     string                   `json:"orderId,omitempty"`
	ColumnOrder []string                 `json:"columnOrder"`
	Columns     map[string]DefaultColumn `json:"columns"`
	Tasks       map[string]Task          `json:"tasks"`
	Revision    int64                    `json:"revision"`
	// OrderUpdatedAt is the updatedAt of the column order record.
	OrderUpdatedAt int64 `json:"orderUpdatedAt,omitempty"`
}

// OrderRecordID returns the document id of the column order record.
func (s *Snapshot) OrderRecordID() string {
	if s == nil || s.OrderID == "" {
		return ColumnOrderID
	}
	return s.OrderID
}

// DocRevision returns the updatedAt of one board document. ok is false when
// the snapshot has no such document.
func (s *Snapshot) DocRevision(coll Collection, id string) (rev int64, ok bool) {
	if s == nil {
		return 0, false
	}
	switch coll {
	case CollectionColumns:
		if id == s.OrderRecordID() {
			return s.OrderUpdatedAt, true
		}
		c, ok := s.Columns[id]
		return c.UpdatedAt, ok
	case CollectionTasks:
		t, ok := s.Tasks[id]
		return t.UpdatedAt, ok
	}
	return 0, false
}

// Column looks up a column by id.
func (s *Snapshot) Column(id string) (DefaultColumn, bool) {
	if s == nil {
		return DefaultColumn{}, false
	}
	c, ok := s.Columns[id]
	return c, ok
}

// Task looks up a task by id.
func (s *Snapshot) Task(id string) (Task, bool) {
	if s == nil {
		return Task{}, false
	}
	t, ok := s.Tasks[id]
	return t, ok
}

// OrderedColumns returns the columns in display order. Ids in ColumnOrder
// without a matching column are skipped.
func (s *Snapshot) OrderedColumns() []DefaultColumn {
	if s == nil {
		return nil
	}
	out := make([]DefaultColumn, 0, len(s.ColumnOrder))
	for _, id := range s.ColumnOrder {
		if c, ok := s.Columns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ColumnTasks returns the tasks of a column in order, skipping ids without a
// task document.
func (s *Snapshot) ColumnTasks(columnID string) []Task {
	c, ok := s.Column(columnID)
	if !ok {
		return nil
	}
	out := make([]Task, 0, len(c.TaskIDs))
	for _, id := range c.TaskIDs {
		if t, ok := s.Tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// ColumnOf returns the id of the column whose TaskIDs contain taskID.
func (s *Snapshot) ColumnOf(taskID string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, id := range s.ColumnOrder {
		if c, ok := s.Columns[id]; ok && contains(c.TaskIDs, taskID) {
			return id, true
		}
	}
	for id, c := range s.Columns {
		if contains(c.TaskIDs, taskID) {
			return id, true
		}
	}
	return "", false
}

// Clone returns a shallow copy with fresh maps. Slices are shared and must be
// replaced, not edited, by the caller.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		OrderID:     s.OrderID,
		ColumnOrder: s.ColumnOrder,
		Columns:     make(map[string]DefaultColumn, len(s.Columns)),
		Tasks:       make(map[string]Task, len(s.Tasks)),
		Revision:    s.Revision,

		OrderUpdatedAt: s.OrderUpdatedAt,
	}
	for k, v := range s.Columns {
		out.Columns[k] = v
	}
	for k, v := range s.Tasks {
		out.Tasks[k] = v
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
