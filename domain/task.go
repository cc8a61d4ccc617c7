package domain

import (
	"bytes"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

const (
	MaxTaskTitleLen = 45
	MaxTodoTextLen  = 40
)

// Priority of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Todo is one checklist line embedded in a task.
type Todo struct {
	ID   string `json:"id,omitempty"`
	Task string `json:"task"`
	Done bool   `json:"done"`
}

// Task is a work item. The owning column is not stored on the task; it is
// the column whose TaskIDs contain the task id.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority"`
	DateAdded   *Timestamp `json:"dateAdded,omitempty"`
	Todos       []Todo     `json:"todos"`
	UpdatedAt   int64      `json:"updatedAt,omitempty"`
}

// Timestamp is a point in time stored as RFC 3339. Unix milliseconds are
// accepted on read.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t.UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.UTC().Format(time.RFC3339Nano))), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		t.Time = parsed.UTC()
		return nil
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// DecodeTask validates and decodes a task document.
func DecodeTask(id string, raw []byte) (Task, error) {
	s, err := loadSchemas()
	if err != nil {
		return Task{}, err
	}
	if err := validateDoc(s.task, id, raw); err != nil {
		return Task{}, err
	}
	var t Task
	if err := sonic.Unmarshal(raw, &t); err != nil {
		return Task{}, &ValidationError{DocID: id, Constraint: "json", Err: err}
	}
	t.ID = id
	if t.Todos == nil {
		t.Todos = []Todo{}
	}
	return t, nil
}

// Fields returns the document body written for a new task.
func (t Task) Fields() map[string]any {
	todos := t.Todos
	if todos == nil {
		todos = []Todo{}
	}
	f := map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"description": t.Description,
		"priority":    string(t.Priority),
		"todos":       todos,
	}
	if t.DateAdded != nil {
		f["dateAdded"] = t.DateAdded
	}
	if t.UpdatedAt != 0 {
		f["updatedAt"] = t.UpdatedAt
	}
	return f
}

// ValidateTitle checks a user supplied task title.
func ValidateTitle(title string) error {
	n := utf8.RuneCountInString(title)
	if n == 0 {
		return &ValidationError{Field: "title", Constraint: "minLength"}
	}
	if n > MaxTaskTitleLen {
		return &ValidationError{Field: "title", Constraint: "maxLength"}
	}
	return nil
}

// ValidatePriority checks a user supplied priority.
func ValidatePriority(p Priority) error {
	if !p.Valid() {
		return &ValidationError{Field: "priority", Constraint: "enum"}
	}
	return nil
}

// ValidateTodoText checks a user supplied checklist line.
func ValidateTodoText(text string) error {
	if utf8.RuneCountInString(text) > MaxTodoTextLen {
		return &ValidationError{Field: "task", Constraint: "maxLength"}
	}
	return nil
}

// ValidateTask checks the user editable fields of t.
func ValidateTask(t Task) error {
	if err := ValidateTitle(t.Title); err != nil {
		return err
	}
	if err := ValidatePriority(t.Priority); err != nil {
		return err
	}
	for _, todo := range t.Todos {
		if err := ValidateTodoText(todo.Task); err != nil {
			return err
		}
	}
	return nil
}
