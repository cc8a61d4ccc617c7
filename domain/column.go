package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// MaxColumnTitleLen bounds user supplied column titles, in runes.
const MaxColumnTitleLen = 20

// ColumnOrderID is the document id of the column order record in documents
// that predate the explicit kind tag.
const ColumnOrderID = "columnOrder"

// ColumnKind discriminates the two document shapes stored in a board's
// columns collection.
type ColumnKind string

const (
	KindDefault ColumnKind = "column"
	KindOrder   ColumnKind = "order"
)

// DefaultColumn holds the ordered task ids of one board column.
type DefaultColumn struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	TaskIDs   []string `json:"taskIds"`
	UpdatedAt int64    `json:"updatedAt,omitempty"`
}

// ColumnOrderRecord holds the display order of a board's columns.
type ColumnOrderRecord struct {
	ID        string   `json:"id"`
	Order     []string `json:"order"`
	UpdatedAt int64    `json:"updatedAt,omitempty"`
}

// Column is one document of the columns collection. Exactly one of Default
// and Order is set, as named by Kind.
type Column struct {
	Kind    ColumnKind
	Default *DefaultColumn
	Order   *ColumnOrderRecord
}

// ColumnKindOf returns the shape of a columns document. An explicit kind
// field wins; untagged documents are discriminated by the sentinel id.
func ColumnKindOf(id string, raw []byte) (ColumnKind, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := sonic.Unmarshal(raw, &probe); err != nil {
		return "", &ValidationError{DocID: id, Constraint: "json", Err: err}
	}
	switch ColumnKind(probe.Kind) {
	case KindDefault, KindOrder:
		return ColumnKind(probe.Kind), nil
	case "":
		if id == ColumnOrderID {
			return KindOrder, nil
		}
		return KindDefault, nil
	default:
		return "", &ValidationError{DocID: id, Field: "kind", Constraint: "enum"}
	}
}

// DecodeColumn validates and decodes a columns document.
func DecodeColumn(id string, raw []byte) (Column, error) {
	s, err := loadSchemas()
	if err != nil {
		return Column{}, err
	}
	kind, err := ColumnKindOf(id, raw)
	if err != nil {
		return Column{}, err
	}
	switch kind {
	case KindOrder:
		if err := validateDoc(s.columnOrder, id, raw); err != nil {
			return Column{}, err
		}
		var rec ColumnOrderRecord
		if err := sonic.Unmarshal(raw, &rec); err != nil {
			return Column{}, &ValidationError{DocID: id, Constraint: "json", Err: err}
		}
		rec.ID = id
		if rec.Order == nil {
			rec.Order = []string{}
		}
		return Column{Kind: KindOrder, Order: &rec}, nil
	default:
		if err := validateDoc(s.column, id, raw); err != nil {
			return Column{}, err
		}
		var col DefaultColumn
		if err := sonic.Unmarshal(raw, &col); err != nil {
			return Column{}, &ValidationError{DocID: id, Constraint: "json", Err: err}
		}
		col.ID = id
		if col.TaskIDs == nil {
			col.TaskIDs = []string{}
		}
		return Column{Kind: KindDefault, Default: &col}, nil
	}
}

// Fields returns the document body written for a new column.
func (c DefaultColumn) Fields() map[string]any {
	ids := c.TaskIDs
	if ids == nil {
		ids = []string{}
	}
	f := map[string]any{
		"id":      c.ID,
		"kind":    string(KindDefault),
		"title":   c.Title,
		"taskIds": ids,
	}
	if c.UpdatedAt != 0 {
		f["updatedAt"] = c.UpdatedAt
	}
	return f
}

// Fields returns the document body written for a new order record.
func (r ColumnOrderRecord) Fields() map[string]any {
	order := r.Order
	if order == nil {
		order = []string{}
	}
	f := map[string]any{
		"id":    r.ID,
		"kind":  string(KindOrder),
		"order": order,
	}
	if r.UpdatedAt != 0 {
		f["updatedAt"] = r.UpdatedAt
	}
	return f
}

// ValidateColumnTitle checks a user supplied column title.
func ValidateColumnTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return &ValidationError{Field: "title", Constraint: "minLength"}
	}
	if utf8.RuneCountInString(title) > MaxColumnTitleLen {
		return &ValidationError{Field: "title", Constraint: "maxLength"}
	}
	return nil
}
