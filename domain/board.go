package domain

import (
	"strings"

	"github.com/bytedance/sonic"
)

// Board is a user-owned container of columns.
type Board struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// DecodeBoard validates and decodes a board document read from the store.
func DecodeBoard(id string, raw []byte) (Board, error) {
	s, err := loadSchemas()
	if err != nil {
		return Board{}, err
	}
	if err := validateDoc(s.board, id, raw); err != nil {
		return Board{}, err
	}
	var b Board
	if err := sonic.Unmarshal(raw, &b); err != nil {
		return Board{}, &ValidationError{DocID: id, Constraint: "json", Err: err}
	}
	b.ID = id
	return b, nil
}

// ValidateBoardName checks a user supplied board name.
func ValidateBoardName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Constraint: "minLength"}
	}
	return nil
}
