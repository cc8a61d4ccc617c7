package reorder

import "github.com/x7ddf74479jn5/simple-kanban-planner/domain"

// Op is the kind of store write a Mutation performs.
type Op string

const (
	OpSet           Op = "set"
	OpUpdate        Op = "update"
	OpDelete        Op = "delete"
	OpAppendUnique  Op = "append-unique"
	OpRemoveElement Op = "remove-element"
)

// Mutation is a single atomic write against one document. Collection and
// DocID are relative to a board; callers resolve them to store paths.
type Mutation struct {
	Op         Op                `json:"op"`
	Collection domain.Collection `json:"collection"`
	DocID      string            `json:"docId"`
	Fields     map[string]any    `json:"fields,omitempty"`
	Field      string            `json:"field,omitempty"`
	Value      any               `json:"value,omitempty"`
}

func updateTaskIDs(columnID string, ids []string) Mutation {
	return Mutation{
		Op:         OpUpdate,
		Collection: domain.CollectionColumns,
		DocID:      columnID,
		Fields:     map[string]any{"taskIds": ids},
	}
}

func updateOrder(recordID string, order []string) Mutation {
	return Mutation{
		Op:         OpUpdate,
		Collection: domain.CollectionColumns,
		DocID:      recordID,
		Fields:     map[string]any{"order": order},
	}
}

func updateTodos(taskID string, todos []domain.Todo) Mutation {
	return Mutation{
		Op:         OpUpdate,
		Collection: domain.CollectionTasks,
		DocID:      taskID,
		Fields:     map[string]any{"todos": todos},
	}
}
