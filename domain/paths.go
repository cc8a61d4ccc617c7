package domain

// Collection names a board level collection in the document store.
type Collection string

const (
	CollectionBoards  Collection = "boards"
	CollectionColumns Collection = "columns"
	CollectionTasks   Collection = "tasks"
)

// BoardsPath is the collection holding all boards of a user.
func BoardsPath(userID string) string {
	return "users/" + userID + "/boards"
}

// BoardRef addresses one board of one user.
type BoardRef struct {
	UserID  string `json:"userId"`
	BoardID string `json:"boardId"`
}

// DocPath returns the path of the board document itself.
func (r BoardRef) DocPath() string {
	return BoardsPath(r.UserID) + "/" + r.BoardID
}

// ColumnsPath returns the collection holding the board's columns and its
// column order record.
func (r BoardRef) ColumnsPath() string {
	return r.DocPath() + "/columns"
}

// TasksPath returns the collection holding the board's tasks.
func (r BoardRef) TasksPath() string {
	return r.DocPath() + "/tasks"
}

// CollectionPath resolves c relative to the board. Boards resolve to the
// user's board collection.
func (r BoardRef) CollectionPath(c Collection) string {
	switch c {
	case CollectionColumns:
		return r.ColumnsPath()
	case CollectionTasks:
		return r.TasksPath()
	default:
		return BoardsPath(r.UserID)
	}
}
