package syncer

import (
	"context"
	"errors"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
	"github.com/x7ddf74479jn5/simple-kanban-planner/reorder"
)

// WelcomeBoardID is the id of the starter board created for new users.
const WelcomeBoardID = "first"

type seedTask struct {
	key         string
	title       string
	description string
	priority    domain.Priority
	todos       []domain.Todo
	dated       bool
}

var welcomeTasks = []seedTask{
	{key: "1", title: "Simple Kanban Plannerへようこそ 🙌", description: "Simple Kanaban Plannerは思考の整理を手助けします。", priority: domain.PriorityLow, dated: true},
	{key: "2", title: "記述方法", description: "## Simple Kanaban PlannerはMarkdownにも対応しています!\n- GFM形式で記述できます。\n- **太字** と *斜体*。\n ```\n コードも書けます!\n```\n>引用部分。\nMarkdownについては[ここ](https://commonmark.org/help/)を参照してください。", priority: domain.PriorityHigh, dated: true},
	{key: "3", title: "タスクやカラムの順番を入れ替えてみましょう", priority: domain.PriorityHigh, dated: true},
	{key: "4", title: "タスクの細分化", description: "達成可能な小さいサイズに分割しましょう", priority: domain.PriorityMedium, dated: true, todos: []domain.Todo{
		{Task: "1番目"},
		{Task: "2番め", Done: true},
		{Task: "並べ替えられます!"},
	}},
	{key: "5", title: "3種類の優先順位があります", description: "- High\n- Medium\n- Low", priority: domain.PriorityLow},
	{key: "6", title: "気に入りましたか? 😊", description: "### フィードバックや提案がありましたらぜひ!\n[GitHub](http://github.com/x7ddf74479jn5/simple-kanban-planner)レポジトリのリンクです。よろしければ🌟を!\n**モチベーションが向上します。**", priority: domain.PriorityMedium},
	{key: "7", title: "ボード名やカラム名を変えてみましょう", priority: domain.PriorityLow},
}

var welcomeColumns = []struct {
	title string
	tasks []string
}{
	{"未分類", []string{"1", "2"}},
	{"進行中", []string{"3", "5", "7"}},
	{"完了", []string{"6"}},
	{"待機中", []string{"4"}},
}

var welcomeOrder = []string{"未分類", "待機中", "進行中", "完了"}

// SeedWelcomeBoard creates the starter board of a new user. An existing
// starter board is returned unchanged.
func (s *BoardService) SeedWelcomeBoard(ctx context.Context, userID string) (domain.Board, error) {
	ref := domain.BoardRef{UserID: userID, BoardID: WelcomeBoardID}
	existing, err := s.GetBoard(ctx, ref)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Board{}, err
	}

	board := domain.Board{ID: WelcomeBoardID, Name: "Main Board"}
	taskIDs := make(map[string]string, len(welcomeTasks))
	var writes []reorder.Mutation
	for _, st := range welcomeTasks {
		task := domain.Task{
			ID:          uuid.NewString(),
			Title:       st.title,
			Description: st.description,
			Priority:    st.priority,
			Todos:       make([]domain.Todo, 0, len(st.todos)),
		}
		if st.dated {
			task.DateAdded = domain.NewTimestamp(s.now())
		}
		for _, todo := range st.todos {
			todo.ID = uuid.NewString()
			task.Todos = append(task.Todos, todo)
		}
		taskIDs[st.key] = task.ID
		writes = append(writes, reorder.Mutation{
			Op:         reorder.OpSet,
			Collection: domain.CollectionTasks,
			DocID:      task.ID,
			Fields:     task.Fields(),
		})
	}

	columnIDs := make(map[string]string, len(welcomeColumns))
	for _, wc := range welcomeColumns {
		col := domain.DefaultColumn{ID: uuid.NewString(), Title: wc.title}
		for _, key := range wc.tasks {
			col.TaskIDs = append(col.TaskIDs, taskIDs[key])
		}
		columnIDs[wc.title] = col.ID
		writes = append(writes, reorder.Mutation{
			Op:         reorder.OpSet,
			Collection: domain.CollectionColumns,
			DocID:      col.ID,
			Fields:     col.Fields(),
		})
	}

	record := domain.ColumnOrderRecord{ID: domain.ColumnOrderID}
	for _, title := range welcomeOrder {
		record.Order = append(record.Order, columnIDs[title])
	}
	writes = append(writes, reorder.Mutation{
		Op:         reorder.OpSet,
		Collection: domain.CollectionColumns,
		DocID:      record.ID,
		Fields:     record.Fields(),
	})

	for _, m := range writes {
		if err := s.do(ctx, ref, m); err != nil {
			return domain.Board{}, err
		}
	}
	if err := s.do(ctx, ref, reorder.Mutation{
		Op:         reorder.OpSet,
		Collection: domain.CollectionBoards,
		DocID:      board.ID,
		Fields:     map[string]any{"name": board.Name},
	}); err != nil {
		return domain.Board{}, err
	}
	s.logger.WithFields(log.Fields{"user": userID, "board": board.ID}).Info("welcome board seeded")
	return board, nil
}
