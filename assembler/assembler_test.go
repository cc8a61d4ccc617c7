package assembler

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
	"github.com/x7ddf74479jn5/simple-kanban-planner/storage"
)

func orderDoc(ids ...string) []byte {
	return []byte(fmt.Sprintf(`{"kind":"order","order":%s}`, jsonList(ids)))
}

func columnDoc(title string, taskIDs ...string) []byte {
	return []byte(fmt.Sprintf(`{"kind":"column","title":%q,"taskIds":%s}`, title, jsonList(taskIDs)))
}

func taskDoc(title string) []byte {
	return []byte(fmt.Sprintf(`{"title":%q,"priority":"low","todos":[]}`, title))
}

func jsonList(ids []string) string {
	out := "["
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q", id)
	}
	return out + "]"
}

func TestAssembleCompleteness(t *testing.T) {
	for m := 0; m <= 5; m++ {
		for k := 0; k <= 4; k++ {
			columns := storage.Docs{}
			var order []string
			for i := 0; i < m; i++ {
				id := fmt.Sprintf("c%d", i)
				order = append(order, id)
				columns[id] = columnDoc("Column " + id)
			}
			columns["columnOrder"] = orderDoc(order...)
			tasks := storage.Docs{}
			for i := 0; i < k; i++ {
				tasks[fmt.Sprintf("t%d", i)] = taskDoc("task")
			}

			res, err := Assemble(columns, tasks, Options{})
			if err != nil {
				t.Fatalf("m=%d k=%d: %v", m, k, err)
			}
			s := res.Snapshot
			if len(s.ColumnOrder) != m || len(s.Columns) != m || len(s.Tasks) != k {
				t.Fatalf("m=%d k=%d: got order=%d columns=%d tasks=%d", m, k, len(s.ColumnOrder), len(s.Columns), len(s.Tasks))
			}
			if len(res.Rejected) != 0 {
				t.Fatalf("unexpected rejections %v", res.Rejected)
			}
		}
	}
}

func TestAssembleMissingOrderRecord(t *testing.T) {
	columns := storage.Docs{"Todo": columnDoc("Todo"), "Doing": columnDoc("Doing")}
	res, err := Assemble(columns, storage.Docs{}, Options{})
	if !domain.IsIntegrity(err) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if res.Snapshot != nil {
		t.Fatalf("snapshot must not be produced")
	}
}

func TestAssembleIntegrityFailures(t *testing.T) {
	tests := []struct {
		name    string
		columns storage.Docs
	}{
		{name: "invalid legacy record", columns: storage.Docs{"columnOrder": []byte(`{"order":"A,B"}`)}},
		{name: "invalid tagged record", columns: storage.Docs{"ord": []byte(`{"kind":"order","order":[1,2]}`)}},
		{name: "duplicate records", columns: storage.Docs{"columnOrder": orderDoc(), "other": orderDoc()}},
		{name: "malformed legacy record", columns: storage.Docs{"columnOrder": []byte(`{`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Assemble(tt.columns, storage.Docs{}, Options{}); !domain.IsIntegrity(err) {
				t.Fatalf("expected integrity error, got %v", err)
			}
		})
	}
}

func TestAssembleRejectsInvalidDocumentsIndividually(t *testing.T) {
	columns := storage.Docs{
		"columnOrder": orderDoc("A", "B"),
		"A":           columnDoc("A", "t1"),
		"B":           []byte(`{"kind":"column","title":"","taskIds":[]}`),
	}
	tasks := storage.Docs{
		"t1": taskDoc("fine"),
		"t2": []byte(`{"title":"bad","priority":"urgent"}`),
	}
	res, err := Assemble(columns, tasks, Options{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("expected 2 rejections, got %v", res.Rejected)
	}
	if res.Rejected[0].DocID != "B" || res.Rejected[1].DocID != "t2" {
		t.Fatalf("unexpected rejections %+v %+v", res.Rejected[0], res.Rejected[1])
	}
	if _, ok := res.Snapshot.Columns["B"]; ok {
		t.Fatalf("invalid column kept")
	}
	if !reflect.DeepEqual(res.Snapshot.ColumnOrder, []string{"A"}) {
		t.Fatalf("unexpected order %v", res.Snapshot.ColumnOrder)
	}
	if _, ok := res.Snapshot.Tasks["t1"]; !ok {
		t.Fatalf("valid task dropped")
	}
}

func TestAssembleReconcilesOrder(t *testing.T) {
	columns := storage.Docs{
		"columnOrder": orderDoc("B", "gone", "A", "B"),
		"A":           columnDoc("A"),
		"B":           columnDoc("B"),
		"D":           columnDoc("D"),
		"C":           columnDoc("C"),
	}
	res, err := Assemble(columns, storage.Docs{}, Options{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if want := []string{"B", "A", "C", "D"}; !reflect.DeepEqual(res.Snapshot.ColumnOrder, want) {
		t.Fatalf("expected %v, got %v", want, res.Snapshot.ColumnOrder)
	}

	raw, err := Assemble(columns, storage.Docs{}, Options{KeepRawOrder: true})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if want := []string{"B", "gone", "A", "B"}; !reflect.DeepEqual(raw.Snapshot.ColumnOrder, want) {
		t.Fatalf("expected %v, got %v", want, raw.Snapshot.ColumnOrder)
	}
	// lookup misses are skipped when rendering
	if n := len(raw.Snapshot.OrderedColumns()); n != 3 {
		t.Fatalf("expected 3 rendered columns, got %d", n)
	}
}

func TestAssembleLegacyDocuments(t *testing.T) {
	columns := storage.Docs{
		"columnOrder": []byte(`{"order":["Todo"]}`),
		"Todo":        []byte(`{"title":"Todo","taskIds":["t1"]}`),
	}
	tasks := storage.Docs{"t1": []byte(`{"title":"x","priority":"high","dateAdded":1700000000000}`)}
	res, err := Assemble(columns, tasks, Options{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if res.Snapshot.OrderRecordID() != domain.ColumnOrderID {
		t.Fatalf("unexpected order id %q", res.Snapshot.OrderID)
	}
	if got := res.Snapshot.ColumnTasks("Todo"); len(got) != 1 || len(got[0].Todos) != 0 {
		t.Fatalf("unexpected tasks %+v", got)
	}
}

func TestAssembleRevisionIsLatestColumnWrite(t *testing.T) {
	columns := storage.Docs{
		"o": []byte(`{"kind":"order","order":["A","B"],"updatedAt":1700000000000000005}`),
		"A": []byte(`{"kind":"column","title":"A","taskIds":[],"updatedAt":1700000000000000009}`),
		"B": []byte(`{"kind":"column","title":"B","taskIds":[]}`),
	}
	res, err := Assemble(columns, storage.Docs{}, Options{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if res.Snapshot.Revision != 1700000000000000009 {
		t.Fatalf("unexpected revision %d", res.Snapshot.Revision)
	}
	if res.Snapshot.OrderRecordID() != "o" {
		t.Fatalf("unexpected order id %s", res.Snapshot.OrderRecordID())
	}
}

func TestAssemblerWaitsForBothCollections(t *testing.T) {
	logger, hook := test.NewNullLogger()
	var results []Result
	var errs []error
	a := New(Options{}, func(r Result, err error) {
		results = append(results, r)
		errs = append(errs, err)
	}, logger)

	if !a.Loading() {
		t.Fatalf("expected loading")
	}
	a.OnColumns(storage.Docs{"columnOrder": orderDoc("A"), "A": columnDoc("A", "t1")})
	a.OnColumns(storage.Docs{"columnOrder": orderDoc("A"), "A": columnDoc("A", "t1")})
	if len(results) != 0 || !a.Loading() {
		t.Fatalf("emitted before tasks arrived")
	}
	a.OnTasks(storage.Docs{"t1": taskDoc("x"), "t9": []byte(`{"title":""}`)})
	if len(results) != 1 || errs[0] != nil {
		t.Fatalf("expected one snapshot, got %d (%v)", len(results), errs)
	}
	if len(hook.AllEntries()) == 0 || hook.LastEntry().Data["doc"] != "t9" {
		t.Fatalf("expected rejected document to be logged")
	}

	a.OnColumns(storage.Docs{"A": columnDoc("A")})
	if len(results) != 2 || !domain.IsIntegrity(errs[1]) || results[1].Snapshot != nil {
		t.Fatalf("expected integrity failure, got %v", errs)
	}
}
