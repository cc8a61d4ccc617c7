package storage

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

type fakeRow struct {
	body []byte
	etag int
}

// fakeTable mimics the subset of Azure Table semantics Tables relies on.
type fakeTable struct {
	mu        sync.Mutex
	rows      map[string]fakeRow
	conflicts int
	updates   int
	created   bool
}

func newFakeTable() *fakeTable { return &fakeTable{rows: map[string]fakeRow{}} }

func (f *fakeTable) key(pk, rk string) string { return pk + "\x00" + rk }

func (f *fakeTable) CreateTable(context.Context, *aztables.CreateTableOptions) (aztables.CreateTableResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created {
		return aztables.CreateTableResponse{}, &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: string(aztables.TableAlreadyExists)}
	}
	f.created = true
	return aztables.CreateTableResponse{}, nil
}

func (f *fakeTable) GetEntity(_ context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[f.key(pk, rk)]
	if !ok {
		return aztables.GetEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	return aztables.GetEntityResponse{ETag: azcore.ETag(strconv.Itoa(row.etag)), Value: row.body}, nil
}

func (f *fakeTable) UpsertEntity(_ context.Context, entity []byte, _ *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.entityKey(entity)
	f.rows[k] = fakeRow{body: entity, etag: f.rows[k].etag + 1}
	return aztables.UpsertEntityResponse{}, nil
}

func (f *fakeTable) UpdateEntity(_ context.Context, entity []byte, opts *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	k := f.entityKey(entity)
	row, ok := f.rows[k]
	if !ok {
		return aztables.UpdateEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	if f.conflicts > 0 {
		// another writer slipped in
		f.conflicts--
		row.etag++
		f.rows[k] = row
	}
	if opts != nil && opts.IfMatch != nil && *opts.IfMatch != azcore.ETagAny && string(*opts.IfMatch) != strconv.Itoa(row.etag) {
		return aztables.UpdateEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	}
	f.rows[k] = fakeRow{body: entity, etag: row.etag + 1}
	return aztables.UpdateEntityResponse{}, nil
}

func (f *fakeTable) DeleteEntity(_ context.Context, pk, rk string, _ *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[f.key(pk, rk)]; !ok {
		return aztables.DeleteEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	delete(f.rows, f.key(pk, rk))
	return aztables.DeleteEntityResponse{}, nil
}

func (f *fakeTable) NewListEntitiesPager(opts *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	pk := ""
	if opts != nil && opts.Filter != nil {
		filter := strings.TrimPrefix(*opts.Filter, "PartitionKey eq '")
		pk = strings.ReplaceAll(strings.TrimSuffix(filter, "'"), "''", "'")
	}
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return false },
		Fetcher: func(context.Context, *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			var out [][]byte
			for k, row := range f.rows {
				if strings.HasPrefix(k, pk+"\x00") {
					out = append(out, row.body)
				}
			}
			return aztables.ListEntitiesResponse{Entities: out}, nil
		},
	})
}

func (f *fakeTable) entityKey(entity []byte) string {
	var ent docEntity
	_ = codec.Unmarshal(entity, &ent)
	return f.key(ent.PartitionKey, ent.RowKey)
}

func TestTablesRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeTable()
	tables := &Tables{table: fake}

	if err := tables.Set(ctx, testCollection, "col/1", map[string]any{"title": "Todo", "taskIds": []string{"t1"}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := tables.Set(ctx, "users/u1/boards/b1/tasks", "t1", map[string]any{"title": "x"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	for k := range fake.rows {
		if strings.ContainsAny(k, "/#?\\") {
			t.Fatalf("key %q contains forbidden characters", k)
		}
	}

	raw, err := tables.Get(ctx, testCollection, "col/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if decode(t, raw)["title"] != "Todo" {
		t.Fatalf("unexpected doc %s", raw)
	}

	docs, err := tables.List(ctx, testCollection)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs["col/1"] == nil {
		t.Fatalf("unexpected listing %v", docs)
	}

	if err := tables.Update(ctx, testCollection, "col/1", map[string]any{"title": "Doing"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	raw, _ = tables.Get(ctx, testCollection, "col/1")
	doc := decode(t, raw)
	if doc["title"] != "Doing" || len(doc["taskIds"].([]any)) != 1 {
		t.Fatalf("merge lost fields: %v", doc)
	}

	if err := tables.Delete(ctx, testCollection, "col/1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tables.Delete(ctx, testCollection, "col/1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := tables.Get(ctx, testCollection, "col/1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := tables.Update(ctx, testCollection, "col/1", map[string]any{"title": "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTablesRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	fake := newFakeTable()
	tables := &Tables{table: fake}
	_ = tables.Set(ctx, testCollection, "columnOrder", map[string]any{"order": []string{"a"}})

	fake.conflicts = 2
	if err := tables.AppendUnique(ctx, testCollection, "columnOrder", "order", "b"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if fake.updates != 3 {
		t.Fatalf("expected 3 update attempts, got %d", fake.updates)
	}
	raw, _ := tables.Get(ctx, testCollection, "columnOrder")
	if order := decode(t, raw)["order"].([]any); len(order) != 2 || order[1] != "b" {
		t.Fatalf("unexpected order %v", order)
	}

	fake.conflicts = maxConflictRetries
	err := tables.RemoveElement(ctx, testCollection, "columnOrder", "order", "a")
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
}

func TestTablesUnchangedArrayWritesNothing(t *testing.T) {
	ctx := context.Background()
	fake := newFakeTable()
	tables := &Tables{table: fake}
	_ = tables.Set(ctx, testCollection, "columnOrder", map[string]any{"order": []string{"a"}})
	if err := tables.AppendUnique(ctx, testCollection, "columnOrder", "order", "a"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if fake.updates != 0 {
		t.Fatalf("expected no update, got %d", fake.updates)
	}
}

func TestTablesEnsureTableIgnoresExisting(t *testing.T) {
	tables := &Tables{table: newFakeTable()}
	for i := 0; i < 2; i++ {
		if err := tables.EnsureTable(context.Background()); err != nil {
			t.Fatalf("ensure %d: %v", i, err)
		}
	}
}
