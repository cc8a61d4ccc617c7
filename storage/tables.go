package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// maxConflictRetries bounds the read-modify-write loop of a single write.
const maxConflictRetries = 8

// tableClient is the subset of *aztables.Client used by Tables.
type tableClient interface {
	CreateTable(ctx context.Context, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Tables stores documents in a single Azure table. The partition key is the
// escaped collection path, the row key the escaped document id and the Doc
// property holds the JSON body.
type Tables struct {
	table tableClient
}

// NewTables connects to the named table using the storage connection string.
func NewTables(connStr, table string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{table: svc.NewClient(table)}, nil
}

type docEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Doc          string `json:"Doc"`
}

// EnsureTable creates the table unless it already exists.
func (t *Tables) EnsureTable(ctx context.Context) error {
	_, err := t.table.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

func (t *Tables) Get(ctx context.Context, collection, id string) ([]byte, error) {
	ent, _, err := t.get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	return []byte(ent.Doc), nil
}

func (t *Tables) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	doc, err := normalizeFields(fields)
	if err != nil {
		return err
	}
	payload, err := entityPayload(collection, id, doc)
	if err != nil {
		return err
	}
	_, err = t.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

func (t *Tables) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	norm, err := normalizeFields(fields)
	if err != nil {
		return err
	}
	return t.modify(ctx, collection, id, func(doc map[string]any) (bool, error) {
		merge(doc, norm)
		return true, nil
	})
}

func (t *Tables) Delete(ctx context.Context, collection, id string) error {
	et := azcore.ETagAny
	_, err := t.table.DeleteEntity(ctx, partitionKey(collection), rowKey(id), &aztables.DeleteEntityOptions{IfMatch: &et})
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return err
	}
	return nil
}

func (t *Tables) AppendUnique(ctx context.Context, collection, id, field string, value any) error {
	return t.modify(ctx, collection, id, func(doc map[string]any) (bool, error) {
		return appendUnique(doc, field, value)
	})
}

func (t *Tables) RemoveElement(ctx context.Context, collection, id, field string, value any) error {
	return t.modify(ctx, collection, id, func(doc map[string]any) (bool, error) {
		return removeElement(doc, field, value)
	})
}

func (t *Tables) List(ctx context.Context, collection string) (Docs, error) {
	filter := "PartitionKey eq '" + strings.ReplaceAll(partitionKey(collection), "'", "''") + "'"
	pager := t.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	docs := Docs{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent docEntity
			if err := codec.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			id, err := url.PathUnescape(ent.RowKey)
			if err != nil {
				return nil, err
			}
			docs[id] = []byte(ent.Doc)
		}
	}
	return docs, nil
}

func (t *Tables) get(ctx context.Context, collection, id string) (docEntity, azcore.ETag, error) {
	resp, err := t.table.GetEntity(ctx, partitionKey(collection), rowKey(id), nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return docEntity{}, "", fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return docEntity{}, "", err
	}
	var ent docEntity
	if err := codec.Unmarshal(resp.Value, &ent); err != nil {
		return docEntity{}, "", err
	}
	return ent, resp.ETag, nil
}

// modify applies fn to the current document and writes it back guarded by
// the ETag that was read, retrying when another writer got there first.
func (t *Tables) modify(ctx context.Context, collection, id string, fn func(map[string]any) (bool, error)) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		ent, etag, err := t.get(ctx, collection, id)
		if err != nil {
			return err
		}
		doc, err := decodeDoc([]byte(ent.Doc))
		if err != nil {
			return err
		}
		changed, err := fn(doc)
		if err != nil {
			return fmt.Errorf("%s/%s: %w", collection, id, err)
		}
		if !changed {
			return nil
		}
		payload, err := entityPayload(collection, id, doc)
		if err != nil {
			return err
		}
		_, err = t.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		if err == nil {
			return nil
		}
		if !isStatus(err, http.StatusPreconditionFailed) {
			return err
		}
	}
	return fmt.Errorf("%s/%s: %w", collection, id, ErrConcurrencyConflict)
}

func entityPayload(collection, id string, doc map[string]any) ([]byte, error) {
	body, err := encodeDoc(doc)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(docEntity{
		PartitionKey: partitionKey(collection),
		RowKey:       rowKey(id),
		Doc:          string(body),
	})
}

// Table keys may not contain '/', '\', '#' or '?'.
func partitionKey(collection string) string { return url.PathEscape(collection) }

func rowKey(id string) string { return url.PathEscape(id) }

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}
