// Package assembler folds the columns and tasks collections of a board into
// a domain.Snapshot.
package assembler

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
	"github.com/x7ddf74479jn5/simple-kanban-planner/storage"
)

// Options tune assembly.
type Options struct {
	// KeepRawOrder publishes the order record as stored. By default the order
	// is filtered to existing columns, de-duplicated and completed with
	// orphaned columns sorted by id.
	KeepRawOrder bool
}

// Result is an assembled snapshot together with the documents that were
// rejected while building it.
type Result struct {
	Snapshot *domain.Snapshot
	Rejected []*domain.ValidationError
}

// Assemble builds a snapshot from the full contents of a board's columns
// and tasks collections. Documents that fail validation are skipped and
// reported in Result.Rejected. A missing, duplicated or invalid column order
// record yields a *domain.IntegrityError and no snapshot.
func Assemble(columns, tasks storage.Docs, opts Options) (Result, error) {
	var (
		res     Result
		records []domain.ColumnOrderRecord
		cols    = make(map[string]domain.DefaultColumn, len(columns))
	)
	for _, id := range sortedIDs(columns) {
		raw := columns[id]
		col, err := domain.DecodeColumn(id, raw)
		if err != nil {
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				return Result{}, err
			}
			if isOrderCandidate(id, raw) {
				return Result{}, &domain.IntegrityError{Reason: fmt.Sprintf("column order record %q is invalid", id), Err: err}
			}
			res.Rejected = append(res.Rejected, ve)
			continue
		}
		switch col.Kind {
		case domain.KindOrder:
			records = append(records, *col.Order)
		default:
			cols[id] = *col.Default
		}
	}
	switch len(records) {
	case 0:
		return Result{}, &domain.IntegrityError{Reason: "column order record missing"}
	case 1:
	default:
		return Result{}, &domain.IntegrityError{Reason: fmt.Sprintf("%d column order records", len(records))}
	}
	record := records[0]

	ts := make(map[string]domain.Task, len(tasks))
	for _, id := range sortedIDs(tasks) {
		task, err := domain.DecodeTask(id, tasks[id])
		if err != nil {
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				return Result{}, err
			}
			res.Rejected = append(res.Rejected, ve)
			continue
		}
		ts[id] = task
	}

	order := record.Order
	if !opts.KeepRawOrder {
		order = reconcile(order, cols)
	}
	revision := record.UpdatedAt
	for _, c := range cols {
		if c.UpdatedAt > revision {
			revision = c.UpdatedAt
		}
	}
	for _, t := range ts {
		if t.UpdatedAt > revision {
			revision = t.UpdatedAt
		}
	}
	res.Snapshot = &domain.Snapshot{
		OrderID:     record.ID,
		ColumnOrder: order,
		Columns:     cols,
		Tasks:       ts,
		Revision:    revision,

		OrderUpdatedAt: record.UpdatedAt,
	}
	return res, nil
}

// isOrderCandidate reports whether a document that failed to decode was meant
// to be the order record.
func isOrderCandidate(id string, raw []byte) bool {
	if id == domain.ColumnOrderID {
		return true
	}
	kind, err := domain.ColumnKindOf(id, raw)
	return err == nil && kind == domain.KindOrder
}

func reconcile(order []string, cols map[string]domain.DefaultColumn) []string {
	out := make([]string, 0, len(cols))
	seen := make(map[string]bool, len(cols))
	for _, id := range order {
		if _, ok := cols[id]; !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	var orphans []string
	for id := range cols {
		if !seen[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	return append(out, orphans...)
}

func sortedIDs(docs storage.Docs) []string {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Assembler tracks the latest contents of both collections and emits a new
// result whenever either changes once both have been delivered.
type Assembler struct {
	opts   Options
	emit   func(Result, error)
	logger log.FieldLogger

	mu      sync.Mutex
	columns storage.Docs
	tasks   storage.Docs
	haveCol bool
	haveTsk bool
}

// New returns an Assembler that reports every assembly attempt to emit.
func New(opts Options, emit func(Result, error), logger log.FieldLogger) *Assembler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Assembler{opts: opts, emit: emit, logger: logger}
}

// OnColumns replaces the columns contents.
func (a *Assembler) OnColumns(docs storage.Docs) {
	a.mu.Lock()
	a.columns = docs
	a.haveCol = true
	a.assembleLocked()
	a.mu.Unlock()
}

// OnTasks replaces the tasks contents.
func (a *Assembler) OnTasks(docs storage.Docs) {
	a.mu.Lock()
	a.tasks = docs
	a.haveTsk = true
	a.assembleLocked()
	a.mu.Unlock()
}

// Loading reports whether either collection is still missing.
func (a *Assembler) Loading() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.haveCol || !a.haveTsk
}

func (a *Assembler) assembleLocked() {
	if !a.haveCol || !a.haveTsk {
		return
	}
	res, err := Assemble(a.columns, a.tasks, a.opts)
	if err != nil {
		a.logger.WithError(err).Error("assemble board")
	}
	for _, ve := range res.Rejected {
		a.logger.WithFields(log.Fields{
			"doc":        ve.DocID,
			"field":      ve.Field,
			"constraint": ve.Constraint,
		}).Warn("rejected document")
	}
	a.emit(res, err)
}
