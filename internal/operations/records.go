package operations

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"metrofleet/internal/warehouse"
)

// RecordStatus is the status of one materialization record
type RecordStatus string

const (
	RecordPending RecordStatus = "pending"
	RecordSuccess RecordStatus = "success"
	RecordFailed  RecordStatus = "failed"
)

// MaterializationRecord is one entry of the append-only run log. The latest
// record for an (asset, partition) is its current persisted state.
type MaterializationRecord struct {
	ID         string       `json:"id"`
	RunID      string       `json:"run_id"`
	Asset      string       `json:"asset"`
	Partition  string       `json:"partition,omitempty"`
	Status     RecordStatus `json:"status"`
	Attempt    int          `json:"attempt"`
	Rows       int64        `json:"rows"`
	Message    string       `json:"message,omitempty"`
	Error      string       `json:"error,omitempty"`
	ErrorKind  ErrorKind    `json:"error_kind,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

func newRecord(runID, asset, partitionKey string, attempt int, now time.Time) MaterializationRecord {
	return MaterializationRecord{
		ID:        uuid.NewString(),
		RunID:     runID,
		Asset:     asset,
		Partition: partitionKey,
		Status:    RecordPending,
		Attempt:   attempt,
		StartedAt: now,
	}
}

// finish derives the terminal record of a run. It gets its own ID so the
// log stays append-only.
func (r MaterializationRecord) finish(status RecordStatus, now time.Time) MaterializationRecord {
	out := r
	out.ID = uuid.NewString()
	out.Status = status
	out.FinishedAt = &now
	return out
}

// RecordFilter selects records. Empty fields match everything; Limit <= 0
// means no limit. Results are newest first.
type RecordFilter struct {
	Asset     string
	Partition string
	Limit     int
}

// RecordStore persists materialization records
type RecordStore interface {
	Append(ctx context.Context, rec MaterializationRecord) error
	List(ctx context.Context, filter RecordFilter) ([]MaterializationRecord, error)
	// Latest returns the newest record of every (asset, partition).
	Latest(ctx context.Context) ([]MaterializationRecord, error)
}

// MemoryRecordStore keeps records in process memory
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records []MaterializationRecord
}

// NewMemoryRecordStore creates an empty store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{}
}

func (s *MemoryRecordStore) Append(_ context.Context, rec MaterializationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryRecordStore) List(_ context.Context, filter RecordFilter) ([]MaterializationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MaterializationRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if filter.Asset != "" && r.Asset != filter.Asset {
			continue
		}
		if filter.Partition != "" && r.Partition != filter.Partition {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryRecordStore) Latest(_ context.Context) ([]MaterializationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]int)
	for i, r := range s.records {
		latest[r.Asset+"\x00"+r.Partition] = i
	}
	idx := make([]int, 0, len(latest))
	for _, i := range latest {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]MaterializationRecord, len(idx))
	for j, i := range idx {
		out[j] = s.records[i]
	}
	return out, nil
}

// recordSchema is the layout of the warehouse record table
var recordSchema = []warehouse.Column{
	warehouse.Col("id", warehouse.TypeString),
	warehouse.Col("run_id", warehouse.TypeString),
	warehouse.Col("asset", warehouse.TypeString),
	warehouse.Col("partition_key", warehouse.TypeString),
	warehouse.Col("status", warehouse.TypeString),
	warehouse.Col("attempt", warehouse.TypeInt64),
	warehouse.Col("rows_written", warehouse.TypeInt64),
	warehouse.Col("message", warehouse.TypeString),
	warehouse.Col("error", warehouse.TypeString),
	warehouse.Col("error_kind", warehouse.TypeString),
	warehouse.Col("started_at", warehouse.TypeTimestamp),
	warehouse.Col("finished_at", warehouse.TypeTimestamp),
	warehouse.Col("recorded_at", warehouse.TypeTimestamp),
}

// WarehouseRecordStore appends records to a warehouse table so run history
// survives restarts.
type WarehouseRecordStore struct {
	conn  warehouse.Connector
	table string
	now   func() time.Time

	mu    sync.Mutex
	ready bool
}

// NewWarehouseRecordStore creates a store writing to table
func NewWarehouseRecordStore(conn warehouse.Connector, table string) *WarehouseRecordStore {
	return &WarehouseRecordStore{conn: conn, table: table, now: time.Now}
}

// ensureTable creates the record table on first use. A failed attempt is
// retried by the next Append.
func (s *WarehouseRecordStore) ensureTable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	exists, err := s.conn.TableExists(ctx, s.table)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.conn.CreateTable(ctx, s.table, recordSchema); err != nil {
			return err
		}
	}
	s.ready = true
	return nil
}

func (s *WarehouseRecordStore) Append(ctx context.Context, rec MaterializationRecord) error {
	if err := s.ensureTable(ctx); err != nil {
		return fmt.Errorf("record table %s: %w", s.table, err)
	}

	var finished any
	if rec.FinishedAt != nil {
		finished = rec.FinishedAt.UTC()
	}
	b := warehouse.NewBatch(recordSchema...)
	if err := b.Append(
		rec.ID, rec.RunID, rec.Asset, rec.Partition, string(rec.Status),
		int64(rec.Attempt), rec.Rows, rec.Message, rec.Error, string(rec.ErrorKind),
		rec.StartedAt.UTC(), finished, s.now().UTC(),
	); err != nil {
		return err
	}

	return s.conn.InTx(ctx, func(tx warehouse.Tx) error {
		_, err := tx.BulkInsert(ctx, s.table, b)
		return err
	})
}

func (s *WarehouseRecordStore) List(ctx context.Context, filter RecordFilter) ([]MaterializationRecord, error) {
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if filter.Asset != "" {
		args = append(args, filter.Asset)
		where = append(where, fmt.Sprintf("asset = $%d", len(args)))
	}
	if filter.Partition != "" {
		args = append(args, filter.Partition)
		where = append(where, fmt.Sprintf("partition_key = $%d", len(args)))
	}

	q := "SELECT " + strings.Join(recordColumns(), ", ") + " FROM " + warehouse.QuoteIdent(s.table)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY recorded_at DESC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	b, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return decodeRecords(b)
}

func (s *WarehouseRecordStore) Latest(ctx context.Context) ([]MaterializationRecord, error) {
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}

	q := "SELECT DISTINCT ON (asset, partition_key) " + strings.Join(recordColumns(), ", ") +
		" FROM " + warehouse.QuoteIdent(s.table) +
		" ORDER BY asset, partition_key, recorded_at DESC"
	b, err := s.conn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("latest records: %w", err)
	}
	return decodeRecords(b)
}

func recordColumns() []string {
	names := make([]string, len(recordSchema))
	for i, c := range recordSchema {
		names[i] = c.Name
	}
	return names
}

func decodeRecords(b *warehouse.Batch) ([]MaterializationRecord, error) {
	if len(b.Columns) != len(recordSchema) {
		return nil, fmt.Errorf("record query returned %d columns, want %d", len(b.Columns), len(recordSchema))
	}

	out := make([]MaterializationRecord, b.Len())
	for i := range out {
		row := b.Row(i)
		rec := MaterializationRecord{
			ID:        asString(row[0]),
			RunID:     asString(row[1]),
			Asset:     asString(row[2]),
			Partition: asString(row[3]),
			Status:    RecordStatus(asString(row[4])),
			Attempt:   int(asInt(row[5])),
			Rows:      asInt(row[6]),
			Message:   asString(row[7]),
			Error:     asString(row[8]),
			ErrorKind: ErrorKind(asString(row[9])),
		}
		if ts, ok := row[10].(time.Time); ok {
			rec.StartedAt = ts
		}
		if ts, ok := row[11].(time.Time); ok {
			rec.FinishedAt = &ts
		}
		out[i] = rec
	}
	return out, nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	}
	return 0
}
