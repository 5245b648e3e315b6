package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Query selects a subset of a store's records.
//
// Value and Min/Max are mutually exclusive; using either, or Reverse,
// requires an index. For compound indexes, pass []any with one element per
// index field; Min/Max ranges are half-open [Min, Max) and compared
// lexicographically across the fields.
type Query struct {
	Index   string
	Value   any
	Min     any
	Max     any
	Reverse bool
	// Limit caps the number of delivered records; zero means no cap.
	// The cap applies after Filter.
	Limit int
	// Filter is an optional predicate applied to each record before it
	// is delivered.
	Filter func(*Record) bool
}

// Read opens a pull-based cursor over the matching records. The caller
// advances it explicitly with Next and must Close it. Iteration order is
// the index order (or primary key order when no index is given), ties
// broken by sequence, reversed when Reverse is set.
func (e *Engine) Read(ctx context.Context, store string, q Query) (*Cursor, error) {
	def, err := storeDef(store)
	if err != nil {
		return nil, err
	}
	idx, err := q.validate(def)
	if err != nil {
		return nil, err
	}

	db, err := e.conn(ctx)
	if err != nil {
		return nil, err
	}

	stmt, args := buildSelect(def, idx, q)
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, txErr("read", store, err)
	}
	return &Cursor{def: def, rows: rows, filter: q.Filter, limit: q.Limit}, nil
}

// ReadAll is the batch delivery mode: the full matching list at once.
func (e *Engine) ReadAll(ctx context.Context, store string, q Query) ([]*Record, error) {
	cur, err := e.Read(ctx, store, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close() }()

	var recs []*Record
	for cur.Next() {
		recs = append(recs, cur.Record())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (q Query) validate(def StoreDef) (*Index, error) {
	hasValue := q.Value != nil
	hasRange := q.Min != nil || q.Max != nil
	if hasValue && hasRange {
		return nil, invalidCall("value and range selectors are mutually exclusive")
	}
	if q.Index == "" {
		if hasValue || hasRange || q.Reverse {
			return nil, invalidCall("selector or reverse requires an index")
		}
		return nil, nil
	}
	idx, ok := def.index(q.Index)
	if !ok {
		return nil, invalidCall("unknown index %q on store %q", q.Index, def.Name)
	}
	return &idx, nil
}

func buildSelect(def StoreDef, idx *Index, q Query) (string, []any) {
	cols := def.fieldColumns()
	selectCols := append([]string{def.keyColumn()}, cols...)
	selectCols = append(selectCols, "body")

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(selectCols, ", "), def.Name)

	var args []any
	if idx != nil {
		tuple := "(" + strings.Join(idx.Fields, ", ") + ")"
		ph := "(" + placeholders(len(idx.Fields)) + ")"
		switch {
		case q.Value != nil:
			fmt.Fprintf(&b, " WHERE %s = %s", tuple, ph)
			args = append(args, tupleArgs(q.Value, len(idx.Fields))...)
		case q.Min != nil && q.Max != nil:
			fmt.Fprintf(&b, " WHERE %s >= %s AND %s < %s", tuple, ph, tuple, ph)
			args = append(args, tupleArgs(q.Min, len(idx.Fields))...)
			args = append(args, tupleArgs(q.Max, len(idx.Fields))...)
		case q.Min != nil:
			fmt.Fprintf(&b, " WHERE %s >= %s", tuple, ph)
			args = append(args, tupleArgs(q.Min, len(idx.Fields))...)
		case q.Max != nil:
			fmt.Fprintf(&b, " WHERE %s < %s", tuple, ph)
			args = append(args, tupleArgs(q.Max, len(idx.Fields))...)
		}
	}

	// Order by the index fields with the sequence as a stable tie-break,
	// or by primary key when no index is given.
	order := []string{def.keyColumn()}
	if idx != nil {
		order = append(append([]string{}, idx.Fields...), def.keyColumn())
	}
	dir := ""
	if q.Reverse {
		dir = " DESC"
	}
	for i, c := range order {
		order[i] = c + dir
	}
	fmt.Fprintf(&b, " ORDER BY %s", strings.Join(order, ", "))

	// The SQL-level limit is only safe without a predicate; with one, the
	// cursor enforces the cap after filtering.
	if q.Limit > 0 && q.Filter == nil {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}

	return b.String(), args
}

// tupleArgs normalizes a selector value to one argument per index field.
func tupleArgs(v any, n int) []any {
	if vs, ok := v.([]any); ok {
		return vs
	}
	if n == 1 {
		return []any{v}
	}
	return []any{v}
}

// Cursor is a stateful handle over query results, advanced one record at a
// time. It is finite and not restartable; to stop early, stop calling Next
// and Close it.
type Cursor struct {
	def    StoreDef
	rows   *sql.Rows
	filter func(*Record) bool
	limit  int

	delivered int
	cur       *Record
	err       error
	done      bool
}

// Next advances to the next matching record. It returns false when the
// results are exhausted, the limit is reached, or an error occurred; check
// Err afterwards.
func (c *Cursor) Next() bool {
	if c.done || c.err != nil {
		return false
	}
	if c.limit > 0 && c.delivered >= c.limit {
		c.done = true
		return false
	}
	for c.rows.Next() {
		rec, err := c.scan()
		if err != nil {
			c.err = err
			return false
		}
		if c.filter != nil && !c.filter(rec) {
			continue
		}
		c.cur = rec
		c.delivered++
		return true
	}
	c.done = true
	c.err = c.rows.Err()
	return false
}

// Record returns the record at the cursor's current position.
func (c *Cursor) Record() *Record { return c.cur }

// Err returns the first error encountered during iteration.
func (c *Cursor) Err() error { return c.err }

// Close releases the cursor's resources.
func (c *Cursor) Close() error { return c.rows.Close() }

func (c *Cursor) scan() (*Record, error) {
	cols := c.def.fieldColumns()
	rec := &Record{Fields: make(map[string]any, len(cols))}

	dest := make([]any, 0, len(cols)+2)
	if c.def.Key == NaturalKey {
		dest = append(dest, &rec.Key)
	} else {
		dest = append(dest, &rec.Seq)
	}
	fieldVals := make([]any, len(cols))
	for i := range fieldVals {
		dest = append(dest, &fieldVals[i])
	}
	dest = append(dest, &rec.Body)

	if err := c.rows.Scan(dest...); err != nil {
		return nil, err
	}
	for i, name := range cols {
		if v := fieldVals[i]; v != nil {
			rec.Fields[name] = v
		}
	}
	return rec, nil
}
