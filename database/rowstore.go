/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	redlock "github.com/mdmflow/orchestrator/internal/lock"
)

var tracer = otel.Tracer("database.rowstore")

const rowReadCacheTTL = 60 * time.Second

func rowCacheKey(table, rowID string) string { return fmt.Sprintf("row:%s:%s", table, rowID) }
func headersCacheKey(table string) string    { return fmt.Sprintf("headers:%s", table) }

// ReadHeaders returns the registered column order for table, cached with a
// short TTL the same way readRow is (§4.2).
func (d *Datasource) ReadHeaders(ctx context.Context, table string) ([]string, error) {
	var headers []string
	if d.Cache != nil {
		if err := d.Cache.Get(ctx, headersCacheKey(table), &headers); err == nil && len(headers) > 0 {
			return headers, nil
		}
	}

	var raw []byte
	err := d.Conn.QueryRowContext(ctx, `SELECT columns FROM headers WHERE table_name = $1`, table).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read headers for %s", table)
	}
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, errors.Wrap(err, "decode headers")
	}

	if d.Cache != nil {
		_ = d.Cache.Set(ctx, headersCacheKey(table), headers, rowReadCacheTTL)
	}
	return headers, nil
}

// SetHeaders registers table's column order. Not part of the hot path but
// needed to seed a new sheet before any row is written to it.
func (d *Datasource) SetHeaders(ctx context.Context, table string, columns []string) error {
	raw, err := json.Marshal(columns)
	if err != nil {
		return errors.Wrap(err, "encode headers")
	}
	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO headers (table_name, columns, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (table_name) DO UPDATE SET columns = EXCLUDED.columns, updated_at = NOW()
	`, table, raw)
	if err != nil {
		return errors.Wrapf(err, "set headers for %s", table)
	}
	if d.Cache != nil {
		_ = d.Cache.Delete(ctx, headersCacheKey(table))
	}
	return nil
}

// ReadRow fetches one row by primary key, fronted by the read-through cache.
func (d *Datasource) ReadRow(ctx context.Context, table, rowID string) (*Row, error) {
	if d.Cache != nil {
		var cached Row
		if err := d.Cache.Get(ctx, rowCacheKey(table, rowID), &cached); err == nil && cached.Table != "" {
			return &cached, nil
		}
	}

	row, err := d.scanRow(ctx, `SELECT table_name, row_id, request_key, columns FROM rows WHERE table_name = $1 AND row_id = $2`, table, rowID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	if d.Cache != nil {
		_ = d.Cache.Set(ctx, rowCacheKey(table, rowID), *row, rowReadCacheTTL)
	}
	return row, nil
}

// FindRow returns the first row in table whose columns match every entry in
// match exactly, for locating a row by column values (such as a
// request_number) rather than the store's own row_id. No code in this repo
// calls it; the FSM reads rows by row id through ReadRow.
func (d *Datasource) FindRow(ctx context.Context, table string, match map[string]string) (*Row, error) {
	if len(match) == 0 {
		return nil, errors.New("findRow: match predicate must not be empty")
	}

	query := `SELECT table_name, row_id, request_key, columns FROM rows WHERE table_name = $1`
	args := []interface{}{table}
	for col, val := range match {
		args = append(args, val)
		query += fmt.Sprintf(" AND columns->>%s = $%d", pq_quote(col), len(args))
	}
	query += " LIMIT 1"

	return d.scanRow(ctx, query, args...)
}

// pq_quote renders a JSON object key as a single-quoted SQL string literal
// for use inside a ->> operator expression; column names are operator
// inputs, never user-controlled request data, so this is not a SQL
// injection surface.
func pq_quote(col string) string {
	return "'" + col + "'"
}

func (d *Datasource) scanRow(ctx context.Context, query string, args ...interface{}) (*Row, error) {
	var table, rowID, requestKey sql.NullString
	var raw []byte
	err := d.Conn.QueryRowContext(ctx, query, args...).Scan(&table, &rowID, &requestKey, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan row")
	}
	columns := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &columns); err != nil {
			return nil, errors.Wrap(err, "decode row columns")
		}
	}
	return &Row{Table: table.String, RowID: rowID.String, RequestKey: requestKey.String, Columns: columns}, nil
}

// UpsertRow writes row in full. Unless opts.Locked asserts the caller
// already holds a compatible row lock, it takes one itself for the duration
// of the write (§4.2, §4.1 withRowLock convenience).
func (d *Datasource) UpsertRow(ctx context.Context, row *Row, opts RowOptions) error {
	ctx, span := tracer.Start(ctx, "rowstore.UpsertRow")
	defer span.End()

	write := func(ctx context.Context) error {
		raw, err := json.Marshal(row.Columns)
		if err != nil {
			return errors.Wrap(err, "encode row columns")
		}
		_, err = d.Conn.ExecContext(ctx, `
			INSERT INTO rows (table_name, row_id, request_key, columns, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (table_name, row_id) DO UPDATE
				SET request_key = EXCLUDED.request_key, columns = EXCLUDED.columns, updated_at = NOW()
		`, row.Table, row.RowID, row.RequestKey, raw)
		if err != nil {
			return errors.Wrapf(err, "upsert row %s/%s", row.Table, row.RowID)
		}
		d.invalidateRow(ctx, row.Table, row.RowID)
		return nil
	}

	if opts.Locked || d.Locker == nil {
		err := write(ctx)
		if err != nil {
			span.RecordError(err)
		}
		return err
	}
	_, err := redlock.WithRowLock(ctx, d.Locker, row.Table, row.RowID, "upsertRow", 2, 5*time.Second,
		func(ctx context.Context, beat redlock.Beat) (struct{}, error) {
			return struct{}{}, write(ctx)
		})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// DeleteRow removes a row outright — the assignee-initiated send-back path
// (§4.5 E3) is the one caller that deletes rather than clears, since the
// row is leaving the assignee's table entirely rather than resetting in
// place.
func (d *Datasource) DeleteRow(ctx context.Context, table, rowID string, opts RowOptions) error {
	ctx, span := tracer.Start(ctx, "rowstore.DeleteRow")
	defer span.End()

	del := func(ctx context.Context) error {
		_, err := d.Conn.ExecContext(ctx, `DELETE FROM rows WHERE table_name = $1 AND row_id = $2`, table, rowID)
		if err != nil {
			return errors.Wrapf(err, "delete row %s/%s", table, rowID)
		}
		d.invalidateRow(ctx, table, rowID)
		return nil
	}

	if opts.Locked || d.Locker == nil {
		err := del(ctx)
		if err != nil {
			span.RecordError(err)
		}
		return err
	}
	_, err := redlock.WithRowLock(ctx, d.Locker, table, rowID, "deleteRow", 2, 5*time.Second,
		func(ctx context.Context, beat redlock.Beat) (struct{}, error) {
			return struct{}{}, del(ctx)
		})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// SetCell writes a single column. It is a thin wrapper over SetCells so
// every mutation shares the same locking and invalidation path.
func (d *Datasource) SetCell(ctx context.Context, table, rowID, column string, value interface{}, opts RowOptions) error {
	return d.SetCells(ctx, table, rowID, map[string]interface{}{column: value}, opts)
}

// SetCells writes several columns of one row at once. Every call is issued
// as a single jsonb_set chain, one statement for all the columns, whether
// or not they are contiguous in the table's header order (header order is
// not consulted), so N columns cost one round trip rather than N.
func (d *Datasource) SetCells(ctx context.Context, table, rowID string, cells map[string]interface{}, opts RowOptions) error {
	if len(cells) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "rowstore.SetCells")
	defer span.End()

	write := func(ctx context.Context) error {
		return d.applyCellUpdate(ctx, table, rowID, cells)
	}

	if opts.Locked || d.Locker == nil {
		err := write(ctx)
		if err != nil {
			span.RecordError(err)
		}
		return err
	}
	_, err := redlock.WithRowLock(ctx, d.Locker, table, rowID, "setCells", 2, 5*time.Second,
		func(ctx context.Context, beat redlock.Beat) (struct{}, error) {
			return struct{}{}, write(ctx)
		})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (d *Datasource) applyCellUpdate(ctx context.Context, table, rowID string, cells map[string]interface{}) error {
	setExpr := "columns"
	args := []interface{}{}
	argN := 1

	// Sorting keys alphabetically makes the generated jsonb_set chain (and
	// its argument order) deterministic; jsonb_set correctness doesn't
	// depend on order.
	keys := make([]string, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, col := range keys {
		raw, err := json.Marshal(cells[col])
		if err != nil {
			return errors.Wrapf(err, "encode value for column %s", col)
		}
		args = append(args, col, string(raw))
		setExpr = fmt.Sprintf("jsonb_set(%s, array[$%d], $%d::jsonb, true)", setExpr, argN, argN+1)
		argN += 2
	}

	args = append(args, table, rowID)
	query := fmt.Sprintf(`
		UPDATE rows SET columns = %s, updated_at = NOW()
		WHERE table_name = $%d AND row_id = $%d
	`, setExpr, argN, argN+1)

	result, err := d.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "set cells on %s/%s", table, rowID)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errors.Errorf("set cells: row %s/%s does not exist", table, rowID)
	}

	d.invalidateRow(ctx, table, rowID)
	return nil
}

// ClearRange blanks a set of columns on a row (used by the expiry and
// send-back paths to reset approval cells without deleting the row).
func (d *Datasource) ClearRange(ctx context.Context, table, rowID string, columns []string, opts RowOptions) error {
	cells := make(map[string]interface{}, len(columns))
	for _, c := range columns {
		cells[c] = nil
	}
	return d.SetCells(ctx, table, rowID, cells, opts)
}

// ListPendingRows returns up to limit rows in table whose Process Status
// column is not one of the terminal values (I5), newest row first. Walking
// row_id in descending order means a row inserted mid-sweep by a concurrent
// submission lands behind the cursor's current position instead of
// shifting every later page forward, so the sweep still terminates on a
// stable set of rows rather than chasing a moving index. The scheduler's
// master loop (C8) calls this once per registered table on every tick.
func (d *Datasource) ListPendingRows(ctx context.Context, table string, limit int) ([]*Row, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT table_name, row_id, request_key, columns FROM rows
		WHERE table_name = $1
			AND COALESCE(columns->>'Process Status', '') NOT IN ('Completed', 'Rejected', 'Partially Rejected', 'Expired')
		ORDER BY row_id DESC
		LIMIT $2
	`, table, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list pending rows for %s", table)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		var tableName, rowID, requestKey sql.NullString
		var raw []byte
		if err := rows.Scan(&tableName, &rowID, &requestKey, &raw); err != nil {
			return nil, errors.Wrap(err, "scan pending row")
		}
		columns := map[string]interface{}{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &columns); err != nil {
				return nil, errors.Wrap(err, "decode pending row columns")
			}
		}
		out = append(out, &Row{Table: tableName.String, RowID: rowID.String, RequestKey: requestKey.String, Columns: columns})
	}
	return out, rows.Err()
}

func (d *Datasource) invalidateRow(ctx context.Context, table, rowID string) {
	if d.Cache == nil {
		return
	}
	_ = d.Cache.Delete(ctx, rowCacheKey(table, rowID))
}
