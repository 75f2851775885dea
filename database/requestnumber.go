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

	"github.com/pkg/errors"
)

// NextRequestCounter atomically increments and returns the persisted
// counter for businessUnit. The INSERT ... ON CONFLICT ... RETURNING makes
// the increment a single round trip, which is what the higher-level
// RequestNumber generator (workload.go, C7) relies on when it additionally
// key-locks the business unit to reconcile this value against its in-memory
// cache.
func (d *Datasource) NextRequestCounter(ctx context.Context, businessUnit string) (int, error) {
	var counter int
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO request_number_tracker (business_unit, counter)
		VALUES ($1, 1)
		ON CONFLICT (business_unit) DO UPDATE SET counter = request_number_tracker.counter + 1
		RETURNING counter
	`, businessUnit).Scan(&counter)
	if err != nil {
		return 0, errors.Wrapf(err, "increment request counter for %s", businessUnit)
	}
	return counter, nil
}

// PeekRequestCounter reads the current counter without advancing it, used
// by the reconciliation step to compare the persisted value against the
// in-memory cache before deciding which one is authoritative.
func (d *Datasource) PeekRequestCounter(ctx context.Context, businessUnit string) (int, error) {
	var counter int
	err := d.Conn.QueryRowContext(ctx, `SELECT counter FROM request_number_tracker WHERE business_unit = $1`, businessUnit).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "peek request counter for %s", businessUnit)
	}
	return counter, nil
}

// SetRequestCounter advances the persisted counter for businessUnit to at
// least value, via GREATEST so a concurrent NextRequestCounter call racing
// against this one can never regress it. The higher-level generator
// (workload.go, C7) calls this whenever its cache-reconciled cursor lands
// above what the ordinary +1 increment returned, so the persisted tracker
// is genuinely advanced to that value rather than left to climb back up to
// it one call at a time.
func (d *Datasource) SetRequestCounter(ctx context.Context, businessUnit string, value int) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO request_number_tracker (business_unit, counter)
		VALUES ($1, $2)
		ON CONFLICT (business_unit) DO UPDATE SET counter = GREATEST(request_number_tracker.counter, $2)
	`, businessUnit, value)
	if err != nil {
		return errors.Wrapf(err, "set request counter for %s", businessUnit)
	}
	return nil
}
