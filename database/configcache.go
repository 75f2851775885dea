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
	"time"

	"github.com/pkg/errors"

	"github.com/mdmflow/orchestrator/model"
)

const (
	approverCacheTTL   = 5 * time.Minute
	baselineCacheTTL   = 5 * time.Minute
	allocationCacheTTL = 5 * time.Minute
	matrixCacheTTL     = 6 * time.Hour
	priorityCacheTTL   = 5 * time.Minute
)

// LookupApprover resolves the approver-roster relation with the precedence
// specified in §4.3: exact match, then Department=ALL, then
// RequestType=ALL, then both=ALL. Returns a single-element
// []string{model.NoApprover} if nothing matches at any precedence tier
// (auto-approve, per the Open Questions resolution in DESIGN.md). The
// roster is a set, not a single email (§3) — a level can have several
// approvers configured, any of whom may act on it.
func (d *Datasource) LookupApprover(ctx context.Context, key model.ApproverConfigKey) ([]string, error) {
	cacheKey := fmt.Sprintf("approver:%s:%s:%s:%d", key.BusinessUnit, key.Department, key.RequestType, key.Level)
	var cached []string
	if d.Cache != nil {
		if err := d.Cache.Get(ctx, cacheKey, &cached); err == nil && len(cached) > 0 {
			return cached, nil
		}
	}

	candidates := [][2]string{
		{key.Department, key.RequestType},
		{model.All, key.RequestType},
		{key.Department, model.All},
		{model.All, model.All},
	}

	approvers := []string{model.NoApprover}
	for _, c := range candidates {
		row := d.Conn.QueryRowContext(ctx, `
			SELECT approvers FROM approver_config
			WHERE business_unit = $1 AND department = $2 AND request_type = $3 AND level = $4
		`, key.BusinessUnit, c[0], c[1], key.Level)
		var raw []byte
		err := row.Scan(&raw)
		if err == nil {
			var roster []string
			if err := json.Unmarshal(raw, &roster); err != nil {
				return nil, errors.Wrap(err, "decode approver roster")
			}
			approvers = roster
			break
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(err, "lookup approver")
		}
	}

	if d.Cache != nil {
		_ = d.Cache.Set(ctx, cacheKey, approvers, approverCacheTTL)
	}
	return approvers, nil
}

// LookupBaseline returns the baseline rule whose task range covers
// totalTask, honoring open-ended ("n+") ranges (I3).
func (d *Datasource) LookupBaseline(ctx context.Context, requestType string, totalTask int) (*model.BaselineRule, error) {
	cacheKey := fmt.Sprintf("baseline:%s:%d", requestType, totalTask)
	var cached model.BaselineRule
	if d.Cache != nil {
		if err := d.Cache.Get(ctx, cacheKey, &cached); err == nil && cached.RequestType != "" {
			return &cached, nil
		}
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT request_type, min_task, max_task, seconds, is_per_task
		FROM baseline_rules WHERE request_type = $1
		ORDER BY min_task ASC
	`, requestType)
	if err != nil {
		return nil, errors.Wrap(err, "lookup baseline")
	}
	defer rows.Close()

	for rows.Next() {
		var r model.BaselineRule
		if err := rows.Scan(&r.RequestType, &r.MinTask, &r.MaxTask, &r.Seconds, &r.IsPerTask); err != nil {
			return nil, errors.Wrap(err, "scan baseline rule")
		}
		if r.Matches(totalTask) {
			if d.Cache != nil {
				_ = d.Cache.Set(ctx, cacheKey, r, baselineCacheTTL)
			}
			return &r, nil
		}
	}
	return nil, nil
}

// LookupWorkAllocation returns the BAU fallback rule with the same
// ALL-wildcard precedence as LookupApprover (§4.6).
func (d *Datasource) LookupWorkAllocation(ctx context.Context, businessUnit, requestType, department string) (*model.WorkAllocationRule, error) {
	cacheKey := fmt.Sprintf("workalloc:%s:%s:%s", businessUnit, requestType, department)
	var cached model.WorkAllocationRule
	if d.Cache != nil {
		if err := d.Cache.Get(ctx, cacheKey, &cached); err == nil && len(cached.Primary) > 0 {
			return &cached, nil
		}
	}

	candidates := [][2]string{
		{requestType, department},
		{model.All, department},
		{requestType, model.All},
		{model.All, model.All},
	}

	for _, c := range candidates {
		var primaryRaw, backupsRaw []byte
		err := d.Conn.QueryRowContext(ctx, `
			SELECT primary_group, backup_groups FROM work_allocation
			WHERE business_unit = $1 AND request_type = $2 AND department = $3
		`, businessUnit, c[0], c[1]).Scan(&primaryRaw, &backupsRaw)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "lookup work allocation")
		}

		rule := model.WorkAllocationRule{BusinessUnit: businessUnit, RequestType: requestType, Department: department}
		if err := json.Unmarshal(primaryRaw, &rule.Primary); err != nil {
			return nil, errors.Wrap(err, "decode primary group")
		}
		if err := json.Unmarshal(backupsRaw, &rule.Backups); err != nil {
			return nil, errors.Wrap(err, "decode backup groups")
		}
		if d.Cache != nil {
			_ = d.Cache.Set(ctx, cacheKey, rule, allocationCacheTTL)
		}
		return &rule, nil
	}
	return nil, nil
}

// LookupDistributionMatrix returns the eligible-agent filter for a request
// shape, TTL'd much longer than the other relations since the matrix
// changes on the order of org-chart reshuffles, not daily (§4.3, §4.6).
func (d *Datasource) LookupDistributionMatrix(ctx context.Context, businessUnit, requestType, department string) ([]string, error) {
	cacheKey := fmt.Sprintf("matrix:%s:%s:%s", businessUnit, requestType, department)
	var cached []string
	if d.Cache != nil {
		if err := d.Cache.Get(ctx, cacheKey, &cached); err == nil && len(cached) > 0 {
			return cached, nil
		}
	}

	var raw []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT agents FROM distribution_matrix
		WHERE business_unit = $1 AND request_type = $2 AND department = $3
	`, businessUnit, requestType, department).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "lookup distribution matrix")
	}

	var agents []string
	if err := json.Unmarshal(raw, &agents); err != nil {
		return nil, errors.Wrap(err, "decode distribution matrix")
	}
	if d.Cache != nil {
		_ = d.Cache.Set(ctx, cacheKey, agents, matrixCacheTTL)
	}
	return agents, nil
}

// LookupPriorityWeight returns the lock-priority weight assigned to a
// request type, used by LockManager.Acquire's backoff scaling.
func (d *Datasource) LookupPriorityWeight(ctx context.Context, requestType string) (int, error) {
	cacheKey := fmt.Sprintf("priority:%s", requestType)
	var cached int
	if d.Cache != nil {
		if err := d.Cache.Get(ctx, cacheKey, &cached); err == nil && cached != 0 {
			return cached, nil
		}
	}

	var weight int
	err := d.Conn.QueryRowContext(ctx, `SELECT weight FROM priority_weight WHERE request_type = $1`, requestType).Scan(&weight)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "lookup priority weight")
	}

	if d.Cache != nil {
		_ = d.Cache.Set(ctx, cacheKey, weight, priorityCacheTTL)
	}
	return weight, nil
}

// InvalidateConfigCache is exposed for admin/test flows that bulk-edit the
// config relations and want the next lookup to hit Postgres rather than a
// stale memoized value, since the five relations above have no per-key
// invalidation hook (they aren't written by the request path itself).
func (d *Datasource) InvalidateConfigCache(ctx context.Context) {
	if d.Cache == nil {
		return
	}
	// Individual key deletion isn't tracked; callers rely on the TTLs above
	// to bound staleness. A future admin surface may replace this with a
	// versioned cache key instead.
}
