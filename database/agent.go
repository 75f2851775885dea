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
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	redlock "github.com/mdmflow/orchestrator/internal/lock"
	"github.com/mdmflow/orchestrator/model"
)

// ListAgents returns the roster entries for the given names, in no
// particular order; the Allocator does its own least-loaded sort (§4.6).
func (d *Datasource) ListAgents(ctx context.Context, names []string) ([]model.Agent, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT name, active, free, workload_seconds FROM agents WHERE name = ANY($1)
	`, pq.Array(names))
	if err != nil {
		return nil, errors.Wrap(err, "list agents")
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.Name, &a.Active, &a.Free, &a.WorkloadSeconds); err != nil {
			return nil, errors.Wrap(err, "scan agent")
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (d *Datasource) GetAgent(ctx context.Context, name string) (*model.Agent, error) {
	var a model.Agent
	err := d.Conn.QueryRowContext(ctx, `
		SELECT name, active, free, workload_seconds FROM agents WHERE name = $1
	`, name).Scan(&a.Name, &a.Active, &a.Free, &a.WorkloadSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get agent %s", name)
	}
	return &a, nil
}

func (d *Datasource) UpsertAgent(ctx context.Context, agent model.Agent) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO agents (name, active, free, workload_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
			SET active = EXCLUDED.active, free = EXCLUDED.free, workload_seconds = EXCLUDED.workload_seconds
	`, agent.Name, agent.Active, agent.Free, agent.WorkloadSeconds)
	return errors.Wrapf(err, "upsert agent %s", agent.Name)
}

// AdjustAgentWorkload applies deltaSeconds (positive on assignment,
// negative on completion) under a key lock and clamps the result at zero
// (I4: the workload counter never goes negative), returning the post-adjust
// value.
func (d *Datasource) AdjustAgentWorkload(ctx context.Context, name string, deltaSeconds int64) (int64, error) {
	if d.Locker == nil {
		return d.adjustAgentWorkload(ctx, name, deltaSeconds)
	}
	return redlock.WithKeyLock(ctx, d.Locker, "agent:"+name, "adjustWorkload", 1, 5*time.Second,
		func(ctx context.Context, beat redlock.Beat) (int64, error) {
			return d.adjustAgentWorkload(ctx, name, deltaSeconds)
		})
}

func (d *Datasource) adjustAgentWorkload(ctx context.Context, name string, deltaSeconds int64) (int64, error) {
	var current int64
	err := d.Conn.QueryRowContext(ctx, `SELECT workload_seconds FROM agents WHERE name = $1`, name).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Errorf("adjust workload: agent %s not found", name)
	}
	if err != nil {
		return 0, errors.Wrap(err, "read agent workload")
	}

	next := current + deltaSeconds
	if next < 0 {
		next = 0
	}

	_, err = d.Conn.ExecContext(ctx, `UPDATE agents SET workload_seconds = $1 WHERE name = $2`, next, name)
	if err != nil {
		return 0, errors.Wrapf(err, "write agent workload %s", name)
	}
	return next, nil
}
