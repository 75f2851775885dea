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

package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdmflow/orchestrator/database"
)

// Scheduler is C8: the two periodic sweeps that keep a request moving
// without a human or webhook poking it. The master sweep drives E2
// (approval-chain advancement, expiry) across every registered table; the
// child-interval repair drives E4 across every agent's assignee table. Both
// are plain methods — cmd/ wires robfig/cron entries and asynq periodic
// tasks to call them, this file owns none of that transport.
type Scheduler struct {
	FSM    *RequestFSM
	Store  database.IDataSource

	// RegisteredTables lists the master tables the sweep covers, one per
	// request type (RequestFSM.mirrorToMaster's naming convention).
	RegisteredTables []string
	// BatchSize caps how many pending rows one tick pulls per table.
	BatchSize int
	// Budget bounds the whole tick; RunMasterSweep/RunChildIntervalRepair
	// stop issuing new work once it elapses instead of running unbounded.
	Budget time.Duration
}

// RunMasterSweep is one master-loop tick (§4.8): for every registered
// table, pull up to BatchSize pending rows and advance each through
// RequestFSM.HandleOnInterval. A row-level error is logged and swept past —
// one bad row must not block the rest of the table — but the loop still
// respects the overall time budget.
func (s *Scheduler) RunMasterSweep(ctx context.Context) error {
	deadline := time.Now().Add(s.budget())
	for _, table := range s.RegisteredTables {
		if time.Now().After(deadline) {
			logrus.WithField("table", table).Warn("master sweep budget exhausted, deferring remaining tables")
			return nil
		}
		if err := s.sweepTable(ctx, table, deadline); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) sweepTable(ctx context.Context, table string, deadline time.Time) error {
	rows, err := s.Store.ListPendingRows(ctx, table, s.batchSize())
	if err != nil {
		return err
	}
	for _, row := range rows {
		if time.Now().After(deadline) {
			logrus.WithField("table", table).Warn("master sweep budget exhausted mid-table")
			return nil
		}
		req := rowToRequest(row)
		if err := s.FSM.HandleOnInterval(ctx, table, row, req.RequestNumber); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"table": table, "request_number": req.RequestNumber,
			}).Error("master sweep: advancing request failed")
		}
	}
	return nil
}

// RunChildIntervalRepair is one child-interval-repair tick (E4, §4.8): for
// every active agent's assignee table, pull up to BatchSize pending rows and
// repair each through RequestFSM.HandleOnChildInterval.
func (s *Scheduler) RunChildIntervalRepair(ctx context.Context) error {
	agents, err := s.Store.ListAgents(ctx, nil)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(s.budget())
	for _, agent := range agents {
		if time.Now().After(deadline) {
			logrus.Warn("child-interval repair budget exhausted, deferring remaining agents")
			return nil
		}
		table := assigneeTable(agent.Name)
		rows, err := s.Store.ListPendingRows(ctx, table, s.batchSize())
		if err != nil {
			logrus.WithError(err).WithField("table", table).Error("child-interval repair: listing rows failed")
			continue
		}
		for _, row := range rows {
			req := rowToRequest(row)
			if err := s.FSM.HandleOnChildInterval(ctx, table, req); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"table": table, "request_number": req.RequestNumber,
				}).Error("child-interval repair: repairing request failed")
			}
		}
	}
	return nil
}

func (s *Scheduler) batchSize() int {
	if s.BatchSize <= 0 {
		return 200
	}
	return s.BatchSize
}

func (s *Scheduler) budget() time.Duration {
	if s.Budget <= 0 {
		return 45 * time.Second
	}
	return s.Budget
}
