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

// Package orchestrator is the request orchestration engine: submission,
// approval-chain reconciliation, workload-aware allocation, execution, and
// closure for multi-level approval requests (§3-§5).
package orchestrator

import (
	"time"

	"github.com/pkg/errors"

	"github.com/mdmflow/orchestrator/config"
	"github.com/mdmflow/orchestrator/database"
	"github.com/mdmflow/orchestrator/internal/cache"
	redlock "github.com/mdmflow/orchestrator/internal/lock"
)

// Engine is the composition root: every request entering the system is
// handled through its RequestFSM, every HTTP and worker entry point holds
// one of these rather than wiring Store/Locker/Allocator by hand.
type Engine struct {
	Store    database.IDataSource
	Locker   *redlock.Manager
	Cache    cache.Cache
	Holidays HolidayCalendar

	Allocator      *Allocator
	Sync           *ApprovalSync
	Workload       *WorkloadCounter
	RequestNumbers *RequestNumberGenerator
	Audit          AuditLogger
	FSM            *RequestFSM
	Scheduler      *Scheduler
}

// NewEngine wires the engine's components from configuration plus the two
// capabilities this repo never implements itself (§1 Non-goals): the
// RowStore/Locker's concrete backing and the attachment ACL/template
// service living on an external document store.
func NewEngine(cfg *config.Configuration, store database.IDataSource, locker *redlock.Manager, c cache.Cache, attachments AttachmentService) (*Engine, error) {
	if store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if locker == nil {
		return nil, errors.New("orchestrator: locker is required")
	}
	if attachments == nil {
		return nil, errors.New("orchestrator: attachment service is required")
	}

	holidays := newHolidayCalendar(cfg)

	allocator := &Allocator{
		Store:        store,
		Cache:        c,
		Locker:       locker,
		DefaultAgent: defaultAgent(cfg),
	}
	sync := &ApprovalSync{
		Attachments: attachments,
		Config:      store,
	}
	workload := &WorkloadCounter{Store: store}
	requestNumbers := &RequestNumberGenerator{Store: store, Cache: c, Locker: locker}
	audit := &RowStoreAuditLogger{Store: store}

	fsm := &RequestFSM{
		Store:                store,
		Locker:               locker,
		Attachments:          attachments,
		Holidays:             holidays,
		Sync:                 sync,
		Allocator:            allocator,
		Workload:             workload,
		RequestNumbers:       requestNumbers,
		Audit:                audit,
		ExpiredBusinessDays:  expiredBusinessDays(cfg),
		NewSubmissionRetries: newSubmissionRetries(cfg),
	}

	scheduler := &Scheduler{
		FSM:              fsm,
		Store:            store,
		RegisteredTables: cfg.Scheduler.RegisteredTables,
		BatchSize:        cfg.Scheduler.SweepBatchSize,
		Budget:           time.Duration(cfg.Scheduler.SweepBudgetSeconds) * time.Second,
	}

	return &Engine{
		Store:          store,
		Locker:         locker,
		Cache:          c,
		Holidays:       holidays,
		Allocator:      allocator,
		Sync:           sync,
		Workload:       workload,
		RequestNumbers: requestNumbers,
		Audit:          audit,
		FSM:            fsm,
		Scheduler:      scheduler,
	}, nil
}

func newHolidayCalendar(cfg *config.Configuration) HolidayCalendar {
	if cfg.HolidayCalendar.Source == "fixed" {
		return NewFixedHolidayCalendar(cfg.HolidayCalendar.FixedDays)
	}
	return NewFixedHolidayCalendar(nil)
}

func defaultAgent(cfg *config.Configuration) string {
	return cfg.Allocation.DefaultAgent
}

func expiredBusinessDays(cfg *config.Configuration) int {
	return cfg.Scheduler.ExpiredBusinessDays
}

func newSubmissionRetries(cfg *config.Configuration) int {
	return cfg.Scheduler.NewSubmissionRetries
}
