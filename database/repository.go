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

	"github.com/mdmflow/orchestrator/model"
)

// IDataSource composes every persistence-facing capability the engine
// needs, grouped by concern the same way the teacher composes its
// IDataSource out of transaction/ledger/balance/identity sub-interfaces.
type IDataSource interface {
	rowStore
	configCache
	agentRepository
	requestNumberRepository
}

// Row is one (table, row id) tuple in the generic tabular store (§4.2).
type Row struct {
	Table      string
	RowID      string
	RequestKey string
	Columns    map[string]interface{}
}

// RowOptions tunes a RowStore mutation. Locked asserts the caller already
// holds a compatible LockManager lock on this row, so the store must not
// take a second, nested lock.
type RowOptions struct {
	Locked bool
}

// rowStore is the tabular row store (C2, §4.2): readHeaders, readRow,
// findRow, upsertRow, setCell, setCells, clearRange.
type rowStore interface {
	ReadHeaders(ctx context.Context, table string) ([]string, error)
	ReadRow(ctx context.Context, table, rowID string) (*Row, error)
	FindRow(ctx context.Context, table string, match map[string]string) (*Row, error)
	UpsertRow(ctx context.Context, row *Row, opts RowOptions) error
	SetCell(ctx context.Context, table, rowID, column string, value interface{}, opts RowOptions) error
	SetCells(ctx context.Context, table, rowID string, cells map[string]interface{}, opts RowOptions) error
	ClearRange(ctx context.Context, table, rowID string, columns []string, opts RowOptions) error
	DeleteRow(ctx context.Context, table, rowID string, opts RowOptions) error
	ListPendingRows(ctx context.Context, table string, limit int) ([]*Row, error)
}

// configCache is the memoized configuration relation reader (C3, §4.3).
type configCache interface {
	LookupApprover(ctx context.Context, key model.ApproverConfigKey) ([]string, error)
	LookupBaseline(ctx context.Context, requestType string, totalTask int) (*model.BaselineRule, error)
	LookupWorkAllocation(ctx context.Context, businessUnit, requestType, department string) (*model.WorkAllocationRule, error)
	LookupDistributionMatrix(ctx context.Context, businessUnit, requestType, department string) ([]string, error)
	LookupPriorityWeight(ctx context.Context, requestType string) (int, error)
	InvalidateConfigCache(ctx context.Context)
}

// agentRepository manages the allocation pool (§3, §4.6).
type agentRepository interface {
	ListAgents(ctx context.Context, names []string) ([]model.Agent, error)
	GetAgent(ctx context.Context, name string) (*model.Agent, error)
	UpsertAgent(ctx context.Context, agent model.Agent) error
	AdjustAgentWorkload(ctx context.Context, name string, deltaSeconds int64) (int64, error)
}

// requestNumberRepository persists the per-business-unit counter backing
// RequestNumber generation (C7, §4.7).
type requestNumberRepository interface {
	NextRequestCounter(ctx context.Context, businessUnit string) (int, error)
	PeekRequestCounter(ctx context.Context, businessUnit string) (int, error)
	SetRequestCounter(ctx context.Context, businessUnit string, value int) error
}
