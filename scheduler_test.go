package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mdmflow/orchestrator/database"
	"github.com/mdmflow/orchestrator/model"
)

// fakeSchedulerStore is a minimal database.IDataSource double: it embeds the
// interface so every method it doesn't override panics if called, and
// overrides only what the scheduler tests exercise.
type fakeSchedulerStore struct {
	database.IDataSource

	pendingByTable map[string][]*database.Row
	listErr        error
	agents         []model.Agent
	agentsErr      error
	setCellsCalls  int
}

func (f *fakeSchedulerStore) ListPendingRows(ctx context.Context, table string, limit int) ([]*database.Row, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.pendingByTable[table], nil
}

func (f *fakeSchedulerStore) ListAgents(ctx context.Context, names []string) ([]model.Agent, error) {
	if f.agentsErr != nil {
		return nil, f.agentsErr
	}
	return f.agents, nil
}

func (f *fakeSchedulerStore) LookupPriorityWeight(ctx context.Context, requestType string) (int, error) {
	return 0, nil
}

// ReadRow serves HandleOnInterval's re-read under the row lock from the same
// rows ListPendingRows hands out.
func (f *fakeSchedulerStore) ReadRow(ctx context.Context, table, rowID string) (*database.Row, error) {
	for _, row := range f.pendingByTable[table] {
		if row.RowID == rowID {
			return row, nil
		}
	}
	return nil, nil
}

func (f *fakeSchedulerStore) SetCells(ctx context.Context, table, rowID string, cells map[string]interface{}, opts database.RowOptions) error {
	f.setCellsCalls++
	return nil
}

func terminalRow(table, requestNumber string) *database.Row {
	return &database.Row{
		Table:      table,
		RowID:      requestNumber,
		RequestKey: requestNumber,
		Columns: map[string]interface{}{
			ColRequestType:   "Onboarding",
			ColProcessStatus: string(model.ProcessStatusCompleted),
		},
	}
}

func TestScheduler_RunMasterSweep_AdvancesEachTableAndSkipsTerminalRows(t *testing.T) {
	store := &fakeSchedulerStore{
		pendingByTable: map[string][]*database.Row{
			"Onboarding": {terminalRow("Onboarding", "REQ-1"), terminalRow("Onboarding", "REQ-2")},
			"Offboarding": {terminalRow("Offboarding", "REQ-3")},
		},
	}
	s := &Scheduler{
		FSM:              &RequestFSM{Store: store, Locker: newTestLocker(t)},
		Store:            store,
		RegisteredTables: []string{"Onboarding", "Offboarding"},
	}

	err := s.RunMasterSweep(context.Background())
	assert.NoError(t, err)
	// Every row was already terminal, so HandleOnInterval returns after its
	// re-read under the row lock without writing to the store.
	assert.Equal(t, 0, store.setCellsCalls)
}

func TestScheduler_RunMasterSweep_PropagatesListError(t *testing.T) {
	store := &fakeSchedulerStore{listErr: errors.New("boom")}
	s := &Scheduler{
		FSM:              &RequestFSM{Store: store},
		Store:            store,
		RegisteredTables: []string{"Onboarding"},
	}

	err := s.RunMasterSweep(context.Background())
	assert.Error(t, err)
}

func TestScheduler_RunMasterSweep_StopsAtExhaustedBudget(t *testing.T) {
	store := &fakeSchedulerStore{
		pendingByTable: map[string][]*database.Row{
			"Onboarding":  {terminalRow("Onboarding", "REQ-1")},
			"Offboarding": {terminalRow("Offboarding", "REQ-2")},
		},
	}
	s := &Scheduler{
		FSM:              &RequestFSM{Store: store, Locker: newTestLocker(t)},
		Store:            store,
		RegisteredTables: []string{"Onboarding", "Offboarding"},
		Budget:           time.Nanosecond, // elapsed by the time the first table is checked
	}

	err := s.RunMasterSweep(context.Background())
	assert.NoError(t, err)
}

func TestScheduler_RunChildIntervalRepair_MarksFeedbackPendingOnTerminalRows(t *testing.T) {
	store := &fakeSchedulerStore{
		agents: []model.Agent{{Name: "alice", Active: true}},
		pendingByTable: map[string][]*database.Row{
			"assignee_alice": {terminalRow("assignee_alice", "REQ-9")},
		},
	}
	s := &Scheduler{
		FSM:   &RequestFSM{Store: store},
		Store: store,
	}

	err := s.RunChildIntervalRepair(context.Background())
	assert.NoError(t, err)
	// FeedbackStatus was empty on a terminal row, so HandleOnChildInterval
	// marks it dirty and persists.
	assert.Equal(t, 1, store.setCellsCalls)
}

func TestScheduler_RunChildIntervalRepair_PropagatesAgentListError(t *testing.T) {
	store := &fakeSchedulerStore{agentsErr: errors.New("redis down")}
	s := &Scheduler{FSM: &RequestFSM{Store: store}, Store: store}

	err := s.RunChildIntervalRepair(context.Background())
	assert.Error(t, err)
}

func TestScheduler_RunChildIntervalRepair_ContinuesPastOneAgentsListError(t *testing.T) {
	store := &fakeSchedulerStore{
		agents: []model.Agent{{Name: "alice"}, {Name: "bob"}},
		listErr: errors.New("table missing"),
	}
	s := &Scheduler{FSM: &RequestFSM{Store: store}, Store: store}

	err := s.RunChildIntervalRepair(context.Background())
	assert.NoError(t, err)
}

func TestScheduler_BatchSizeAndBudgetDefaults(t *testing.T) {
	s := &Scheduler{}
	assert.Equal(t, 200, s.batchSize())
	assert.Equal(t, 45*time.Second, s.budget())

	s.BatchSize = 50
	s.Budget = 10 * time.Second
	assert.Equal(t, 50, s.batchSize())
	assert.Equal(t, 10*time.Second, s.budget())
}
