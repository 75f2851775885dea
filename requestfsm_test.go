package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdmflow/orchestrator/database"
	redlock "github.com/mdmflow/orchestrator/internal/lock"
	"github.com/mdmflow/orchestrator/model"
)

type fakeFSMStore struct {
	database.IDataSource

	approver     []string
	approverErr  error
	baseline     *model.BaselineRule
	baselineErr  error
	agentsByName map[string]model.Agent

	cells   map[string]map[string]interface{}
	rows    []*database.Row
	workload int64
	counter int
}

func (f *fakeFSMStore) PeekRequestCounter(ctx context.Context, businessUnit string) (int, error) {
	return f.counter, nil
}

func (f *fakeFSMStore) NextRequestCounter(ctx context.Context, businessUnit string) (int, error) {
	f.counter++
	return f.counter, nil
}

func (f *fakeFSMStore) LookupApprover(ctx context.Context, key model.ApproverConfigKey) ([]string, error) {
	return f.approver, f.approverErr
}

func (f *fakeFSMStore) LookupBaseline(ctx context.Context, requestType string, totalTask int) (*model.BaselineRule, error) {
	return f.baseline, f.baselineErr
}

func (f *fakeFSMStore) LookupPriorityWeight(ctx context.Context, requestType string) (int, error) {
	return 0, nil
}

func (f *fakeFSMStore) LookupDistributionMatrix(ctx context.Context, businessUnit, requestType, department string) ([]string, error) {
	return nil, nil
}

func (f *fakeFSMStore) LookupWorkAllocation(ctx context.Context, businessUnit, requestType, department string) (*model.WorkAllocationRule, error) {
	return nil, nil
}

func (f *fakeFSMStore) ListAgents(ctx context.Context, names []string) ([]model.Agent, error) {
	var out []model.Agent
	for _, n := range names {
		if ag, ok := f.agentsByName[n]; ok {
			out = append(out, ag)
		}
	}
	return out, nil
}

func (f *fakeFSMStore) AdjustAgentWorkload(ctx context.Context, name string, deltaSeconds int64) (int64, error) {
	f.workload += deltaSeconds
	return f.workload, nil
}

func (f *fakeFSMStore) SetCell(ctx context.Context, table, rowID, column string, value interface{}, opts database.RowOptions) error {
	return f.SetCells(ctx, table, rowID, map[string]interface{}{column: value}, opts)
}

func (f *fakeFSMStore) SetCells(ctx context.Context, table, rowID string, cellsIn map[string]interface{}, opts database.RowOptions) error {
	if f.cells == nil {
		f.cells = map[string]map[string]interface{}{}
	}
	key := table + ":" + rowID
	if f.cells[key] == nil {
		f.cells[key] = map[string]interface{}{}
	}
	for k, v := range cellsIn {
		f.cells[key][k] = v
	}
	return nil
}

func (f *fakeFSMStore) UpsertRow(ctx context.Context, row *database.Row, opts database.RowOptions) error {
	f.rows = append(f.rows, row)
	if f.cells == nil {
		f.cells = map[string]map[string]interface{}{}
	}
	key := row.Table + ":" + row.RequestKey
	merged := map[string]interface{}{}
	for k, v := range f.cells[key] {
		merged[k] = v
	}
	for k, v := range row.Columns {
		merged[k] = v
	}
	f.cells[key] = merged
	return nil
}

func (f *fakeFSMStore) DeleteRow(ctx context.Context, table, rowID string, opts database.RowOptions) error {
	key := table + ":" + rowID
	delete(f.cells, key)
	kept := f.rows[:0]
	for _, r := range f.rows {
		if r.Table == table && r.RowID == rowID {
			continue
		}
		kept = append(kept, r)
	}
	f.rows = kept
	return nil
}

// ReadRow reconstructs the current state of a row from whatever UpsertRow/
// SetCells have accumulated under table:rowID, so a re-read taken after a
// lock is acquired reflects every write a test (or another caller) made
// before the lock, the same way a real re-SELECT against Postgres would.
func (f *fakeFSMStore) ReadRow(ctx context.Context, table, rowID string) (*database.Row, error) {
	key := table + ":" + rowID
	cols, ok := f.cells[key]
	if !ok {
		return nil, nil
	}
	return &database.Row{Table: table, RowID: rowID, RequestKey: rowID, Columns: cols}, nil
}

// seedRow installs row's columns as the store's current state for
// table:row.RequestKey, as if an earlier write had already landed — used by
// tests that want HandleOnInterval's fresh re-read under lock to see it.
func (f *fakeFSMStore) seedRow(table string, row *database.Row) {
	if f.cells == nil {
		f.cells = map[string]map[string]interface{}{}
	}
	key := table + ":" + row.RequestKey
	cols := map[string]interface{}{}
	for k, v := range row.Columns {
		cols[k] = v
	}
	f.cells[key] = cols
}

// fakeFSMAttachments is a minimal AttachmentService double tracking the
// calls a test cares about.
type fakeFSMAttachments struct {
	cells          [4]AttachmentCell
	readErr        error
	cloneRef       string
	protectCalls   int
	unprotectCalls int
	clearedFrom    int
	validation     AttachmentValidation
	validateErr    error
	taskRows       int
}

func (a *fakeFSMAttachments) ReadApprovalCells(ctx context.Context, attachmentRef string) ([4]AttachmentCell, error) {
	return a.cells, a.readErr
}
func (a *fakeFSMAttachments) CloneTemplate(ctx context.Context, requestType, businessUnit string) (string, error) {
	if a.cloneRef == "" {
		a.cloneRef = "attach-ref"
	}
	return a.cloneRef, nil
}
func (a *fakeFSMAttachments) SetDefaultCells(ctx context.Context, attachmentRef string, fields map[string]string) error {
	return nil
}
func (a *fakeFSMAttachments) GrantApproverScopes(ctx context.Context, attachmentRef string, approverEmailsByLevel map[int][]string) error {
	return nil
}
func (a *fakeFSMAttachments) GrantEditRights(ctx context.Context, attachmentRef, assignee string) error {
	return nil
}
func (a *fakeFSMAttachments) Protect(ctx context.Context, attachmentRef string) error {
	a.protectCalls++
	return nil
}
func (a *fakeFSMAttachments) Unprotect(ctx context.Context, attachmentRef string) error {
	a.unprotectCalls++
	return nil
}
func (a *fakeFSMAttachments) ClearApprovalCell(ctx context.Context, attachmentRef string, level int) error {
	return nil
}
func (a *fakeFSMAttachments) ClearApprovalCellsFrom(ctx context.Context, attachmentRef string, fromLevel int) error {
	a.clearedFrom = fromLevel
	return nil
}
func (a *fakeFSMAttachments) CountTaskRows(ctx context.Context, attachmentRef string) (int, error) {
	return a.taskRows, nil
}
func (a *fakeFSMAttachments) Validate(ctx context.Context, attachmentRef string) (AttachmentValidation, error) {
	return a.validation, a.validateErr
}

func newTestLocker(t *testing.T) *redlock.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redlock.NewManager(client, redlock.WithLease(2*time.Second), redlock.WithStaleThreshold(200*time.Millisecond))
}

func TestRequestFSM_HandleOnSubmit_AssignsNumberAndClonesAttachment(t *testing.T) {
	store := &fakeFSMStore{approver: []string{model.NoApprover}}
	attachments := &fakeFSMAttachments{}
	fsm := &RequestFSM{
		Store:          store,
		Attachments:    attachments,
		RequestNumbers: &RequestNumberGenerator{Store: store},
	}

	req := &model.Request{RequestType: "Onboarding", BusinessUnit: "BU1", RequesterEmail: "req@corp.com"}
	got, err := fsm.HandleOnSubmit(context.Background(), "Onboarding", req)
	require.NoError(t, err)

	assert.NotEmpty(t, got.RequestNumber)
	assert.NotEmpty(t, got.AttachmentRef)
	assert.True(t, got.NewSubmissionStatus)
	assert.Equal(t, model.All, got.Department)
	assert.Len(t, store.rows, 1)
}

func TestRequestFSM_HandleOnSubmit_IsIdempotentOnRetry(t *testing.T) {
	store := &fakeFSMStore{approver: []string{model.NoApprover}}
	attachments := &fakeFSMAttachments{}
	fsm := &RequestFSM{
		Store:          store,
		Attachments:    attachments,
		RequestNumbers: &RequestNumberGenerator{Store: store},
	}

	req := &model.Request{
		RequestType: "Onboarding", BusinessUnit: "BU1", RequesterEmail: "req@corp.com",
		RequestNumber: "ON/MDM/BU1/00001", AttachmentRef: "already-cloned", NewSubmissionStatus: true,
	}
	_, err := fsm.HandleOnSubmit(context.Background(), "Onboarding", req)
	require.NoError(t, err)

	assert.Equal(t, "already-cloned", req.AttachmentRef)
	assert.Empty(t, attachments.cloneRef)
}

func TestRequestFSM_HandleOnInterval_SkipsOnRequestNumberMismatch(t *testing.T) {
	store := &fakeFSMStore{}
	fsm := &RequestFSM{Store: store, Locker: newTestLocker(t), Sync: &ApprovalSync{}}

	row := &database.Row{RequestKey: "ON/MDM/BU1/00002", Columns: map[string]interface{}{}}
	err := fsm.HandleOnInterval(context.Background(), "Onboarding", row, "ON/MDM/BU1/00099")
	assert.NoError(t, err)
	assert.Empty(t, store.cells)
}

func TestRequestFSM_HandleOnInterval_SkipsTerminalRows(t *testing.T) {
	store := &fakeFSMStore{}
	fsm := &RequestFSM{Store: store, Locker: newTestLocker(t), Sync: &ApprovalSync{}}

	row := &database.Row{RequestKey: "ON/MDM/BU1/00002", Columns: map[string]interface{}{
		ColProcessStatus: string(model.ProcessStatusCompleted),
	}}
	store.seedRow("Onboarding", row)
	err := fsm.HandleOnInterval(context.Background(), "Onboarding", row, "ON/MDM/BU1/00002")
	assert.NoError(t, err)
	// Only the seeded row is present, unchanged: nothing was written.
	assert.Equal(t, map[string]map[string]interface{}{"Onboarding:ON/MDM/BU1/00002": row.Columns}, store.cells)
}

func TestRequestFSM_HandleOnInterval_PendingLevelOneSendsApprovalRequest(t *testing.T) {
	store := &fakeFSMStore{approver: []string{"mgr@corp.com"}}
	attachments := &fakeFSMAttachments{}
	fsm := &RequestFSM{
		Store: store, Locker: newTestLocker(t), Attachments: attachments,
		Sync: &ApprovalSync{Attachments: attachments, Config: store},
	}

	row := &database.Row{RequestKey: "ON/MDM/BU1/00003", Columns: map[string]interface{}{
		ColRequestType: "Onboarding",
		colStatus(0):   string(model.RequesterStatusCompleted),
		colName(0):     "req@corp.com",
	}}
	store.seedRow("Onboarding", row)
	err := fsm.HandleOnInterval(context.Background(), "Onboarding", row, "ON/MDM/BU1/00003")
	require.NoError(t, err)

	key := "Onboarding:ON/MDM/BU1/00003"
	assert.Contains(t, store.cells[key], colAskApprovalStatus(1))
}

func TestRequestFSM_HandleOnInterval_TerminalApprovalRunsAllocationPipeline(t *testing.T) {
	store := &fakeFSMStore{
		approver: []string{"mgr@corp.com"},
		agentsByName: map[string]model.Agent{
			"carol": {Name: "carol", Active: true, Free: true},
		},
	}
	attachments := &fakeFSMAttachments{taskRows: 3}
	fsm := &RequestFSM{
		Store: store, Locker: newTestLocker(t), Attachments: attachments,
		Sync:      &ApprovalSync{Attachments: attachments, Config: store},
		Allocator: &Allocator{Store: store, DefaultAgent: "carol"},
		Workload:  &WorkloadCounter{Store: store},
	}

	row := &database.Row{RequestKey: "ON/MDM/BU1/00004", Columns: map[string]interface{}{
		ColRequestType: "Onboarding",
		colStatus(0):   string(model.RequesterStatusCompleted),
		colName(0):     "req@corp.com",
		colStatus(1):   string(model.ApproverStatusApproved),
		colName(1):     "mgr1@corp.com",
		colStatus(2):   string(model.ApproverStatusApproved),
		colName(2):     "mgr2@corp.com",
		colStatus(3):   string(model.ApproverStatusApproved),
		colName(3):     "mgr3@corp.com",
	}}
	store.seedRow("Onboarding", row)
	err := fsm.HandleOnInterval(context.Background(), "Onboarding", row, "ON/MDM/BU1/00004")
	require.NoError(t, err)

	key := "Onboarding:ON/MDM/BU1/00004"
	assert.Equal(t, "carol", store.cells[key][ColProcessedBy])
	assert.Equal(t, string(model.ProcessStatusCompleted), store.cells[key][ColProcessStatus])
	assert.Equal(t, 1, attachments.protectCalls)
	assert.Len(t, store.rows, 1) // mirrored into the assignee table
}

func TestRequestFSM_HandleOnInterval_RejectionIsTerminalAndStopsTraversal(t *testing.T) {
	store := &fakeFSMStore{}
	attachments := &fakeFSMAttachments{}
	fsm := &RequestFSM{
		Store: store, Locker: newTestLocker(t), Attachments: attachments,
		Sync: &ApprovalSync{Attachments: attachments, Config: store},
	}

	row := &database.Row{RequestKey: "ON/MDM/BU1/00005", Columns: map[string]interface{}{
		ColRequestType: "Onboarding",
		colStatus(0):   string(model.RequesterStatusCompleted),
		colName(0):     "req@corp.com",
		colStatus(1):   string(model.ApproverStatusRejected),
		colName(1):     "mgr@corp.com",
	}}
	store.seedRow("Onboarding", row)
	err := fsm.HandleOnInterval(context.Background(), "Onboarding", row, "ON/MDM/BU1/00005")
	require.NoError(t, err)

	key := "Onboarding:ON/MDM/BU1/00005"
	assert.Equal(t, string(model.ProcessStatusRejected), store.cells[key][ColProcessStatus])
	assert.Equal(t, 1, attachments.protectCalls)
}

func TestRequestFSM_HandleOnInterval_ExpiryIsIdempotentAcrossSweeps(t *testing.T) {
	store := &fakeFSMStore{}
	attachments := &fakeFSMAttachments{}
	fsm := &RequestFSM{
		Store: store, Locker: newTestLocker(t), Attachments: attachments,
		Sync:                &ApprovalSync{Attachments: attachments, Config: store},
		ExpiredBusinessDays: 1,
	}

	row := &database.Row{RequestKey: "ON/MDM/BU1/00006", Columns: map[string]interface{}{
		ColRequestType: "Onboarding",
		ColTimestamp:   time.Now().AddDate(0, 0, -20),
	}}
	store.seedRow("Onboarding", row)

	err := fsm.HandleOnInterval(context.Background(), "Onboarding", row, "ON/MDM/BU1/00006")
	require.NoError(t, err)

	key := "Onboarding:ON/MDM/BU1/00006"
	require.Equal(t, string(model.ProcessStatusExpired), store.cells[key][ColProcessStatus])
	assert.Equal(t, 1, attachments.protectCalls)

	// A second sweep over the same row must be a no-op: the row is now
	// terminal, so HandleOnInterval bails out before re-expiring it.
	err = fsm.HandleOnInterval(context.Background(), "Onboarding", row, "ON/MDM/BU1/00006")
	require.NoError(t, err)
	assert.Equal(t, 1, attachments.protectCalls)
}

func TestRequestFSM_HandleOnChildInterval_MarksFeedbackPendingOnTerminalRow(t *testing.T) {
	store := &fakeFSMStore{}
	fsm := &RequestFSM{Store: store}

	req := &model.Request{RequestNumber: "ON/MDM/BU1/00006", ProcessStatus: model.ProcessStatusCompleted}
	err := fsm.HandleOnChildInterval(context.Background(), "assignee_carol", req)
	require.NoError(t, err)

	key := "assignee_carol:ON/MDM/BU1/00006"
	assert.Equal(t, "Pending", store.cells[key][ColFeedbackStatus])
}

func TestRequestFSM_HandleOnChildInterval_NoOpWhenNothingDirty(t *testing.T) {
	store := &fakeFSMStore{}
	fsm := &RequestFSM{Store: store}

	req := &model.Request{RequestNumber: "ON/MDM/BU1/00007", ProcessStatus: model.ProcessStatusOnGoing}
	err := fsm.HandleOnChildInterval(context.Background(), "assignee_carol", req)
	require.NoError(t, err)
	assert.Empty(t, store.cells)
}

func TestRequestFSM_HandleOnEdit_AssigneeClaimSetsTakenDate(t *testing.T) {
	store := &fakeFSMStore{}
	attachments := &fakeFSMAttachments{}
	fsm := &RequestFSM{Store: store, Attachments: attachments}

	req := &model.Request{RequestNumber: "ON/MDM/BU1/00008", RequestType: "Onboarding", ProcessedBy: "carol", EstimatedTime: 3600}
	err := fsm.HandleOnEdit(context.Background(), "assignee_carol", req, ColProcessedBy, "", "carol")
	require.NoError(t, err)

	assert.False(t, req.TakenDate.IsZero())
	assert.False(t, req.EstimatedTimeFinished.IsZero())
	assert.Len(t, store.rows, 1) // mirrored to master
}

func TestRequestFSM_HandleOnEdit_RejectsCompletedWithoutTakenDate(t *testing.T) {
	store := &fakeFSMStore{}
	fsm := &RequestFSM{Store: store}

	req := &model.Request{RequestNumber: "ON/MDM/BU1/00009", ProcessStatus: model.ProcessStatusCompleted}
	err := fsm.HandleOnEdit(context.Background(), "assignee_carol", req, ColProcessStatus, string(model.ProcessStatusOnGoing), "carol")
	require.NoError(t, err)

	assert.Equal(t, model.ProcessStatusOnGoing, req.ProcessStatus)
}

func TestRequestFSM_HandleOnEdit_SendBackClearsApprovalChain(t *testing.T) {
	store := &fakeFSMStore{}
	attachments := &fakeFSMAttachments{}
	fsm := &RequestFSM{Store: store, Locker: newTestLocker(t), Attachments: attachments}

	req := &model.Request{RequestNumber: "ON/MDM/BU1/00010", ProcessStatus: model.ProcessStatusSendBack, TakenDate: time.Now()}
	req.Approvals[1] = model.ApprovalLevel{Level: 1, Status: string(model.ApproverStatusApproved), Name: "mgr@corp.com"}
	err := fsm.HandleOnEdit(context.Background(), "assignee_carol", req, ColProcessStatus, string(model.ProcessStatusOnGoing), "carol")
	require.NoError(t, err)

	assert.Equal(t, string(model.RequesterStatusNeedReview), req.Approvals[0].Status)
	assert.Empty(t, req.Approvals[1].Status)
	assert.Equal(t, 1, req.SystemSentBackCount)
	assert.Equal(t, 0, attachments.clearedFrom)
}
