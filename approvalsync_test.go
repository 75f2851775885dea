package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mdmflow/orchestrator/model"
)

type fakeAttachmentReader struct {
	cells [4]AttachmentCell
	err   error
}

func (f *fakeAttachmentReader) ReadApprovalCells(ctx context.Context, attachmentRef string) ([4]AttachmentCell, error) {
	return f.cells, f.err
}

type fakeApproverConfig struct {
	approvers map[int][]string
	err       error
}

func (f *fakeApproverConfig) LookupApprover(ctx context.Context, key model.ApproverConfigKey) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.approvers[key.Level], nil
}

func TestApprovalSync_Reconcile_PendingStopsTraversal(t *testing.T) {
	attach := &fakeAttachmentReader{}
	sync := &ApprovalSync{Attachments: attach, Config: &fakeApproverConfig{}}

	req := &model.Request{}
	results, err := sync.Reconcile(context.Background(), req)
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, LevelOutcomePending, results[0].Outcome)
}

func TestApprovalSync_Reconcile_ExistingInternalLevelIsAuthoritative(t *testing.T) {
	attach := &fakeAttachmentReader{}
	sync := &ApprovalSync{Attachments: attach}

	req := &model.Request{}
	req.Approvals[0] = model.ApprovalLevel{Status: string(model.RequesterStatusCompleted), Name: "req@corp.com"}

	results, err := sync.Reconcile(context.Background(), req)
	assert.NoError(t, err)
	assert.Equal(t, LevelOutcomeExists, results[0].Outcome)
	// Level 0 settled and non-rejecting, so traversal continues to level 1,
	// which has no internal state yet, no roster lookup (Config is nil) and no
	// attachment entry -> pending.
	assert.Len(t, results, 2)
	assert.Equal(t, LevelOutcomePending, results[1].Outcome)
}

func TestApprovalSync_Reconcile_NoApproverAutoApproves(t *testing.T) {
	attach := &fakeAttachmentReader{}
	config := &fakeApproverConfig{approvers: map[int][]string{1: {model.NoApprover}}}
	sync := &ApprovalSync{Attachments: attach, Config: config}

	req := &model.Request{}
	req.Approvals[0] = model.ApprovalLevel{Status: string(model.RequesterStatusCompleted), Name: "req@corp.com"}

	results, err := sync.Reconcile(context.Background(), req)
	assert.NoError(t, err)
	assert.Len(t, results, 4)
	assert.Equal(t, LevelOutcomeStatus, results[1].Outcome)
	assert.True(t, results[1].AutoApproved)
	assert.Equal(t, model.NoApprover, results[1].Name)
}

func TestApprovalSync_Reconcile_InvalidWhenStatusWithoutApprover(t *testing.T) {
	attach := &fakeAttachmentReader{
		cells: [4]AttachmentCell{
			{HasEntry: true, Status: string(model.RequesterStatusCompleted), Approver: ""},
		},
	}
	sync := &ApprovalSync{Attachments: attach}

	req := &model.Request{}
	results, err := sync.Reconcile(context.Background(), req)
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, LevelOutcomeInvalid, results[0].Outcome)
}

func TestApprovalSync_Reconcile_InvalidStatusEnumValue(t *testing.T) {
	attach := &fakeAttachmentReader{
		cells: [4]AttachmentCell{
			{HasEntry: true, Status: "Not A Real Status", Approver: "req@corp.com"},
		},
	}
	sync := &ApprovalSync{Attachments: attach}

	req := &model.Request{}
	results, err := sync.Reconcile(context.Background(), req)
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, LevelOutcomeInvalid, results[0].Outcome)
}

func TestApprovalSync_Reconcile_StopsOnRejection(t *testing.T) {
	attach := &fakeAttachmentReader{}
	sync := &ApprovalSync{Attachments: attach}

	req := &model.Request{}
	req.Approvals[0] = model.ApprovalLevel{Status: string(model.RequesterStatusCompleted), Name: "req@corp.com"}
	req.Approvals[1] = model.ApprovalLevel{Status: string(model.ApproverStatusRejected), Name: "mgr@corp.com"}

	results, err := sync.Reconcile(context.Background(), req)
	assert.NoError(t, err)
	// Level 1 is already rejected, so traversal must not continue to level 2.
	assert.Len(t, results, 2)
	assert.Equal(t, LevelOutcomeExists, results[1].Outcome)
}

func TestApprovalSync_Reconcile_FreshStatusFromAttachment(t *testing.T) {
	attach := &fakeAttachmentReader{
		cells: [4]AttachmentCell{
			{HasEntry: true, Status: string(model.RequesterStatusCompleted), Approver: "req@corp.com"},
		},
	}
	sync := &ApprovalSync{Attachments: attach}

	req := &model.Request{}
	results, err := sync.Reconcile(context.Background(), req)
	assert.NoError(t, err)
	assert.Equal(t, LevelOutcomeStatus, results[0].Outcome)
	assert.Equal(t, "req@corp.com", results[0].Name)
	assert.False(t, results[0].AutoApproved)
}

func TestApprovalSync_Reconcile_AttachmentReadErrorPropagates(t *testing.T) {
	attach := &fakeAttachmentReader{err: errors.New("attachment store down")}
	sync := &ApprovalSync{Attachments: attach}

	_, err := sync.Reconcile(context.Background(), &model.Request{})
	assert.Error(t, err)
}
