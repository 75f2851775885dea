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
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/mdmflow/orchestrator/database"
	redlock "github.com/mdmflow/orchestrator/internal/lock"
	"github.com/mdmflow/orchestrator/internal/notification"
	"github.com/mdmflow/orchestrator/model"
)

var fsmTracer = otel.Tracer("orchestrator.RequestFSM")

// AttachmentValidation is the outcome of validating every task sheet in an
// attachment (§4.5.a): which mandatory cells were empty, and which cells
// failed their declared rule.
type AttachmentValidation struct {
	EmptyCols   []string
	InvalidCols []string
}

func (v AttachmentValidation) HasErrors() bool {
	return len(v.EmptyCols) > 0 || len(v.InvalidCols) > 0
}

// AttachmentService is the injected, out-of-scope capability over the
// external tabular attachment: template cloning, ACL/protection, and
// validation (§1, §4.5.a). Nothing in this repo implements it; RequestFSM
// only consumes it.
type AttachmentService interface {
	AttachmentReader

	CloneTemplate(ctx context.Context, requestType, businessUnit string) (attachmentRef string, err error)
	SetDefaultCells(ctx context.Context, attachmentRef string, fields map[string]string) error
	GrantApproverScopes(ctx context.Context, attachmentRef string, approverEmailsByLevel map[int][]string) error
	GrantEditRights(ctx context.Context, attachmentRef, assignee string) error
	Protect(ctx context.Context, attachmentRef string) error
	Unprotect(ctx context.Context, attachmentRef string) error
	ClearApprovalCell(ctx context.Context, attachmentRef string, level int) error
	ClearApprovalCellsFrom(ctx context.Context, attachmentRef string, fromLevel int) error
	CountTaskRows(ctx context.Context, attachmentRef string) (int, error)
	Validate(ctx context.Context, attachmentRef string) (AttachmentValidation, error)
}

// RequestFSM is the orchestrator (C5): the four entry points that drive a
// request from submission through approval, allocation, execution, and
// closure.
type RequestFSM struct {
	Store          database.IDataSource
	Locker         *redlock.Manager
	Attachments    AttachmentService
	Holidays       HolidayCalendar
	Sync           *ApprovalSync
	Allocator      *Allocator
	Workload       *WorkloadCounter
	RequestNumbers *RequestNumberGenerator
	Audit          AuditLogger

	// ExpiredBusinessDays bounds how long a request may sit unresolved
	// before E2 expires it (§4.5 E2, §9 Open Questions: tunable, not a
	// literal constant).
	ExpiredBusinessDays int
	// NewSubmissionRetries bounds the new-request notification retry loop
	// in E1.
	NewSubmissionRetries int
}

// HandleOnSubmit is E1: idempotent submission handling. table is the
// master table for req's RequestType.
func (f *RequestFSM) HandleOnSubmit(ctx context.Context, table string, req *model.Request) (*model.Request, error) {
	ctx, span := fsmTracer.Start(ctx, "HandleOnSubmit")
	defer span.End()

	if req.Department == "" {
		req.Department = model.All
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	if req.RequestNumber == "" {
		number, err := f.RequestNumbers.Next(ctx, table, req.BusinessUnit)
		if err != nil {
			return nil, errors.Wrap(err, "generate request number")
		}
		req.RequestNumber = number
	}

	if req.AttachmentRef == "" {
		if err := f.cloneAttachment(ctx, req); err != nil {
			return nil, errors.Wrap(err, "clone attachment")
		}
	}

	if !req.NewSubmissionStatus {
		sent := f.notifyWithRetries(func() error {
			notification.NotifyNewSubmission(req.RequestNumber, req.RequesterEmail)
			return nil
		}, f.retries())
		if !sent {
			logrus.WithField("request_number", req.RequestNumber).Warn("new submission notification exhausted retries")
		}
		req.NewSubmissionStatus = true
	}

	row := &database.Row{Table: table, RowID: req.RequestNumber, RequestKey: req.RequestNumber, Columns: requestHeaderCells(req)}
	if err := f.Store.UpsertRow(ctx, row, database.RowOptions{}); err != nil {
		return nil, errors.Wrap(err, "persist submitted row")
	}
	return req, nil
}

func (f *RequestFSM) retries() int {
	if f.NewSubmissionRetries <= 0 {
		return 3
	}
	return f.NewSubmissionRetries
}

// notifyWithRetries runs send up to attempts times, stopping at the first
// success. It always returns, swallowing a final failure (§4.5 E1:
// "continue on final failure; set the flag to prevent re-sending").
func (f *RequestFSM) notifyWithRetries(send func() error, attempts int) bool {
	for i := 0; i < attempts; i++ {
		if err := send(); err == nil {
			return true
		}
	}
	return false
}

// cloneAttachment clones the template for req's (RequestType, BusinessUnit),
// seeds default cells, and grants each configured approver write scope on
// their level (§4.5 E1).
func (f *RequestFSM) cloneAttachment(ctx context.Context, req *model.Request) error {
	ref, err := f.Attachments.CloneTemplate(ctx, req.RequestType, req.BusinessUnit)
	if err != nil {
		return err
	}
	req.AttachmentRef = ref

	if err := f.Attachments.SetDefaultCells(ctx, ref, map[string]string{
		"companyName":    req.BusinessUnit,
		"requesterEmail": req.RequesterEmail,
	}); err != nil {
		return err
	}

	scopes := map[int][]string{}
	for level := 1; level < model.NumApprovalLevels; level++ {
		approvers, err := f.Store.LookupApprover(ctx, model.ApproverConfigKey{
			BusinessUnit: req.BusinessUnit, Department: req.Department, RequestType: req.RequestType, Level: level,
		})
		if err != nil {
			return err
		}
		if len(approvers) > 0 && approvers[0] != model.NoApprover {
			scopes[level] = approvers
		}
	}
	return f.Attachments.GrantApproverScopes(ctx, ref, scopes)
}

// HandleOnInterval is E2: periodic approval-chain advancement for one row.
// requestNumber is the number the scheduler expected when it enqueued this
// sweep; row is only used for the cheap pre-lock mismatch check below — every
// decision that actually mutates state is made against a fresh read taken
// after the row lock is held, not against this possibly-stale snapshot.
func (f *RequestFSM) HandleOnInterval(ctx context.Context, table string, row *database.Row, requestNumber string) error {
	ctx, span := fsmTracer.Start(ctx, "HandleOnInterval")
	defer span.End()

	if rowToRequest(row).RequestNumber != requestNumber {
		return nil
	}

	priority := 2
	if f.Locker != nil {
		if weight, err := f.Store.LookupPriorityWeight(ctx, table); err == nil && weight > 0 {
			priority = weight
		}
	}
	_, err := redlock.WithRowLock(ctx, f.Locker, table, requestNumber, "handleOnInterval", priority, 10*time.Second,
		func(ctx context.Context, beat redlock.Beat) (struct{}, error) {
			fresh, err := f.Store.ReadRow(ctx, table, requestNumber)
			if err != nil {
				return struct{}{}, errors.Wrap(err, "re-read row under lock")
			}
			if fresh == nil {
				return struct{}{}, nil
			}

			req := rowToRequest(fresh)
			if req.RequestNumber != requestNumber || req.ProcessStatus.IsTerminal() {
				return struct{}{}, nil
			}

			if !req.Timestamp.IsZero() && req.Approvals[0].Status != string(model.RequesterStatusNeedReview) {
				if businessDaysSince(req.Timestamp, time.Now(), f.Holidays) > f.ExpiredBusinessDays {
					return struct{}{}, f.handleExpiry(ctx, table, req)
				}
			}

			results, err := f.Sync.Reconcile(ctx, req)
			if err != nil {
				return struct{}{}, errors.Wrap(err, "reconcile approval levels")
			}
			return struct{}{}, f.ingest(ctx, table, req, results)
		})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// ingest applies §4.4's "state ingestion" step the FSM owns, one result at
// a time, stopping at the first level that isn't a clean pass-through.
func (f *RequestFSM) ingest(ctx context.Context, table string, req *model.Request, results []SyncResult) error {
	for _, r := range results {
		switch r.Outcome {
		case LevelOutcomePending:
			return f.handlePending(ctx, table, req, r)
		case LevelOutcomeInvalid:
			return f.handleInvalid(ctx, table, req, r)
		case LevelOutcomeExists, LevelOutcomeStatus:
			stop, err := f.ingestLevel(ctx, table, req, r)
			if err != nil || stop {
				return err
			}
		}
	}
	return nil
}

func (f *RequestFSM) handlePending(ctx context.Context, table string, req *model.Request, r SyncResult) error {
	if r.Level == 0 {
		return nil
	}
	if req.AskApprovalStatus[r.Level] {
		return nil
	}
	approvers, err := f.Store.LookupApprover(ctx, model.ApproverConfigKey{
		BusinessUnit: req.BusinessUnit, Department: req.Department, RequestType: req.RequestType, Level: r.Level,
	})
	if err != nil {
		return err
	}
	for _, approver := range approvers {
		notification.NotifyApprovalRequested(req.RequestNumber, approver, r.Level)
	}
	req.AskApprovalStatus[r.Level] = true
	return f.Store.SetCell(ctx, table, req.RequestNumber, colAskApprovalStatus(r.Level), time.Now().Format(time.RFC3339), database.RowOptions{Locked: true})
}

func (f *RequestFSM) handleInvalid(ctx context.Context, table string, req *model.Request, r SyncResult) error {
	if err := f.Attachments.ClearApprovalCell(ctx, req.AttachmentRef, r.Level); err != nil {
		return err
	}
	notification.NotifyError(fmt.Errorf("invalid approval status at level %d for request %s", r.Level, req.RequestNumber))
	return nil
}

// ingestLevel handles one resolved (Exists or Status) level. Returns
// stop=true when the sweep should not look at further levels.
func (f *RequestFSM) ingestLevel(ctx context.Context, table string, req *model.Request, r SyncResult) (bool, error) {
	if r.Level == 0 {
		return f.ingestRequesterLevel(ctx, table, req, r)
	}
	return f.ingestApproverLevel(ctx, table, req, r)
}

func (f *RequestFSM) ingestRequesterLevel(ctx context.Context, table string, req *model.Request, r SyncResult) (bool, error) {
	if r.Outcome != LevelOutcomeStatus {
		return false, nil // already recorded in an earlier sweep, nothing to do
	}
	req.Approvals[0] = model.ApprovalLevel{Level: 0, Status: r.RawStatus, Name: r.Name, Timestamp: time.Now()}

	if model.RequesterStatus(r.RawStatus) != model.RequesterStatusCompleted {
		return true, f.persistRequest(ctx, table, req)
	}

	validation, err := f.Attachments.Validate(ctx, req.AttachmentRef)
	if err != nil {
		return true, err
	}
	if validation.HasErrors() {
		return true, f.sendBack(ctx, table, req, model.SendBackActorSystem, "attachment validation failed")
	}
	return false, f.persistRequest(ctx, table, req)
}

func (f *RequestFSM) ingestApproverLevel(ctx context.Context, table string, req *model.Request, r SyncResult) (bool, error) {
	if r.Outcome == LevelOutcomeStatus {
		req.Approvals[r.Level] = model.ApprovalLevel{Level: r.Level, Status: r.RawStatus, Name: r.Name, Timestamp: time.Now()}
	}

	switch model.ApproverStatus(r.RawStatus) {
	case model.ApproverStatusRejected:
		if err := f.persistRequest(ctx, table, req); err != nil {
			return true, err
		}
		req.ProcessStatus = model.ProcessStatusRejected
		if err := f.Attachments.Protect(ctx, req.AttachmentRef); err != nil {
			return true, err
		}
		notification.NotifyRejected(req.RequestNumber, r.Name, r.Level, false)
		return true, f.persistRequest(ctx, table, req)

	case model.ApproverStatusSendBack:
		return true, f.sendBack(ctx, table, req, model.SendBackActorApprover, "approver sent back at level "+fmt.Sprint(r.Level))

	case model.ApproverStatusPartiallyRejected:
		if r.Level == model.NumApprovalLevels-1 {
			return true, f.runApprovedPipeline(ctx, table, req, model.ProcessStatusPartiallyRejected)
		}
		return false, f.persistRequest(ctx, table, req)

	case model.ApproverStatusApproved:
		if r.Level == model.NumApprovalLevels-1 {
			return true, f.runApprovedPipeline(ctx, table, req, model.ProcessStatusCompleted)
		}
		return false, f.persistRequest(ctx, table, req)
	}
	return true, nil
}

func (f *RequestFSM) persistRequest(ctx context.Context, table string, req *model.Request) error {
	return f.Store.SetCells(ctx, table, req.RequestNumber, requestHeaderCells(req), database.RowOptions{Locked: true})
}

// runApprovedPipeline is §4.5.b, run once the terminal level resolves
// Approved/PartiallyRejected. Guarded by ProcessedBy being empty so a
// second sweep over an already-allocated row is a no-op (idempotence,
// §8 round-trip properties).
func (f *RequestFSM) runApprovedPipeline(ctx context.Context, table string, req *model.Request, finalStatus model.ProcessStatus) error {
	if req.ProcessedBy != "" {
		return nil
	}

	if req.TotalTask == 0 {
		count, err := f.Attachments.CountTaskRows(ctx, req.AttachmentRef)
		if err != nil {
			return err
		}
		req.TotalTask = count
	}
	if req.TotalTask == 0 {
		notification.NotifyError(fmt.Errorf("request %s has no tasks, cannot proceed", req.RequestNumber))
		return f.persistRequest(ctx, table, req)
	}

	baseline, err := f.Store.LookupBaseline(ctx, req.RequestType, req.TotalTask)
	if err != nil {
		return err
	}
	if baseline != nil {
		req.Baseline = baseline.Seconds
		if baseline.IsPerTask {
			req.EstimatedTime = baseline.Seconds * int64(req.TotalTask)
		} else {
			req.EstimatedTime = baseline.Seconds
		}
	}

	agent, err := f.Allocator.Allocate(ctx, req.BusinessUnit, req.Department, req.RequestType)
	if err != nil {
		return err
	}
	req.ProcessedBy = agent
	req.ProcessStatus = finalStatus

	if req.EstimatedTime > 0 {
		if _, err := f.Workload.Add(ctx, agent, req.EstimatedTime); err != nil {
			return err
		}
	}

	if err := f.Attachments.Protect(ctx, req.AttachmentRef); err != nil {
		return err
	}
	notification.NotifyApproved(req.RequestNumber, agent)

	if err := f.persistRequest(ctx, table, req); err != nil {
		return err
	}
	return f.mirrorToAssignee(ctx, req)
}

// mirrorToAssignee copies req's row into the assignee's own table, where
// E3/E4 drive it through execution. The assignee table is named after the
// agent, per the teacher's convention of one table per audience.
func (f *RequestFSM) mirrorToAssignee(ctx context.Context, req *model.Request) error {
	row := &database.Row{
		Table:      assigneeTable(req.ProcessedBy),
		RowID:      req.RequestNumber,
		RequestKey: req.RequestNumber,
		Columns:    requestHeaderCells(req),
	}
	return f.Store.UpsertRow(ctx, row, database.RowOptions{})
}

func assigneeTable(agent string) string {
	return "assignee_" + agent
}

// handleExpiry marks the requester level Expired, moves ProcessStatus to the
// matching terminal state so ListPendingRows stops matching this row on
// every later sweep (I5), protects the attachment, and notifies. Callers
// must already hold the row lock.
func (f *RequestFSM) handleExpiry(ctx context.Context, table string, req *model.Request) error {
	req.Approvals[0] = model.ApprovalLevel{Level: 0, Status: string(model.RequesterStatusExpired), Timestamp: time.Now()}
	req.ProcessStatus = model.ProcessStatusExpired
	if err := f.Attachments.Protect(ctx, req.AttachmentRef); err != nil {
		return err
	}
	notification.NotifyExpired(req.RequestNumber, 0)
	return f.persistRequest(ctx, table, req)
}

// sendBack is §4.5.d: clear every approval cell, reset the requester to
// NeedReview, unprotect the attachment, audit-log the event, and notify.
// Callers must already hold the row lock — HandleOnInterval's ingest path
// holds one for the whole sweep, and handleProcessStatusEdit takes one
// explicitly around this call for the user-initiated send-back.
func (f *RequestFSM) sendBack(ctx context.Context, table string, req *model.Request, actor model.SendBackActor, reason string) error {
	if err := f.Attachments.ClearApprovalCellsFrom(ctx, req.AttachmentRef, 0); err != nil {
		return err
	}
	if err := f.Attachments.Unprotect(ctx, req.AttachmentRef); err != nil {
		return err
	}

	req.ProcessStatus = model.ProcessStatusSendBack
	req.Approvals[0] = model.ApprovalLevel{Level: 0, Status: string(model.RequesterStatusNeedReview), Timestamp: time.Now()}
	for level := 1; level < model.NumApprovalLevels; level++ {
		req.Approvals[level] = model.ApprovalLevel{Level: level}
		req.AskApprovalStatus[level] = false
	}
	req.SystemSentBackCount++

	if f.Audit != nil {
		if err := f.Audit.LogSendBack(ctx, req.RequestNumber, actor, reason); err != nil {
			logrus.WithError(err).Warn("audit log send-back failed")
		}
	}
	notification.NotifySendBack(req.RequestNumber, string(actor), 0, reason)
	req.SystemSentBackEmailSent++

	return f.persistRequest(ctx, table, req)
}

// HandleOnEdit is E3: reacts to a user edit on the assignee's table,
// driving the execution phase (§4.5 E3).
func (f *RequestFSM) HandleOnEdit(ctx context.Context, table string, req *model.Request, editedCol, oldValue, userEmail string) error {
	ctx, span := fsmTracer.Start(ctx, "HandleOnEdit")
	defer span.End()

	switch editedCol {
	case ColProcessedBy:
		return f.handleAssigneeClaimed(ctx, table, req)
	case ColProcessStatus:
		return f.handleProcessStatusEdit(ctx, table, req, oldValue, userEmail)
	}
	return nil
}

// HandleOnEditByRow loads the row for rowID from table and delegates to
// HandleOnEdit — the shape an edit webhook's HTTP handler actually has to
// work with (a table/row identifier, not an already-decoded Request).
func (f *RequestFSM) HandleOnEditByRow(ctx context.Context, table, rowID, editedCol, oldValue, userEmail string) error {
	row, err := f.Store.ReadRow(ctx, table, rowID)
	if err != nil {
		return errors.Wrap(err, "read row for edit")
	}
	if row == nil {
		return nil
	}
	return f.HandleOnEdit(ctx, table, rowToRequest(row), editedCol, oldValue, userEmail)
}

func (f *RequestFSM) handleAssigneeClaimed(ctx context.Context, table string, req *model.Request) error {
	if req.ProcessedBy == "" {
		return nil
	}
	if err := f.Attachments.GrantEditRights(ctx, req.AttachmentRef, req.ProcessedBy); err != nil {
		return err
	}
	req.TakenDate = time.Now()
	req.EstimatedTimeFinished = estimatedTimeFinished(req.TakenDate, req.EstimatedTime, f.Holidays)
	if err := f.persistRequest(ctx, table, req); err != nil {
		return err
	}
	return f.mirrorToMaster(ctx, req)
}

func (f *RequestFSM) handleProcessStatusEdit(ctx context.Context, table string, req *model.Request, oldValue, userEmail string) error {
	newStatus := req.ProcessStatus

	if newStatus == model.ProcessStatusCompleted && req.TakenDate.IsZero() {
		return f.revertProcessStatus(ctx, table, req, oldValue, "Cannot set status to Completed without a Taken Date")
	}
	if model.ProcessStatus(oldValue).IsTerminal() && newStatus == model.ProcessStatusOnGoing {
		return f.revertProcessStatus(ctx, table, req, oldValue, "Cannot revert a terminal status back to On Going")
	}
	if oldValue == string(model.ProcessStatusSendBack) && newStatus != model.ProcessStatusSendBack {
		return f.revertProcessStatus(ctx, table, req, oldValue, "Cannot change a Send Back status")
	}

	if newStatus == model.ProcessStatusSendBack {
		priority := 2
		if f.Locker != nil {
			if weight, err := f.Store.LookupPriorityWeight(ctx, req.RequestType); err == nil && weight > 0 {
				priority = weight
			}
		}
		_, err := redlock.WithRowLock(ctx, f.Locker, table, req.RequestNumber, "sendBack", priority, 10*time.Second,
			func(ctx context.Context, beat redlock.Beat) (struct{}, error) {
				if err := f.sendBack(ctx, table, req, model.SendBackActorMDM, "assignee sent back"); err != nil {
					return struct{}{}, err
				}
				if err := f.mirrorToMaster(ctx, req); err != nil {
					return struct{}{}, err
				}
				// Unlike the system/approver send-back paths (ingestRequesterLevel,
				// ingestApproverLevel), an assignee send-back also removes the row
				// from the assignee's own table (§4.5 E3) — the master table retains
				// it, reset to NeedReview, via the mirrorToMaster call above.
				return struct{}{}, f.Store.DeleteRow(ctx, table, req.RequestNumber, database.RowOptions{Locked: true})
			})
		return err
	}

	if newStatus != model.ProcessStatusOnGoing && !req.TakenDate.IsZero() {
		req.ProcessedDate = time.Now()
		notification.NotifyApproved(req.RequestNumber, userEmail)
		if err := f.persistRequest(ctx, table, req); err != nil {
			return err
		}
		return f.mirrorToMaster(ctx, req)
	}
	return f.persistRequest(ctx, table, req)
}

func (f *RequestFSM) revertProcessStatus(ctx context.Context, table string, req *model.Request, oldValue, toast string) error {
	req.ProcessStatus = model.ProcessStatus(oldValue)
	logrus.WithField("request_number", req.RequestNumber).Warn(toast)
	return f.persistRequest(ctx, table, req)
}

// mirrorToMaster copies the assignee table's row state back to the master
// table, the reverse direction of mirrorToAssignee.
func (f *RequestFSM) mirrorToMaster(ctx context.Context, req *model.Request) error {
	row := &database.Row{
		Table:      req.RequestType,
		RowID:      req.RequestNumber,
		RequestKey: req.RequestNumber,
		Columns:    requestHeaderCells(req),
	}
	return f.Store.UpsertRow(ctx, row, database.RowOptions{})
}

// HandleOnChildInterval is E4: a repair pass over the assignee's table,
// fixing rows left inconsistent by a transient failure.
func (f *RequestFSM) HandleOnChildInterval(ctx context.Context, table string, req *model.Request) error {
	ctx, span := fsmTracer.Start(ctx, "HandleOnChildInterval")
	defer span.End()

	dirty := false

	if !req.TakenDate.IsZero() && req.EstimatedTimeFinished.IsZero() && req.EstimatedTime > 0 {
		req.EstimatedTimeFinished = estimatedTimeFinished(req.TakenDate, req.EstimatedTime, f.Holidays)
		dirty = true
	}
	if req.FeedbackStatus == "" && req.ProcessStatus.IsTerminal() {
		req.FeedbackStatus = "Pending"
		dirty = true
	}
	if req.ProcessStatus == model.ProcessStatusSendBack && req.SystemSentBackEmailSent < req.SystemSentBackCount {
		notification.NotifySendBack(req.RequestNumber, string(model.SendBackActorSystem), 0, "retry: send-back notification was not confirmed sent")
		req.SystemSentBackEmailSent = req.SystemSentBackCount
		dirty = true
	}

	if !dirty {
		return nil
	}
	return f.persistRequest(ctx, table, req)
}
