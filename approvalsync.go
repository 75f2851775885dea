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

	"github.com/mdmflow/orchestrator/model"
)

// AttachmentCell is one (level, status, approverName) observation read off
// the external attachment the requester and approvers actually work in.
// AttachmentReader is the injected, out-of-scope capability that supplies
// it (§1, §4.4) — cloning, ACL, and template handling on that store are not
// this engine's concern.
type AttachmentCell struct {
	Level    int
	Status   string
	Approver string
	HasEntry bool
}

// AttachmentReader reads the current state of a request's approval chain
// off the external attachment.
type AttachmentReader interface {
	ReadApprovalCells(ctx context.Context, attachmentRef string) ([4]AttachmentCell, error)
}

// ApproverConfigLookup is the slice of ConfigCache (C3) ApprovalSync needs:
// resolving whether a level has a configured approver roster at all.
// Satisfied directly by database.IDataSource.
type ApproverConfigLookup interface {
	LookupApprover(ctx context.Context, key model.ApproverConfigKey) ([]string, error)
}

// LevelOutcome is what ApprovalSync decides for a single approval level.
type LevelOutcome string

const (
	LevelOutcomeExists  LevelOutcome = "exists"  // internal row is already authoritative for this level
	LevelOutcomeInvalid LevelOutcome = "invalid" // external status isn't a recognized enum value, or name is missing
	LevelOutcomePending LevelOutcome = "pending" // no decision recorded yet, keep waiting
	LevelOutcomeStatus  LevelOutcome = "status"  // a fresh status was read (or auto-approved), ready for the FSM to ingest
)

// SyncResult is ApprovalSync's verdict for one level. RawStatus carries the
// wire-level enum value as a plain string since level 0 (RequesterStatus)
// and levels 1..3 (ApproverStatus) are different enums; the FSM interprets
// it against whichever enum applies to Level.
type SyncResult struct {
	Level        int
	Outcome      LevelOutcome
	RawStatus    string
	Name         string
	AutoApproved bool // true when this level had no configured approver
}

// ApprovalSync reconciles a Request's internal approval record against the
// external attachment's cells, strictly ordered level 0..3 — a level's
// outcome is observed before the next is considered, and evaluation stops
// the moment a level isn't cleanly resolved (§4.4). It performs no
// mutation or notification of its own; that ingestion is the FSM's job
// (§4.4's closing note), keeping this reconciler a pure read.
type ApprovalSync struct {
	Attachments AttachmentReader
	Config      ApproverConfigLookup
}

// Reconcile returns one SyncResult per level actually evaluated.
func (a *ApprovalSync) Reconcile(ctx context.Context, req *model.Request) ([]SyncResult, error) {
	cells, err := a.Attachments.ReadApprovalCells(ctx, req.AttachmentRef)
	if err != nil {
		return nil, err
	}

	var results []SyncResult
	for level := 0; level < model.NumApprovalLevels; level++ {
		result, err := a.reconcileLevel(ctx, req, level, cells[level])
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if !levelContinues(result) {
			break
		}
	}
	return results, nil
}

// levelContinues reports whether the next level may be evaluated in this
// same sweep. Only a level that is already settled and not a rejecting
// outcome lets the traversal proceed (the ordering guarantee in §4.4).
func levelContinues(r SyncResult) bool {
	if r.Outcome != LevelOutcomeExists && r.Outcome != LevelOutcomeStatus {
		return false
	}
	switch model.ApproverStatus(r.RawStatus) {
	case model.ApproverStatusRejected, model.ApproverStatusSendBack:
		return false
	}
	return true
}

// reconcileLevel implements §4.4 steps 1-5 for a single level.
func (a *ApprovalSync) reconcileLevel(ctx context.Context, req *model.Request, level int, cell AttachmentCell) (SyncResult, error) {
	internal := req.ApproverLevel(level)
	if !internal.IsEmpty() {
		return SyncResult{Level: level, Outcome: LevelOutcomeExists, RawStatus: internal.Status, Name: internal.Name}, nil
	}

	if level > 0 && a.Config != nil {
		approvers, err := a.Config.LookupApprover(ctx, model.ApproverConfigKey{
			BusinessUnit: req.BusinessUnit,
			Department:   req.Department,
			RequestType:  req.RequestType,
			Level:        level,
		})
		if err != nil {
			return SyncResult{}, err
		}
		if len(approvers) == 0 || approvers[0] == model.NoApprover {
			return SyncResult{
				Level: level, Outcome: LevelOutcomeStatus,
				RawStatus: string(model.ApproverStatusApproved), Name: model.NoApprover, AutoApproved: true,
			}, nil
		}
	}

	if !cell.HasEntry {
		return SyncResult{Level: level, Outcome: LevelOutcomePending}, nil
	}

	if cell.Status != "" && cell.Approver == "" {
		return SyncResult{Level: level, Outcome: LevelOutcomeInvalid}, nil
	}
	if !statusValidForLevel(level, cell.Status) {
		return SyncResult{Level: level, Outcome: LevelOutcomeInvalid}, nil
	}

	return SyncResult{Level: level, Outcome: LevelOutcomeStatus, RawStatus: cell.Status, Name: cell.Approver}, nil
}

func statusValidForLevel(level int, status string) bool {
	if level == 0 {
		return model.ValidRequesterStatuses[model.RequesterStatus(status)]
	}
	return model.ValidApproverStatuses[model.ApproverStatus(status)]
}
