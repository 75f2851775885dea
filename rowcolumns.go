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
	"fmt"
	"time"

	"github.com/mdmflow/orchestrator/database"
	"github.com/mdmflow/orchestrator/model"
)

// Column names are the contract's fixed vocabulary (§6); every master and
// assignee table shares it regardless of RequestType.
const (
	ColTimestamp                = "Timestamp"
	ColRequestType              = "Request Type"
	ColDepartment               = "Department"
	ColBusinessUnit             = "Business Unit"
	ColRequesterEmail           = "Requester Email"
	ColAttachment               = "Attachment"
	ColTotalTask                = "Total Task"
	ColBaseline                 = "Baseline"
	ColEstimatedTime            = "Estimated Time"
	ColEstimatedTimeFinished    = "Estimated Time Finished"
	ColProcessedBy              = "Processed By"
	ColProcessStatus            = "Process Status"
	ColTakenDate                = "Taken Date"
	ColProcessedDate            = "Processed Date"
	ColFeedbackStatus           = "Feedback Status"
	ColNewSubmissionStatus      = "New Submission Status"
	ColSystemSentBackCount      = "System Sent Back Count"
	ColSystemSentBackEmailStatus = "System Sent Back Email Status"
)

// levelSuffix names the per-level trio of columns: level 0 is the
// requester, levels 1..3 are "Approver", "Approver II", "Approver III".
func levelSuffix(level int) string {
	switch level {
	case 0:
		return "Requester"
	case 1:
		return "Approver"
	case 2:
		return "Approver II"
	case 3:
		return "Approver III"
	default:
		return fmt.Sprintf("Approver %d", level)
	}
}

func colStatus(level int) string    { return "Respon " + levelSuffix(level) }
func colName(level int) string      { return "Name " + levelSuffix(level) }
func colTimestamp(level int) string { return "Timestamp " + levelSuffix(level) }

// colAskApprovalStatus guards the "ask approval" notification at levels
// 1..3 so a sweep never re-sends it once it has fired once for this level.
func colAskApprovalStatus(level int) string {
	return "Ask " + levelSuffix(level) + " Status"
}

// rowToRequest decodes a generic database.Row into the typed Request the
// FSM and ApprovalSync reason over. Unset columns decode to zero values,
// matching a freshly-appended row.
func rowToRequest(row *database.Row) *model.Request {
	req := &model.Request{}
	c := row.Columns

	req.RequestNumber = row.RequestKey
	req.RequestType, _ = c[ColRequestType].(string)
	req.Department, _ = c[ColDepartment].(string)
	req.BusinessUnit, _ = c[ColBusinessUnit].(string)
	req.RequesterEmail, _ = c[ColRequesterEmail].(string)
	req.AttachmentRef, _ = c[ColAttachment].(string)
	req.Timestamp = parseTime(c[ColTimestamp])
	req.TotalTask = parseInt(c[ColTotalTask])
	req.Baseline = parseInt64(c[ColBaseline])
	req.EstimatedTime = parseInt64(c[ColEstimatedTime])
	req.EstimatedTimeFinished = parseTime(c[ColEstimatedTimeFinished])
	req.ProcessedBy, _ = c[ColProcessedBy].(string)
	req.ProcessStatus = model.ProcessStatus(asString(c[ColProcessStatus]))
	req.FeedbackStatus, _ = c[ColFeedbackStatus].(string)
	req.TakenDate = parseTime(c[ColTakenDate])
	req.ProcessedDate = parseTime(c[ColProcessedDate])
	req.NewSubmissionStatus = !parseTime(c[ColNewSubmissionStatus]).IsZero()
	req.SystemSentBackCount = parseInt(c[ColSystemSentBackCount])
	req.SystemSentBackEmailSent = parseInt(c[ColSystemSentBackEmailStatus])

	for level := 0; level < model.NumApprovalLevels; level++ {
		req.Approvals[level] = model.ApprovalLevel{
			Level:     level,
			Status:    asString(c[colStatus(level)]),
			Name:      asString(c[colName(level)]),
			Timestamp: parseTime(c[colTimestamp(level)]),
		}
		if level > 0 {
			req.AskApprovalStatus[level] = asString(c[colAskApprovalStatus(level)]) != ""
		}
	}
	return req
}

// requestHeaderCells projects the columns a request keeps in sync on every
// write — used by handlers that only touch a handful of cells via SetCells
// rather than a full-row UpsertRow.
func requestHeaderCells(req *model.Request) map[string]interface{} {
	cells := map[string]interface{}{
		ColRequestType:    req.RequestType,
		ColDepartment:     req.Department,
		ColBusinessUnit:   req.BusinessUnit,
		ColRequesterEmail: req.RequesterEmail,
		ColAttachment:     req.AttachmentRef,
		ColTimestamp:      req.Timestamp,
		ColTotalTask:      req.TotalTask,
		ColBaseline:       req.Baseline,
		ColEstimatedTime:  req.EstimatedTime,
		ColProcessedBy:    req.ProcessedBy,
		ColProcessStatus:  string(req.ProcessStatus),
		ColFeedbackStatus: req.FeedbackStatus,
		ColSystemSentBackCount:      req.SystemSentBackCount,
		ColSystemSentBackEmailStatus: req.SystemSentBackEmailSent,
	}
	if !req.EstimatedTimeFinished.IsZero() {
		cells[ColEstimatedTimeFinished] = req.EstimatedTimeFinished
	}
	if !req.TakenDate.IsZero() {
		cells[ColTakenDate] = req.TakenDate
	}
	if !req.ProcessedDate.IsZero() {
		cells[ColProcessedDate] = req.ProcessedDate
	}
	if req.NewSubmissionStatus {
		cells[ColNewSubmissionStatus] = req.Timestamp
	}
	for level := 0; level < model.NumApprovalLevels; level++ {
		a := req.Approvals[level]
		cells[colStatus(level)] = a.Status
		cells[colName(level)] = a.Name
		if !a.Timestamp.IsZero() {
			cells[colTimestamp(level)] = a.Timestamp
		}
		if level > 0 && req.AskApprovalStatus[level] {
			cells[colAskApprovalStatus(level)] = time.Now().Format(time.RFC3339)
		}
	}
	return cells
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func parseInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func parseInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func parseTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if t == "" {
			return time.Time{}
		}
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}
