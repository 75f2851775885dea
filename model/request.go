package model

import (
	"fmt"
	"time"
)

// ApprovalLevel is one of the four ordinal positions in a request's approval
// chain: level 0 is the requester, levels 1..3 are approver tiers (§3).
type ApprovalLevel struct {
	Level     int       `json:"level"`
	Status    string    `json:"status"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// IsEmpty reports whether neither Status nor Name has been populated yet —
// the "clean pending state" ApprovalSync checks for (§4.4 step 4).
func (a ApprovalLevel) IsEmpty() bool {
	return a.Status == "" && a.Name == ""
}

// Request is the primary entity flowing through submission, approval,
// allocation, execution, and closure (§3).
type Request struct {
	RequestNumber         string          `json:"request_number"`
	RequestType           string          `json:"request_type"`
	Department             string         `json:"department"`
	BusinessUnit          string          `json:"business_unit"`
	RequesterEmail        string          `json:"requester_email"`
	AttachmentRef         string          `json:"attachment_ref"`
	Timestamp             time.Time       `json:"timestamp"`
	TotalTask             int             `json:"total_task"`
	Baseline              int64           `json:"baseline"`
	EstimatedTime         int64           `json:"estimated_time"`
	EstimatedTimeFinished time.Time       `json:"estimated_time_finished"`
	ProcessedBy           string          `json:"processed_by"`
	ProcessStatus         ProcessStatus   `json:"process_status"`
	FeedbackStatus        string          `json:"feedback_status"`
	TakenDate             time.Time       `json:"taken_date"`
	ProcessedDate         time.Time       `json:"processed_date"`
	Approvals             [4]ApprovalLevel `json:"approvals"`

	// Bookkeeping cells the FSM needs to remain idempotent across sweeps
	// (§4.5 E1/E2); these map 1:1 to contract columns in §6.
	NewSubmissionStatus    bool `json:"new_submission_status"`
	AskApprovalStatus      [4]bool `json:"ask_approval_status"` // indexed by level, level 0 unused
	SystemSentBackCount    int  `json:"system_sent_back_count"`
	SystemSentBackEmailSent int `json:"system_sent_back_email_sent"`
}

// RequesterLevel returns the requester's (level 0) approval record.
func (r *Request) RequesterLevel() *ApprovalLevel { return &r.Approvals[0] }

// ApproverLevel returns the approver record at the given ordinal (1..3).
func (r *Request) ApproverLevel(level int) *ApprovalLevel { return &r.Approvals[level] }

// NumApprovalLevels is the fixed hierarchy depth per the spec's Non-goals:
// request-type taxonomy and hierarchy shape are fixed at four levels.
const NumApprovalLevels = 4

// FormatRequestNumber renders the canonical RequestNumber per §3:
// <abbr>/MDM/<business_unit>/<5-digit-zero-padded-counter>.
func FormatRequestNumber(abbr, businessUnit string, counter int) string {
	return fmt.Sprintf("%s/MDM/%s/%05d", abbr, businessUnit, counter)
}

// Agent is a worker eligible to be assigned requests (§3).
type Agent struct {
	Name            string `json:"name"`
	Active          bool   `json:"active"`
	Free            bool   `json:"free"`
	WorkloadSeconds int64  `json:"workload_seconds"`
}

// ApproverConfigKey identifies one approver-roster rule.
type ApproverConfigKey struct {
	BusinessUnit string
	Department   string
	RequestType  string
	Level        int
}

// BaselineRule converts TotalTask into EstimatedTime for a RequestType
// (§3, I3).
type BaselineRule struct {
	RequestType string
	MinTask     int
	MaxTask     int // -1 means open-ended ("n+")
	Seconds     int64
	IsPerTask   bool
}

// Matches reports whether totalTask falls within the rule's task range.
func (b BaselineRule) Matches(totalTask int) bool {
	if totalTask < b.MinTask {
		return false
	}
	if b.MaxTask < 0 {
		return true
	}
	return totalTask <= b.MaxTask
}

// WorkAllocationRule is the BAU fallback allocation rule (§4.6).
type WorkAllocationRule struct {
	BusinessUnit string
	RequestType  string
	Department   string
	Primary      []string // comma-separated candidate group, already split
	Backups      [][]string
}

// Groups returns the ordered list of candidate groups to try, primary first.
func (w WorkAllocationRule) Groups() [][]string {
	return append([][]string{w.Primary}, w.Backups...)
}
