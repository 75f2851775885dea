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

// Package model holds the data shapes shared across the orchestration
// engine: requests, approval levels, agents, and the configuration relations
// the engine consults to move a request through its lifecycle.
package model

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix returns a UUID string prefixed with module, used for
// lock holder ids, lease tokens, and any other internally-generated handle
// that benefits from a readable namespace.
func GenerateUUIDWithSuffix(module string) string {
	return fmt.Sprintf("%s_%s", module, uuid.New().String())
}

// NoApprover is the sentinel approver-roster entry meaning "this level has no
// configured approver and should auto-approve".
const NoApprover = "NO_APPROVER"

// All is the wildcard value for any ApproverConfig/WorkAllocation key field.
const All = "ALL"

// RequesterStatus enumerates the wire-level values of approval level 0.
type RequesterStatus string

const (
	RequesterStatusCompleted   RequesterStatus = "Completed"
	RequesterStatusExpired     RequesterStatus = "Expired"
	RequesterStatusInvalid     RequesterStatus = "Invalid"
	RequesterStatusNeedReview  RequesterStatus = "Need Review"
)

// ValidRequesterStatuses is the enumerated set a level-0 Status cell must
// belong to (spec §4.4 step 3, applied to the requester level).
var ValidRequesterStatuses = map[RequesterStatus]bool{
	RequesterStatusCompleted:  true,
	RequesterStatusExpired:    true,
	RequesterStatusInvalid:    true,
	RequesterStatusNeedReview: true,
}

// ApproverStatus enumerates the wire-level values of approval levels 1..3.
type ApproverStatus string

const (
	ApproverStatusApproved          ApproverStatus = "Approved"
	ApproverStatusRejected          ApproverStatus = "Rejected"
	ApproverStatusPartiallyRejected ApproverStatus = "Partially Rejected"
	ApproverStatusSendBack          ApproverStatus = "Send Back"
)

// ValidApproverStatuses is the enumerated set a level-1..3 Status cell must
// belong to; anything else makes the sync invalid (spec §4.4 step 3).
var ValidApproverStatuses = map[ApproverStatus]bool{
	ApproverStatusApproved:          true,
	ApproverStatusRejected:          true,
	ApproverStatusPartiallyRejected: true,
	ApproverStatusSendBack:          true,
}

// ProcessStatus enumerates the MDM execution-phase status (§6).
type ProcessStatus string

const (
	ProcessStatusEmpty             ProcessStatus = ""
	ProcessStatusOnGoing           ProcessStatus = "On Going"
	ProcessStatusCompleted         ProcessStatus = "Completed"
	ProcessStatusPartiallyRejected ProcessStatus = "Partially Rejected"
	ProcessStatusRejected          ProcessStatus = "Rejected"
	ProcessStatusSendBack          ProcessStatus = "Send Back"
	ProcessStatusExpired           ProcessStatus = "Expired"
)

// IsTerminal reports whether a ProcessStatus is a terminal state (I5).
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case ProcessStatusCompleted, ProcessStatusRejected, ProcessStatusPartiallyRejected, ProcessStatusExpired:
		return true
	default:
		return false
	}
}

// SendBackActor enumerates who triggered a send-back, for the audit log
// (§4.5.d).
type SendBackActor string

const (
	SendBackActorSystem   SendBackActor = "SYSTEM"
	SendBackActorApprover SendBackActor = "APPROVER"
	SendBackActorMDM      SendBackActor = "MDM"
)
