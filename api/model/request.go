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

package model

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/mdmflow/orchestrator/model"
)

// SubmitRequest is the POST /request body (§6). Most fields beyond the
// four required ones are request-type-specific attachment attributes the
// core never interprets itself — it forwards them to the attachment
// template as default cells and otherwise only cares about RequestType,
// RequesterEmail, BusinessUnit, Department, and TotalTask.
type SubmitRequest struct {
	RequestType  string `json:"requestType"`
	EmailAddress string `json:"emailAddress"`
	CompanyCode  string `json:"companyCode"`
	CompanyName  string `json:"companyName"`
	Department   string `json:"department,omitempty"`

	AttachmentUrl        string `json:"attachmentUrl,omitempty"`
	DocumentNumber       string `json:"documentNumber,omitempty"`
	AdditionalAttachment string `json:"additionalAttachment,omitempty"`
	ValidFrom            string `json:"validFrom,omitempty"`
	ValidTo              string `json:"validTo,omitempty"`
	PromoType            string `json:"promoType,omitempty"`
	TotalTask            int    `json:"totalTask,omitempty"`
	ModifyType           string `json:"modifyType,omitempty"`
	ByPhoneConfirmation  bool   `json:"byPhoneConfirmation,omitempty"`
	TransactionSection   string `json:"transactionSection,omitempty"`
	UpdateTo             string `json:"updateTo,omitempty"`
	BankType             string `json:"bankType,omitempty"`
	TotalPromo           int    `json:"totalPromo,omitempty"`

	// Pre-approval short-circuit: a cross-chained system may submit a
	// request whose early levels are already decided elsewhere.
	IsRequester     bool   `json:"isRequester,omitempty"`
	IsApprover      bool   `json:"isApprover,omitempty"`
	IsApproverII    bool   `json:"isApproverII,omitempty"`
	IsApproverIII   bool   `json:"isApproverIII,omitempty"`
	RequesterName   string `json:"requesterName,omitempty"`
	ApproverName    string `json:"approverName,omitempty"`
	ApproverIIName  string `json:"approverIIName,omitempty"`
	ApproverIIIName string `json:"approverIIIName,omitempty"`
}

func (r *SubmitRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.RequestType, validation.Required),
		validation.Field(&r.EmailAddress, validation.Required, is.Email),
		validation.Field(&r.CompanyCode, validation.Required),
		validation.Field(&r.CompanyName, validation.Required),
	)
}

// ToRequest builds the domain Request HandleOnSubmit consumes. BusinessUnit
// takes the human-readable companyName (it's what RequestNumber formatting
// embeds, §3); companyCode is attachment-template metadata only and isn't
// part of the row's own column vocabulary (§6).
func (r *SubmitRequest) ToRequest() *model.Request {
	req := &model.Request{
		RequestType:    r.RequestType,
		Department:     r.Department,
		BusinessUnit:   r.CompanyName,
		RequesterEmail: r.EmailAddress,
		AttachmentRef:  r.AttachmentUrl,
		TotalTask:      r.TotalTask,
	}

	if r.IsRequester {
		req.Approvals[0] = model.ApprovalLevel{
			Level: 0, Status: string(model.RequesterStatusCompleted), Name: r.RequesterName, Timestamp: time.Now(),
		}
	}
	levels := []struct {
		set  bool
		name string
	}{
		{r.IsApprover, r.ApproverName},
		{r.IsApproverII, r.ApproverIIName},
		{r.IsApproverIII, r.ApproverIIIName},
	}
	for i, l := range levels {
		level := i + 1
		if l.set {
			req.Approvals[level] = model.ApprovalLevel{
				Level: level, Status: string(model.ApproverStatusApproved), Name: l.name, Timestamp: time.Now(),
			}
		}
	}
	return req
}

// TemplateFields collects the request-type-specific attributes that have no
// home on model.Request itself (§1: attachment template cloning is an
// injected, out-of-scope capability) so the handler can forward them to
// AttachmentService.SetDefaultCells verbatim.
func (r *SubmitRequest) TemplateFields() map[string]string {
	fields := map[string]string{"companyCode": r.CompanyCode}
	add := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	add("documentNumber", r.DocumentNumber)
	add("additionalAttachment", r.AdditionalAttachment)
	add("validFrom", r.ValidFrom)
	add("validTo", r.ValidTo)
	add("promoType", r.PromoType)
	add("modifyType", r.ModifyType)
	add("transactionSection", r.TransactionSection)
	add("updateTo", r.UpdateTo)
	add("bankType", r.BankType)
	return fields
}

// SubmitResponseData is the "data" object of the §6 success envelope.
type SubmitResponseData struct {
	Message       string    `json:"message"`
	RequestNumber string    `json:"requestNumber"`
	AttachmentUrl string    `json:"attachmentUrl"`
	Timestamp     time.Time `json:"timestamp"`
}

// EditRequest is the POST /edit body (§4.5 E3): the payload an assignee
// table's cell-edit webhook delivers when a user changes Processed By or
// Process Status on a row already handed off for execution.
type EditRequest struct {
	Table        string `json:"table"`
	RequestNumber string `json:"requestNumber"`
	EditedColumn string `json:"editedColumn"`
	OldValue     string `json:"oldValue,omitempty"`
	UserEmail    string `json:"userEmail,omitempty"`
}

func (r *EditRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Table, validation.Required),
		validation.Field(&r.RequestNumber, validation.Required),
		validation.Field(&r.EditedColumn, validation.Required),
	)
}

// UpdateWorkloadRequest is the POST /update_workload body (§6). Action is
// accepted for the alternate {"action": "update_workload"} shape the spec
// calls out but otherwise ignored once routed here.
type UpdateWorkloadRequest struct {
	Action  string `json:"action,omitempty"`
	MdmName string `json:"mdmName"`
	Seconds int64  `json:"seconds"`
}

func (r *UpdateWorkloadRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.MdmName, validation.Required),
		validation.Field(&r.Seconds, validation.Required),
	)
}
