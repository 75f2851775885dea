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
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	apimodel "github.com/mdmflow/orchestrator/api/model"
	"github.com/mdmflow/orchestrator/internal/apierror"
)

func errorEnvelope(code apierror.ErrorCode, message string) gin.H {
	return gin.H{"status": "error", "message": message, "code": code}
}

func successEnvelope(data interface{}) gin.H {
	return gin.H{"status": "success", "data": data}
}

// SubmitRequest handles POST /request (§6): binds and validates the body,
// builds the domain Request (pre-approval booleans short-circuit their
// levels via ToRequest), hands it to RequestFSM.HandleOnSubmit, then
// forwards any request-type-specific attributes to the attachment template
// as default cells.
func (a Api) SubmitRequest(c *gin.Context) {
	var body apimodel.SubmitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorEnvelope(apierror.ErrBadRequest, err.Error()))
		return
	}
	if err := body.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errorEnvelope(apierror.ErrInvalidInput, err.Error()))
		return
	}

	req := body.ToRequest()
	saved, err := a.engine.FSM.HandleOnSubmit(c.Request.Context(), req.RequestType, req)
	if err != nil {
		logrus.WithError(err).Error("submit request failed")
		c.JSON(http.StatusInternalServerError, errorEnvelope(apierror.ErrInternalServer, err.Error()))
		return
	}

	if fields := body.TemplateFields(); len(fields) > 0 {
		if err := a.engine.FSM.Attachments.SetDefaultCells(c.Request.Context(), saved.AttachmentRef, fields); err != nil {
			logrus.WithError(err).Warn("setting request-type template fields failed")
		}
	}

	c.JSON(http.StatusCreated, successEnvelope(apimodel.SubmitResponseData{
		Message:       "request submitted",
		RequestNumber: saved.RequestNumber,
		AttachmentUrl: saved.AttachmentRef,
		Timestamp:     saved.Timestamp,
	}))
}

// HandleEdit handles POST /edit (§4.5 E3): the cell-edit webhook an
// assignee table's sheet fires on a change to Processed By or Process
// Status, delegated to RequestFSM.HandleOnEditByRow.
func (a Api) HandleEdit(c *gin.Context) {
	var body apimodel.EditRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorEnvelope(apierror.ErrBadRequest, err.Error()))
		return
	}
	if err := body.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errorEnvelope(apierror.ErrInvalidInput, err.Error()))
		return
	}

	if err := a.engine.FSM.HandleOnEditByRow(c.Request.Context(), body.Table, body.RequestNumber, body.EditedColumn, body.OldValue, body.UserEmail); err != nil {
		logrus.WithError(err).Error("handle edit failed")
		c.JSON(http.StatusInternalServerError, errorEnvelope(apierror.ErrInternalServer, err.Error()))
		return
	}

	c.JSON(http.StatusOK, successEnvelope(gin.H{"requestNumber": body.RequestNumber}))
}

// UpdateWorkload handles POST /update_workload (§6): delegates to
// WorkloadCounter.Add and returns the post-adjust total.
func (a Api) UpdateWorkload(c *gin.Context) {
	var body apimodel.UpdateWorkloadRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorEnvelope(apierror.ErrBadRequest, err.Error()))
		return
	}
	if err := body.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errorEnvelope(apierror.ErrInvalidInput, err.Error()))
		return
	}

	total, err := a.engine.Workload.Add(c.Request.Context(), body.MdmName, body.Seconds)
	if err != nil {
		logrus.WithError(err).Error("update workload failed")
		c.JSON(http.StatusInternalServerError, errorEnvelope(apierror.ErrInternalServer, err.Error()))
		return
	}

	c.JSON(http.StatusOK, successEnvelope(gin.H{"mdmName": body.MdmName, "workloadSeconds": total}))
}
