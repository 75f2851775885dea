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

// Package notification dispatches outbound events from the request
// lifecycle — approval requested, rejected, expired, sent back — plus the
// engine's own Slack error alerting. Email rendering/delivery is out of
// scope, so lifecycle events are modeled as webhooks a downstream mailer
// can subscribe to.
package notification

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdmflow/orchestrator/config"
	"github.com/mdmflow/orchestrator/internal/request"
)

// WebhookSender delivers a named event and payload to whatever downstream
// consumer is configured. event names mirror the RequestFSM transition that
// produced them ("request.approval_requested", "request.rejected", ...).
type WebhookSender func(event string, payload interface{}) error

var webhookSender WebhookSender

// RegisterWebhookSender installs the sender lifecycle events are delivered
// through. Called once at startup by the composition root; tests register
// a capturing stub.
func RegisterWebhookSender(sender WebhookSender) {
	webhookSender = sender
}

// defaultWebhookSender posts event/payload as JSON to the configured
// generic webhook URL, the same outbound call shape as SlackNotification
// but pointed at config.Notification.Webhook instead.
func defaultWebhookSender(event string, payload interface{}) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	body, err := request.ToJsonReq(map[string]interface{}{
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", conf.Notification.Webhook.Url, body)
	if err != nil {
		return err
	}
	for k, v := range conf.Notification.Webhook.Headers {
		req.Header.Set(k, v)
	}

	var response map[string]interface{}
	_, err = request.Call(req, &response)
	return err
}

func dispatch(event string, payload interface{}) {
	sender := webhookSender
	if sender == nil {
		sender = defaultWebhookSender
	}
	if err := sender(event, payload); err != nil {
		logrus.WithError(err).WithField("event", event).Warn("notification dispatch failed")
	}
}

// NotifyApprovalRequested announces that requestNumber now needs action
// from approverEmail at the given level (RequestFSM §4.5.a/E2).
func NotifyApprovalRequested(requestNumber, approverEmail string, level int) {
	go dispatch("request.approval_requested", map[string]interface{}{
		"request_number": requestNumber,
		"approver":       approverEmail,
		"level":          level,
	})
}

// NotifyNewSubmission announces that a request was just submitted
// (RequestFSM §4.5 E1).
func NotifyNewSubmission(requestNumber, requesterEmail string) {
	go dispatch("request.submitted", map[string]interface{}{
		"request_number": requestNumber,
		"requester":      requesterEmail,
	})
}

// NotifyApproved announces that a request cleared its approval chain and
// was allocated to an assignee (RequestFSM §4.5.b).
func NotifyApproved(requestNumber, assignee string) {
	go dispatch("request.approved", map[string]interface{}{
		"request_number": requestNumber,
		"assignee":       assignee,
	})
}

// NotifyRejected announces a terminal Rejected/Partially Rejected outcome
// (fired by RequestFSM when it ingests a rejecting level, §4.4).
func NotifyRejected(requestNumber, rejectedBy string, level int, partial bool) {
	go dispatch("request.rejected", map[string]interface{}{
		"request_number": requestNumber,
		"rejected_by":    rejectedBy,
		"level":          level,
		"partial":        partial,
	})
}

// NotifyExpired announces that requestNumber missed its deadline (RequestFSM
// §4.5.c).
func NotifyExpired(requestNumber string, level int) {
	go dispatch("request.expired", map[string]interface{}{
		"request_number": requestNumber,
		"level":          level,
	})
}

// NotifySendBack announces a send-back, including who/what triggered it
// (approver action vs. the scheduler's own system send-back, §4.5.d).
func NotifySendBack(requestNumber string, actor string, level int, reason string) {
	go dispatch("request.send_back", map[string]interface{}{
		"request_number": requestNumber,
		"actor":          actor,
		"level":          level,
		"reason":         reason,
	})
}

// SlackNotification sends an error message to a Slack webhook. It formats
// the error details and the current time into a Slack message payload.
func SlackNotification(err error) {
	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": "Error From MDM Orchestrator 🐞",
					"emoji": true
				}
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Error:*\n%v"
					}
				]
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Time:*\n%v"
					}
				]
			}
		]
	}`, err.Error(), time.Now().Format(time.RFC822)))

	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}

	payload, err := request.ToJsonReq(&data)
	if err != nil {
		log.Println(err)
		return
	}

	req, err := http.NewRequest("POST", conf.Notification.Slack.WebhookUrl, payload)
	if err != nil {
		log.Println(err)
		return
	}

	var response map[string]interface{}
	_, err = request.Call(req, &response)
	if err != nil {
		log.Println(err)
	}
}

// NotifyError logs systemError locally and, if Slack is configured, sends
// it there too. Runs asynchronously so a flaky webhook never blocks the
// caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			SlackNotification(systemError)
		}
	}(systemError)
}
