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

package notification

import (
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdmflow/orchestrator/config"
)

// TestDefaultWebhookSender_PostsEventToConfiguredURL exercises the actual
// outbound POST defaultWebhookSender issues when a webhook URL is
// configured, complementing the no-webhook-configured no-op covered
// elsewhere.
func TestDefaultWebhookSender_PostsEventToConfiguredURL(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	config.MockConfig(&config.Configuration{
		Notification: config.Notification{
			Webhook: struct {
				Url     string            `json:"url"`
				Headers map[string]string `json:"headers"`
			}{Url: "http://downstream.example.com/hooks/mdm"},
		},
	})

	var capturedBody string
	httpmock.RegisterResponder("POST", "http://downstream.example.com/hooks/mdm",
		func(req *http.Request) (*http.Response, error) {
			raw, err := io.ReadAll(req.Body)
			if err == nil {
				capturedBody = string(raw)
			}
			return httpmock.NewStringResponse(200, `{}`), nil
		})

	err := defaultWebhookSender("request.approved", map[string]interface{}{"request_number": "ON/MDM/BU1/00001"})
	require.NoError(t, err)

	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Contains(t, capturedBody, "request.approved")
	assert.Contains(t, capturedBody, "ON/MDM/BU1/00001")
}

func TestDefaultWebhookSender_NoURLConfiguredIsNoOp(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	config.MockConfig(&config.Configuration{})

	err := defaultWebhookSender("request.approved", map[string]interface{}{"request_number": "ON/MDM/BU1/00002"})
	require.NoError(t, err)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}
