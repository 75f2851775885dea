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

// Package request is the thin HTTP client notification.go dispatches
// webhooks through — nothing in here is specific to the orchestrator's own
// request/row model, it just moves JSON over the wire.
package request

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ToJsonReq serializes payload to JSON and wraps it in a buffer ready for
// an http.NewRequest body.
func ToJsonReq(payload interface{}) (*bytes.Buffer, error) {
	c, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request payload")
	}
	return bytes.NewBuffer(c), nil
}

// Call sends req with a JSON Content-Type and decodes the response body into
// response. The *http.Response is returned even on a decode error so the
// caller can still inspect the status code.
func Call(req *http.Request, response interface{}) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{}

	resp, err := client.Do(req)
	if err != nil {
		return resp, errors.Wrap(err, "send request")
	}

	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		logrus.WithError(err).WithField("url", req.URL.String()).Warn("decode response body failed")
		return resp, errors.Wrap(err, "decode response")
	}
	return resp, nil
}

// BasicAuth returns a base64-encoded "username:password" pair suitable for
// an Authorization: Basic header.
func BasicAuth(username, password string) string {
	auth := username + ":" + password
	return base64.StdEncoding.EncodeToString([]byte(auth))
}
