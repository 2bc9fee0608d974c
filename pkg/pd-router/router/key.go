/*
Copyright MatrixInfer-AI Authors.

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

package router

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	SessionIDHeader     = "X-Session-Id"
	UserIDHeader        = "X-User-Id"
	RoutingPolicyHeader = "X-PD-Routing-Policy"

	routingPolicyField = "routing_policy"
)

// KeySource names where a routing key was taken from.
type KeySource string

const (
	KeySourceSession KeySource = "session_id"
	KeySourceUser    KeySource = "user"
	KeySourceNone    KeySource = "none"
)

// RoutingKey is the value hashed onto the rings. Requests with equal keys
// resolve to the same worker pair while membership is unchanged.
type RoutingKey struct {
	Value  string    `json:"value,omitempty"`
	Source KeySource `json:"source"`
}

// RoutingRequest holds the routing-relevant fields of an inference request.
type RoutingRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	UserID     string `json:"user,omitempty"`
	PolicyHint string `json:"routing_policy,omitempty"`
}

// Key applies the session then user priority.
func (r RoutingRequest) Key() RoutingKey {
	if r.SessionID != "" {
		return RoutingKey{Value: r.SessionID, Source: KeySourceSession}
	}
	if r.UserID != "" {
		return RoutingKey{Value: r.UserID, Source: KeySourceUser}
	}
	return RoutingKey{Source: KeySourceNone}
}

// ExtractRoutingRequest reads the session id from session_params.session_id,
// a top-level session_id or the X-Session-Id header, and the user id from the
// OpenAI "user" field or the X-User-Id header.
func ExtractRoutingRequest(body map[string]interface{}, header http.Header) RoutingRequest {
	var req RoutingRequest
	if params, ok := body["session_params"].(map[string]interface{}); ok {
		req.SessionID = stringValue(params["session_id"])
	}
	if req.SessionID == "" {
		req.SessionID = stringValue(body["session_id"])
	}
	if req.SessionID == "" && header != nil {
		req.SessionID = strings.TrimSpace(header.Get(SessionIDHeader))
	}

	req.UserID = stringValue(body["user"])
	if req.UserID == "" && header != nil {
		req.UserID = strings.TrimSpace(header.Get(UserIDHeader))
	}

	if header != nil {
		req.PolicyHint = strings.TrimSpace(header.Get(RoutingPolicyHeader))
	}
	if req.PolicyHint == "" {
		req.PolicyHint = stringValue(body[routingPolicyField])
	}
	return req
}

// stringValue accepts JSON strings and numbers.
func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	}
	return ""
}
