// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatch sends a node's internal action or step params to an
// external agent over HTTP (spec.md §4.4). It builds on pkg/httpclient for
// retry/timeout/TLS behavior and decodes the agent response envelope in
// either strict or permissive mode.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tombee/conductor/pkg/httpclient"
	"github.com/tombee/conductor/pkg/orcherr"
)

// Request carries everything needed to invoke an agent's /execute endpoint.
type Request struct {
	BaseURL string
	Action  string
	Params  map[string]any
	RunID   string
	NodeID  string
	StepID  string
}

// wireRequest is the JSON body posted to {base_url}/execute.
type wireRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	RunID  string         `json:"run_id"`
	NodeID string         `json:"node_id"`
	StepID string         `json:"step_id"`
}

// envelope is the expected agent response shape (spec.md §4.4). Status is
// optional in permissive mode, in which case the whole decoded body is
// treated as the result.
type envelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Dispatcher posts actions to agents over HTTP.
type Dispatcher struct {
	client *http.Client
	strict bool
}

// New creates a Dispatcher. timeout bounds every dispatch call; strict
// selects envelope decoding mode (spec.md §4.4: strict mode rejects any
// shape other than {status,result,error}; non-strict also accepts a bare
// result object when status is absent).
func New(cfg httpclient.Config, strict bool) (*Dispatcher, error) {
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("dispatch: build http client: %w", err)
	}
	return &Dispatcher{client: client, strict: strict}, nil
}

// Dispatch posts req to {req.BaseURL}/execute and decodes the response
// envelope. Transport errors, non-2xx responses, and an explicit
// status="error" all surface as a KindDispatch or KindAgentError *orcherr.Error
// carrying req.Action and a short reason.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (json.RawMessage, error) {
	body, err := json.Marshal(wireRequest{
		Action: req.Action,
		Params: req.Params,
		RunID:  req.RunID,
		NodeID: req.NodeID,
		StepID: req.StepID,
	})
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindInternal, req.Action, fmt.Errorf("marshal dispatch request: %w", err))
	}

	url := req.BaseURL + "/execute"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindDispatch, req.Action, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Run-ID", req.RunID)
	httpReq.Header.Set("X-Node-ID", req.NodeID)
	httpReq.Header.Set("X-Step-ID", req.StepID)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindDispatch, req.Action, fmt.Errorf("agent %s unreachable: %w", req.BaseURL, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindDispatch, req.Action, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, orcherr.New(orcherr.KindDispatch, req.Action,
			fmt.Sprintf("agent returned HTTP %d: %s", resp.StatusCode, truncate(respBody, 500)))
	}

	return d.decodeEnvelope(req.Action, respBody)
}

func (d *Dispatcher) decodeEnvelope(action string, body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if d.strict {
			return nil, orcherr.New(orcherr.KindDispatch, action, fmt.Sprintf("malformed response envelope: %v", err))
		}
		// Permissive mode: treat the whole body as the result.
		return json.RawMessage(body), nil
	}

	switch env.Status {
	case "success":
		return env.Result, nil
	case "error":
		reason := env.Error
		if reason == "" {
			reason = "agent reported failure with no reason"
		}
		return nil, orcherr.New(orcherr.KindAgentError, action, reason)
	case "":
		if d.strict {
			return nil, orcherr.New(orcherr.KindDispatch, action, "response missing status field")
		}
		// Legacy permissive mode: the whole body is the bare result.
		return json.RawMessage(body), nil
	default:
		return nil, orcherr.New(orcherr.KindDispatch, action, fmt.Sprintf("unrecognized status %q", env.Status))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
