// ABOUTME: MCP tools for submitting, listing and finishing research jobs
// ABOUTME: Tool results are JSON text content; failures set isError

package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/deepr-mcp/internal/jobs"
	"github.com/2389/deepr-mcp/internal/resource"
)

// MCPToolInfo represents an MCP tool definition.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPListToolsResult is the result for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params for tools/call.
type MCPCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPCallToolResult is the result for tools/call.
type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent represents content in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

const (
	toolSubmitJob = "submit_job"
	toolListJobs  = "list_jobs"
	toolFinishJob = "finish_job"
)

// toolDefinitions lists the job tools, plus the credential tools when a
// credential manager is configured.
func (s *Server) toolDefinitions() []MCPToolInfo {
	tools := []MCPToolInfo{
		{
			Name:        toolSubmitJob,
			Description: "Start a research job. Returns the job ID and the resource URI to subscribe to for status updates.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"goal": {"type": "string", "description": "What the research should answer"},
					"model": {"type": "string"},
					"estimated_cost": {"type": "number", "description": "Estimated cost in USD"},
					"estimated_time_seconds": {"type": "integer"},
					"budget": {"type": "number", "description": "Maximum spend in USD; a higher estimate asks for approval"},
					"max_tokens": {"type": "integer"},
					"allowed_tools": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["goal"]
			}`),
		},
		{
			Name:        toolListJobs,
			Description: "List jobs, optionally filtered by phase.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"phase": {"type": "string", "enum": ["queued", "planning", "executing", "synthesizing", "completed", "failed", "cancelled"]}
				}
			}`),
		},
		{
			Name:        toolFinishJob,
			Description: "Collect a job's sandbox results, publish its report and mark it completed.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"job_id": {"type": "string"}
				},
				"required": ["job_id"]
			}`),
		},
	}
	if s.handler.Credentials() != nil {
		tools = append(tools, credentialToolDefinitions()...)
	}
	return tools
}

type submitJobArgs struct {
	Goal                 string   `json:"goal"`
	Model                string   `json:"model"`
	EstimatedCost        float64  `json:"estimated_cost"`
	EstimatedTimeSeconds int64    `json:"estimated_time_seconds"`
	Budget               float64  `json:"budget"`
	MaxTokens            int      `json:"max_tokens"`
	AllowedTools         []string `json:"allowed_tools"`
}

type listJobsArgs struct {
	Phase string `json:"phase"`
}

type finishJobArgs struct {
	JobID string `json:"job_id"`
}

// handleToolsCall handles tools/call requests.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	var params MCPCallToolParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	if params.Name == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool name is required", nil)
		return
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	s.logger.Debug("tools/call", "tool_name", params.Name)

	var (
		out any
		err error
	)
	switch params.Name {
	case toolSubmitJob:
		var a submitJobArgs
		if err := json.Unmarshal(args, &a); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid arguments", nil)
			return
		}
		var id string
		id, err = s.handler.SubmitJob(r.Context(), JobSpec{
			Goal:          a.Goal,
			Model:         a.Model,
			EstimatedCost: a.EstimatedCost,
			EstimatedTime: time.Duration(a.EstimatedTimeSeconds) * time.Second,
			Budget:        a.Budget,
			MaxTokens:     a.MaxTokens,
			AllowedTools:  a.AllowedTools,
		})
		if id != "" {
			out = map[string]any{
				"job_id":     id,
				"status_uri": resource.CampaignURI(id, "status"),
			}
		}

	case toolListJobs:
		var a listJobsArgs
		if err := json.Unmarshal(args, &a); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid arguments", nil)
			return
		}
		var filter *jobs.Phase
		if a.Phase != "" {
			p := jobs.Phase(a.Phase)
			if !p.Valid() {
				s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid phase", a.Phase)
				return
			}
			filter = &p
		}
		out = map[string]any{"jobs": s.handler.Jobs().ListJobs(filter)}

	case toolFinishJob:
		var a finishJobArgs
		if err := json.Unmarshal(args, &a); err != nil || a.JobID == "" {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "job_id is required", nil)
			return
		}
		result, ferr := s.handler.FinishJob(r.Context(), a.JobID)
		if ferr != nil {
			err = ferr
		} else {
			out = result
		}

	default:
		var handled bool
		if s.handler.Credentials() != nil {
			out, handled, err = s.callCredentialTool(r.Context(), params.Name, args)
		}
		if !handled {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool not found", params.Name)
			return
		}
	}

	s.sendJSONRPCResult(w, req.ID, toolResult(out, err))
}

// toolResult renders a tool outcome. Errors are reported in-band so the
// calling model can see them; out is still included when present.
func toolResult(out any, err error) MCPCallToolResult {
	var content []MCPContent
	if out != nil {
		data, mErr := json.Marshal(out)
		if mErr != nil {
			err = errors.Join(err, fmt.Errorf("encoding result: %w", mErr))
		} else {
			content = append(content, MCPContent{Type: "text", Text: string(data)})
		}
	}
	if err != nil {
		content = append(content, MCPContent{Type: "text", Text: err.Error()})
		return MCPCallToolResult{Content: content, IsError: true}
	}
	return MCPCallToolResult{Content: content}
}
