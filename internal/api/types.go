package api

import (
	"encoding/json"
	"time"

	"github.com/Nurdok/spanreed/internal/domain"
)

type TriggerRequest struct {
	Kind           string `json:"kind"`
	Command        string `json:"command,omitempty"`
	EventPattern   string `json:"event_pattern,omitempty"`
	CronExpression string `json:"cron_expression,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

type RegisterAutomationRequest struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Trigger TriggerRequest    `json:"trigger"`
	Program string            `json:"program"`
	Config  map[string]string `json:"config,omitempty"`
}

type AutomationResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Trigger   TriggerRequest `json:"trigger"`
	Program   string         `json:"program"`
	CreatedAt string         `json:"created_at"`
}

type ListAutomationsResponse struct {
	Automations []AutomationResponse `json:"automations"`
}

type EventRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Source  string          `json:"source,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ReplyRequest struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Surface   string          `json:"surface"`
}

type RunResponse struct {
	ID           string          `json:"id"`
	AutomationID string          `json:"automation_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

// RunStartedResponse acknowledges a command before the run executes.
type RunStartedResponse struct {
	RunID string `json:"run_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func automationResponse(a domain.Automation) AutomationResponse {
	return AutomationResponse{
		ID:   a.ID,
		Name: a.Name,
		Trigger: TriggerRequest{
			Kind:           string(a.Trigger.Kind),
			Command:        a.Trigger.Command,
			EventPattern:   a.Trigger.EventPattern,
			CronExpression: a.Trigger.CronExpression,
			Timezone:       a.Trigger.Timezone,
		},
		Program:   a.Program,
		CreatedAt: formatTime(a.CreatedAt),
	}
}

func runResponse(run domain.RunInstance) RunResponse {
	return RunResponse{
		ID:           run.ID.String(),
		AutomationID: run.AutomationID,
		Status:       string(run.Status),
		Result:       run.Result,
		Error:        run.Error,
		CreatedAt:    formatTime(run.CreatedAt),
		UpdatedAt:    formatTime(run.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
