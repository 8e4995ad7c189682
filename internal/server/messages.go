package server

import (
	"encoding/json"
	"fmt"

	"github.com/acheong08/safedeps/internal/failure"
	"github.com/acheong08/safedeps/internal/override"
	"github.com/acheong08/safedeps/internal/remediate"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Client -> Server
	TypeOptimize MessageType = "optimize" // Apply safe replacement overrides to a project
	TypeFix      MessageType = "fix"      // Bump vulnerable dependencies
	TypeCancel   MessageType = "cancel"   // Cancel the running request
	TypePing     MessageType = "ping"     // Keep-alive

	// Server -> Client
	TypeProgress      MessageType = "progress"       // Progress updates
	TypeLog           MessageType = "log"            // Log messages for terminal
	TypePackageStatus MessageType = "package_status" // Individual package status update
	TypeOverrides     MessageType = "overrides"      // Resolver state after optimize
	TypeComplete      MessageType = "complete"       // Request complete
	TypeError         MessageType = "error"          // Error message
	TypePong          MessageType = "pong"
)

// Message is the base WebSocket message structure
type Message struct {
	Type    MessageType     `json:"type"`
	RunID   string          `json:"run_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OptimizePayload sent by client to start an optimize run
type OptimizePayload struct {
	Path      string `json:"path"`
	Pin       bool   `json:"pin"`
	Prod      bool   `json:"prod"`
	NoInstall bool   `json:"no_install"`
}

// FixPayload sent by client to start a fix run
type FixPayload struct {
	Path       string   `json:"path"`
	Purls      []string `json:"purls,omitempty"`
	RangeStyle string   `json:"range_style,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Test       bool     `json:"test,omitempty"`
	TestScript string   `json:"test_script,omitempty"`
}

// ProgressPayload for progress bar updates
type ProgressPayload struct {
	Percent int    `json:"percent"` // 0-100
	Stage   string `json:"stage"`   // "detect", "resolve", "alerts", "fix", "install"
	Message string `json:"message"`
}

// LogPayload for terminal output
type LogPayload struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"` // "info", "success", "warning", "error"
}

// PackageStatusPayload for individual package updates
type PackageStatusPayload struct {
	PackageID string `json:"package_id"` // "name@version"
	Name      string `json:"name"`
	Version   string `json:"version"`
	Target    string `json:"target,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	Status    string `json:"status"` // "added", "updated", "fixed", "failed", "skipped"
	Error     string `json:"error,omitempty"`
}

// CompletePayload sent when a request is done
type CompletePayload struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Result  *failure.Result `json:"result,omitempty"`
}

// ErrorPayload for error messages
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func newMessage(t MessageType, payload any) Message {
	if payload == nil {
		return Message{Type: t}
	}
	payloadBytes, _ := json.Marshal(payload)
	return Message{Type: t, Payload: payloadBytes}
}

func NewProgressMessage(percent int, stage, message string) Message {
	return newMessage(TypeProgress, ProgressPayload{Percent: percent, Stage: stage, Message: message})
}

func NewLogMessage(message, level string) Message {
	return newMessage(TypeLog, LogPayload{Message: message, Level: level})
}

// NewEditStatusMessage reports one override edit
func NewEditStatusMessage(e override.Edit) Message {
	status := "updated"
	if e.From == "" {
		status = "added"
	}
	return newMessage(TypePackageStatus, PackageStatusPayload{
		PackageID: e.Package + "@" + e.From,
		Name:      e.Package,
		Version:   e.From,
		Target:    e.To.String(),
		Workspace: e.Manifest,
		Status:    status,
	})
}

// NewCandidateStatusMessage reports one settled remediation candidate
func NewCandidateStatusMessage(c *remediate.Candidate) Message {
	return newMessage(TypePackageStatus, PackageStatusPayload{
		PackageID: c.Name + "@" + c.From,
		Name:      c.Name,
		Version:   c.From,
		Target:    c.To,
		Workspace: c.Workspace,
		Status:    c.Status,
		Error:     c.Error,
	})
}

func NewOverridesMessage(state *override.State) Message {
	return newMessage(TypeOverrides, state)
}

func NewCompleteMessage(result failure.Result) Message {
	return newMessage(TypeComplete, CompletePayload{
		Success: result.OK,
		Message: result.Message,
		Result:  &result,
	})
}

func NewErrorMessage(message string, err error) Message {
	errMsg := message
	code := ""
	if err != nil {
		errMsg = fmt.Sprintf("%s: %v", message, err)
		code = failure.Kind(err)
	}
	return newMessage(TypeError, ErrorPayload{Message: errMsg, Code: code})
}

// ParsePayload decodes a client request payload
func ParsePayload[T any](msg Message) (*T, error) {
	var payload T
	if len(msg.Payload) == 0 {
		return nil, fmt.Errorf("missing %s payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", msg.Type, err)
	}
	return &payload, nil
}
