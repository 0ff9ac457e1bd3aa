package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RunID is the identifier the processing service assigns on upload.
// The service may encode it as a JSON string or as a number; both decode
// to the same textual form.
type RunID string

func (id *RunID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RunID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("run id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("run id must be a string or number: %w", err)
	}
	*id = RunID(n.String())
	return nil
}

// UploadResponse is returned by POST /upload
//
// RunID: identifier of the created run; empty means the upload was not accepted
// Message: optional human readable status
type UploadResponse struct {
	RunID   RunID  `json:"run_id"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RunState is the authoritative run state returned by GET /runs/{id}
//
// Status: remote pipeline status (transcribing, transcribed, complete, transcribe_failed, ...)
// Transcription, Bottlenecks, Improvements: stage results, absent until the stage completes
type RunState struct {
	ID            RunID  `json:"id,omitempty"`
	Status        string `json:"status"`
	Transcription string `json:"transcription,omitempty"`
	Bottlenecks   string `json:"bottlenecks,omitempty"`
	Improvements  string `json:"improvements,omitempty"`
}

// Export is returned by GET /runs/{id}/export/{type}
//
// Content: markdown body of the stage result; null in JSON when the stage has no result yet
// Filename: suggested file name, e.g. "bottlenecks.md"
type Export struct {
	Content  *string `json:"content"`
	Filename string  `json:"filename"`
}

// ChatMessage is one entry of the conversation sent to POST /chat_response
//
// Role: "user" or "assistant"
// Text: message body
type ChatMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ChatRequest is the body of POST /chat_response
type ChatRequest struct {
	Conversation []ChatMessage `json:"conversation"`
	RunID        string        `json:"runId"`
}

// ChatResponse carries either Text or Error; the service reports chat
// failures with HTTP 200 and a non-empty Error.
type ChatResponse struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// errorBody is the generic {"error": "..."} shape the service uses on failures.
type errorBody struct {
	Error string `json:"error"`
}

// StatusError reports a non-2xx response.
//
// Code: HTTP status code
// Message: the body's "error" field when present, otherwise the raw body
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: HTTP error! status: %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: HTTP error! status: %d: %s", e.Method, e.Path, e.Code, e.Message)
}
