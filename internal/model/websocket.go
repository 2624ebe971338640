package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage is the envelope every client message carries.
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage is pushed while a job is pending or processing.
type WSProgressMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId"`
	Progress int       `json:"progress"`
	Status   JobStatus `json:"status"`
	Message  string    `json:"message,omitempty"`
}

// WSCompleteMessage carries the final status of a completed job.
type WSCompleteMessage struct {
	Type   string         `json:"type"`
	JobID  string         `json:"jobId"`
	Result StatusResponse `json:"result"`
}

// WSErrorMessage is pushed when a job fails.
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
