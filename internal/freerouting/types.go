package freerouting

import "encoding/base64"

// State is the server-tracked state of a job.
type State string

// Job states reported by the service. Only COMPLETED and FAILED are
// terminal; everything else means "still running".
const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether s ends the job.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Session is a protocol-level context holding exactly one job.
type Session struct {
	ID string
}

// Job is a unit of routing work.
type Job struct {
	ID    string
	State State
}

// EncodePayload encodes a binary payload for the wire.
func EncodePayload(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodePayload reverses EncodePayload.
func DecodePayload(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

type idResponse struct {
	ID string `json:"id"`
}

type enqueueRequest struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Priority  string `json:"priority"`
}

type inputRequest struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

type statusResponse struct {
	State string `json:"state"`
}

type outputResponse struct {
	Data *string `json:"data"`
}
