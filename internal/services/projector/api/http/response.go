package http

import "github.com/louisbranch/projectiond/internal/services/projector/daemon"

// Status is the outcome tag of every JSON response.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Response is the envelope of every JSON response.
type Response struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
	Data   any    `json:"data,omitempty"`
}

func okResponse(data any) Response {
	return Response{Status: StatusOK, Data: data}
}

func errorResponse(code, message string) Response {
	return Response{Status: StatusError, Code: code, Error: message}
}

// HealthResponse reports whether the daemon loop is alive.
type HealthResponse struct {
	Shards  int    `json:"shards"`
	Running int    `json:"running"`
	Dropped uint64 `json:"dropped_notifications"`
}

func countRunning(statuses []daemon.ShardStatus) int {
	n := 0
	for _, s := range statuses {
		if s.State == daemon.StateRunning {
			n++
		}
	}
	return n
}
