package bus

import (
	"encoding/json"
	"strings"
)

// CompletionEvent is one inbound completion signal. The robot firmware sends
// either a structured object {"job_id":"..."} or a bare job-id string;
// anything else decodes to an event with no id. Raw always carries the
// payload verbatim for the status endpoint.
type CompletionEvent struct {
	JobID string
	Raw   string
}

// DecodeCompletion parses a completion payload without ever failing: a
// malformed payload degrades to an event with an empty JobID.
func DecodeCompletion(payload []byte) CompletionEvent {
	raw := strings.TrimSpace(string(payload))
	ev := CompletionEvent{Raw: raw}
	if raw == "" {
		return ev
	}

	if json.Valid([]byte(raw)) {
		var obj struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			ev.JobID = obj.JobID
		}
		// Valid JSON that is not an object with a job_id yields no id.
		return ev
	}

	// Not JSON: the whole payload is the id.
	ev.JobID = raw
	return ev
}
