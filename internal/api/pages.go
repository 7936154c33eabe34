package api

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"

	"github.com/robolab/dispatchd/internal/queue"
)

// handleIndex handles GET /: a minimal operator form for queueing a job
// without crafting JSON by hand.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, indexPage, html.EscapeString(s.config.RobotID), html.EscapeString(s.topics.Command))
}

// handleSubmitForm handles POST /submit: converts the form into the same
// enqueue path as the JSON API. Items are one per line, "part,qty".
func (s *Server) handleSubmitForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	jobID := strings.TrimSpace(r.FormValue("job_id"))
	destination := strings.TrimSpace(r.FormValue("destination"))
	note := strings.TrimSpace(r.FormValue("note"))
	createdBy := strings.TrimSpace(r.FormValue("created_by"))
	if createdBy == "" {
		createdBy = "unknown"
	}

	items, err := parseItemLines(r.FormValue("items"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if jobID == "" || destination == "" || len(items) == 0 {
		http.Error(w, "Missing job_id, destination, or items", http.StatusBadRequest)
		return
	}

	job, err := s.dispatch.Enqueue(r.Context(), queue.EnqueueRequest{
		JobID:       jobID,
		Destination: destination,
		Items:       items,
		Note:        note,
		CreatedBy:   createdBy,
	})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateID) {
			http.Error(w, "job_id already exists", http.StatusBadRequest)
			return
		}
		s.logger.Error("failed to enqueue job from form", "job_id", jobID, "error", err)
		http.Error(w, "failed to enqueue job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w,
		"<p>Queued job <b>%s</b> (status: <b>queued</b>).</p>"+
			"<p>Robot will receive it when it claims the next job.</p>"+
			"<p><a href='/'>Publish another</a></p>",
		html.EscapeString(job.JobID))
}

// parseItemLines parses multiline "part,qty" input into items, preserving
// line order.
func parseItemLines(raw string) ([]queue.Item, error) {
	var items []queue.Item
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		part, qtyS, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("bad line (missing comma): %s", line)
		}
		part = strings.TrimSpace(part)
		qty, err := strconv.Atoi(strings.TrimSpace(qtyS))
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("bad qty for line: %s", line)
		}
		items = append(items, queue.Item{Part: part, Qty: qty})
	}
	return items, nil
}

const indexPage = `<!doctype html>
<html>
<head>
  <meta charset="utf-8"/>
  <title>Robot Job Publisher</title>
  <style>
    body { font-family: system-ui, Arial; margin: 24px; max-width: 900px; }
    label { display:block; margin-top: 12px; font-weight: 600; }
    input, textarea { width: 100%%; padding: 10px; font-size: 14px; }
    button { margin-top: 16px; padding: 12px 16px; font-size: 14px; cursor: pointer; }
    .hint { color: #666; font-size: 13px; margin-top: 6px; }
    .box { background:#f7f7f7; padding:16px; border-radius:12px; }
  </style>
</head>
<body>
  <h2>Robot Job Publisher (Robot: %s)</h2>
  <div class="box">
    <form method="post" action="/submit">
      <label>Job ID</label>
      <input name="job_id" value="J001"/>

      <label>Destination</label>
      <input name="destination" value="Bin_A3"/>

      <label>Items (one per line: Part Name,Qty)</label>
      <textarea name="items" rows="6">M3x10 screw,12
10k resistor,50</textarea>
      <div class="hint">Example line: <code>10k resistor,50</code></div>

      <label>Note (optional)</label>
      <input name="note" value=""/>

      <label>Created By</label>
      <input name="created_by" value=""/>

      <button type="submit">Queue Job</button>
    </form>
    <hr style="margin:18px 0;">
    <form method="post" action="/api/robot/claim-next">
      <button type="submit">Claim Next Job</button>
    </form>
  </div>
  <p class="hint">Commands publish to MQTT topic: <code>%s</code> (QoS1, retained)</p>
</body>
</html>`
