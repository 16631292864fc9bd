package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/client"
	"tasksched/internal/task/engine"
	logx "tasksched/pkg/logx"
)

// TaskRequest describes a task to enqueue. The CLI enqueue command builds
// the same document from flags.
type TaskRequest struct {
	Type       string          `json:"type"`
	StartOn    *time.Time      `json:"start_on"`
	ExpiryDate *time.Time      `json:"expiry_date"`
	Params     json.RawMessage `json:"params"`
	// Rule makes the task periodic; StartOn is then where the rule starts.
	Rule  string     `json:"rule"`
	Until *time.Time `json:"until"`
	Count int        `json:"count"`
}

type moveTaskRequest struct {
	StartOn time.Time `json:"start_on"`
}

type shutdownRequest struct {
	Message string `json:"message"`
}

type acceptedResponse struct {
	UID string `json:"uid,omitempty"`
	Op  string `json:"op"`
}

type statusResponse struct {
	client.Status
	Dispatcher *dispatcherView `json:"dispatcher,omitempty"`
}

type dispatcherView struct {
	StartedOn            time.Time            `json:"started_on"`
	Cycles               uint64               `json:"cycles"`
	LastCycle            time.Time            `json:"last_cycle"`
	SleepInterval        string               `json:"sleep_interval"`
	AWOLCheckProbability float64              `json:"awol_check_probability"`
	AWOLThreshold        string               `json:"awol_threshold"`
	Mode                 string               `json:"mode"`
	Workers              []int64              `json:"workers"`
	Recent               []engine.HistoryItem `json:"recent,omitempty"`
}

// recentLimit caps the worker history returned by /v1/status.
const recentLimit = 20

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.client.GetStatus(r.Context())
	if err != nil {
		s.internalError(w, "get status", err)
		return
	}
	resp := statusResponse{Status: st}
	if s.snapshot != nil {
		snap := s.snapshot()
		recent := snap.Engine.History
		if len(recent) > recentLimit {
			recent = recent[len(recent)-recentLimit:]
		}
		resp.Dispatcher = &dispatcherView{
			StartedOn:            snap.StartedOn,
			Cycles:               snap.Cycles,
			LastCycle:            snap.LastCycle,
			SleepInterval:        snap.Config.SleepInterval.String(),
			AWOLCheckProbability: snap.Config.AWOLCheckProbability,
			AWOLThreshold:        snap.Config.AWOLThreshold.String(),
			Mode:                 snap.Engine.Mode,
			Workers:              snap.Tracked,
			Recent:               recent,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req shutdownRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
	}
	if err := s.client.Shutdown(r.Context(), req.Message); err != nil {
		s.internalError(w, "spool shutdown", err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Op: "shutdown"})
}

func (s *Server) handleSpool(w http.ResponseWriter, r *http.Request) {
	entries, err := s.client.GetSpool(r.Context())
	if err != nil {
		s.internalError(w, "get spool", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleClearSpool(w http.ResponseWriter, r *http.Request) {
	n, err := s.client.ClearSpool(r.Context())
	if err != nil {
		s.internalError(w, "clear spool", err)
		return
	}
	s.log.Warn("spool cleared over admin api", logx.Int("entries", n))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	from, to, ok := timeRange(w, r)
	if !ok {
		return
	}
	entries, err := s.client.GetFailed(r.Context(), from, to)
	if err != nil {
		s.internalError(w, "get failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleFinished(w http.ResponseWriter, r *http.Request) {
	from, to, ok := timeRange(w, r)
	if !ok {
		return
	}
	entries, err := s.client.GetFinished(r.Context(), from, to)
	if err != nil {
		s.internalError(w, "get finished", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleWaiting(w http.ResponseWriter, r *http.Request) {
	entries, err := s.client.GetWaiting(r.Context())
	if err != nil {
		s.internalError(w, "get waiting", err)
		return
	}
	type item struct {
		TaskID int64     `json:"task_id"`
		Due    time.Time `json:"due"`
	}
	out := make([]item, 0, len(entries))
	for _, e := range entries {
		out = append(out, item{TaskID: e.TaskID, Due: e.Due})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	entries, err := s.client.GetRunning(r.Context())
	if err != nil {
		s.internalError(w, "get running", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	t, err := req.Build(time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_task", err.Error())
		return
	}
	uid, err := s.client.Enqueue(r.Context(), t)
	if err != nil {
		s.internalError(w, "enqueue", err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{UID: uid, Op: "add"})
}

// Build validates req and returns the task; a missing StartOn means now.
func (req TaskRequest) Build(now time.Time) (*task.Task, error) {
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		return nil, errors.New("type is required")
	}
	if string(bytes.TrimSpace(req.Params)) == "null" {
		req.Params = nil
	}
	start := now
	if req.StartOn != nil {
		start = req.StartOn.UTC()
	}
	var (
		t   *task.Task
		err error
	)
	if rule := strings.TrimSpace(req.Rule); rule != "" {
		if t, err = task.NewPeriodic(req.Type, rule, start, req.Params); err != nil {
			return nil, err
		}
		if req.Count < 0 {
			return nil, errors.New("count must be non-negative")
		}
		t.Periodic.Count = req.Count
		if req.Until != nil {
			until := req.Until.UTC()
			if t.Periodic.NextOccurrence.After(until) {
				return nil, fmt.Errorf("rule has no occurrence before %s", until.Format(time.RFC3339))
			}
			t.Periodic.Until = &until
		}
	} else {
		if req.Until != nil || req.Count != 0 {
			return nil, errors.New("until and count need a rule")
		}
		if t, err = task.NewOneShot(req.Type, start, req.Params); err != nil {
			return nil, err
		}
	}
	if req.ExpiryDate != nil {
		exp := req.ExpiryDate.UTC()
		t.ExpiryDate = &exp
	}
	return t, nil
}

// lookup resolves {taskID}, which is either a numeric id or a uid.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*task.Task, bool) {
	ref := chi.URLParam(r, "taskID")
	var (
		t   *task.Task
		err error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		t, err = s.client.GetTask(r.Context(), id)
	} else {
		t, err = s.client.GetTaskByUID(r.Context(), ref)
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("task %s not found", ref))
		return nil, false
	case err != nil:
		s.internalError(w, "get task", err)
		return nil, false
	}
	return t, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	occ, err := s.client.GetOccurrences(r.Context(), t.ID)
	if err != nil {
		s.internalError(w, "get occurrences", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID, "occurrences": occ})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok || !hasUID(w, t) {
		return
	}
	if err := s.client.Dequeue(r.Context(), t); err != nil {
		s.internalError(w, "dequeue", err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{UID: t.UID, Op: "del"})
}

func (s *Server) handleMoveTask(w http.ResponseWriter, r *http.Request) {
	var req moveTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StartOn.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_input", "start_on is required")
		return
	}
	t, ok := s.lookup(w, r)
	if !ok || !hasUID(w, t) {
		return
	}
	if t.IsPeriodic() {
		writeError(w, http.StatusConflict, "periodic", "periodic tasks follow their rule and cannot be moved")
		return
	}
	if err := s.client.MoveTask(r.Context(), t, req.StartOn); err != nil {
		s.internalError(w, "move task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{UID: t.UID, Op: "change"})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok || !hasUID(w, t) {
		return
	}
	if t.IsPeriodic() || t.Status != task.StatusFailed {
		writeError(w, http.StatusConflict, "not_failed", fmt.Sprintf("task %d is %s; only failed one-shot tasks can be restarted", t.ID, t.Status))
		return
	}
	if err := s.client.StartFailedTask(r.Context(), t); err != nil {
		s.internalError(w, "restart task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{UID: t.UID, Op: "change"})
}

func hasUID(w http.ResponseWriter, t *task.Task) bool {
	if t.UID == "" {
		writeError(w, http.StatusConflict, "no_uid", fmt.Sprintf("task %d has no uid and cannot be changed through the spool", t.ID))
		return false
	}
	return true
}

func timeRange(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	parse := func(name string) (time.Time, bool) {
		v := strings.TrimSpace(r.URL.Query().Get(name))
		if v == "" {
			return time.Time{}, true
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", fmt.Sprintf("%s must be RFC3339", name))
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	if from, ok = parse("from"); !ok {
		return
	}
	to, ok = parse("to")
	return
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error("admin request failed", logx.String("op", op), logx.Err(err))
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
