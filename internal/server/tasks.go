package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/scheduler"
)

// TaskSummary is the API representation of one scheduled task.
type TaskSummary struct {
	Name           string    `json:"name"`
	Schedule       string    `json:"schedule"`
	Prompt         string    `json:"prompt"`
	ConversationID string    `json:"conversation_id,omitempty"`
	NextRun        time.Time `json:"next_run"`
	LastRun        time.Time `json:"last_run"`
	LastError      string    `json:"last_error,omitempty"`
}

type taskListResponse struct {
	Tasks []TaskSummary `json:"tasks"`
	Total int           `json:"total"`
}

// handleTaskList handles GET /api/tasks.
func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tasks := s.config.Scheduler.Tasks()
	out := make([]TaskSummary, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, TaskSummary{
			Name:           task.Name,
			Schedule:       formatSchedule(task.Schedule),
			Prompt:         task.Prompt,
			ConversationID: task.ConversationID,
			NextRun:        task.NextRun,
			LastRun:        task.LastRun,
			LastError:      task.LastError,
		})
	}
	s.writeJSON(w, http.StatusOK, taskListResponse{Tasks: out, Total: len(out)})
}

// handleTaskRun handles POST /api/tasks/{name}/run, firing a task outside
// its schedule.
func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	name, ok := strings.CutSuffix(rest, "/run")
	if !ok || name == "" {
		s.writeError(w, "Not found", http.StatusNotFound)
		return
	}

	if s.config.Scheduler == nil {
		s.writeError(w, "Scheduler not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.config.Scheduler.RunTask(r.Context(), name); err != nil {
		if strings.Contains(err.Error(), "not found") {
			s.writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		// A stream error means the task fired and the turn failed upstream;
		// anything else is a scheduler fault.
		var streamErr *agent.StreamError
		if errors.As(err, &streamErr) {
			s.logger.Warn("task run failed upstream", "task", name, "kind", streamErr.Kind, "error", err)
			s.writeError(w, err.Error(), http.StatusBadGateway)
			return
		}
		s.logger.Error("task run failed", "task", name, "error", err)
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "task": name})
}

func formatSchedule(schedule scheduler.Schedule) string {
	if schedule.Kind == "at" {
		return "@at " + schedule.At.Format(time.RFC3339)
	}
	return schedule.Expr
}
