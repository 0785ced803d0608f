package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/glimte/deskflow/desk"
	"github.com/glimte/deskflow/scheduler"
	"github.com/glimte/deskflow/storage"
)

const defaultPositionMM = 1200

type healthResponse struct {
	Status           string `json:"status"`
	SchedulerRunning bool   `json:"scheduler_running"`
	JobsCount        int    `json:"jobs_count"`
}

type cronRequest struct {
	Hour      *int   `json:"hour"`
	Minute    *int   `json:"minute"`
	DayOfWeek string `json:"day_of_week"`
}

type createScheduleRequest struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Action     string       `json:"action"`
	PositionMM *int         `json:"position_mm"`
	Cron       *cronRequest `json:"cron"`
}

type createScheduleResponse struct {
	Message string `json:"message"`
	JobID   string `json:"job_id"`
	NextRun string `json:"next_run,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

type positionRequest struct {
	PositionMM *int   `json:"position_mm"`
	Action     string `json:"action"`
}

type deskResponse struct {
	ID    string     `json:"id"`
	State desk.State `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, healthResponse{
		Status:           "healthy",
		SchedulerRunning: s.scheduler.IsRunning(),
		JobsCount:        s.scheduler.JobCount(),
	})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.scheduler.Jobs())
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, err := s.scheduler.Job(id)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		sendError(w, http.StatusNotFound, fmt.Sprintf("Schedule %s not found", id))
		return
	}
	sendJSON(w, http.StatusOK, info)
}

// jobID derives an id from the name when none is given
func jobID(id, name string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Cron == nil || req.Cron.Hour == nil || req.Cron.Minute == nil {
		sendError(w, http.StatusBadRequest, "cron.hour and cron.minute are required")
		return
	}

	position := defaultPositionMM
	if req.PositionMM != nil {
		position = *req.PositionMM
	}

	info, err := s.scheduler.AddSchedule(r.Context(), scheduler.JobSpec{
		ID:         jobID(req.ID, req.Name),
		Name:       req.Name,
		Action:     req.Action,
		PositionMM: position,
		Hour:       *req.Cron.Hour,
		Minute:     *req.Cron.Minute,
		DayOfWeek:  req.Cron.DayOfWeek,
	})
	if err != nil {
		var verr *scheduler.ValidationError
		if errors.As(err, &verr) {
			sendError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("failed to create schedule", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to create schedule")
		return
	}

	sendJSON(w, http.StatusCreated, createScheduleResponse{
		Message: "Schedule created successfully",
		JobID:   info.ID,
		NextRun: info.NextRun,
	})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.scheduler.RemoveSchedule(r.Context(), id)
	switch {
	case err == nil:
		sendJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Schedule %s deleted successfully", id)})
	case errors.Is(err, scheduler.ErrJobNotFound):
		sendError(w, http.StatusNotFound, fmt.Sprintf("Schedule %s not found", id))
	default:
		s.logger.Error("failed to delete schedule", "jobId", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to delete schedule")
	}
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.scheduler.RunNow(id)
	switch {
	case err == nil:
		sendJSON(w, http.StatusAccepted, messageResponse{Message: "Schedule run started", JobID: id})
	case errors.Is(err, scheduler.ErrJobNotFound):
		sendError(w, http.StatusNotFound, fmt.Sprintf("Schedule %s not found", id))
	case errors.Is(err, scheduler.ErrJobRunning):
		sendError(w, http.StatusConflict, fmt.Sprintf("Schedule %s is already running", id))
	default:
		sendError(w, http.StatusInternalServerError, "Failed to run schedule")
	}
}

func (s *Server) handleSetPosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}

	position := defaultPositionMM
	if req.PositionMM != nil {
		position = *req.PositionMM
	}
	if position < 0 {
		sendError(w, http.StatusBadRequest, "position_mm must not be negative")
		return
	}

	action := scheduler.ActionRaise
	if req.Action != "" {
		parsed, err := scheduler.ParseAction(req.Action)
		if err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		action = parsed
	}

	results := s.mover.MoveAll(r.Context(), string(action), position, map[string]string{
		"trigger":  scheduler.TriggerManual,
		"endpoint": "position",
	})
	sendJSON(w, http.StatusOK, results)
}

func (s *Server) handleListDesks(w http.ResponseWriter, r *http.Request) {
	ids, err := s.desks.ListDesks(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "Failed to fetch desks")
		return
	}

	desks := make([]deskResponse, 0, len(ids))
	for _, id := range ids {
		d, err := s.desks.Desk(r.Context(), id)
		if err != nil {
			s.logger.Warn("skipping desk without state", "deskId", id, "error", err)
			continue
		}
		desks = append(desks, deskResponse{ID: id, State: d.State})
	}
	sendJSON(w, http.StatusOK, desks)
}

func (s *Server) handleOccupancy(w http.ResponseWriter, r *http.Request) {
	deskID := mux.Vars(r)["desk_id"]
	rec, err := s.occupancy.Latest(r.Context(), deskID)
	switch {
	case err == nil:
		sendJSON(w, http.StatusOK, rec)
	case errors.Is(err, storage.ErrOccupancyNotFound):
		sendError(w, http.StatusNotFound, fmt.Sprintf("No occupancy data for desk %s", deskID))
	default:
		s.logger.Error("failed to read occupancy", "deskId", deskID, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to read occupancy")
	}
}
