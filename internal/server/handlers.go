package server

import (
	"encoding/json"
	"io"
	"net/http"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error struct {
		Code    apperrors.ErrorCode `json:"code"`
		Message string              `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps error codes onto HTTP statuses.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrOffline, apperrors.ErrRemoteUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrQueueFull:
		return http.StatusInsufficientStorage
	case apperrors.ErrSyncFailed, apperrors.ErrRemoteRejected, apperrors.ErrRemoteAuth:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", err, map[string]interface{}{"method": r.Method, "path": r.URL.Path})
	}
	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return false
	}
	return true
}

// =====================================================
// Health and Sync
// =====================================================

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "fieldsync",
	})
}

// syncStatus handles GET /api/sync/status.
func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.SyncStatus())
}

// syncNow handles POST /api/sync/now and waits for the drain.
func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.ForceSync(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// refreshCache handles POST /api/sync/refresh.
func (s *Server) refreshCache(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RefreshCache(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Offline Actions
// =====================================================

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.PendingActions())
}

// enqueueAction handles POST /api/actions with {"type": ..., "payload": {...}}.
func (s *Server) enqueueAction(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if !s.decode(w, r, &request) {
		return
	}
	actionType, err := models.ParseActionType(request.Type)
	if err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.ErrInvalid, "invalid action type", err))
		return
	}

	var payload interface{}
	if len(request.Payload) > 0 {
		payload = request.Payload
	}
	id, err := s.svc.Enqueue(r.Context(), actionType, payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.QueueStats())
}

func (s *Server) pruneActions(w http.ResponseWriter, r *http.Request) {
	pruned, err := s.svc.PruneQueue(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pruned": pruned})
}

// =====================================================
// Cache
// =====================================================

func (s *Server) getAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.svc.CachedAssignments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []models.Assignment{}
	}
	writeJSON(w, http.StatusOK, assignments)
}

func (s *Server) putAssignments(w http.ResponseWriter, r *http.Request) {
	var assignments []models.Assignment
	if !s.decode(w, r, &assignments) {
		return
	}
	if err := s.svc.CacheAssignments(r.Context(), assignments); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.svc.CachedProfile(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if profile == nil {
		s.writeError(w, r, apperrors.New(apperrors.ErrNotFound, "no cached profile"))
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) putProfile(w http.ResponseWriter, r *http.Request) {
	var profile models.WorkerProfile
	if !s.decode(w, r, &profile) {
		return
	}
	if err := s.svc.CacheProfile(r.Context(), profile); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.CacheStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// =====================================================
// Progress Ledger
// =====================================================

func (s *Server) progressHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.ProgressHistory(r.Context(), r.PathValue("assignmentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []models.BufferedUpdate{}
	}
	writeJSON(w, http.StatusOK, history)
}

// recordProgress handles POST /api/progress/{assignmentID} with
// {"percent": 40, "note": "..."}.
func (s *Server) recordProgress(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Percent *int   `json:"percent"`
		Note    string `json:"note"`
	}
	if !s.decode(w, r, &request) {
		return
	}
	if request.Percent == nil {
		s.writeError(w, r, apperrors.New(apperrors.ErrInvalid, "percent is required"))
		return
	}
	receipt, err := s.svc.RecordProgress(r.Context(), r.PathValue("assignmentID"), *request.Percent, request.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// =====================================================
// Network
// =====================================================

func (s *Server) networkState(w http.ResponseWriter, r *http.Request) {
	state := s.svc.NetworkState()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":   state,
		"online":  state.Online(),
		"quality": s.svc.NetworkQuality(),
	})
}
