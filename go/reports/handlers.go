package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/merkle"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

var validate = validator.New()

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var ctx, cancel = context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	var lb, err = s.store.LatestLeaderboard(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if lb == nil {
		writeError(w, http.StatusNotFound, "not_found", "no leaderboard committed yet")
		return
	}
	if !queryBool(r, "include_ensembles", true) {
		// Stored ranks are kept, so filtered boards show where the
		// virtual rows sat.
		lb.Entries = contract.LeaderboardEntries(lo.Filter(lb.Entries,
			func(e contract.LeaderboardEntry, _ int) bool { return !contract.IsEnsembleModelID(e.ModelID) }))
	}
	writeJSON(w, http.StatusOK, lb)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	var models, err = s.store.ListModels(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": orEmpty(models)})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	var since, err = parseTimeParam(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	until, err := parseTimeParam(r.URL.Query().Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	snapshots, err := s.store.RecentSnapshots(r.Context(),
		r.URL.Query().Get("model_id"), since, until, parseLimit(r, 100, 1000), parseOffset(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": orEmpty(snapshots)})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	var status contract.PredictionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		var err error
		if status, err = contract.ParsePredictionStatus(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	var predictions, err = s.store.RecentPredictions(r.Context(),
		r.URL.Query().Get("model_id"), status, parseLimit(r, 100, 1000), parseOffset(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": orEmpty(predictions)})
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	var records, err = s.store.RecentFeedRecords(r.Context(),
		r.URL.Query().Get("subject"), parseLimit(r, 100, 1000))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": orEmpty(records)})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	var checkpoints, err = s.store.ListCheckpoints(r.Context(), parseLimit(r, 50, 500), parseOffset(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": orEmpty(checkpoints)})
}

func (s *Server) handleCheckpointLatest(w http.ResponseWriter, r *http.Request) {
	var ckpt, err = s.store.LatestCheckpoint(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ckpt == nil {
		writeError(w, http.StatusNotFound, "not_found", "no checkpoint built yet")
		return
	}
	writeJSON(w, http.StatusOK, ckpt)
}

func (s *Server) handleCheckpointPayload(w http.ResponseWriter, r *http.Request) {
	var ckpt, err = s.store.CheckpointByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ckpt)
}

func (s *Server) handleCheckpointEmission(w http.ResponseWriter, r *http.Request) {
	var ckpt, err = s.store.CheckpointByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ckpt.EmissionPayload)
}

type confirmRequest struct {
	TxHash string `json:"tx_hash" validate:"required"`
}

func (s *Server) handleCheckpointConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var ckpt, err = s.store.AdvanceCheckpoint(r.Context(), mux.Vars(r)["id"], contract.CheckpointSubmitted, &req.TxHash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	log.WithFields(log.Fields{"checkpoint_id": ckpt.ID, "tx_hash": req.TxHash}).Info("checkpoint confirmed")
	writeJSON(w, http.StatusOK, ckpt)
}

type statusRequest struct {
	Status string  `json:"status" validate:"required"`
	TxHash *string `json:"tx_hash,omitempty"`
}

func (s *Server) handleCheckpointStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var next, err = contract.ParseCheckpointStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ckpt, err := s.store.AdvanceCheckpoint(r.Context(), mux.Vars(r)["id"], next, req.TxHash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	log.WithFields(log.Fields{"checkpoint_id": ckpt.ID, "status": ckpt.Status}).Info("checkpoint status advanced")
	writeJSON(w, http.StatusOK, ckpt)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	var cycles, err = s.store.ListMerkleCycles(r.Context(), parseLimit(r, 50, 500), parseOffset(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": orEmpty(cycles)})
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	var cycle, err = s.store.MerkleCycle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cycle == nil {
		writeError(w, http.StatusNotFound, "not_found", "no such cycle")
		return
	}
	writeJSON(w, http.StatusOK, cycle)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	var snapshotID = r.URL.Query().Get("snapshot_id")
	if snapshotID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "snapshot_id is required")
		return
	}
	var proof, err = s.proofs.Proof(r.Context(), snapshotID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

type backfillRequest struct {
	Source      string `json:"source" validate:"required"`
	Subject     string `json:"subject" validate:"required"`
	Kind        string `json:"kind" validate:"required"`
	Granularity string `json:"granularity" validate:"required"`
	StartTs     int64  `json:"start_ts" validate:"required,gt=0"`
	EndTs       int64  `json:"end_ts" validate:"required,gtfield=StartTs"`
}

func (s *Server) handleBackfillStart(w http.ResponseWriter, r *http.Request) {
	if s.backfiller == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "backfill worker is not running")
		return
	}
	var req backfillRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var now = time.Now().UTC()
	var job = contract.BackfillJob{
		ID:          contract.NewBackfillJobID(),
		Source:      req.Source,
		Subject:     req.Subject,
		Kind:        req.Kind,
		Granularity: req.Granularity,
		StartTs:     req.StartTs,
		EndTs:       req.EndTs,
		Status:      contract.JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateBackfillJob(r.Context(), job); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.backfiller.Enqueue(job.ID) {
		log.WithField("job_id", job.ID).Warn("backfill queue full, job waits for the resume sweep")
	}
	log.WithFields(log.Fields{
		"job_id":  job.ID,
		"subject": job.Subject,
		"from":    job.StartTs,
		"to":      job.EndTs,
	}).Info("backfill job admitted")
	writeJSON(w, http.StatusAccepted, map[string]any{"job": viewJob(job)})
}

// jobView decorates a job row with its derived completion estimate.
type jobView struct {
	contract.BackfillJob
	ProgressPct float64 `json:"progress_pct"`
}

func viewJob(j contract.BackfillJob) jobView { return jobView{BackfillJob: j, ProgressPct: j.ProgressPct()} }

func (s *Server) handleBackfillJobs(w http.ResponseWriter, r *http.Request) {
	var jobs, err = s.store.ListBackfillJobs(r.Context(), parseLimit(r, 50, 500), parseOffset(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": lo.Map(jobs, func(j contract.BackfillJob, _ int) jobView { return viewJob(j) })})
}

func (s *Server) handleBackfillJob(w http.ResponseWriter, r *http.Request) {
	var job, err = s.store.BackfillJobByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(job))
}

func (s *Server) handleLakeIndex(w http.ResponseWriter, r *http.Request) {
	if s.lake == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no parquet lake configured")
		return
	}
	var files, err = s.lake.Manifest()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": orEmpty(files)})
}

func (s *Server) handleLakeFile(w http.ResponseWriter, r *http.Request) {
	if s.lake == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no parquet lake configured")
		return
	}
	var rel = strings.TrimPrefix(r.URL.Path, "/data/backfill/")
	var path, ok = s.lake.Resolve(rel)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such lake file")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, path)
}

// decodeBody parses and validates a JSON request body, answering 400
// itself when either step fails.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed json body")
		return false
	}
	if err := validate.Struct(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

// fail maps storage and proof errors onto the API error shape.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, merkle.ErrNotCommitted):
		writeError(w, http.StatusNotFound, "not_committed", err.Error())
	case errors.Is(err, store.ErrJobAlreadyRunning):
		writeError(w, http.StatusConflict, "job_already_running", err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		log.WithError(err).WithField("url", r.URL.String()).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("response encode failed")
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	var body errorBody
	body.Error.Code = errCode
	body.Error.Message = message
	writeJSON(w, code, body)
}

func parseLimit(r *http.Request, def, ceil int) int {
	var raw = r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	var n, err = strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, ceil)
}

func parseOffset(r *http.Request) int {
	var n, err = strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseTimeParam accepts unix seconds or RFC3339; empty means unset.
func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	var t, err = time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q: want unix seconds or RFC3339", raw)
	}
	return t.UTC(), nil
}

func queryBool(r *http.Request, key string, def bool) bool {
	var raw = r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	var v, err = strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
