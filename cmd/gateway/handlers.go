package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/gatekeeper"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/httpx"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/stream"
)

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.ActionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "bad_request", "invalid action request")
		return
	}
	if strings.TrimSpace(req.CallerID) == "" {
		httpx.ErrorCode(w, http.StatusBadRequest, "bad_request", "caller_id required")
		return
	}
	if req.Kind == "" {
		httpx.ErrorCode(w, http.StatusBadRequest, "bad_request", "kind required")
		return
	}

	out := s.Gatekeeper.SubmitAction(r.Context(), req)
	s.writeOutcome(w, out)
}

type confirmRequest struct {
	Token       string `json:"token"`
	CallerID    string `json:"caller_id"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "bad_request", "invalid confirm request")
		return
	}
	if strings.TrimSpace(req.Token) == "" || strings.TrimSpace(req.CallerID) == "" {
		httpx.ErrorCode(w, http.StatusBadRequest, "bad_request", "token and caller_id required")
		return
	}

	out := s.Gatekeeper.Confirm(r.Context(), req.Token, req.CallerID, req.Fingerprint)
	s.writeOutcome(w, out)
}

// writeOutcome maps an outcome to a transport status. Silent denials
// produce an empty 204 so unauthorized probes learn nothing.
func (s *Server) writeOutcome(w http.ResponseWriter, out gatekeeper.Outcome) {
	switch out.Decision {
	case models.DecisionAllow:
		if out.Job != nil {
			httpx.WriteJSON(w, http.StatusAccepted, out)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, out)
	case models.DecisionConfirm:
		httpx.WriteJSON(w, http.StatusOK, out)
	default:
		if out.Silent {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		httpx.ErrorCode(w, statusForReason(out.Reason), out.Reason, reasonText(out.Reason))
	}
}

func statusForReason(reason string) int {
	switch reason {
	case models.ReasonRateLimited:
		return http.StatusTooManyRequests
	case models.ReasonCircuitOpen, models.ReasonHeavyRejected, models.ReasonExecutorUnavailable:
		return http.StatusServiceUnavailable
	case models.ReasonUnreachable, models.ReasonAuthFailed, models.ReasonEndpointNotEnabled:
		return http.StatusBadGateway
	case models.ReasonUnknownToken:
		return http.StatusNotFound
	case models.ReasonExpired:
		return http.StatusGone
	case models.ReasonAlreadyConsumed, models.ReasonFingerprintMismatch, models.ReasonAlreadyTerminal:
		return http.StatusConflict
	case models.ReasonInternalFault:
		return http.StatusInternalServerError
	default:
		return http.StatusForbidden
	}
}

// reasonText maps stable codes to short human text.
func reasonText(reason string) string {
	switch reason {
	case models.ReasonUnauthorized:
		return "not authorized for this action"
	case models.ReasonInsufficientTier:
		return "granted tier too low for this action"
	case models.ReasonHeavyRejected:
		return "host memory too low for heavy tasks"
	case models.ReasonBlacklisted:
		return "target matches a blocked pattern"
	case models.ReasonRootL3FileOp:
		return "file operations as root require L4"
	case models.ReasonRateLimited:
		return "too many requests, slow down"
	case models.ReasonAlreadyConsumed:
		return "confirmation token already used"
	case models.ReasonExpired:
		return "confirmation token expired"
	case models.ReasonFingerprintMismatch:
		return "confirmation bound to a different action"
	case models.ReasonUnknownToken:
		return "unknown token or job"
	case models.ReasonCircuitOpen:
		return "upstream gateway cooling down"
	case models.ReasonAuthFailed:
		return "upstream gateway rejected credentials"
	case models.ReasonUnreachable:
		return "upstream gateway unreachable"
	case models.ReasonEndpointNotEnabled:
		return "upstream endpoint not enabled or not found"
	case models.ReasonExecutorUnavailable:
		return "no executor backend available"
	case models.ReasonAlreadyTerminal:
		return "job already finished"
	case models.ReasonInternalFault:
		return "internal error"
	default:
		return reason
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, ok, err := s.Gatekeeper.JobStatus(r.Context(), jobID)
	if err != nil {
		httpx.ErrorCode(w, http.StatusInternalServerError, models.ReasonInternalFault, "internal error")
		return
	}
	if !ok {
		httpx.ErrorCode(w, http.StatusNotFound, models.ReasonUnknownToken, "unknown job")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, reason, err := s.Gatekeeper.CancelJob(r.Context(), jobID)
	if err != nil {
		httpx.ErrorCode(w, http.StatusInternalServerError, models.ReasonInternalFault, "internal error")
		return
	}
	if reason != "" {
		httpx.ErrorCode(w, statusForReason(reason), reason, reasonText(reason))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	limit := s.RecentJobsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.Gatekeeper.RecentJobs(r.Context(), limit)
	if err != nil {
		httpx.ErrorCode(w, http.StatusInternalServerError, models.ReasonInternalFault, "internal error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Gatekeeper.Diagnostics())
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.ErrorCode(w, http.StatusRequestEntityTooLarge, "bad_request", "request body too large")
		return nil, false
	}
	httpx.ErrorCode(w, http.StatusBadRequest, "bad_request", "invalid request body")
	return nil, false
}
