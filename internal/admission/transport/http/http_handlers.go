// Package httptransport provides HTTP handlers.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Eyecu/synapse/internal/admission/core"
)

const defaultMaxBodyBytes = 1 << 20

// readyProbeTimeout bounds the room store health check on /readyz.
const readyProbeTimeout = 2 * time.Second

const (
	federationRoomsPrefix = "/federation/unstable/rooms/"
	internalRoomsPrefix   = "/internal/v1/rooms/"
)

func (t *HTTPTransport) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc(federationRoomsPrefix, t.handleFederationRooms)
	mux.HandleFunc("/internal/v1/joins/evaluate", t.handleJoinEvaluate)
	if t.joins != nil {
		mux.HandleFunc("/internal/v1/joins/execute", t.handleJoinExecute)
	}
	mux.HandleFunc(internalRoomsPrefix, t.handleRooms)
	mux.HandleFunc("/healthz", t.handleHealth)
	mux.HandleFunc("/readyz", t.handleReady)
	mux.HandleFunc("/metrics", t.handleMetrics)
	if t.broker != nil {
		mux.HandleFunc("/admin/v1/stream", t.handleStream)
	}
}

func (t *HTTPTransport) handleFederationRooms(w http.ResponseWriter, r *http.Request) {
	roomID, action, ok := splitRoomPath(r.URL.Path, federationRoomsPrefix)
	if !ok || action != "complexity" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.beginRequest(w, r) {
		return
	}
	defer t.endRequest()
	start := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.ObserveLatency("httpComplexity", time.Since(start))
		}
	}()

	origin, err := t.originFromRequest(r)
	if err != nil {
		t.writeError(w, r, http.StatusUnauthorized, err)
		return
	}
	ctx, cancel := t.requestContext(r)
	defer cancel()

	admission, err := t.limiter.Acquire(ctx, origin)
	if err != nil {
		t.rejectAdmission(w, r, origin, roomID, err)
		return
	}
	defer admission.Release()
	t.recordAdmission(admission, roomID)

	score, err := t.scorer.Score(ctx, roomID)
	if err != nil {
		t.writeAdmissionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, core.ComplexityScore{V1: score})
}

func (t *HTTPTransport) handleJoinEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.beginRequest(w, r) {
		return
	}
	defer t.endRequest()
	start := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.ObserveLatency("httpJoinEvaluate", time.Since(start))
		}
	}()

	var req HTTPJoinRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.RoomID == "" {
		t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	ctx, cancel := t.requestContext(r)
	defer cancel()
	t.writeVerdict(w, r, req.RoomID, t.gate.CheckRemoteJoin(ctx, req.RoomID, req.Via))
}

func (t *HTTPTransport) handleJoinExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.beginRequest(w, r) {
		return
	}
	defer t.endRequest()
	start := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.ObserveLatency("httpJoinExecute", time.Since(start))
		}
	}()

	var req HTTPJoinRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := t.requestContext(r)
	defer cancel()
	if err := t.joins.JoinRoom(ctx, req.RoomID, req.Via); err != nil {
		t.writeAdmissionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HTTPJoinResponse{RoomID: req.RoomID, Joined: true})
}

func (t *HTTPTransport) handleRooms(w http.ResponseWriter, r *http.Request) {
	roomID, action, ok := splitRoomPath(r.URL.Path, internalRoomsPrefix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "evaluate":
		t.handleRoomEvaluate(w, r, roomID)
	case "events":
		t.handleRoomEvents(w, r, roomID)
	default:
		http.NotFound(w, r)
	}
}

func (t *HTTPTransport) handleRoomEvaluate(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.beginRequest(w, r) {
		return
	}
	defer t.endRequest()
	start := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.ObserveLatency("httpRoomEvaluate", time.Since(start))
		}
	}()

	ctx, cancel := t.requestContext(r)
	defer cancel()
	t.writeVerdict(w, r, roomID, t.gate.CheckJoinedRoom(ctx, roomID))
}

func (t *HTTPTransport) handleRoomEvents(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.beginRequest(w, r) {
		return
	}
	defer t.endRequest()
	start := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.ObserveLatency("httpRoomEvents", time.Since(start))
		}
	}()

	var req HTTPIngestRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Count < 0 {
		t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	ctx, cancel := t.requestContext(r)
	defer cancel()
	total, err := t.stats.RecordStateEvents(ctx, roomID, req.Count)
	if err != nil {
		switch core.CodeOf(err) {
		case core.CodeInvalidInput, core.CodeNotFound:
		default:
			if t.metrics != nil {
				t.metrics.IncStoreError("record")
			}
		}
		t.writeAdmissionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HTTPIngestResponse{RoomID: roomID, Total: total})
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.appReady == nil || !t.appReady() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	if t.stats != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
		defer cancel()
		if err := t.stats.Healthy(ctx); err != nil {
			if t.metrics != nil {
				t.metrics.IncStoreError("health")
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.metrics == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, t.metrics.Snapshot())
}

// recordAdmission publishes the admission outcome for an accepted request.
func (t *HTTPTransport) recordAdmission(admission *core.Admission, roomID string) {
	outcome := "admitted"
	kind := core.EventAdmitted
	if admission.Slept {
		outcome = "slept"
		kind = core.EventSlept
	}
	if t.metrics != nil {
		t.metrics.IncAdmission(outcome, admission.Origin())
	}
	t.publishEvent(core.AdmissionEvent{Kind: kind, Origin: admission.Origin(), RoomID: roomID})
}

// rejectAdmission maps a failed Acquire to a response. Limiter rejection is
// a structured 400, an aborted wait is 503, anything else falls through to
// the shared code mapping.
func (t *HTTPTransport) rejectAdmission(w http.ResponseWriter, r *http.Request, origin, roomID string, err error) {
	switch {
	case core.CodeOf(err) == core.CodeResourceLimitExceeded:
		if t.metrics != nil {
			t.metrics.IncAdmission("rejected", origin)
		}
		t.publishEvent(core.AdmissionEvent{Kind: core.EventRejected, Origin: origin, RoomID: roomID})
		t.writeError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		if t.metrics != nil {
			t.metrics.IncAdmission("cancelled", origin)
		}
		t.writeError(w, r, http.StatusServiceUnavailable, core.Wrap(core.CodeInternal, "admission wait aborted", err))
	default:
		t.writeAdmissionError(w, r, err)
	}
}

func (t *HTTPTransport) publishEvent(event core.AdmissionEvent) {
	if t.broker == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	t.broker.Publish(event)
}

// writeVerdict reports a gate decision. A limit denial is a verdict for the
// caller, not a transport failure; every other error keeps its status.
func (t *HTTPTransport) writeVerdict(w http.ResponseWriter, r *http.Request, roomID string, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, HTTPVerdictResponse{RoomID: roomID, Allowed: true})
		return
	}
	if code := core.CodeOf(err); code == core.CodeResourceLimitExceeded {
		writeJSON(w, http.StatusOK, HTTPVerdictResponse{
			RoomID:  roomID,
			Allowed: false,
			ErrCode: string(code),
			Error:   err.Error(),
		})
		return
	}
	t.writeAdmissionError(w, r, err)
}

func (t *HTTPTransport) beginRequest(w http.ResponseWriter, r *http.Request) bool {
	if t.inflight == nil {
		return true
	}
	if !t.inflight.Begin() {
		t.writeError(w, r, http.StatusServiceUnavailable, core.Wrap(core.CodeInternal, "server is draining", nil))
		return false
	}
	return true
}

func (t *HTTPTransport) endRequest() {
	if t.inflight != nil {
		t.inflight.End()
	}
}

func (t *HTTPTransport) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if t.requestTimeout <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), t.requestTimeout)
}

// splitRoomPath splits "<prefix><roomID>/<action>" into its parts.
func splitRoomPath(path, prefix string) (string, string, bool) {
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return "", "", false
	}
	roomID, action, found := strings.Cut(rest, "/")
	if !found || roomID == "" || action == "" || strings.Contains(action, "/") {
		return "", "", false
	}
	return roomID, action, true
}

func (t *HTTPTransport) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return core.ErrInvalidInput
	}
	maxBytes := t.maxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return core.ErrInvalidInput
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return core.ErrInvalidInput
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (t *HTTPTransport) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if t != nil {
		t.logRequestError(r, status, err)
	}
	code := core.CodeOf(err)
	if code == "" {
		code = core.CodeInternal
	}
	var requestID string
	if r != nil {
		requestID = requestIDFrom(r.Context())
	}
	writeJSON(w, status, HTTPErrorResponse{ErrCode: string(code), Error: err.Error(), RequestID: requestID})
}

func (t *HTTPTransport) writeAdmissionError(w http.ResponseWriter, r *http.Request, err error) {
	t.writeError(w, r, statusForCode(core.CodeOf(err)), err)
}

func statusForCode(code core.ErrorCode) int {
	switch code {
	case core.CodeResourceLimitExceeded, core.CodeInvalidInput:
		return http.StatusBadRequest
	case core.CodeFederationUnreachable:
		return http.StatusBadGateway
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (t *HTTPTransport) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if t == nil || !t.enableAuth {
		return true
	}
	expected := "Bearer " + t.adminToken
	if r.Header.Get("Authorization") != expected {
		t.writeError(w, r, http.StatusUnauthorized, core.Wrap(core.CodeUnauthorized, "unauthorized", nil))
		return false
	}
	return true
}

func (t *HTTPTransport) logRequestError(r *http.Request, status int, err error) {
	if t == nil || t.logger == nil || r == nil || err == nil {
		return
	}
	fields := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"error":  err.Error(),
	}
	if id := requestIDFrom(r.Context()); id != "" {
		fields["request_id"] = id
	}
	if status >= http.StatusInternalServerError {
		t.logger.Error("http request error", fields)
		return
	}
	t.logger.Info("http request error", fields)
}
