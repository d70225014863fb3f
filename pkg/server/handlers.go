package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/admission"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/ans"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/api"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/auth"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/brake"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/engine"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/reflex"
)

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (contracts.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return "", false
	}
	return p, true
}

func executorParam(w http.ResponseWriter, r *http.Request) (contracts.ExecutorID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		api.WriteBadRequest(w, "executor id must be an unsigned integer")
		return 0, false
	}
	return contracts.ExecutorID(id), true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	if err := s.schemas.Decode(w, r, schema, dst); err != nil {
		api.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// decodeJSON is for admin bodies, whose shape is validated by the engine.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, api.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		api.WriteBadRequest(w, "invalid json: "+err.Error())
		return false
	}
	return true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	body := map[string]any{"version": engine.Version, "paused": s.eng.Issuer.Paused()}
	if err := s.eng.Ping(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		body["error"] = err.Error()
	}
	body["status"] = status
	api.WriteJSON(w, code, body)
}

func (s *Server) updateTone(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := executorParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Tone uint32 `json:"tone"`
	}
	if !s.decode(w, r, "tone", &req) {
		return
	}
	st, err := s.eng.ANS.UpdateTone(r.Context(), caller, id, req.Tone)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, st)
}

type stateResponse struct {
	ExecutorID contracts.ExecutorID `json:"executorId"`
	ans.ExecutorSafetyState
	Guard contracts.Guard `json:"guard"`
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	id, ok := executorParam(w, r)
	if !ok {
		return
	}
	st, _ := s.eng.ANS.Snapshot(id)
	api.WriteJSON(w, http.StatusOK, stateResponse{
		ExecutorID:          id,
		ExecutorSafetyState: st,
		Guard:               contracts.GuardOf(st.State),
	})
}

func (s *Server) getGuard(w http.ResponseWriter, r *http.Request) {
	id, ok := executorParam(w, r)
	if !ok {
		return
	}
	var action contracts.Hash
	if raw := r.URL.Query().Get("action"); raw != "" {
		h, err := contracts.ParseHash(raw)
		if err != nil {
			api.WriteBadRequest(w, err.Error())
			return
		}
		action = h
	}
	api.WriteJSON(w, http.StatusOK, s.eng.ANS.GuardFor(r.Context(), id, action))
}

func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) {
	id, ok := executorParam(w, r)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"executorId": id,
		"active":     s.eng.Issuer.ActiveTokensOf(id),
	})
}

func (s *Server) previewBrake(w http.ResponseWriter, r *http.Request) {
	var in contracts.Intent
	if !s.decode(w, r, "intent", &in) {
		return
	}
	p, err := s.eng.Gate.PreviewBrake(r.Context(), in)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) issueWithBrake(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var in contracts.Intent
	if !s.decode(w, r, "intent", &in) {
		return
	}
	tok, err := s.eng.Submit(r.Context(), caller, in)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, tok)
}

func tokenParam(w http.ResponseWriter, r *http.Request) (contracts.TokenID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		api.WriteBadRequest(w, "token id must be an unsigned integer")
		return 0, false
	}
	return contracts.TokenID(id), true
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenParam(w, r)
	if !ok {
		return
	}
	tok, err := s.eng.Issuer.Token(id)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, struct {
		contracts.CapabilityToken
		Valid bool `json:"valid"`
	}{tok, s.eng.Issuer.IsValid(r.Context(), id)})
}

func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := tokenParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason contracts.RevocationReason `json:"reason"`
	}
	if !s.decode(w, r, "revoke", &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = contracts.ReasonOwnerRevocation
	}
	if err := s.eng.Issuer.Revoke(r.Context(), caller, id, req.Reason); err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	tok, err := s.eng.Issuer.Token(id)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, tok)
}

func (s *Server) postEvidence(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var ev contracts.Evidence
	if !s.decode(w, r, "evidence", &ev) {
		return
	}
	stored, err := s.eng.Inbox.PostEvidence(r.Context(), caller, ev)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, stored)
}

func (s *Server) pulse(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		ExecutorID contracts.ExecutorID `json:"executorId"`
		Start      int                  `json:"start"`
		Max        int                  `json:"max"`
	}
	if !s.decode(w, r, "pulse", &req) {
		return
	}
	res, err := s.eng.Arc.Pulse(r.Context(), caller, req.ExecutorID, req.Start, req.Max)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) manualTrigger(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		ExecutorID contracts.ExecutorID `json:"executorId"`
		Reason     string               `json:"reason"`
	}
	if !s.decode(w, r, "manual", &req) {
		return
	}
	res, err := s.eng.Arc.ManualTrigger(r.Context(), caller, req.ExecutorID, req.Reason)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

type adminConfig struct {
	RateLimit       admission.Limits        `json:"rateLimit"`
	CircuitBreaker  admission.BreakerConfig `json:"circuitBreaker"`
	Reflex          reflex.Config           `json:"reflex"`
	Hysteresis      ans.HysteresisConfig    `json:"hysteresis"`
	HardCaps        brake.HardCaps          `json:"hardCaps"`
	Paused          bool                    `json:"paused"`
	ReflexPrincipal contracts.Principal     `json:"reflexPrincipal"`
}

func (s *Server) getAdminConfig(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, adminConfig{
		RateLimit:       s.eng.Issuer.RateLimit(),
		CircuitBreaker:  s.eng.Issuer.CircuitBreaker(),
		Reflex:          s.eng.Arc.Config(),
		Hysteresis:      s.eng.ANS.Config(),
		HardCaps:        s.eng.Gate.Caps(),
		Paused:          s.eng.Issuer.Paused(),
		ReflexPrincipal: s.eng.Issuer.Reflex(),
	})
}

func (s *Server) setRateLimit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var l admission.Limits
	if !decodeJSON(w, r, &l) {
		return
	}
	if err := s.eng.Issuer.SetRateLimit(r.Context(), caller, l); err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.eng.Issuer.RateLimit())
}

func (s *Server) setCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var c admission.BreakerConfig
	if !decodeJSON(w, r, &c) {
		return
	}
	if err := s.eng.Issuer.SetCircuitBreaker(r.Context(), caller, c); err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.eng.Issuer.CircuitBreaker())
}

func (s *Server) setReflexConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var c reflex.Config
	if !decodeJSON(w, r, &c) {
		return
	}
	if err := s.eng.Arc.SetConfig(r.Context(), caller, c); err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.eng.Arc.Config())
}

func (s *Server) setHysteresis(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var c ans.HysteresisConfig
	if !decodeJSON(w, r, &c) {
		return
	}
	if err := s.eng.ANS.SetConfig(r.Context(), caller, c); err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.eng.ANS.Config())
}

func (s *Server) setHardCaps(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var c brake.HardCaps
	if !decodeJSON(w, r, &c) {
		return
	}
	if err := s.eng.Gate.SetCaps(r.Context(), caller, c); err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.eng.Gate.Caps())
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.eng.Issuer.Pause(r.Context(), caller); err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) unpause(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.eng.Issuer.Unpause(r.Context(), caller); err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) resetShutdown(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := executorParam(w, r)
	if !ok {
		return
	}
	st, err := s.eng.ANS.ResetShutdown(r.Context(), caller, id)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, st)
}
