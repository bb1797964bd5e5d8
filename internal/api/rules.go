package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hearthwire/hearth-core/internal/automation"
	"github.com/hearthwire/hearth-core/internal/rules"
)

// ruleRequest is the request body for creating or updating a rule.
type ruleRequest struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	TriggerSource string `json:"trigger_source"`
	ActionSource  string `json:"action_source"`
	Enabled       bool   `json:"enabled"`
}

// ruleResponse is one rule as returned by the API.
type ruleResponse struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	TriggerSource string `json:"trigger_source"`
	ActionSource  string `json:"action_source"`
	Enabled       bool   `json:"enabled"`
	Running       bool   `json:"running"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func (s *Server) ruleResponse(rule *rules.Rule) ruleResponse {
	return ruleResponse{
		Name:          rule.Name,
		Kind:          string(rule.Kind),
		TriggerSource: rule.TriggerSource,
		ActionSource:  rule.ActionSource,
		Enabled:       rule.Enabled,
		Running:       s.rules.IsRunning(rule.Name),
		CreatedAt:     rule.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     rule.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	all, err := s.rules.ListRules(r.Context())
	if err != nil {
		s.logger.Error("listing rules failed", "error", err)
		writeInternalError(w, "failed to list rules")
		return
	}

	out := make([]ruleResponse, 0, len(all))
	for _, rule := range all {
		out = append(out, s.ruleResponse(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	rule := &rules.Rule{
		Name:          req.Name,
		Kind:          rules.RuleKind(req.Kind),
		TriggerSource: req.TriggerSource,
		ActionSource:  req.ActionSource,
		Enabled:       req.Enabled,
	}

	err := s.rules.CreateRule(r.Context(), rule)
	switch {
	case errors.Is(err, automation.ErrInvalidRule):
		writeBadRequest(w, err.Error())
	case errors.Is(err, rules.ErrRuleExists):
		writeConflict(w, "rule already exists")
	case err != nil:
		s.logger.Error("creating rule failed", "rule", req.Name, "error", err)
		writeInternalError(w, "failed to create rule")
	default:
		writeJSON(w, http.StatusCreated, s.ruleResponse(rule))
	}
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rule, err := s.rules.GetRule(r.Context(), name)
	if errors.Is(err, rules.ErrRuleNotFound) {
		writeNotFound(w, "rule not found")
		return
	}
	if err != nil {
		s.logger.Error("loading rule failed", "rule", name, "error", err)
		writeInternalError(w, "failed to load rule")
		return
	}
	writeJSON(w, http.StatusOK, s.ruleResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	rule := &rules.Rule{
		Name:          name,
		Kind:          rules.RuleKind(req.Kind),
		TriggerSource: req.TriggerSource,
		ActionSource:  req.ActionSource,
		Enabled:       req.Enabled,
	}

	err := s.rules.UpdateRule(r.Context(), rule)
	switch {
	case errors.Is(err, automation.ErrInvalidRule):
		writeBadRequest(w, err.Error())
	case errors.Is(err, rules.ErrRuleNotFound):
		writeNotFound(w, "rule not found")
	case err != nil:
		s.logger.Error("updating rule failed", "rule", name, "error", err)
		writeInternalError(w, "failed to update rule")
	default:
		writeJSON(w, http.StatusOK, s.ruleResponse(rule))
	}
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.rules.DeleteRule(r.Context(), name)
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		writeNotFound(w, "rule not found")
	case err != nil:
		s.logger.Error("deleting rule failed", "rule", name, "error", err)
		writeInternalError(w, "failed to delete rule")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, true)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, false)
}

func (s *Server) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "name")

	var err error
	if enabled {
		err = s.rules.EnableRule(r.Context(), name)
	} else {
		err = s.rules.DisableRule(r.Context(), name)
	}

	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		writeNotFound(w, "rule not found")
	case err != nil:
		s.logger.Error("toggling rule failed", "rule", name, "enabled", enabled, "error", err)
		writeInternalError(w, "failed to update rule")
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"name":    name,
			"enabled": enabled,
			"running": s.rules.IsRunning(name),
		})
	}
}
