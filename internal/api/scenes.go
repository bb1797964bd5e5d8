package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearthwire/hearth-core/internal/scenes"
)

func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scenes": s.scenes.List(r.Context())})
}

func (s *Server) handleCreateScene(w http.ResponseWriter, r *http.Request) {
	var scene scenes.Scene
	if err := json.NewDecoder(r.Body).Decode(&scene); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	err := s.scenes.Create(r.Context(), &scene)
	switch {
	case errors.Is(err, scenes.ErrSceneExists):
		writeConflict(w, "scene already exists")
	case err != nil:
		// Validation failures surface here; the message names the field.
		writeBadRequest(w, err.Error())
	default:
		writeJSON(w, http.StatusCreated, scene)
	}
}

func (s *Server) handleGetScene(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	scene, err := s.scenes.Get(r.Context(), name)
	if errors.Is(err, scenes.ErrSceneNotFound) {
		writeNotFound(w, "scene not found")
		return
	}
	if err != nil {
		s.logger.Error("loading scene failed", "scene", name, "error", err)
		writeInternalError(w, "failed to load scene")
		return
	}
	writeJSON(w, http.StatusOK, scene)
}

func (s *Server) handleUpdateScene(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var scene scenes.Scene
	if err := json.NewDecoder(r.Body).Decode(&scene); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	scene.Name = name

	err := s.scenes.Update(r.Context(), &scene)
	switch {
	case errors.Is(err, scenes.ErrSceneNotFound):
		writeNotFound(w, "scene not found")
	case err != nil:
		writeBadRequest(w, err.Error())
	default:
		writeJSON(w, http.StatusOK, scene)
	}
}

func (s *Server) handleDeleteScene(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.scenes.Delete(r.Context(), name)
	switch {
	case errors.Is(err, scenes.ErrSceneNotFound):
		writeNotFound(w, "scene not found")
	case err != nil:
		s.logger.Error("deleting scene failed", "scene", name, "error", err)
		writeInternalError(w, "failed to delete scene")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleApplyScene sends the scene's commands. Partial failures return
// 200 with success=false and the failed commands listed; the caller
// decides whether to retry.
func (s *Server) handleApplyScene(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	result, err := s.scenes.Apply(r.Context(), name)
	switch {
	case errors.Is(err, scenes.ErrSceneNotFound):
		writeNotFound(w, "scene not found")
	case err != nil:
		s.logger.Error("applying scene failed", "scene", name, "error", err)
		writeInternalError(w, "failed to apply scene")
	default:
		if s.hub != nil {
			s.hub.Broadcast(ChannelSceneApplied, result)
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// handleSceneState reports whether every requirement of the scene
// currently holds.
func (s *Server) handleSceneState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	isSet, err := s.scenes.IsSet(r.Context(), name)
	switch {
	case errors.Is(err, scenes.ErrSceneNotFound):
		writeNotFound(w, "scene not found")
	case err != nil:
		s.logger.Error("checking scene state failed", "scene", name, "error", err)
		writeInternalError(w, "failed to check scene state")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"scene": name, "is_set": isSet})
	}
}
