package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/events"
	"github.com/spiretel/mutt/pkg/types"
)

func (s *Service) handleListDevHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListDevHosts(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, hosts)
}

type devHostRequest struct {
	Hostname string `json:"hostname"`
}

func (s *Service) handleAddDevHost(w http.ResponseWriter, r *http.Request) {
	var req devHostRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	meta := requestMeta(r)
	host := &types.DevHost{Hostname: req.Hostname, AddedBy: meta.Actor}
	if err := types.ValidateDevHost(host); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.store.AddDevHost(r.Context(), host, meta)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.notify(r.Context(), &events.Event{Type: events.EventDevHostsChanged})

	s.logger.Info().
		Str("hostname", created.Hostname).
		Str("actor", meta.Actor).
		Msg("development host added")
	api.RespondJSON(w, http.StatusCreated, created)
}

func (s *Service) handleRemoveDevHost(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")

	meta := requestMeta(r)
	if err := s.store.RemoveDevHost(r.Context(), hostname, meta); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.notify(r.Context(), &events.Event{Type: events.EventDevHostsChanged})

	s.logger.Info().
		Str("hostname", hostname).
		Str("actor", meta.Actor).
		Msg("development host removed")
	api.RespondJSON(w, http.StatusNoContent, nil)
}

func (s *Service) handleListTeams(w http.ResponseWriter, r *http.Request) {
	overrides, err := s.store.ListTeamOverrides(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, overrides)
}

func (s *Service) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	override, err := s.store.GetTeamOverride(r.Context(), chi.URLParam(r, "hostname"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, override)
}

type teamRequest struct {
	Hostname string `json:"hostname,omitempty"`
	Team     string `json:"team"`
}

// handleCreateTeam assigns a team by body hostname
func (s *Service) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req teamRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.upsertTeam(w, r, req.Hostname, req.Team, http.StatusCreated)
}

// handlePutTeam assigns a team by path hostname
func (s *Service) handlePutTeam(w http.ResponseWriter, r *http.Request) {
	var req teamRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.upsertTeam(w, r, chi.URLParam(r, "hostname"), req.Team, http.StatusOK)
}

func (s *Service) upsertTeam(w http.ResponseWriter, r *http.Request, hostname, team string, status int) {
	override := &types.TeamOverride{Hostname: hostname, Team: team}
	if err := types.ValidateTeamOverride(override); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta := requestMeta(r)
	saved, err := s.store.UpsertTeamOverride(r.Context(), override, meta)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.notify(r.Context(), &events.Event{Type: events.EventTeamsChanged})

	s.logger.Info().
		Str("hostname", saved.Hostname).
		Str("team", saved.Team).
		Str("actor", meta.Actor).
		Msg("team override saved")
	api.RespondJSON(w, status, saved)
}

func (s *Service) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")

	meta := requestMeta(r)
	if err := s.store.RemoveTeamOverride(r.Context(), hostname, meta); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.notify(r.Context(), &events.Event{Type: events.EventTeamsChanged})

	s.logger.Info().
		Str("hostname", hostname).
		Str("actor", meta.Actor).
		Msg("team override removed")
	api.RespondJSON(w, http.StatusNoContent, nil)
}
