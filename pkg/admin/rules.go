package admin

import (
	"net/http"

	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/events"
	"github.com/spiretel/mutt/pkg/types"
)

// ruleRequest is the mutation body for a rule. Active is a pointer so
// an omitted field means "active": new rules should match immediately
// unless the caller says otherwise.
type ruleRequest struct {
	Name           string          `json:"name"`
	MatchType      types.MatchType `json:"match_type"`
	MatchString    string          `json:"match_string,omitempty"`
	TrapOID        string          `json:"trap_oid,omitempty"`
	Priority       int             `json:"priority"`
	ProdHandling   types.Handling  `json:"prod_handling"`
	DevHandling    types.Handling  `json:"dev_handling"`
	TeamAssignment string          `json:"team_assignment,omitempty"`
	Active         *bool           `json:"active,omitempty"`
}

func (req *ruleRequest) rule(id int64) *types.Rule {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return &types.Rule{
		ID:             id,
		Name:           req.Name,
		MatchType:      req.MatchType,
		MatchString:    req.MatchString,
		TrapOID:        req.TrapOID,
		Priority:       req.Priority,
		ProdHandling:   req.ProdHandling,
		DevHandling:    req.DevHandling,
		TeamAssignment: req.TeamAssignment,
		Active:         active,
	}
}

func (s *Service) handleListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	rules, err := s.store.ListRules(r.Context(), activeOnly)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, rules)
}

func (s *Service) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	rule := req.rule(0)
	if err := types.ValidateRule(rule); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta := requestMeta(r)
	created, err := s.store.CreateRule(r.Context(), rule, meta)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.notify(r.Context(), &events.Event{Type: events.EventRulesChanged})

	s.logger.Info().
		Int64("rule_id", created.ID).
		Str("name", created.Name).
		Str("actor", meta.Actor).
		Msg("rule created")
	api.RespondJSON(w, http.StatusCreated, created)
}

func (s *Service) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rule, err := s.store.GetRule(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, rule)
}

func (s *Service) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req ruleRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	rule := req.rule(id)
	if err := types.ValidateRule(rule); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta := requestMeta(r)
	updated, err := s.store.UpdateRule(r.Context(), rule, meta)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.notify(r.Context(), &events.Event{Type: events.EventRulesChanged})

	s.logger.Info().
		Int64("rule_id", updated.ID).
		Str("actor", meta.Actor).
		Msg("rule updated")
	api.RespondJSON(w, http.StatusOK, updated)
}

func (s *Service) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta := requestMeta(r)
	if err := s.store.DeleteRule(r.Context(), id, meta); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.notify(r.Context(), &events.Event{Type: events.EventRulesChanged})

	s.logger.Info().
		Int64("rule_id", id).
		Str("actor", meta.Actor).
		Msg("rule deactivated")
	api.RespondJSON(w, http.StatusNoContent, nil)
}

// bulkRulesRequest applies a whole rule set in one call. Entries with an
// id update that rule; entries without create new rules.
type bulkRulesRequest struct {
	Rules []bulkRuleEntry `json:"rules"`
}

type bulkRuleEntry struct {
	ID int64 `json:"id,omitempty"`
	ruleRequest
}

// bulkRulesResponse reports what the apply did
type bulkRulesResponse struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Rules   []*types.Rule `json:"rules"`
}

func (s *Service) handleBulkRules(w http.ResponseWriter, r *http.Request) {
	var req bulkRulesRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Rules) == 0 {
		api.RespondError(w, http.StatusBadRequest, "rules list is empty")
		return
	}

	// Validate the whole set before mutating anything, so a bad entry
	// mid-list cannot leave a half-applied file.
	rules := make([]*types.Rule, 0, len(req.Rules))
	for i := range req.Rules {
		rule := req.Rules[i].rule(req.Rules[i].ID)
		if err := types.ValidateRule(rule); err != nil {
			api.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		rules = append(rules, rule)
	}

	meta := requestMeta(r)
	resp := bulkRulesResponse{}
	for _, rule := range rules {
		var saved *types.Rule
		var err error
		if rule.ID > 0 {
			saved, err = s.store.UpdateRule(r.Context(), rule, meta)
		} else {
			saved, err = s.store.CreateRule(r.Context(), rule, meta)
		}
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		if rule.ID > 0 {
			resp.Updated++
		} else {
			resp.Created++
		}
		resp.Rules = append(resp.Rules, saved)
	}
	s.notify(r.Context(), &events.Event{Type: events.EventRulesChanged})

	s.logger.Info().
		Int("created", resp.Created).
		Int("updated", resp.Updated).
		Str("actor", meta.Actor).
		Msg("rules applied in bulk")
	api.RespondJSON(w, http.StatusOK, resp)
}
