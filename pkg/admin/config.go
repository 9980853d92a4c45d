package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/config"
	"github.com/spiretel/mutt/pkg/events"
	"github.com/spiretel/mutt/pkg/queue"
	"github.com/spiretel/mutt/pkg/types"
)

// configAuditTable is the table_name recorded for dynamic config writes,
// which live in the substrate rather than a database table.
const configAuditTable = "dynamic_config"

// configEntry is one dynamic config key with its effective value
type configEntry struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Default     string `json:"default"`
	Description string `json:"description"`
	Overridden  bool   `json:"overridden"`
}

// resolveKey accepts either the logical name (config.shed_mode) or its
// short form (shed_mode).
func resolveKey(param string) (config.Spec, bool) {
	if spec, ok := config.Lookup(param); ok {
		return spec, true
	}
	return config.Lookup("config." + param)
}

// readEntry reads one key straight from the substrate, bypassing the
// local cache so the endpoint reports stored truth.
func (s *Service) readEntry(r *http.Request, spec config.Spec) (configEntry, error) {
	entry := configEntry{
		Key:         spec.Key,
		Value:       spec.Default,
		Default:     spec.Default,
		Description: spec.Description,
	}

	value, found, err := s.queue.Get(r.Context(), queue.ConfigKey(spec.Key))
	if err != nil {
		return entry, err
	}
	if found {
		entry.Value = value
		entry.Overridden = true
	}
	return entry, nil
}

func (s *Service) handleListConfig(w http.ResponseWriter, r *http.Request) {
	specs := config.Known()
	entries := make([]configEntry, 0, len(specs))
	for _, spec := range specs {
		entry, err := s.readEntry(r, spec)
		if err != nil {
			s.logger.Error().Err(err).Str("key", spec.Key).Msg("failed to read config value")
			api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
			return
		}
		entries = append(entries, entry)
	}
	api.RespondJSON(w, http.StatusOK, entries)
}

func (s *Service) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	spec, ok := resolveKey(chi.URLParam(r, "key"))
	if !ok {
		api.RespondError(w, http.StatusNotFound, "unknown config key")
		return
	}

	entry, err := s.readEntry(r, spec)
	if err != nil {
		s.logger.Error().Err(err).Str("key", spec.Key).Msg("failed to read config value")
		api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
		return
	}
	api.RespondJSON(w, http.StatusOK, entry)
}

type configPutRequest struct {
	Value string `json:"value"`
}

// handlePutConfig validates against the registry, records the audit row,
// then writes the substrate and publishes the change. The audit row goes
// first: a write that cannot be attributed does not happen.
func (s *Service) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	spec, ok := resolveKey(chi.URLParam(r, "key"))
	if !ok {
		api.RespondError(w, http.StatusNotFound, "unknown config key")
		return
	}

	var req configPutRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := spec.Validate(req.Value); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	old, found, err := s.queue.Get(ctx, queue.ConfigKey(spec.Key))
	if err != nil {
		s.logger.Error().Err(err).Str("key", spec.Key).Msg("failed to read config value")
		api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
		return
	}

	meta := requestMeta(r)
	audit := &types.ConfigAudit{
		TableName:     configAuditTable,
		Operation:     types.AuditOpInsert,
		RowID:         spec.Key,
		NewValue:      mustJSON(req.Value),
		Actor:         meta.Actor,
		Reason:        meta.Reason,
		CorrelationID: meta.CorrelationID,
	}
	if found {
		audit.Operation = types.AuditOpUpdate
		audit.OldValue = mustJSON(old)
	}
	if err := s.store.InsertConfigAudit(ctx, audit); err != nil {
		s.respondStoreError(w, err)
		return
	}

	if err := s.queue.SetWithTTL(ctx, queue.ConfigKey(spec.Key), req.Value, 0); err != nil {
		s.logger.Error().Err(err).Str("key", spec.Key).Msg("failed to write config value")
		api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
		return
	}
	s.notify(ctx, &events.Event{Type: events.EventConfigUpdated, Key: spec.Key})

	s.logger.Info().
		Str("key", spec.Key).
		Str("value", req.Value).
		Str("actor", meta.Actor).
		Msg("config value updated")

	api.RespondJSON(w, http.StatusOK, configEntry{
		Key:         spec.Key,
		Value:       req.Value,
		Default:     spec.Default,
		Description: spec.Description,
		Overridden:  true,
	})
}

// mustJSON marshals a plain string; strings cannot fail to marshal
func mustJSON(value string) json.RawMessage {
	data, _ := json.Marshal(value)
	return data
}
