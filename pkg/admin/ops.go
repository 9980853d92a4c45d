package admin

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/config"
	"github.com/spiretel/mutt/pkg/queue"
	"github.com/spiretel/mutt/pkg/store"
	"github.com/spiretel/mutt/pkg/types"
)

func (s *Service) handleConfigAudit(w http.ResponseWriter, r *http.Request) {
	q := &store.ConfigAuditQuery{
		TableName: r.URL.Query().Get("table_name"),
		Operation: types.AuditOp(r.URL.Query().Get("operation")),
		Actor:     r.URL.Query().Get("changed_by"),
	}
	if err := parseWindow(r, &q.From, &q.To, &q.Limit, &q.Offset); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.store.QueryConfigAudit(r.Context(), q)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, rows)
}

func (s *Service) handleEventAudit(w http.ResponseWriter, r *http.Request) {
	q := &store.EventAuditQuery{
		Hostname:      r.URL.Query().Get("hostname"),
		Handling:      types.Handling(r.URL.Query().Get("handling")),
		CorrelationID: r.URL.Query().Get("correlation_id"),
	}
	if raw := r.URL.Query().Get("rule_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			api.RespondError(w, http.StatusBadRequest, fmt.Sprintf("invalid rule_id %q", raw))
			return
		}
		q.RuleID = &id
	}
	if err := parseWindow(r, &q.From, &q.To, &q.Limit, &q.Offset); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.store.QueryEventAudit(r.Context(), q)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, rows)
}

// parseWindow fills the shared time-range and pagination filters
func parseWindow(r *http.Request, from, to *time.Time, limit, offset *int) error {
	var err error
	if *from, err = queryTime(r, "from"); err != nil {
		return err
	}
	if *to, err = queryTime(r, "to"); err != nil {
		return err
	}
	if *limit, err = queryInt(r, "limit"); err != nil {
		return err
	}
	*offset, err = queryInt(r, "offset")
	return err
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %q is not an RFC 3339 timestamp", name, raw)
	}
	return t, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return n, nil
}

func (s *Service) handleSLO(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target := s.config.Float(ctx, config.KeySLOTarget)

	report, err := s.slo.Report(ctx, target)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build slo report")
		api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
		return
	}
	api.RespondJSON(w, http.StatusOK, report)
}

// circuitStatus is the delivery circuit as seen from the substrate
type circuitStatus struct {
	State    string `json:"state"`
	Failures int64  `json:"failures"`
}

// queuesResponse is the pipeline's queue topology at a point in time
type queuesResponse struct {
	Queues     map[string]int64 `json:"queues"`
	Processing map[string]int64 `json:"processing"`
	Circuit    circuitStatus    `json:"circuit"`
}

func (s *Service) handleQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := queuesResponse{
		Queues:     make(map[string]int64),
		Processing: make(map[string]int64),
	}

	for _, name := range []string{
		queue.IngestQueue, queue.AlertQueue,
		queue.DLQAlerter, queue.DLQMoog, queue.Quarantine,
	} {
		depth, err := s.queue.Depth(ctx, name)
		if err != nil {
			s.logger.Error().Err(err).Str("queue", name).Msg("failed to read queue depth")
			api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
			return
		}
		resp.Queues[name] = depth
	}

	for _, stage := range []string{queue.StageAlerter, queue.StageMoog} {
		keys, err := s.queue.ScanKeys(ctx, queue.ProcessingPattern(stage))
		if err != nil {
			s.logger.Error().Err(err).Str("stage", stage).Msg("failed to scan processing lists")
			api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
			return
		}
		for _, key := range keys {
			depth, err := s.queue.Depth(ctx, key)
			if err != nil {
				continue
			}
			resp.Processing[stage+":"+queue.WorkerFromProcessingKey(stage, key)] = depth
		}
	}

	state, failures, err := s.breaker.Snapshot(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read circuit state")
		api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
		return
	}
	resp.Circuit = circuitStatus{State: string(state), Failures: failures}

	api.RespondJSON(w, http.StatusOK, resp)
}

// quarantineEntry is one parked payload as shown to operators
type quarantineEntry struct {
	Position      int        `json:"position"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Hostname      string     `json:"hostname,omitempty"`
	RetryCount    int        `json:"retry_count,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	PoisonedAt    *time.Time `json:"poisoned_at,omitempty"`
	Malformed     bool       `json:"malformed,omitempty"`
	Raw           string     `json:"raw,omitempty"`
}

type quarantineListResponse struct {
	Depth   int64             `json:"depth"`
	Entries []quarantineEntry `json:"entries"`
}

func (s *Service) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, err := queryInt(r, "limit")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	depth, err := s.queue.Depth(ctx, queue.Quarantine)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read quarantine depth")
		api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
		return
	}
	raws, err := s.queue.Peek(ctx, queue.Quarantine, 0, int64(limit)-1)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to peek quarantine")
		api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
		return
	}

	entries := lo.Map(raws, func(raw string, i int) quarantineEntry {
		entry := quarantineEntry{Position: i}
		env, err := types.ParseEnvelope([]byte(raw))
		if err != nil {
			entry.Malformed = true
			entry.Raw = raw
			return entry
		}
		entry.CorrelationID = env.CorrelationID
		entry.Hostname = env.Hostname
		entry.RetryCount = env.RetryCount
		entry.LastError = env.LastError
		entry.PoisonedAt = env.PoisonedAt
		return entry
	})

	api.RespondJSON(w, http.StatusOK, quarantineListResponse{Depth: depth, Entries: entries})
}

type quarantineRequeueRequest struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}

type quarantineRequeueResponse struct {
	Requeued int `json:"requeued"`
	Skipped  int `json:"skipped"`
}

// handleRequeueQuarantine sends quarantined events back through the
// whole pipeline. Annotations are stripped so the replay classifies
// against current rules with a fresh retry budget; downstream dedupe on
// correlation_id absorbs any duplicate delivery.
func (s *Service) handleRequeueQuarantine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req quarantineRequeueRequest
	if r.ContentLength != 0 {
		if !s.decodeBody(w, r, &req) {
			return
		}
	}

	meta := requestMeta(r)
	if req.CorrelationID != "" {
		if !s.requeueOne(w, r, req.CorrelationID) {
			return
		}
		s.logger.Info().
			Str("correlation_id", req.CorrelationID).
			Str("actor", meta.Actor).
			Msg("quarantined event requeued")
		api.RespondJSON(w, http.StatusOK, quarantineRequeueResponse{Requeued: 1})
		return
	}

	depth, err := s.queue.Depth(ctx, queue.Quarantine)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read quarantine depth")
		api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
		return
	}

	// Malformed entries go back to the tail, so bounding by the starting
	// depth visits each entry once.
	resp := quarantineRequeueResponse{}
	for i := int64(0); i < depth; i++ {
		raw, err := s.queue.PopHead(ctx, queue.Quarantine)
		if err != nil || raw == "" {
			break
		}
		env, perr := types.ParseEnvelope([]byte(raw))
		if perr != nil {
			// Replaying bytes no stage can parse would only cycle them
			// back here through the alerter DLQ.
			if qerr := s.queue.RequeueTail(ctx, queue.Quarantine, []byte(raw)); qerr != nil {
				s.logger.Error().Err(qerr).Msg("failed to restore malformed quarantine entry")
			}
			resp.Skipped++
			continue
		}
		if err := s.replay(ctx, env); err != nil {
			s.logger.Error().Err(err).Msg("failed to requeue quarantined event")
			if qerr := s.queue.RequeueHead(ctx, queue.Quarantine, []byte(raw)); qerr != nil {
				s.logger.Error().Err(qerr).Msg("failed to restore quarantine entry")
			}
			break
		}
		resp.Requeued++
	}

	s.logger.Info().
		Int("requeued", resp.Requeued).
		Int("skipped", resp.Skipped).
		Str("actor", meta.Actor).
		Msg("quarantine requeued")
	api.RespondJSON(w, http.StatusOK, resp)
}

// requeueOne finds one quarantined entry by correlation id, removes it,
// and replays it. Answers the client itself on failure.
func (s *Service) requeueOne(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	ctx := r.Context()

	raws, err := s.queue.Peek(ctx, queue.Quarantine, 0, -1)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to peek quarantine")
		api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
		return false
	}

	for _, raw := range raws {
		env, perr := types.ParseEnvelope([]byte(raw))
		if perr != nil || env.CorrelationID != correlationID {
			continue
		}
		removed, err := s.queue.Remove(ctx, queue.Quarantine, raw)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to remove quarantine entry")
			api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
			return false
		}
		if !removed {
			break
		}
		if err := s.replay(ctx, env); err != nil {
			s.logger.Error().Err(err).Msg("failed to requeue quarantined event")
			if qerr := s.queue.RequeueHead(ctx, queue.Quarantine, []byte(raw)); qerr != nil {
				s.logger.Error().Err(qerr).Msg("failed to restore quarantine entry")
			}
			api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
			return false
		}
		return true
	}

	api.RespondError(w, http.StatusNotFound, "no quarantined event with that correlation id")
	return false
}

// replay strips every pipeline annotation and enqueues the bare event
// for reclassification.
func (s *Service) replay(ctx context.Context, env *types.Envelope) error {
	fresh := &types.Envelope{Event: env.Event}
	data, err := fresh.Encode()
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, queue.IngestQueue, data)
}

type quarantinePurgeResponse struct {
	Purged int64 `json:"purged"`
}

func (s *Service) handlePurgeQuarantine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meta := requestMeta(r)

	if correlationID := r.URL.Query().Get("correlation_id"); correlationID != "" {
		raws, err := s.queue.Peek(ctx, queue.Quarantine, 0, -1)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to peek quarantine")
			api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
			return
		}
		for _, raw := range raws {
			env, perr := types.ParseEnvelope([]byte(raw))
			if perr != nil || env.CorrelationID != correlationID {
				continue
			}
			removed, err := s.queue.Remove(ctx, queue.Quarantine, raw)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to remove quarantine entry")
				api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
				return
			}
			if removed {
				s.logger.Info().
					Str("correlation_id", correlationID).
					Str("actor", meta.Actor).
					Msg("quarantined event purged")
				api.RespondJSON(w, http.StatusOK, quarantinePurgeResponse{Purged: 1})
				return
			}
		}
		api.RespondError(w, http.StatusNotFound, "no quarantined event with that correlation id")
		return
	}

	depth, err := s.queue.Depth(ctx, queue.Quarantine)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read quarantine depth")
		api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
		return
	}
	if err := s.queue.Delete(ctx, queue.Quarantine); err != nil {
		s.logger.Error().Err(err).Msg("failed to purge quarantine")
		api.RespondError(w, http.StatusServiceUnavailable, "substrate unavailable")
		return
	}

	s.logger.Info().
		Int64("purged", depth).
		Str("actor", meta.Actor).
		Msg("quarantine purged")
	api.RespondJSON(w, http.StatusOK, quarantinePurgeResponse{Purged: depth})
}
