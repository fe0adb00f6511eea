package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/relay"
	"github.com/Spatial-NVR/SpatialRTLS/internal/rules"
)

const maxPushBody = 1 << 20

// SampleInjector accepts pushed samples into the Control tier
type SampleInjector interface {
	Inject(sample events.PositionSample)
}

// TriggerControl is the trigger engine surface the admin routes drive
type TriggerControl interface {
	ReloadTriggersForZone(ctx context.Context, zoneID int64) error
	EndTag(ctx context.Context, deviceID string) error
	Zones() []int64
}

// RuleReloader swaps in the stored rule set
type RuleReloader interface {
	Reload(ctx context.Context) (*rules.Snapshot, error)
}

// CacheInvalidator drops the zone ancestor cache
type CacheInvalidator interface {
	Invalidate()
}

// SubjectRefresher reloads the device directory
type SubjectRefresher interface {
	Refresh(ctx context.Context) error
}

// SubscriptionLister lists relay subscriptions
type SubscriptionLister interface {
	Subscriptions() []relay.Subscription
	PeerCount() int
}

// EventHistory reads the event log
type EventHistory interface {
	QueryBySubject(ctx context.Context, subjectID string, opts events.QueryOptions) ([]*events.Record, error)
}

// Handler serves the admin and push routes. Nil collaborators leave their
// routes unmounted.
type Handler struct {
	samples  SampleInjector
	triggers TriggerControl
	rules    RuleReloader
	zones    CacheInvalidator
	subjects SubjectRefresher
	relay    SubscriptionLister
	history  EventHistory
	logger   *slog.Logger
}

// Routes returns the /api/v1 routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	if h.samples != nil {
		r.Post("/positions", h.PushPositions)
	}
	if h.triggers != nil {
		r.Get("/zones", h.ListZones)
		r.Post("/zones/{id}/triggers/reload", h.ReloadZoneTriggers)
		r.Post("/tags/{id}/end", h.EndTag)
	}
	if h.rules != nil {
		r.Post("/rules/reload", h.ReloadRules)
	}
	if h.zones != nil || h.subjects != nil {
		r.Post("/zones/cache/invalidate", h.InvalidateCache)
	}
	if h.relay != nil {
		r.Get("/subscriptions", h.ListSubscriptions)
	}
	if h.history != nil {
		r.Get("/subjects/{id}/events", h.ListSubjectEvents)
	}

	return r
}

// PushPositions accepts one GISData frame or an array of them
func (h *Handler) PushPositions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		BadRequest(w, "Failed to read request body")
		return
	}

	var frames []relay.GISData
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(body, &frames)
	} else {
		var g relay.GISData
		err = json.Unmarshal(body, &g)
		frames = append(frames, g)
	}
	if err != nil {
		BadRequest(w, "Invalid request body")
		return
	}

	samples, verrs := NewPositionValidator().ValidateAll(frames)
	if verrs.HasErrors() {
		ValidationErrorResponse(w, verrs)
		return
	}
	for _, s := range samples {
		h.samples.Inject(s)
	}

	Accepted(w, map[string]int{"accepted": len(samples)})
}

// ListZones lists zones with a running trigger engine
func (h *Handler) ListZones(w http.ResponseWriter, r *http.Request) {
	OK(w, map[string][]int64{"zones": h.triggers.Zones()})
}

// ReloadZoneTriggers reloads the trigger set of one zone
func (h *Handler) ReloadZoneTriggers(w http.ResponseWriter, r *http.Request) {
	zoneID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || zoneID <= 0 {
		BadRequest(w, "zone id must be a positive integer")
		return
	}

	if err := h.triggers.ReloadTriggersForZone(r.Context(), zoneID); err != nil {
		h.logger.Error("Trigger reload failed", "zone_id", zoneID, "error", err)
		FromError(w, err)
		return
	}
	OK(w, map[string]int64{"zone_id": zoneID})
}

// EndTag discards trigger state held for a tag
func (h *Handler) EndTag(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	if deviceID == "" {
		BadRequest(w, "device id is required")
		return
	}

	if err := h.triggers.EndTag(r.Context(), deviceID); err != nil {
		FromError(w, err)
		return
	}
	OK(w, map[string]string{"device_id": deviceID})
}

// ReloadRules swaps in the stored rule set
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	snap, err := h.rules.Reload(r.Context())
	if err != nil {
		h.logger.Error("Rule reload failed", "error", err)
		FromError(w, err)
		return
	}
	OK(w, map[string]interface{}{
		"version": snap.Version,
		"rules":   len(snap.Rules),
		"skipped": snap.Skipped,
	})
}

// InvalidateCache drops cached zone ancestry and refreshes the device
// directory
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	if h.zones != nil {
		h.zones.Invalidate()
	}
	if h.subjects != nil {
		if err := h.subjects.Refresh(r.Context()); err != nil {
			h.logger.Error("Subject refresh failed", "error", err)
			FromError(w, err)
			return
		}
	}
	OK(w, map[string]bool{"invalidated": true})
}

// ListSubscriptions returns the relay registry snapshot
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	OK(w, map[string]interface{}{
		"peers":         h.relay.PeerCount(),
		"subscriptions": h.relay.Subscriptions(),
	})
}

// ListSubjectEvents returns a subject's event log, newest first. Supports
// kind (comma separated), zone_id, rule_id, since (RFC 3339) and limit.
func (h *Handler) ListSubjectEvents(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "id")
	q := r.URL.Query()

	var opts events.QueryOptions
	var verrs ValidationErrors
	if kinds := q.Get("kind"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			switch kind := events.Kind(strings.TrimSpace(k)); kind {
			case events.KindZoneEntry, events.KindZoneExit, events.KindRuleTriggered:
				opts.Kinds = append(opts.Kinds, kind)
			default:
				verrs = append(verrs, ValidationError{Field: "kind", Message: "unknown kind " + strconv.Quote(k)})
			}
		}
	}
	opts.ZoneID = queryInt(q.Get("zone_id"), "zone_id", &verrs)
	opts.RuleID = queryInt(q.Get("rule_id"), "rule_id", &verrs)
	opts.Limit = int(queryInt(q.Get("limit"), "limit", &verrs))
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			verrs = append(verrs, ValidationError{Field: "since", Message: "must be an RFC 3339 timestamp"})
		}
		opts.Since = t
	}
	if verrs.HasErrors() {
		ValidationErrorResponse(w, verrs)
		return
	}

	records, err := h.history.QueryBySubject(r.Context(), subjectID, opts)
	if err != nil {
		h.logger.Error("Event log query failed", "subject_id", subjectID, "error", err)
		FromError(w, err)
		return
	}
	OK(w, map[string]interface{}{
		"subject_id": subjectID,
		"events":     records,
	})
}

func queryInt(v, field string, verrs *ValidationErrors) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		*verrs = append(*verrs, ValidationError{Field: field, Message: "must be a non-negative integer"})
		return 0
	}
	return n
}
