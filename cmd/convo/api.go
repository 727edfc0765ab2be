package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/convo/pkg/actor"
	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/host/local"
	"github.com/wilhg/convo/pkg/reminders"
	"github.com/wilhg/convo/pkg/store"
	"github.com/wilhg/convo/pkg/tools"
)

// api exposes actor operations over HTTP.
type api struct {
	dir    *actor.Directory
	store  store.SummaryStore
	host   *local.Host
	logger *zap.Logger
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/actors", a.listActors)
	mux.HandleFunc("POST /api/actors/{id}/messages", a.withActor(a.sendMessage))
	mux.HandleFunc("POST /api/actors/{id}/events", a.withActor(a.addEvent))
	mux.HandleFunc("GET /api/actors/{id}/events", a.withActor(a.listEvents))
	mux.HandleFunc("GET /api/actors/{id}/state", a.withActor(a.state))
	mux.HandleFunc("GET /api/actors/{id}/stream", a.withActor(a.stream))
	mux.HandleFunc("POST /api/actors/{id}/pause", a.withActor(a.pause))
	mux.HandleFunc("POST /api/actors/{id}/resume", a.withActor(a.resume))
	mux.HandleFunc("POST /api/actors/{id}/tools/inject", a.withActor(a.inject))
	mux.HandleFunc("POST /api/actors/{id}/approvals", a.withActor(a.approve))
	mux.HandleFunc("GET /api/actors/{id}/reminders", a.withActor(a.listReminders))
	mux.HandleFunc("POST /api/actors/{id}/reminders", a.withActor(a.createReminder))
	mux.HandleFunc("DELETE /api/actors/{id}/reminders/{rid}", a.withActor(a.cancelReminder))
	mux.HandleFunc("POST /api/actors/{id}/connections", a.withActor(a.connect))
	mux.HandleFunc("GET /api/oauth/callback", a.oauthCallback)
	return mux
}

const maxBody = 1 << 20

type actorHandler func(w http.ResponseWriter, r *http.Request, act *actor.Actor)

func (a *api) withActor(h actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		act, err := a.dir.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		h(w, r, act)
	}
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errmodel.Validation("invalid_json", "request body is not valid JSON for this endpoint", map[string]any{"error": err.Error()})
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *api) listActors(w http.ResponseWriter, r *http.Request) {
	sums, err := a.store.ListSummaries(r.Context())
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	type row struct {
		ActorID        string `json:"actor_id"`
		EventCount     int64  `json:"event_count"`
		LastEventIndex int64  `json:"last_event_index"`
		LastEventType  string `json:"last_event_type"`
		LastEventAt    string `json:"last_event_at"`
	}
	out := make([]row, 0, len(sums))
	for _, s := range sums {
		out = append(out, row{s.ActorID, s.EventCount, s.LastEventIndex, s.LastEventType, s.LastEventAt.UTC().Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"actors": out})
}

type messageBody struct {
	UserID         string `json:"user_id"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (a *api) sendMessage(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	var b messageBody
	if err := decode(r, &b); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	ref, err := act.SendMessage(r.Context(), b.UserID, b.Text, b.IdempotencyKey)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ref)
}

type eventBody struct {
	Type            string          `json:"type"`
	Data            json.RawMessage `json:"data,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	TriggerNextStep bool            `json:"trigger_next_step,omitempty"`
}

func (a *api) addEvent(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	var b []eventBody
	if err := decode(r, &b); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	drafts := make([]agent.Draft, 0, len(b))
	for _, e := range b {
		if e.Type == "" {
			errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_event", "event type is required", nil))
			return
		}
		drafts = append(drafts, agent.Draft{Type: e.Type, Data: e.Data, IdempotencyKey: e.IdempotencyKey, TriggerNextStep: e.TriggerNextStep})
	}
	refs, err := act.AddEvents(r.Context(), drafts)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": refs})
}

func (a *api) listEvents(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	writeJSON(w, http.StatusOK, map[string]any{"actor_id": act.ID(), "events": act.Events()})
}

func (a *api) state(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	q := r.URL.Query().Get("index")
	if q == "" {
		writeJSON(w, http.StatusOK, act.State())
		return
	}
	idx, err := strconv.ParseInt(q, 10, 64)
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_index", "index must be an integer", map[string]any{"index": q}))
		return
	}
	st, err := act.ReducedStateAt(r.Context(), idx)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// stream relays the actor's broadcasts as server-sent events.
func (a *api) stream(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		errmodel.WriteHTTP(w, r, errmodel.System("streaming_unsupported", "response writer cannot stream", nil, nil))
		return
	}
	ch, cancel := a.host.Subscribe(64)
	defer cancel()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			if m.ActorID != act.ID() {
				continue
			}
			b, err := json.Marshal(m.Payload)
			if err != nil {
				a.logger.Warn("unencodable broadcast", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type reasonBody struct {
	Reason string `json:"reason,omitempty"`
}

func (a *api) pause(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	var b reasonBody
	if err := decode(r, &b); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	ref, err := act.Pause(r.Context(), b.Reason)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (a *api) resume(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	var b reasonBody
	if err := decode(r, &b); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	ref, err := act.Resume(r.Context(), b.Reason)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

type outcomeBody struct {
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	PendingKey string `json:"pending_key,omitempty"`
	Background bool   `json:"background,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

func toOutcomeBody(o tools.Outcome) outcomeBody {
	b := outcomeBody{CallID: o.CallID, Tool: o.Tool, Output: o.Output, PendingKey: o.PendingKey, Background: o.Background, Duplicate: o.Duplicate}
	if o.Err != nil {
		b.Error = errmodel.Text(o.Err)
	}
	return b
}

func (a *api) inject(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	var b actor.InjectRequest
	if err := decode(r, &b); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	out, err := act.InjectToolCall(r.Context(), b)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeBody(out))
}

type approvalBody struct {
	Key      string         `json:"key"`
	Approver tools.Approver `json:"approver"`
}

func (a *api) approve(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	var b approvalBody
	if err := decode(r, &b); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	out, err := act.ApproveToolCall(r.Context(), b.Key, b.Approver)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rejected": out.Rejected,
		"reason":   out.Reason,
		"outcome":  toOutcomeBody(out.Outcome),
	})
}

func (a *api) listReminders(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	rs, err := act.ListReminders(r.Context())
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reminders": rs})
}

func (a *api) createReminder(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	var b reminders.Request
	if err := decode(r, &b); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	rem, err := act.CreateReminder(r.Context(), b)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rem)
}

func (a *api) cancelReminder(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	if err := act.CancelReminder(r.Context(), r.PathValue("rid")); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) connect(w http.ResponseWriter, r *http.Request, act *actor.Actor) {
	var b actor.ConnectRequest
	if err := decode(r, &b); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	out, err := act.Connect(r.Context(), b)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	body := map[string]any{"status": out.Status, "auth_url": out.AuthURL, "required_fields": out.RequiredFields, "tools": out.Tools}
	if out.Err != nil {
		body["error"] = errmodel.Text(out.Err)
	}
	writeJSON(w, http.StatusOK, body)
}

// oauthCallback finds the live actor that issued the state value and hands
// it the authorization code.
func (a *api) oauthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_callback", "state and code are required", nil))
		return
	}
	for _, id := range a.dir.IDs() {
		act, err := a.dir.Get(r.Context(), id)
		if err != nil {
			continue
		}
		key, ok := act.OAuthKey(state)
		if !ok {
			continue
		}
		if _, err := act.CompleteOAuth(r.Context(), key, code, state); err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Connected. You can close this window."))
		return
	}
	errmodel.WriteHTTP(w, r, errmodel.Validation("unknown_state", "no pending authorization for this state", nil))
}
