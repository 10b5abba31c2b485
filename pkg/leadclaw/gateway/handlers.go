package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/twilio"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/notify"
)

// emptyTwiML acknowledges a webhook without a synchronous reply; replies go
// out through the REST API.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}

	channelsMap := make(map[string]string)
	for name, st := range g.assistant.ChannelManager().HealthAll() {
		if st.Connected {
			channelsMap[name] = "connected"
		} else {
			channelsMap[name] = "disconnected"
		}
	}

	resp := map[string]any{
		"status":   "ok",
		"version":  Version,
		"uptime":   uptime,
		"channels": channelsMap,
		"sessions": g.assistant.Sessions().Len(),
		"dedupe":   g.seen.Len(),
	}
	if db := g.assistant.Database(); db != nil {
		resp["database"] = db.Status()
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleInbound implements POST /whatsapp, the Twilio inbound message
// webhook. Every well-formed request the channel accepts is acknowledged
// with 200 and empty TwiML, including duplicates; processing happens
// asynchronously. A full or stopped channel answers 503 so Twilio retries.
func (g *Gateway) handleInbound(w http.ResponseWriter, r *http.Request) {
	tw, ok := g.twilioChannel()
	if !ok {
		g.writeError(w, "twilio channel not enabled", http.StatusNotFound)
		return
	}

	form, err := g.readForm(w, r)
	if err != nil {
		g.writeError(w, "invalid form body", http.StatusBadRequest)
		return
	}
	if !g.verifySignature(r, tw.Config(), tw.Config().WebhookURL, form) {
		g.logger.Warn("rejected webhook with invalid signature", "path", r.URL.Path, "remote", r.RemoteAddr)
		g.writeError(w, "invalid signature", http.StatusForbidden)
		return
	}

	msg, err := twilio.ParseInbound(form)
	if err != nil {
		g.logger.Warn("invalid inbound webhook", "error", err)
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if g.seen.Duplicate(msg.ID) {
		g.logger.Info("duplicate webhook delivery dropped", "msg_id", msg.ID)
		writeTwiML(w)
		return
	}

	if !tw.Deliver(msg) {
		// Not accepted, so a retry must not look like a duplicate.
		g.seen.Forget(msg.ID)
		g.logger.Error("inbound message refused, twilio channel not accepting", "msg_id", msg.ID)
		g.writeError(w, "channel not accepting messages", http.StatusServiceUnavailable)
		return
	}
	writeTwiML(w)
}

// handleStatus implements POST /whatsapp/status, the delivery status
// callback. Updates are recorded but never change conversation state.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	tw, ok := g.twilioChannel()
	if !ok {
		g.writeError(w, "twilio channel not enabled", http.StatusNotFound)
		return
	}

	form, err := g.readForm(w, r)
	if err != nil {
		g.writeError(w, "invalid form body", http.StatusBadRequest)
		return
	}
	if !g.verifySignature(r, tw.Config(), tw.Config().StatusCallback, form) {
		g.writeError(w, "invalid signature", http.StatusForbidden)
		return
	}

	st, err := twilio.ParseStatus(form)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	log := g.logger.With("sid", st.MessageSID, "status", st.Status)
	if !st.Failed() {
		log.Debug("delivery status")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	log.Warn("message delivery failed", "error_code", st.ErrorCode, "error_message", st.ErrorMessage)
	if ledger := g.assistant.Ledger(); ledger != nil {
		err := ledger.RecordFailure(r.Context(), notify.DeliveryFailure{
			MessageSID:   st.MessageSID,
			Recipient:    st.To,
			Status:       st.Status,
			ErrorCode:    st.ErrorCode,
			ErrorMessage: st.ErrorMessage,
		})
		if err != nil {
			log.Error("failed to record delivery failure", "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) readForm(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return r.PostForm, nil
}

// verifySignature checks X-Twilio-Signature when validation is on. The
// signed URL is the configured public one, or the URL as seen by this
// server when none is configured.
func (g *Gateway) verifySignature(r *http.Request, cfg twilio.Config, publicURL string, form url.Values) bool {
	if !cfg.ValidateSignature || cfg.AuthToken == "" {
		return true
	}
	if publicURL == "" {
		publicURL = requestURL(r)
	}
	return twilio.ValidSignature(cfg.AuthToken, publicURL, form, r.Header.Get(twilio.SignatureHeader))
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// sessionView is the API form of a session.
type sessionView struct {
	ID         string    `json:"id"`
	Phone      string    `json:"phone"`
	Stage      string    `json:"stage"`
	Category   string    `json:"category,omitempty"`
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email,omitempty"`
	Notified   bool      `json:"notified"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// handleListSessions implements GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := g.assistant.Sessions().List()
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{
			ID:         s.ID,
			Phone:      s.Phone,
			Stage:      s.Stage.String(),
			Category:   s.Category,
			Name:       s.Name,
			Email:      s.Email,
			Notified:   s.ReadyToNotify,
			CreatedAt:  s.CreatedAt,
			LastActive: s.LastActive,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}

// handleListLeads implements GET /api/leads?limit=N.
func (g *Gateway) handleListLeads(w http.ResponseWriter, r *http.Request) {
	ledger := g.assistant.Ledger()
	if ledger == nil {
		g.writeError(w, "lead ledger disabled", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			g.writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}

	leads, err := ledger.Recent(r.Context(), limit)
	if err != nil {
		g.logger.Error("listing leads failed", "error", err)
		g.writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if leads == nil {
		leads = []notify.Record{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"leads": leads, "count": len(leads)})
}

// handleListJobs implements GET /api/jobs.
func (g *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"jobs": g.assistant.Scheduler().List()})
}

// handleRunJob implements POST /api/jobs/{name}/run.
func (g *Gateway) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := g.assistant.Scheduler().RunNow(name); err != nil {
		g.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"job": name, "status": "done"})
}

// handleQR implements GET /api/whatsapp/qr. It returns the pending pairing
// code, waiting briefly for one when pairing has just started.
func (g *Gateway) handleQR(w http.ResponseWriter, r *http.Request) {
	wa, ok := g.whatsappChannel()
	if !ok {
		g.writeError(w, "whatsapp channel not enabled", http.StatusNotFound)
		return
	}

	resp := map[string]any{"state": string(wa.GetState()), "needs_qr": wa.NeedsQR()}
	if !wa.NeedsQR() {
		g.writeJSON(w, http.StatusOK, resp)
		return
	}

	events, unsubscribe := wa.SubscribeQR()
	defer unsubscribe()

	timer := time.NewTimer(g.qrWait)
	defer timer.Stop()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				g.writeJSON(w, http.StatusOK, resp)
				return
			}
			if evt.Type == "refresh" {
				continue
			}
			resp["qr"] = evt
			g.writeJSON(w, http.StatusOK, resp)
			return
		case <-timer.C:
			g.writeJSON(w, http.StatusOK, resp)
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleQRStream implements GET /api/whatsapp/qr/stream: pairing events as
// server-sent events until pairing ends or the client leaves.
func (g *Gateway) handleQRStream(w http.ResponseWriter, r *http.Request) {
	wa, ok := g.whatsappChannel()
	if !ok {
		g.writeError(w, "whatsapp channel not enabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := wa.SubscribeQR()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	writeSSE(w, flusher, "state", map[string]string{"state": string(wa.GetState())})

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, flusher, evt.Type, evt)
			if evt.Type == "success" || evt.Type == "error" {
				return
			}
		}
	}
}

// handleQRRefresh implements POST /api/whatsapp/qr/refresh.
func (g *Gateway) handleQRRefresh(w http.ResponseWriter, r *http.Request) {
	wa, ok := g.whatsappChannel()
	if !ok {
		g.writeError(w, "whatsapp channel not enabled", http.StatusNotFound)
		return
	}
	// Pairing outlives this request.
	if err := wa.RequestNewQR(context.WithoutCancel(r.Context())); err != nil {
		g.writeError(w, err.Error(), http.StatusConflict)
		return
	}
	g.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	b, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, string(b))
	flusher.Flush()
}
