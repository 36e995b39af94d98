package admission

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Header names the middleware reads to identify the caller and job.
const (
	HeaderUserID  = "X-User-ID"
	HeaderJobType = "X-Job-Type"
	HeaderJobName = "X-Job-Name"
	HeaderChannel = "X-Channel"
)

// denialBody is the JSON rendering of a denied request.
type denialBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// Middleware returns an HTTP middleware that gates every request through
// the admission check. Any denial renders 429 with a JSON body; allowed
// requests pass through unchanged.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := RequestFromHTTP(r)
		decision := g.Check(r.Context(), req)
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(decision.RetryAfter.Seconds())
		w.Header().Set("Content-Type", "application/json")
		if retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		}
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(denialBody{
			Error:      decision.Reason,
			Message:    decision.Message,
			RetryAfter: retryAfter,
		})
	})
}

// RequestFromHTTP extracts the gate request from HTTP metadata. Anonymous
// callers share one identity, matching how upstream proxies see them.
func RequestFromHTTP(r *http.Request) Request {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		userID = "anonymous"
	}
	return Request{
		UserID:  userID,
		Action:  r.Method + " " + r.URL.Path,
		JobType: r.Header.Get(HeaderJobType),
		JobName: r.Header.Get(HeaderJobName),
		Channel: r.Header.Get(HeaderChannel),
	}
}

// HealthHandler serves the gate's derived health summary.
func (g *Gate) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g.Health())
}

// EventsHandler serves the most recent gate events, newest first.
func (g *Gate) EventsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g.RecentEvents(limit))
}
