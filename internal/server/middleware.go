package server

import (
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"rest-api/backend/internal/render"
)

// fullResponse stamps every response with the server's identity, the
// request id and the date.
func (s *Server) fullResponse(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Server", s.cfg.Name)
		h.Set("Api-Version", s.cfg.Version)
		if id := middleware.GetReqID(r.Context()); id != "" {
			h.Set("Request-Id", id)
		}
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
		next.ServeHTTP(w, r)
	})
}

// acceptable answers 406 when the Accept header admits none of types.
// A missing header accepts anything.
func acceptable(types ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accept := r.Header.Get("Accept")
			if accept == "" || accepts(accept, types) {
				next.ServeHTTP(w, r)
				return
			}
			render.Error(w, "Server accepts: "+strings.Join(types, ", "), http.StatusNotAcceptable)
		})
	}
}

func accepts(header string, types []string) bool {
	for _, part := range strings.Split(header, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if q, ok := params["q"]; ok && strings.Trim(q, "0.") == "" {
			continue
		}
		for _, t := range types {
			if matchMedia(mediaType, t) {
				return true
			}
		}
	}
	return false
}

func matchMedia(pattern, typ string) bool {
	if pattern == "*/*" || pattern == typ {
		return true
	}
	major, minor, ok := strings.Cut(pattern, "/")
	if !ok || minor != "*" {
		return false
	}
	return strings.HasPrefix(typ, major+"/")
}
