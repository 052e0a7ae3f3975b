package auth

import (
	"context"
	"net/http"
	"strings"

	"rest-api/backend/internal/render"
)

type ctxKey int

const (
	authorizationKey ctxKey = iota
	claimsKey
)

// Authorization is the parsed Authorization header. The zero value means
// the header was absent.
type Authorization struct {
	Scheme      string
	Credentials string
	// Username and Password are set for the Basic scheme.
	Username string
	Password string
}

// ParseAuthorization splits the Authorization header into scheme and
// credentials and stores the result in the request context. A header
// without credentials is answered with 400.
func ParseAuthorization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		scheme, creds, ok := strings.Cut(strings.TrimSpace(header), " ")
		creds = strings.TrimSpace(creds)
		if !ok || scheme == "" || creds == "" {
			render.Error(w, "Invalid Authorization header.", http.StatusBadRequest)
			return
		}
		a := Authorization{Scheme: scheme, Credentials: creds}
		if strings.EqualFold(scheme, "Basic") {
			user, pass, ok := r.BasicAuth()
			if !ok {
				render.Error(w, "Invalid Basic credentials.", http.StatusBadRequest)
				return
			}
			a.Username, a.Password = user, pass
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authorizationKey, a)))
	})
}

// AuthorizationFrom returns what ParseAuthorization stored, or the zero
// value.
func AuthorizationFrom(ctx context.Context) Authorization {
	a, _ := ctx.Value(authorizationKey).(Authorization)
	return a
}

// ClaimsFrom returns the verified claims of the request's token.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// WithClaims returns a copy of ctx carrying c.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// Exemptions lists routes reachable without a token. An entry is either
// a path ("/healthz") matching every method, or a method and a path
// ("POST /users"). Paths match literally.
type Exemptions struct {
	any    map[string]bool
	method map[string]bool
}

// NewExemptions parses entries of the form "[METHOD ]PATH".
func NewExemptions(entries []string) Exemptions {
	e := Exemptions{any: map[string]bool{}, method: map[string]bool{}}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if method, path, ok := strings.Cut(entry, " "); ok {
			e.method[strings.ToUpper(method)+" "+strings.TrimSpace(path)] = true
			continue
		}
		e.any[entry] = true
	}
	return e
}

// Match reports whether r may skip token verification.
func (e Exemptions) Match(r *http.Request) bool {
	path := r.URL.Path
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if e.any[path] {
		return true
	}
	if e.method[r.Method+" "+path] {
		return true
	}
	// Preflight requests never carry credentials.
	return r.Method == http.MethodOptions
}

// Middleware verifies the bearer token on every request not matched by
// exempt and stores its claims in the request context.
func Middleware(tokens *Tokens, exempt Exemptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt.Match(r) {
				next.ServeHTTP(w, r)
				return
			}
			a, ok := r.Context().Value(authorizationKey).(Authorization)
			if !ok {
				scheme, creds, _ := strings.Cut(r.Header.Get("Authorization"), " ")
				a = Authorization{Scheme: scheme, Credentials: strings.TrimSpace(creds)}
			}
			if !strings.EqualFold(a.Scheme, "Bearer") || a.Credentials == "" {
				render.Error(w, "Unauthorized.", http.StatusUnauthorized)
				return
			}
			claims, err := tokens.Parse(a.Credentials)
			if err != nil {
				render.Error(w, "Unauthorized.", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole answers 403 unless the verified token carries role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok {
				render.Error(w, "Unauthorized.", http.StatusUnauthorized)
				return
			}
			if claims.Role != role {
				render.Error(w, "Forbidden.", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
