package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"rest-api/backend/internal/auth"
	"rest-api/backend/internal/db"
	"rest-api/backend/internal/render"
	"rest-api/backend/internal/users"
)

// Credentials is the request body of POST /users and POST /login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Message   string    `json:"message"`
	Success   bool      `json:"success"`
	Role      string    `json:"role"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UserResponse wraps a single user.
type UserResponse struct {
	Message string     `json:"message,omitempty"`
	Success bool       `json:"success"`
	User    users.User `json:"user"`
}

// UsersResponse wraps a list of users.
type UsersResponse struct {
	Message string       `json:"message"`
	Success bool         `json:"success"`
	Users   []users.User `json:"users"`
}

// healthz answers 200 only while a database session is installed.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	state := s.db.State()
	if state != db.StateConnected {
		s.retryAfter(w)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "database %s", state)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	creds, err := decodeCredentials(r)
	if err != nil {
		render.Error(w, "Invalid request format.", http.StatusBadRequest)
		return
	}
	u, err := s.users.Create(r.Context(), creds.Username, creds.Password, users.RoleUser)
	if err != nil {
		s.storeError(w, r, err, "Failed to create user.")
		return
	}
	render.JSON(w, http.StatusCreated, UserResponse{
		Message: fmt.Sprintf("User '%s' created.", u.Username),
		Success: true,
		User:    u,
	})
}

// login accepts credentials in the body or as HTTP Basic auth.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if r.ContentLength != 0 {
		c, err := decodeCredentials(r)
		if err != nil {
			render.Error(w, "Invalid request format.", http.StatusBadRequest)
			return
		}
		creds = c
	}
	if creds.Username == "" {
		if a := auth.AuthorizationFrom(r.Context()); strings.EqualFold(a.Scheme, "Basic") {
			creds = Credentials{Username: a.Username, Password: a.Password}
		}
	}
	if creds.Username == "" || creds.Password == "" {
		render.Error(w, "Username and password are required.", http.StatusBadRequest)
		return
	}

	u, err := s.users.Authenticate(r.Context(), creds.Username, creds.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		render.Error(w, "Invalid username or password.", http.StatusUnauthorized)
		return
	}
	if err != nil {
		s.storeError(w, r, err, "Failed to authenticate.")
		return
	}

	token, exp, err := s.tokens.Issue(u.ID, u.Role)
	if err != nil {
		s.logger.Error("issue token", zap.String("user_id", u.ID), zap.Error(err))
		render.Error(w, "Failed to issue token.", http.StatusInternalServerError)
		return
	}
	render.JSON(w, http.StatusOK, LoginResponse{
		Message:   "Authentication successful.",
		Success:   true,
		Role:      u.Role,
		Token:     token,
		ExpiresAt: exp.UTC(),
	})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		render.Error(w, "Unauthorized.", http.StatusUnauthorized)
		return
	}
	u, err := s.users.ByID(r.Context(), claims.Subject)
	if err != nil {
		s.storeError(w, r, err, "Failed to fetch user.")
		return
	}
	render.JSON(w, http.StatusOK, UserResponse{Success: true, User: u})
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	list, err := s.users.List(r.Context())
	if err != nil {
		s.storeError(w, r, err, "Failed to fetch users.")
		return
	}
	render.JSON(w, http.StatusOK, UsersResponse{
		Message: fmt.Sprintf("Fetched %d users.", len(list)),
		Success: true,
		Users:   list,
	})
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if claims, ok := auth.ClaimsFrom(r.Context()); ok && claims.Subject == id {
		render.Error(w, "You cannot delete your own account.", http.StatusBadRequest)
		return
	}
	if err := s.users.Delete(r.Context(), id); err != nil {
		s.storeError(w, r, err, "Failed to delete user.")
		return
	}
	render.Message(w, "User deleted.", http.StatusOK)
}

// storeError maps a users.Store error to a response. fallback is the
// message for errors without a mapping.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, users.ErrInvalid):
		render.Error(w, strings.TrimPrefix(err.Error(), users.ErrInvalid.Error()+": "), http.StatusBadRequest)
	case errors.Is(err, users.ErrNotFound):
		render.Error(w, "User not found.", http.StatusNotFound)
	case errors.Is(err, users.ErrDuplicate):
		render.Error(w, "Username already taken.", http.StatusConflict)
	case errors.Is(err, users.ErrUnavailable):
		s.retryAfter(w)
		render.Error(w, "Database unavailable, try again later.", http.StatusServiceUnavailable)
	default:
		s.logger.Error(fallback,
			zap.String("path", r.URL.Path),
			zap.String("code", db.ErrorCode(err)),
			zap.Error(err))
		render.Error(w, fallback, http.StatusInternalServerError)
	}
}

func (s *Server) retryAfter(w http.ResponseWriter) {
	secs := int(math.Ceil(s.cfg.DB.ReconnectDelay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func decodeCredentials(r *http.Request) (Credentials, error) {
	var c Credentials
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return c, err
		}
		c.Username = r.PostForm.Get("username")
		c.Password = r.PostForm.Get("password")
		return c, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		return c, err
	}
	return c, nil
}
