package zyneth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	zoauth "github.com/only1Mrjoshua/Zyneth/oauth2"
)

// Avatar upload limits. Only common raster formats are accepted and the file
// is capped at 5MB.
const maxAvatarSize = 5 << 20

var allowedAvatarExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

const oauthStateSessionVar = "oauthState"

// Server is the HTTP boundary over the account service. It owns routing,
// request decoding, error mapping and the session/cookie plumbing; every
// business decision is delegated to the service.
type Server struct {
	Service *AccountService
	Session *scs.SessionManager
	Google  zoauth.Exchanger
	Logger  *zap.Logger

	// FrontendURL receives the post-callback redirect for federated logins.
	FrontendURL string
	// AvatarDir is where uploaded avatar files are written.
	AvatarDir string

	middleware *Middleware
}

// NewServer wires the boundary layer from resolved configuration.
func NewServer(service *AccountService, tokens *TokenIssuer, session *scs.SessionManager, google zoauth.Exchanger, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Service:     service,
		Session:     session,
		Google:      google,
		Logger:      logger,
		FrontendURL: cfg.FrontendURL,
		AvatarDir:   cfg.AvatarDir,
		middleware: &Middleware{
			Tokens:  tokens,
			Store:   service.Store(),
			Session: session,
		},
	}
}

// Handler builds the full route table wrapped in session management.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/users/signup", s.handleSignup).Methods("POST")
	r.HandleFunc("/users/login", s.handleLogin).Methods("POST")
	r.HandleFunc("/users/logout", s.handleLogout).Methods("POST")

	r.Handle("/users/me", s.middleware.EnsureAccount(http.HandlerFunc(s.handleMe))).Methods("GET")
	r.Handle("/users/me", s.middleware.EnsureAccount(http.HandlerFunc(s.handleUpdateProfile))).Methods("PUT")
	r.Handle("/users/me/password", s.middleware.EnsureAccount(http.HandlerFunc(s.handleChangePassword))).Methods("POST")

	r.Handle("/users", s.middleware.EnsureAdmin(http.HandlerFunc(s.handleList))).Methods("GET")
	r.Handle("/users", s.middleware.EnsureAdmin(http.HandlerFunc(s.handleAdminCreate))).Methods("POST")
	r.Handle("/users/search", s.middleware.EnsureAdmin(http.HandlerFunc(s.handleSearch))).Methods("GET")
	r.Handle("/users/{id}/activate", s.middleware.EnsureAdmin(s.handleSetActive(true))).Methods("PUT")
	r.Handle("/users/{id}/deactivate", s.middleware.EnsureAdmin(s.handleSetActive(false))).Methods("PUT")
	r.Handle("/users/{id}", s.middleware.EnsureAdmin(http.HandlerFunc(s.handleDelete))).Methods("DELETE")

	r.HandleFunc("/auth/otp/send", s.handleSendOTP).Methods("POST")
	r.HandleFunc("/auth/otp/verify", s.handleVerifyOTP).Methods("POST")
	r.HandleFunc("/auth/otp/resend", s.handleResendOTP).Methods("POST")
	r.HandleFunc("/auth/otp/status", s.handleOTPStatus).Methods("GET")

	r.HandleFunc("/auth/google/login", s.handleGoogleLogin).Methods("GET")
	r.HandleFunc("/auth/google/callback", s.handleGoogleCallback).Methods("GET")

	if s.AvatarDir != "" {
		r.PathPrefix("/static/avatars/").Handler(
			http.StripPrefix("/static/avatars/", http.FileServer(http.Dir(s.AvatarDir))))
	}

	if s.Session != nil {
		return s.Session.LoadAndSave(r)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, authErr *AuthError) {
	writeJSON(w, status, authErr)
}

// writeError maps domain errors to HTTP statuses and a JSON error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		status := http.StatusBadRequest
		switch authErr.Code {
		case ErrCodeEmailExists, ErrCodeUsernameTaken:
			status = http.StatusConflict
		case ErrCodeForbidden:
			status = http.StatusForbidden
		case ErrCodeNotFound:
			status = http.StatusNotFound
		}
		writeJSONError(w, status, authErr)
		return
	}

	switch {
	case errors.Is(err, ErrEmailExists):
		writeJSONError(w, http.StatusConflict, NewAuthError(ErrCodeEmailExists, "Email already registered", "email"))
	case errors.Is(err, ErrUsernameTaken):
		writeJSONError(w, http.StatusConflict, NewAuthError(ErrCodeUsernameTaken, "Username already taken", "username"))
	case errors.Is(err, ErrInvalidCredentials):
		writeJSONError(w, http.StatusUnauthorized, NewAuthError(ErrCodeInvalidCreds, "Invalid email/username or password", ""))
	case errors.Is(err, ErrAccountDeactivated):
		writeJSONError(w, http.StatusForbidden, NewAuthError(ErrCodeDeactivated, "Your account is deactivated. Contact admin.", ""))
	case errors.Is(err, ErrAccountNotVerified):
		writeJSONError(w, http.StatusForbidden, NewAuthError(ErrCodeNotVerified, "Please verify your email before logging in", ""))
	case errors.Is(err, ErrOTPLocked):
		writeJSONError(w, http.StatusTooManyRequests, NewAuthError(ErrCodeOTPLocked, "Too many attempts. Try again later.", ""))
	case errors.Is(err, ErrAccountNotFound):
		writeJSONError(w, http.StatusNotFound, NewAuthError(ErrCodeNotFound, "Account not found", ""))
	case errors.Is(err, ErrForbidden):
		writeJSONError(w, http.StatusForbidden, NewAuthError(ErrCodeForbidden, "Admin access required", ""))
	case Retryable(err):
		s.Logger.Error("store unavailable", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, NewAuthError(ErrCodeUnavailable, "Service temporarily unavailable", ""))
	default:
		s.Logger.Error("unhandled error", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, NewAuthError("internal", "Internal server error", ""))
	}
}

func decodeJSON(r *http.Request, into any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(into)
}

// handleSignup accepts either a JSON body or multipart form data; the
// multipart path may carry an avatar file.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in SignupInput
	var avatarURL string

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxAvatarSize); err != nil {
			writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeMissingField, "Invalid form data", ""))
			return
		}
		in = SignupInput{
			FullName:        r.FormValue("full_name"),
			Username:        r.FormValue("username"),
			Email:           r.FormValue("email"),
			Password:        r.FormValue("password"),
			ConfirmPassword: r.FormValue("confirm_password"),
		}
		if file, header, err := r.FormFile("avatar"); err == nil {
			defer file.Close()
			avatarURL, err = s.saveAvatar(file, header.Filename, header.Size)
			if err != nil {
				s.writeError(w, err)
				return
			}
		}
	} else {
		var body struct {
			FullName        string `json:"full_name"`
			Username        string `json:"username"`
			Email           string `json:"email"`
			Password        string `json:"password"`
			ConfirmPassword string `json:"confirm_password"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeMissingField, "Invalid JSON body", ""))
			return
		}
		in = SignupInput(body)
	}

	account, err := s.Service.Signup(r.Context(), in, avatarURL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Account created. Check your email for a verification code.",
		"user":    account,
	})
}

// saveAvatar validates and persists an uploaded avatar, returning its public
// URL path. Stored names are random so uploads cannot collide or overwrite.
func (s *Server) saveAvatar(file io.Reader, filename string, size int64) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedAvatarExts[ext] {
		return "", NewAuthError(ErrCodeMissingField, "Avatar must be a .jpg, .jpeg, .png or .gif file", "avatar")
	}
	if size > maxAvatarSize {
		return "", NewAuthError(ErrCodeMissingField, "Avatar file too large (max 5MB)", "avatar")
	}

	if err := os.MkdirAll(s.AvatarDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create avatar dir: %w", err)
	}
	name := uuid.NewString() + ext
	dst, err := os.Create(filepath.Join(s.AvatarDir, name))
	if err != nil {
		return "", fmt.Errorf("failed to store avatar: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.LimitReader(file, maxAvatarSize+1)); err != nil {
		return "", fmt.Errorf("failed to store avatar: %w", err)
	}
	return "/static/avatars/" + name, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
		Email      string `json:"email"`
		Password   string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeMissingField, "Invalid JSON body", ""))
		return
	}
	identifier := body.Identifier
	if identifier == "" {
		identifier = body.Email
	}
	if identifier == "" || body.Password == "" {
		writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeMissingField, "Email/username and password are required", ""))
		return
	}

	result, err := s.Service.Login(r.Context(), identifier, body.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.establishSession(w, r, result.Account.ID, result.Token, result.ExpiresIn)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": result.Token,
		"token_type":   "bearer",
		"expires_in":   result.ExpiresIn,
		"user":         result.Account,
	})
}

// establishSession records the login in the server-side session and mirrors
// the token into a cookie for browser clients.
func (s *Server) establishSession(w http.ResponseWriter, r *http.Request, accountID, token string, expiresIn int64) {
	if s.Session != nil {
		s.Session.Put(r.Context(), s.middleware.sessionVar(), accountID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.middleware.cookieName(),
		Value:    token,
		Path:     "/",
		MaxAge:   int(expiresIn),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.Session != nil {
		s.Session.Remove(r.Context(), s.middleware.sessionVar())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.middleware.cookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	writeJSON(w, http.StatusOK, account.Sanitized())
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())

	var body struct {
		FullName  *string `json:"full_name"`
		Username  *string `json:"username"`
		Email     *string `json:"email"`
		AvatarURL *string `json:"avatar_url"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeMissingField, "Invalid JSON body", ""))
		return
	}

	updated, err := s.Service.UpdateProfile(r.Context(), account.ID, AccountPatch{
		FullName:  body.FullName,
		Username:  body.Username,
		Email:     body.Email,
		AvatarURL: body.AvatarURL,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())

	var body struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeMissingField, "Invalid JSON body", ""))
		return
	}

	if err := s.Service.ChangePassword(r.Context(), account.ID, body.CurrentPassword, body.NewPassword); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var filter ListFilter
	if v := r.URL.Query().Get("role"); v != "" {
		role := Role(v)
		filter.Role = &role
	}
	if v := r.URL.Query().Get("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeMissingField, "is_active must be a boolean", "is_active"))
			return
		}
		filter.IsActive = &active
	}

	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 50)

	accounts, err := s.Service.List(r.Context(), filter, skip, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.Service.Count(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": accounts,
		"total": total,
		"skip":  skip,
		"limit": limit,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("q"))
	if term == "" {
		writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeMissingField, "Search term is required", "q"))
		return
	}
	accounts, err := s.Service.Search(r.Context(), term, queryInt(r, "skip", 0), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": accounts})
}

func (s *Server) handleAdminCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FullName string `json:"full_name"`
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     Role   `json:"role"`
		IsActive *bool  `json:"is_active"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeMissingField, "Invalid JSON body", ""))
		return
	}

	active := true
	if body.IsActive != nil {
		active = *body.IsActive
	}
	account, err := s.Service.AdminCreate(r.Context(), AdminCreateInput{
		FullName: body.FullName,
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
		Role:     body.Role,
		IsActive: active,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleSetActive(active bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.Service.SetActive(r.Context(), id, active); err != nil {
			s.writeError(w, err)
			return
		}
		message := "User deactivated"
		if active {
			message = "User activated"
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": message})
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	caller := AccountFromContext(r.Context())
	if caller != nil && caller.ID == id {
		writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeForbidden, "You cannot delete your own account", ""))
		return
	}

	if err := s.Service.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted"})
}

func emailFromBody(r *http.Request) (string, *AuthError) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Email) == "" {
		return "", NewAuthError(ErrCodeMissingField, "Email is required", "email")
	}
	return body.Email, nil
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	email, authErr := emailFromBody(r)
	if authErr != nil {
		writeJSONError(w, http.StatusBadRequest, authErr)
		return
	}
	if err := s.Service.SendOTP(r.Context(), email); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Verification code sent"})
}

func (s *Server) handleResendOTP(w http.ResponseWriter, r *http.Request) {
	email, authErr := emailFromBody(r)
	if authErr != nil {
		writeJSONError(w, http.StatusBadRequest, authErr)
		return
	}
	if err := s.Service.ResendOTP(r.Context(), email); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Verification code resent"})
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Email == "" || body.OTP == "" {
		writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeMissingField, "Email and otp are required", ""))
		return
	}

	result, err := s.Service.OTP().Verify(r.Context(), body.Email, body.OTP)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadRequest
		if result.Locked {
			status = http.StatusTooManyRequests
		}
	}
	writeJSON(w, status, result)
}

func (s *Server) handleOTPStatus(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeMissingField, "Email is required", "email"))
		return
	}
	status, err := s.Service.OTP().CheckStatus(r.Context(), email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if s.Google == nil {
		writeJSONError(w, http.StatusNotImplemented, NewAuthError("not_configured", "Google login is not configured", ""))
		return
	}
	state, err := zoauth.GenerateState()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.Session != nil {
		s.Session.Put(r.Context(), oauthStateSessionVar, state)
	}
	http.Redirect(w, r, s.Google.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if s.Google == nil {
		writeJSONError(w, http.StatusNotImplemented, NewAuthError("not_configured", "Google login is not configured", ""))
		return
	}

	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		s.redirectFrontendError(w, r, "Google login was cancelled")
		return
	}

	state := query.Get("state")
	expected := ""
	if s.Session != nil {
		expected = s.Session.PopString(r.Context(), oauthStateSessionVar)
	}
	if state == "" || expected == "" || state != expected {
		writeJSONError(w, http.StatusBadRequest, NewAuthError("invalid_state", "OAuth state mismatch", ""))
		return
	}

	code := query.Get("code")
	if code == "" {
		writeJSONError(w, http.StatusBadRequest, NewAuthError(ErrCodeMissingField, "Missing authorization code", "code"))
		return
	}

	identity, err := s.Google.ResolveIdentity(r.Context(), code)
	if err != nil {
		s.Logger.Warn("google exchange failed", zap.Error(err))
		s.redirectFrontendError(w, r, "Google login failed")
		return
	}

	result, err := s.Service.ResolveFederated(r.Context(), FederatedIdentity{
		SubjectID:     identity.SubjectID,
		Email:         identity.Email,
		EmailVerified: identity.EmailVerified,
		Name:          identity.Name,
		Picture:       identity.Picture,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	token, expiresIn, err := s.Service.IssueToken(result.Account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.establishSession(w, r, result.Account.ID, token, expiresIn)

	redirect, err := url.Parse(s.FrontendURL)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": token,
			"token_type":   "bearer",
			"expires_in":   expiresIn,
			"user":         result.Account.Sanitized(),
			"is_new":       result.IsNew,
		})
		return
	}
	q := redirect.Query()
	q.Set("token", token)
	q.Set("user_id", result.Account.ID)
	q.Set("email", result.Account.Email)
	q.Set("role", string(result.Account.Role))
	q.Set("is_new", strconv.FormatBool(result.IsNew))
	redirect.RawQuery = q.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusTemporaryRedirect)
}

func (s *Server) redirectFrontendError(w http.ResponseWriter, r *http.Request, message string) {
	redirect, err := url.Parse(s.FrontendURL)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, NewAuthError("oauth_failed", message, ""))
		return
	}
	q := redirect.Query()
	q.Set("error", message)
	redirect.RawQuery = q.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusTemporaryRedirect)
}
