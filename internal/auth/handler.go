package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"fitnesse-backend/internal/observability"

	"github.com/go-playground/validator/v10"
)

const maxJSONBodyBytes = 1 << 20

const (
	msgRegistered         = "Registered successfully."
	msgLoggedIn           = "Logged in successfully."
	msgLoggedOut          = "Logged out successfully."
	msgCurrentUser        = "Fetched current user successfully."
	msgUsernameTaken      = "The username is already taken."
	msgEmailTaken         = "The email is already taken."
	msgWeakPassword       = "The password is invalid and doesn't meet the requirements."
	msgInvalidCredentials = "Invalid login credentials."
	msgLockedOut          = "User is locked out due to too many failed login attempts, please try again later."
	msgNotAuthenticated   = "You are not authenticated with a valid JWT access token."
	msgSessionExpired     = "Session expired. Refresh token is invalid. Please log in again."
	msgInternal           = "Internal Server Error."
	msgMalformed          = "The request is malformed"
)

type Handler struct {
	service  *Service
	validate *validator.Validate
	logger   *observability.Logger
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"required,email,max=254"`
	// Length is a domain rule checked by the service, so a short password is 422 not 400.
	Password string `json:"password"`
}

// loginRequest leaves the password unvalidated so an empty one counts toward lockout.
type loginRequest struct {
	EmailOrUsername string `json:"emailOrUsername" validate:"required"`
	Password        string `json:"password"`
}

type loginResponse struct {
	Message string `json:"message"`
	PublicUser
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type currentUserResponse struct {
	Message string     `json:"message"`
	User    PublicUser `json:"user"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body) {
		return
	}

	if _, err := h.service.Register(r.Context(), RegisterInput{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
	}); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeMessage(w, http.StatusCreated, msgRegistered)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.service.Login(r.Context(), body.EmailOrUsername, body.Password)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Message:      msgLoggedIn,
		PublicUser:   result.User,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	})
}

// Logout expects to run behind Guard.Require(OrderSensitive, ...).
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	refreshToken := bearerToken(r.Header.Get(RefreshTokenHeader))
	if err := h.service.Logout(r.Context(), refreshToken); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeMessage(w, http.StatusOK, msgLoggedOut)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, msgNotAuthenticated)
		return
	}

	user, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, currentUserResponse{Message: msgCurrentUser, User: *user})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, msgMalformed)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, msgMalformed)
		return false
	}
	return true
}

// statusFor maps service errors to a status and message. ok is false for unexpected errors.
func statusFor(err error) (status int, message string, ok bool) {
	switch {
	case errors.Is(err, ErrUsernameTaken):
		return http.StatusConflict, msgUsernameTaken, true
	case errors.Is(err, ErrEmailTaken):
		return http.StatusConflict, msgEmailTaken, true
	case errors.Is(err, ErrWeakPassword):
		return http.StatusUnprocessableEntity, msgWeakPassword, true
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, msgInvalidCredentials, true
	case errors.Is(err, ErrTooManyFailedLogins):
		return http.StatusTooManyRequests, msgLockedOut, true
	case errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized, msgNotAuthenticated, true
	case errors.Is(err, ErrSessionExpired):
		return http.StatusUnauthorized, msgSessionExpired, true
	default:
		return http.StatusInternalServerError, msgInternal, false
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	status, message, ok := statusFor(err)
	if !ok {
		logger.Error("auth request failed", map[string]any{
			"error":      err.Error(),
			"path":       r.URL.Path,
			"request_id": observability.RequestID(r.Context()),
		})
		observability.CaptureError(err, map[string]string{"component": "auth"})
	}
	writeMessage(w, status, message)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
