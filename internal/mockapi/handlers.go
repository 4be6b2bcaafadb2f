package mockapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/backupdesk/backupdesk/internal/model"
)

// validationIssue mirrors one entry of a 422 detail list
type validationIssue struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// decodeBody reads and validates a JSON body. It writes the failure response
// and returns false when the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		sendDetail(w, http.StatusUnprocessableEntity, []validationIssue{{
			Loc: []string{"body"}, Msg: "Invalid JSON body", Type: "value_error.jsondecode",
		}})
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			sendDetail(w, http.StatusUnprocessableEntity, err.Error())
			return false
		}
		issues := make([]validationIssue, 0, len(verrs))
		for _, fe := range verrs {
			issues = append(issues, validationIssue{
				Loc:  []string{"body", strings.ToLower(fe.Field())},
				Msg:  validationMessage(fe),
				Type: "value_error." + fe.Tag(),
			})
		}
		sendDetail(w, http.StatusUnprocessableEntity, issues)
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "email":
		return "value is not a valid email address"
	case "min":
		return "ensure this value has at least " + fe.Param() + " characters"
	default:
		return "invalid value"
	}
}

func (s *Server) sendToken(w http.ResponseWriter, status int, user *model.User) {
	token, _, err := s.issuer.Issue(user)
	if err != nil {
		s.logger.Error("failed to issue token", zap.Error(err))
		sendDetail(w, http.StatusInternalServerError, "Could not issue token")
		return
	}
	sendJSON(w, status, model.TokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, mfa, err := s.store.Authenticate(req.Username, req.Password)
	if err != nil {
		sendDetail(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}

	if !user.IsVerified {
		code := s.store.IssueVerification(user.ID)
		s.logger.Info("verification code issued", zap.Int("user_id", user.ID), zap.String("code", code))
		sendDetail(w, http.StatusForbidden, map[string]any{
			"code":               "email_not_verified",
			"message":            "Email address has not been verified",
			"verification_token": code,
			"user_id":            user.ID,
		})
		return
	}

	if mfa {
		sendJSON(w, http.StatusOK, model.TokenResponse{
			MFARequired: true,
			MFAToken:    s.store.IssueMFAToken(user.ID),
		})
		return
	}

	s.sendToken(w, http.StatusOK, user)
}

func (s *Server) verifyMFA(w http.ResponseWriter, r *http.Request) {
	var req model.MFAVerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, ok := s.store.ConsumeMFA(req.MFAToken, req.Code)
	if !ok {
		sendDetail(w, http.StatusUnauthorized, "Invalid verification code")
		return
	}
	s.sendToken(w, http.StatusOK, user)
}

func (s *Server) requestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req model.MagicLinkRequest
	if !decodeBody(w, r, &req) {
		return
	}

	// Unknown addresses get the same answer
	if token, ok := s.store.IssueMagicLink(req.Email); ok {
		s.logger.Info("magic link issued", zap.String("email", req.Email), zap.String("token", token))
	}
	sendJSON(w, http.StatusOK, model.MessageResponse{
		Success: true,
		Message: "If an account exists for that address, a login link has been sent",
	})
}

func (s *Server) consumeMagicLink(w http.ResponseWriter, r *http.Request) {
	user, ok := s.store.ConsumeMagicLink(chi.URLParam(r, "token"))
	if !ok {
		sendDetail(w, http.StatusBadRequest, "Invalid or expired login link")
		return
	}
	s.sendToken(w, http.StatusOK, user)
}

func (s *Server) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req model.VerifyEmailRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, ok := s.store.Verify(req.Code)
	if !ok {
		sendDetail(w, http.StatusBadRequest, "Invalid or expired verification code")
		return
	}
	s.sendToken(w, http.StatusOK, user)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var fullName string
	if req.FullName != nil {
		fullName = *req.FullName
	}
	user, err := s.store.AddUser(req.Email, req.Password, fullName, model.RoleSiteAdmin, false)
	if errors.Is(err, errEmailTaken) {
		sendDetail(w, http.StatusConflict, "Email already registered")
		return
	}
	if err != nil {
		s.logger.Error("failed to register user", zap.Error(err))
		sendDetail(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	code := s.store.IssueVerification(user.ID)
	s.logger.Info("verification code issued", zap.Int("user_id", user.ID), zap.String("code", code))
	s.sendToken(w, http.StatusCreated, user)
}

func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	claims := claimsFrom(r)
	if claims == nil {
		sendDetail(w, http.StatusUnauthorized, "Not authenticated")
		return nil, false
	}
	user, ok := s.store.User(claims.UserID)
	if !ok {
		sendDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return nil, false
	}
	return user, true
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	s.sendToken(w, http.StatusOK, user)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, user)
}

func (s *Server) updateMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req model.UserUpdate
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := s.store.UpdateUser(user.ID, req)
	switch {
	case errors.Is(err, errEmailTaken):
		sendDetail(w, http.StatusConflict, "Email already registered")
		return
	case errors.Is(err, errNotFound):
		sendDetail(w, http.StatusNotFound, "User not found")
		return
	case err != nil:
		s.logger.Error("failed to update user", zap.Error(err))
		sendDetail(w, http.StatusInternalServerError, "Update failed")
		return
	}

	if req.Email != nil && updated.PendingEmail != nil {
		code := s.store.IssueVerification(updated.ID)
		s.logger.Info("verification code issued", zap.Int("user_id", updated.ID), zap.String("code", code))
	}
	sendJSON(w, http.StatusOK, updated)
}

func (s *Server) backupStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	status, found := s.store.SiteStatus(id)
	if !found {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Site not found")
		return
	}
	sendJSON(w, http.StatusOK, status)
}

func (s *Server) fleetStats(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.store.Fleet())
}
