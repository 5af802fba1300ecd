package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"signind/auth"
	"signind/autherr"
)

const maxBodyBytes = 64 << 10

type loginRequest struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
}

type loginResponse struct {
	Subject      auth.Summary `json:"subject"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	IsNewUser    bool         `json:"is_new_user"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type errorResponse struct {
	Error   autherr.Code `json:"error"`
	Message string       `json:"message"`
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, err)
		return
	}
	if strings.TrimSpace(req.Provider) == "" || req.Token == "" {
		writeAuthError(w, autherr.New(autherr.CodeInvalidRequest, "provider and token are required"))
		return
	}

	res, err := a.Auth.Login(r.Context(), req.Provider, req.Token)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if rec, ok := w.(*statusRecorder); ok {
		rec.subject = res.Subject.SubjectID
	}
	writeJSON(w, loginResponse{
		Subject:      res.Subject,
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		IsNewUser:    res.IsNewUser,
	})
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeAuthError(w, autherr.ErrMissingBearerToken)
		return
	}
	pair, err := a.Auth.Refresh(r.Context(), token)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, pair)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	access := extractBearerToken(r.Header.Get("Authorization"))
	if access == "" {
		writeAuthError(w, autherr.ErrMissingBearerToken)
		return
	}
	var req logoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, err)
		return
	}
	if req.RefreshToken == "" {
		writeAuthError(w, autherr.New(autherr.CodeInvalidRequest, "refresh_token is required"))
		return
	}

	if err := a.Auth.Logout(r.Context(), access, req.RefreshToken); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, map[string]string{"subject_id": p.SubjectID})
}

func (a *App) handleMeOptional(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	resp := map[string]any{"authenticated": !p.Anonymous()}
	if !p.Anonymous() {
		resp["subject_id"] = p.SubjectID
	}
	writeJSON(w, resp)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "ok",
		"providers": a.Verifiers.Providers(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return autherr.Wrap(autherr.CodeInvalidRequest, "request body is required", err)
		}
		return autherr.Wrap(autherr.CodeInvalidRequest, "request body must be valid JSON", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeAuthError renders err as the error envelope. Causes stay in the logs.
func writeAuthError(w http.ResponseWriter, err error) {
	code := autherr.CodeOf(err)
	writeError(w, statusFor(code), code, autherr.MessageOf(err))
}

func writeError(w http.ResponseWriter, status int, code autherr.Code, msg string) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.errorCode = code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: code, Message: msg})
}

func statusFor(code autherr.Code) int {
	switch code {
	case autherr.CodeUnsupportedProvider, autherr.CodeInvalidRequest:
		return http.StatusBadRequest
	case autherr.CodeAppIDMismatch:
		return http.StatusForbidden
	case autherr.CodeTokenExchangeFailed, autherr.CodeUserInfoFetchFailed, autherr.CodeKeyFetchFailed:
		return http.StatusBadGateway
	case autherr.CodeUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// extractBearerToken returns the token from an exact "Bearer <token>"
// header. Any other shape counts as no token.
func extractBearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" || strings.ContainsAny(token, " \t") {
		return ""
	}
	return token
}
