package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/campusgate/verifyd/internal/verify"
)

type sendReq struct {
	Email     string `json:"email"`
	StudentID string `json:"student_id"`
}

type verifyReq struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type sendResp struct {
	Success bool   `json:"success"`
	Batch   string `json:"batch"`

	// Present only when app.expose_code_in_response is set.
	Code string `json:"code,omitempty"`
}

type verifyResp struct {
	Success   bool   `json:"success"`
	Batch     string `json:"batch"`
	StudentID string `json:"student_id"`
}

type healthResp struct {
	Status      string            `json:"status"`
	Environment string            `json:"environment"`
	Services    map[string]string `json:"services"`
}

type errResp struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`

	// Dependency failure detail, included outside production only.
	Detail string `json:"detail,omitempty"`
}

// handleSendVerification issues a fresh code for a claimed identity
// and mails it to the student's registered address.
func handleSendVerification(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req sendReq
	)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid request body.", http.StatusBadRequest, "")
		return
	}
	if strings.TrimSpace(req.Email) == "" && strings.TrimSpace(req.StudentID) == "" {
		sendErrorResponse(w, "email or student_id is required.", http.StatusBadRequest, "")
		return
	}

	res, err := app.verifier.Request(r.Context(),
		verify.Identity{Email: req.Email, StudentID: req.StudentID}, clientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, verify.ErrIdentityNotFound):
			sendErrorResponse(w, err.Error(), http.StatusBadRequest, "")
		case errors.Is(err, verify.ErrTooManyRequests):
			sendErrorResponse(w, err.Error(), http.StatusTooManyRequests, "")
		default:
			app.lo.Error("error issuing verification code", "error", err, "ip", clientIP(r))
			sendErrorResponse(w, "error sending verification code.",
				http.StatusInternalServerError, app.errDetail(err))
		}
		return
	}

	out := sendResp{Success: true, Batch: res.Student.Batch}
	if app.constants.ExposeCode {
		out.Code = res.Code
	}
	sendResponse(w, out)
}

// handleVerifyCode checks the user submitted code and, on success,
// returns the schedule-bearing student identifier.
func handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req verifyReq
	)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid request body.", http.StatusBadRequest, "")
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Code) == "" {
		sendErrorResponse(w, "email and code are required.", http.StatusBadRequest, "")
		return
	}

	student, err := app.verifier.Check(r.Context(), req.Email, req.Code)
	if err != nil {
		if errors.Is(err, verify.ErrInvalidCode) {
			sendErrorResponse(w, err.Error(), http.StatusBadRequest, "")
			return
		}

		app.lo.Error("error checking verification code", "error", err)
		sendErrorResponse(w, "error verifying code.",
			http.StatusInternalServerError, app.errDetail(err))
		return
	}

	sendResponse(w, verifyResp{
		Success:   true,
		Batch:     student.Batch,
		StudentID: student.StudentID,
	})
}

// handleHealthCheck reports per-dependency reachability.
func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app      = r.Context().Value("app").(*App)
		services = map[string]string{
			"store":    "ok",
			"database": "ok",
			// The SMTP pool is established at boot; past that there is
			// nothing cheap to probe.
			"email": "ok",
		}
		status = "ok"
	)

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := app.store.Ping(ctx); err != nil {
		services["store"] = "unreachable"
		status = "degraded"
	}
	if err := app.dir.Ping(ctx); err != nil {
		services["database"] = "unreachable"
		status = "degraded"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(healthResp{
		Status:      status,
		Environment: app.constants.Environment,
		Services:    services,
	})
}

// errDetail returns the underlying error string outside production,
// and nothing in production.
func (app *App) errDetail(err error) string {
	if app.constants.Environment == "production" {
		return ""
	}
	return err.Error()
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse writes a JSON body to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(data)
	if err != nil {
		sendErrorResponse(w, "internal server error.", http.StatusInternalServerError, "")
		return
	}

	w.Write(out)
}

// sendErrorResponse writes a JSON error body to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, detail string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	out, _ := json.Marshal(errResp{Error: message, Detail: detail})
	w.Write(out)
}

// clientIP extracts the requester's network origin for rate limiting
// and audit.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
