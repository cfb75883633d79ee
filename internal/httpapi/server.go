// Package httpapi 提供派工系統的 REST 與 WebSocket 入口
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/labor-dispatch/internal/auth"
	"github.com/ChuLiYu/labor-dispatch/internal/dispatch"
	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// Service REST 端點使用的排程器操作
type Service interface {
	PostJob(ctx context.Context, in dispatch.NewJob) (*types.Job, error)
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	Accept(ctx context.Context, id types.JobID, phone string) (*types.Job, error)
	Decline(ctx context.Context, id types.JobID, phone string) (*types.Job, error)
	Cancel(ctx context.Context, id types.JobID, by, reason string) (*types.Job, error)
	MarkAttendance(ctx context.Context, id types.JobID) (*types.Job, error)
	MarkPaid(ctx context.Context, id types.JobID) (*types.Job, error)
	SetWorkerAvailability(ctx context.Context, phone string, online bool) error
	Stats(ctx context.Context) dispatch.Stats
}

// Server HTTP 路由
type Server struct {
	Service    Service
	Verifier   *auth.Verifier // nil 時不驗證
	Metrics    http.Handler   // 可為 nil
	Worker     http.HandlerFunc
	Contractor http.HandlerFunc
}

type ctxKey struct{}

// ErrForbidden 呼叫者無權操作此資源
var ErrForbidden = errors.New("forbidden")

// WorkerActionRequest accept / decline 內容；啟用驗證時以 token 的 subject 為準
type WorkerActionRequest struct {
	Phone string `json:"phone"`
}

// CancelRequest cancel 內容
type CancelRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// AvailabilityRequest 工人可接單狀態
type AvailabilityRequest struct {
	Online bool `json:"online"`
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics)
	}
	if s.Worker != nil {
		r.Get("/ws/worker", s.Worker)
	}
	if s.Contractor != nil {
		r.Get("/ws/contractor", s.Contractor)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)

		r.With(s.requireRole(auth.RoleContractor)).Post("/jobs", s.handlePostJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.With(s.requireRole(auth.RoleWorker)).Post("/jobs/{id}/accept", s.handleAccept)
		r.With(s.requireRole(auth.RoleWorker)).Post("/jobs/{id}/decline", s.handleDecline)
		r.With(s.requireRole(auth.RoleContractor, auth.RoleService)).Post("/jobs/{id}/cancel", s.handleCancel)
		r.With(s.requireRole(auth.RoleContractor, auth.RoleService)).Post("/jobs/{id}/attendance", s.handleAttendance)
		r.With(s.requireRole(auth.RoleContractor, auth.RoleService)).Post("/jobs/{id}/payment", s.handlePayment)
		r.With(s.requireRole(auth.RoleWorker, auth.RoleService)).Put("/workers/{phone}/availability", s.handleAvailability)
	})

	return r
}

// requireRole 驗證 Bearer token，角色必須是 roles 之一
func (s Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Verifier == nil {
				next.ServeHTTP(w, r)
				return
			}
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			claims, err := s.Verifier.Verify(raw, "")
			if err != nil {
				writeErr(w, http.StatusUnauthorized, err)
				return
			}
			if !slices.Contains(roles, claims.Role) {
				writeErr(w, http.StatusForbidden, fmt.Errorf("%w: %q", auth.ErrWrongRole, claims.Role))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
		})
	}
}

func callerClaims(r *http.Request) (*auth.Claims, bool) {
	claims, ok := r.Context().Value(ctxKey{}).(*auth.Claims)
	return claims, ok
}

// subject 驗證後的呼叫者；未驗證時回傳 fallback
func subject(r *http.Request, fallback string) string {
	if claims, ok := callerClaims(r); ok && claims.Subject != "" {
		return claims.Subject
	}
	return fallback
}

// ownsJob 承包商只能操作自己發布的工作；service 與停用驗證時不限制
func (s Server) ownsJob(w http.ResponseWriter, r *http.Request) bool {
	claims, ok := callerClaims(r)
	if !ok || claims.Role == auth.RoleService {
		return true
	}
	job, err := s.Service.GetJob(r.Context(), jobID(r))
	if err != nil {
		writeErr(w, StatusFor(err), err)
		return false
	}
	if job.ContractorID != claims.Subject {
		writeErr(w, http.StatusForbidden, fmt.Errorf("%w: job %s belongs to another contractor", ErrForbidden, job.ID))
		return false
	}
	return true
}

func (s Server) handlePostJob(w http.ResponseWriter, r *http.Request) {
	var in dispatch.NewJob
	if !readJSON(w, r, &in) {
		return
	}
	in.ContractorID = subject(r, in.ContractorID)

	job, err := s.Service.PostJob(r.Context(), in)
	if err != nil {
		writeErr(w, StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Service.GetJob(r.Context(), jobID(r))
	if err != nil {
		writeErr(w, StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req WorkerActionRequest
	if !readJSON(w, r, &req) {
		return
	}
	s.respond(w)(s.Service.Accept(r.Context(), jobID(r), subject(r, req.Phone)))
}

func (s Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req WorkerActionRequest
	if !readJSON(w, r, &req) {
		return
	}
	s.respond(w)(s.Service.Decline(r.Context(), jobID(r), subject(r, req.Phone)))
}

func (s Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !readJSON(w, r, &req) || !s.ownsJob(w, r) {
		return
	}
	s.respond(w)(s.Service.Cancel(r.Context(), jobID(r), subject(r, req.By), req.Reason))
}

func (s Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	if !s.ownsJob(w, r) {
		return
	}
	s.respond(w)(s.Service.MarkAttendance(r.Context(), jobID(r)))
}

func (s Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	if !s.ownsJob(w, r) {
		return
	}
	s.respond(w)(s.Service.MarkPaid(r.Context(), jobID(r)))
}

func (s Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req AvailabilityRequest
	if !readJSON(w, r, &req) {
		return
	}
	phone := chi.URLParam(r, "phone")
	if claims, ok := callerClaims(r); ok && claims.Role == auth.RoleWorker && claims.Subject != phone {
		writeErr(w, http.StatusForbidden, fmt.Errorf("%w: workers may only change their own availability", ErrForbidden))
		return
	}
	if err := s.Service.SetWorkerAvailability(r.Context(), phone, req.Online); err != nil {
		writeErr(w, StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phone": phone, "online": req.Online})
}

func (s Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Service.Stats(r.Context()))
}

func (s Server) respond(w http.ResponseWriter) func(*types.Job, error) {
	return func(job *types.Job, err error) {
		if err != nil {
			writeErr(w, StatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// StatusFor 將領域錯誤對應到 HTTP 狀態碼
func StatusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrInvalidJob), errors.Is(err, dispatch.ErrInvalidWorker):
		return http.StatusBadRequest
	case errors.Is(err, jobstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobstore.ErrConflict), errors.Is(err, dispatch.ErrWorkerBusy):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrNotOffered), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func jobID(r *http.Request) types.JobID {
	return types.JobID(chi.URLParam(r, "id"))
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr 衝突一律回傳 "job no longer available"
func writeErr(w http.ResponseWriter, code int, err error) {
	msg := err.Error()
	if errors.Is(err, jobstore.ErrConflict) {
		msg = "job no longer available"
	}
	writeJSON(w, code, map[string]any{"error": msg})
}
