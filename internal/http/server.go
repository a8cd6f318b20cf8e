package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"classmate/api/internal/assistant"
	"classmate/api/internal/auth"
	"classmate/api/internal/config"
	"classmate/api/internal/model"
	"classmate/api/internal/supabase"
)

var requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "http_requests_total",
	Help: "Requests served, by method, path and status.",
}, []string{"method", "path", "status"})

const (
	RoleAdmin    = "admin"
	RoleTeacher  = "teacher"
	RoleStudent  = "student"
	RoleCustomer = "customer"
)

type Server struct {
	cfg       config.Config
	sb        *supabase.Client
	assistant assistant.Generator
	redis     *redis.Client
	logger    *zap.Logger
}

func NewServer(cfg config.Config, sb *supabase.Client, generator assistant.Generator, redisClient *redis.Client, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		sb:        sb,
		assistant: generator,
		redis:     redisClient,
		logger:    logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.authMiddleware, s.requireRole(RoleAdmin)).Get("/admin/users", s.handleListUsers)
	r.With(s.authMiddleware, s.requireRole(RoleAdmin)).Patch("/admin/users", s.handleUpdateUser)
	r.With(s.authMiddleware, s.requireRole(RoleTeacher, RoleAdmin)).Get("/teacher/students", s.handleTeacherStudents)
	r.With(s.authMiddleware, s.requireRole(RoleTeacher, RoleAdmin)).Get("/teacher/progress", s.handleTeacherProgress)
	r.With(s.authMiddleware, s.requireRole(RoleAdmin)).Get("/footfall", s.handleGetFootfall)
	r.With(s.authMiddleware).Post("/footfall", s.handlePostFootfall)
	r.With(s.authMiddleware).Post("/openai-proxy", s.handleAssistantProxy)

	return r
}

// Auth

// caller is the resolved identity of the requester: the identity-service
// user record, the profile row when one exists, and the effective role.
type caller struct {
	User    supabase.User
	Profile *model.Profile
	Role    string
}

type callerKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		subject := ""
		if s.cfg.IdentityJWTSecret != "" {
			claims, err := auth.ParseToken(s.cfg.IdentityJWTSecret, token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid_token")
				return
			}
			subject = claims.Subject
		}

		user, err := s.fetchUser(r.Context(), token, subject)
		if err != nil {
			var apiErr *supabase.APIError
			if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
				writeError(w, http.StatusUnauthorized, "invalid_token")
				return
			}
			writeUpstreamError(w, err)
			return
		}

		profile, err := s.fetchProfile(r.Context(), user.ID)
		if err != nil {
			// Role resolution falls back to identity metadata.
			s.logger.Warn("profile lookup failed", zap.String("user_id", user.ID), zap.Error(err))
			profile = nil
		}

		ctx := context.WithValue(r.Context(), callerKey{}, &caller{
			User:    *user,
			Profile: profile,
			Role:    resolveRole(user, profile),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFromContext(ctx context.Context) *caller {
	value := ctx.Value(callerKey{})
	c, _ := value.(*caller)
	return c
}

func (s *Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := callerFromContext(r.Context())
			if c == nil {
				writeError(w, http.StatusUnauthorized, "missing_token")
				return
			}
			for _, role := range roles {
				if strings.EqualFold(c.Role, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden")
		})
	}
}

// resolveRole prefers the profile-table role over identity metadata.
func resolveRole(user *supabase.User, profile *model.Profile) string {
	if profile != nil && profile.Role != nil && strings.TrimSpace(*profile.Role) != "" {
		return strings.ToLower(strings.TrimSpace(*profile.Role))
	}
	return strings.ToLower(strings.TrimSpace(user.UserMetadata.Role))
}

func (s *Server) fetchUser(ctx context.Context, token, subject string) (*supabase.User, error) {
	if s.redis != nil && subject != "" {
		if cached, err := s.redis.Get(ctx, userCacheKey(subject)).Result(); err == nil {
			var user supabase.User
			if err := json.Unmarshal([]byte(cached), &user); err == nil {
				return &user, nil
			}
		}
	}

	user, err := s.sb.GetUser(ctx, token)
	if err != nil {
		return nil, err
	}

	if s.redis != nil && subject != "" {
		if data, err := json.Marshal(user); err == nil {
			_ = s.redis.Set(ctx, userCacheKey(subject), data, s.cfg.UserCacheTTL).Err()
		}
	}
	return user, nil
}

func (s *Server) invalidateUserCache(ctx context.Context, userID string) {
	if s.redis == nil {
		return
	}
	_ = s.redis.Del(ctx, userCacheKey(userID)).Err()
}

func userCacheKey(userID string) string {
	return "user:" + userID
}

func (s *Server) fetchProfile(ctx context.Context, userID string) (*model.Profile, error) {
	filters := url.Values{}
	filters.Set("id", "eq."+userID)
	filters.Set("limit", "1")
	var rows []model.Profile
	if err := s.sb.Select(ctx, "profiles", filters, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Admin users

type adminUser struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Role         string     `json:"role"`
	FullName     string     `json:"full_name"`
	Grade        string     `json:"grade"`
	Subject      string     `json:"subject"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	LastSignInAt *time.Time `json:"last_sign_in_at,omitempty"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.sb.ListUsers(r.Context())
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	var rows []model.Profile
	if err := s.sb.Select(r.Context(), "profiles", nil, &rows); err != nil {
		writeUpstreamError(w, err)
		return
	}
	profiles := make(map[string]model.Profile, len(rows))
	for _, row := range rows {
		profiles[row.ID] = row
	}

	resp := make([]adminUser, 0, len(users))
	for _, user := range users {
		var profile *model.Profile
		if row, ok := profiles[user.ID]; ok {
			profileCopy := row
			profile = &profileCopy
		}
		resp = append(resp, mergeUser(user, profile))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"users": resp})
}

// mergeUser shapes the admin listing row: profile columns win over identity
// metadata for the fields both carry.
func mergeUser(user supabase.User, profile *model.Profile) adminUser {
	merged := adminUser{
		ID:           user.ID,
		Email:        user.Email,
		Role:         resolveRole(&user, profile),
		FullName:     user.UserMetadata.FullName,
		Grade:        user.UserMetadata.Grade,
		Subject:      user.UserMetadata.Subject,
		CreatedAt:    user.CreatedAt,
		LastSignInAt: user.LastSignInAt,
	}
	if profile != nil {
		if profile.FullName != nil && *profile.FullName != "" {
			merged.FullName = *profile.FullName
		}
		if profile.Grade != nil && *profile.Grade != "" {
			merged.Grade = *profile.Grade
		}
		if profile.Subject != nil && *profile.Subject != "" {
			merged.Subject = *profile.Subject
		}
	}
	return merged
}

type updateUserRequest struct {
	ID       string  `json:"id"`
	Role     *string `json:"role,omitempty"`
	FullName *string `json:"full_name,omitempty"`
	Grade    *string `json:"grade,omitempty"`
	Subject  *string `json:"subject,omitempty"`
}

type updateUserResponse struct {
	User    adminUser `json:"user"`
	Warning *string   `json:"warning"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "missing_user_id")
		return
	}
	if req.Role == nil && req.FullName == nil && req.Grade == nil && req.Subject == nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	attrs := supabase.UserAttributes{UserMetadata: map[string]interface{}{}}
	if req.Role != nil {
		role := strings.ToLower(strings.TrimSpace(*req.Role))
		if !isValidRole(role) {
			writeError(w, http.StatusBadRequest, "invalid_role")
			return
		}
		attrs.Role = &role
		attrs.UserMetadata["role"] = role
		req.Role = &role
	}
	if req.FullName != nil {
		attrs.UserMetadata["full_name"] = *req.FullName
	}
	if req.Grade != nil {
		attrs.UserMetadata["grade"] = *req.Grade
	}
	if req.Subject != nil {
		attrs.UserMetadata["subject"] = *req.Subject
	}

	// Identity service first; the profile table is a best-effort mirror.
	user, err := s.sb.UpdateUser(r.Context(), req.ID, attrs)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	s.invalidateUserCache(r.Context(), req.ID)

	var warning *string
	profile, syncErr := s.syncProfile(r.Context(), req)
	if syncErr != nil {
		s.logger.Warn("profile sync failed", zap.String("user_id", req.ID), zap.Error(syncErr))
		message := "profile_sync_failed: " + syncErr.Error()
		warning = &message
	}

	writeJSON(w, http.StatusOK, updateUserResponse{
		User:    mergeUser(*user, profile),
		Warning: warning,
	})
}

func (s *Server) syncProfile(ctx context.Context, req updateUserRequest) (*model.Profile, error) {
	row := map[string]interface{}{"id": req.ID}
	profile := model.Profile{ID: req.ID}
	if req.Role != nil {
		row["role"] = *req.Role
		profile.Role = req.Role
	}
	if req.FullName != nil {
		row["full_name"] = *req.FullName
		profile.FullName = req.FullName
	}
	if req.Grade != nil {
		row["grade"] = *req.Grade
		profile.Grade = req.Grade
	}
	if req.Subject != nil {
		row["subject"] = *req.Subject
		profile.Subject = req.Subject
	}
	if err := s.sb.Upsert(ctx, "profiles", row); err != nil {
		return nil, err
	}
	return &profile, nil
}

func isValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleTeacher, RoleStudent, RoleCustomer:
		return true
	default:
		return false
	}
}

// Teacher dashboards

func (s *Server) handleTeacherStudents(w http.ResponseWriter, r *http.Request) {
	c := callerFromContext(r.Context())
	if c == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	grade, subject := callerGradeSubject(c)
	students, err := s.listStudents(r.Context(), grade, subject)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"students": students})
}

func (s *Server) handleTeacherProgress(w http.ResponseWriter, r *http.Request) {
	c := callerFromContext(r.Context())
	if c == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	grade, subject := callerGradeSubject(c)

	filters := url.Values{}
	filters.Set("published", "eq.true")
	if grade != "" {
		filters.Set("grade", "eq."+grade)
	}
	if subject != "" {
		filters.Set("or", subjectScope(subject))
	}
	var modules []model.CurriculumModule
	if err := s.sb.Select(r.Context(), "curriculum_modules", filters, &modules); err != nil {
		writeUpstreamError(w, err)
		return
	}

	students, err := s.listStudents(r.Context(), grade, subject)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	submissions := []model.ActivitySubmission{}
	if len(modules) > 0 && len(students) > 0 {
		moduleIDs := make([]string, 0, len(modules))
		for _, m := range modules {
			moduleIDs = append(moduleIDs, m.ID)
		}
		studentIDs := make([]string, 0, len(students))
		for _, student := range students {
			studentIDs = append(studentIDs, student.ID)
		}
		subFilters := url.Values{}
		subFilters.Set("module_id", inFilter(moduleIDs))
		subFilters.Set("user_id", inFilter(studentIDs))
		subFilters.Set("order", "module_id,user_id,submission_number")
		if err := s.sb.Select(r.Context(), "activity_submissions", subFilters, &submissions); err != nil {
			writeUpstreamError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"modules":     modules,
		"students":    students,
		"submissions": submissions,
	})
}

// listStudents applies the roster scope: students of the caller's grade,
// and when the caller has a subject, students whose subject is unset OR
// matches it. The subject filter is inclusive on purpose.
func (s *Server) listStudents(ctx context.Context, grade, subject string) ([]model.Profile, error) {
	filters := url.Values{}
	filters.Set("role", "eq."+RoleStudent)
	if grade != "" {
		filters.Set("grade", "eq."+grade)
	}
	if subject != "" {
		filters.Set("or", subjectScope(subject))
	}
	students := []model.Profile{}
	if err := s.sb.Select(ctx, "profiles", filters, &students); err != nil {
		return nil, err
	}
	return students, nil
}

func subjectScope(subject string) string {
	return "(subject.is.null,subject.eq." + subject + ")"
}

func callerGradeSubject(c *caller) (string, string) {
	grade := c.User.UserMetadata.Grade
	subject := c.User.UserMetadata.Subject
	if c.Profile != nil {
		if c.Profile.Grade != nil && *c.Profile.Grade != "" {
			grade = *c.Profile.Grade
		}
		if c.Profile.Subject != nil && *c.Profile.Subject != "" {
			subject = *c.Profile.Subject
		}
	}
	return strings.TrimSpace(grade), strings.TrimSpace(subject)
}

func inFilter(ids []string) string {
	return "in.(" + strings.Join(ids, ",") + ")"
}

// Footfall

func (s *Server) handleGetFootfall(w http.ResponseWriter, r *http.Request) {
	page := strings.TrimSpace(r.URL.Query().Get("page"))
	if page == "" {
		writeError(w, http.StatusBadRequest, "missing_page")
		return
	}

	count, err := s.countPageViews(r.Context(), page)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"page": page, "count": count})
}

type footfallRequest struct {
	Page string `json:"page"`
}

func (s *Server) handlePostFootfall(w http.ResponseWriter, r *http.Request) {
	c := callerFromContext(r.Context())
	if c == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req footfallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Page = strings.TrimSpace(req.Page)
	if req.Page == "" {
		writeError(w, http.StatusBadRequest, "missing_page")
		return
	}

	view := model.PageView{
		ID:       uuid.NewString(),
		Page:     req.Page,
		Viewer:   c.User.ID,
		ViewedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.sb.Insert(r.Context(), "page_views", view); err != nil {
		writeUpstreamError(w, err)
		return
	}

	count, err := s.countPageViews(r.Context(), req.Page)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"page": req.Page, "count": count})
}

func (s *Server) countPageViews(ctx context.Context, page string) (int64, error) {
	filters := url.Values{}
	filters.Set("page", "eq."+page)
	return s.sb.Count(ctx, "page_views", filters)
}

// Assistant proxy

type assistantRequest struct {
	Messages []assistant.Message `json:"messages"`
}

func (s *Server) handleAssistantProxy(w http.ResponseWriter, r *http.Request) {
	var req assistantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "missing_messages")
		return
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "user", "assistant", "system":
		default:
			writeError(w, http.StatusBadRequest, "invalid_message_role")
			return
		}
		if strings.TrimSpace(msg.Content) == "" {
			writeError(w, http.StatusBadRequest, "empty_message")
			return
		}
	}

	if s.assistant == nil {
		writeError(w, http.StatusInternalServerError, "assistant_not_configured")
		return
	}

	reply, err := s.assistant.Generate(r.Context(), req.Messages)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// Middleware

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		requestCount.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(ww.Status())).Inc()
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Helpers

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeUpstreamError surfaces an external-call failure as-is: 500 with the
// upstream message passed through.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *supabase.APIError
	if errors.As(err, &apiErr) {
		writeError(w, http.StatusInternalServerError, apiErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
