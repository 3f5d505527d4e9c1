package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Transformers-Daemon/internal/agent"
	xerrors "Transformers-Daemon/internal/errors"
	"Transformers-Daemon/internal/model"
	"Transformers-Daemon/internal/observability/metrics"
	"Transformers-Daemon/internal/task"
	"Transformers-Daemon/pkg/logger"
)

// Dependencies 汇集 Server 需要的守护进程能力。
type Dependencies struct {
	Name     string
	Status   func() map[string]any
	Agent    *agent.Agent
	Models   *model.Manager
	Tasks    *task.Service
	Shutdown func()
}

// Server 负责暴露 REST 接口,供外部查询状态与驱动指令执行。
type Server struct {
	addr      string
	authToken string
	grace     time.Duration
	deps      Dependencies
}

// NewServer 构造 API 服务实例。
func NewServer(addr, authToken string, graceSeconds int, deps Dependencies) *Server {
	grace := time.Duration(graceSeconds) * time.Second
	if grace <= 0 {
		grace = time.Second
	}
	if deps.Name == "" {
		deps.Name = "Transformers Autonomous Daemon"
	}
	return &Server{addr: addr, authToken: authToken, grace: grace, deps: deps}
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", s.instrument("root", http.HandlerFunc(s.handleRoot)))
	mux.Handle("/status", s.instrument("status", http.HandlerFunc(s.handleStatus)))
	mux.Handle("/thoughts", s.instrument("thoughts", http.HandlerFunc(s.handleThoughts)))
	mux.Handle("/models", s.instrument("models", http.HandlerFunc(s.handleModels)))
	mux.Handle("/interact", s.instrument("interact", s.requireAuth(s.handleInteract)))
	mux.Handle("/shutdown", s.instrument("shutdown", s.requireAuth(s.handleShutdown)))
	mux.Handle("/healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealthz)))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/api/v1/tasks", s.instrument("tasks", http.HandlerFunc(s.handleTasks)))
	mux.Handle("/api/v1/tasks/", s.instrument("task_detail", http.HandlerFunc(s.handleTaskDetail)))
	return mux
}

// Start 启动 HTTP 服务,直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "接口不存在"))
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      s.deps.Name,
		"status":    "alive",
		"message":   "I am autonomous and always active!",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.deps.Status == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "守护进程未初始化"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status())
}

func (s *Server) handleThoughts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	count := 20
	if raw := r.URL.Query().Get("count"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			count = parsed
		}
	}
	thoughts := []agent.Thought{}
	if s.deps.Agent != nil {
		thoughts = s.deps.Agent.RecentThoughts(count)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thoughts": thoughts,
		"count":    len(thoughts),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	models := []model.Entry{}
	if s.deps.Models != nil {
		models = s.deps.Models.Loaded()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

func (s *Server) handleInteract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.deps.Tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "指令管线未初始化"))
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空"))
		return
	}

	logger.L().Info("收到用户交互", slog.String("message", body.Message))
	submitted, err := s.deps.Tasks.Submit(r.Context(), agent.DirectiveRequest{
		Action:  "interact",
		Message: body.Message,
		Source:  "api",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "received",
		"message":   "I'm processing your message autonomously!",
		"task_id":   submitted.ID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	logger.Audit().Warn("通过 API 请求停机")
	if s.deps.Shutdown != nil {
		grace := s.grace
		go func() {
			time.Sleep(grace)
			s.deps.Shutdown()
		}()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "shutting down"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "指令管线未初始化"))
		return
	}
	if !s.authorized(r) {
		unauthorized(w)
		return
	}
	var req agent.DirectiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	submitted, err := s.deps.Tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "指令管线未初始化"))
		return
	}
	opts := listOptionsFromQuery(r)
	results, err := s.deps.Tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.deps.Tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "指令管线未初始化"))
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if rest == "stats" {
		stats, err := s.deps.Tasks.Stats(r.Context(), listOptionsFromQuery(r)...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "接口不存在"))
		return
	}
	result, err := s.deps.Tasks.Get(r.Context(), rest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func listOptionsFromQuery(r *http.Request) []task.ListOption {
	query := r.URL.Query()
	opts := make([]task.ListOption, 0, 4)
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]task.Status, 0, 2)
		for _, status := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(status)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts
}

// instrument 将 HTTP 指标采集挂到每个处理器上。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			unauthorized(w)
			return
		}
		next(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, httpStatusFor(code, err), map[string]any{
		"error": err.Error(),
		"code":  string(code),
	})
}

func httpStatusFor(code xerrors.Code, err error) int {
	switch {
	case stdErrors.Is(err, task.ErrTaskNotFound):
		return http.StatusNotFound
	case code == xerrors.CodeInvalidArgument, code == task.CodeTaskValidation:
		return http.StatusBadRequest
	case code == xerrors.CodeNotFound, code == task.CodeTaskNotFound:
		return http.StatusNotFound
	case code == xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"error": "不支持的请求方法",
	})
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error": "缺少或非法的访问令牌",
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
