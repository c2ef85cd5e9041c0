// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 监控 HTTP 服务 - Prometheus 指标、传输健康状态与探针
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded" // 传输仍在推进，但超时重传偏多
	StatusUnhealthy = "unhealthy"

	shutdownTimeout = 5 * time.Second
)

// HealthStatus 健康状态
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// serving healthy 与 degraded 都视为可服务
func (h HealthStatus) serving() bool {
	return h.Status == StatusHealthy || h.Status == StatusDegraded
}

// MetricsServer 指标服务器
type MetricsServer struct {
	listen      string
	metricsPath string
	healthPath  string
	enablePprof bool

	registry *prometheus.Registry
	started  time.Time
	alive    int32

	mu          sync.RWMutex
	srv         *http.Server
	healthCheck func() HealthStatus
}

// NewMetricsServer 创建指标服务器，使用独立 registry
func NewMetricsServer(listen, metricsPath, healthPath string, enablePprof bool) *MetricsServer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &MetricsServer{
		listen:      listen,
		metricsPath: metricsPath,
		healthPath:  healthPath,
		enablePprof: enablePprof,
		registry:    registry,
		started:     time.Now(),
		alive:       1,
	}
}

// RegisterCollector 注册收集器
func (s *MetricsServer) RegisterCollector(c prometheus.Collector) error {
	return s.registry.Register(c)
}

// MustRegisterCollector 注册收集器，失败时 panic
func (s *MetricsServer) MustRegisterCollector(c prometheus.Collector) {
	s.registry.MustRegister(c)
}

// SetHealthCheck 设置健康检查函数
func (s *MetricsServer) SetHealthCheck(fn func() HealthStatus) {
	s.mu.Lock()
	s.healthCheck = fn
	s.mu.Unlock()
}

// SetHealthy 设置存活状态
func (s *MetricsServer) SetHealthy(healthy bool) {
	var v int32
	if healthy {
		v = 1
	}
	atomic.StoreInt32(&s.alive, v)
}

// GetRegistry 获取 registry
func (s *MetricsServer) GetRegistry() *prometheus.Registry {
	return s.registry
}

// Handler 构造 HTTP 路由
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(s.metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	mux.HandleFunc(s.healthPath, s.handleHealth)
	mux.HandleFunc(s.healthPath+"/live", probe("OK", "NOT OK", func() bool {
		return atomic.LoadInt32(&s.alive) == 1
	}))
	mux.HandleFunc(s.healthPath+"/ready", probe("READY", "NOT READY", func() bool {
		status, ok := s.check()
		return ok && status.serving()
	}))

	if s.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

// Serve 监听并服务，阻塞到 ctx 结束或服务出错
func (s *MetricsServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("metrics 监听失败: %w", err)
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics 服务器错误: %w", err)
	}
}

// Stop 优雅关闭
func (s *MetricsServer) Stop() {
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Shutdown(ctx)
}

// check 执行健康检查，未设置时 ok 为 false
func (s *MetricsServer) check() (HealthStatus, bool) {
	s.mu.RLock()
	fn := s.healthCheck
	s.mu.RUnlock()

	if fn == nil {
		return HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}, false
	}
	return fn(), true
}

func (s *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, _ := s.check()
	if status.Uptime == "" {
		status.Uptime = time.Since(s.started).Truncate(time.Second).String()
	}

	w.Header().Set("Content-Type", "application/json")
	if !status.serving() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// probe 构造纯文本探针
func probe(okBody, failBody string, ok func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(okBody))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(failBody))
	}
}
