package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterOptions HTTP 路由可选项
type RouterOptions struct {
	// StaticDir 前端静态资源目录，为空则不挂载
	StaticDir string
	// Gatherer /metrics 使用的指标来源，默认 prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
	Log      *zap.SugaredLogger
}

// NewRouter 组装 HTTP 路由：/ws、/healthz、/metrics、/admin/*、静态资源
func NewRouter(room *Room, cfg Config, opts RouterOptions) http.Handler {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Log == nil {
		opts.Log = Log
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/ws", NewWSHandler(room, cfg, opts.Log))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	admin := &adminHandlers{room: room, log: opts.Log}
	r.Route("/admin", func(r chi.Router) {
		r.Get("/config", admin.getConfig)
		r.Post("/config", admin.postConfig)
		r.Get("/stats", admin.stats)
		r.Get("/entities", admin.entities)
	})

	if opts.StaticDir != "" {
		// 前后端分离：将 / 映射到静态资源目录
		r.Handle("/*", http.FileServer(http.Dir(opts.StaticDir)))
	}
	return r
}
