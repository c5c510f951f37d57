package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（websocket、metrics）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func methodOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != method {
			reply(w, http.StatusMethodNotAllowed, Fail("method not allowed"))
			return
		}
		h(w, req)
	}
}

// RegisterGatewayRoutes 注册设备、日志和注册表管理路由
func (r *Router) RegisterGatewayRoutes(g *GatewayHandler) {
	r.Handle("/api/v1/devices", methodOnly(http.MethodGet, g.ListDevices))

	// devices/{id}
	r.Handle("/api/v1/devices/", methodOnly(http.MethodGet, func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimPrefix(req.URL.Path, "/api/v1/devices/")
		if id == "" || strings.Contains(id, "/") {
			reply(w, http.StatusNotFound, Fail("device not found"))
			return
		}
		g.GetDevice(w, req, id)
	}))

	r.Handle("/api/v1/logs", methodOnly(http.MethodGet, g.ListLogs))
	r.Handle("/api/v1/logs/export", methodOnly(http.MethodPost, g.ExportLogs))
	r.Handle("/api/v1/registry/clear", methodOnly(http.MethodPost, g.ClearRegistry))
	r.Handle("/healthz", methodOnly(http.MethodGet, g.Health))
}

// RegisterObserverRoutes 注册实时推送和指标
func (r *Router) RegisterObserverRoutes(ws http.Handler, metrics http.Handler) {
	if ws != nil {
		r.HandleHandler("/ws", ws)
	}
	if metrics != nil {
		r.HandleHandler("/metrics", metrics)
	}
}
