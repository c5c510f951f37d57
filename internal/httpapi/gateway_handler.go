package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/douxiyou/vita-monit/internal/protocol"
	"github.com/douxiyou/vita-monit/internal/registry"
)

// GatewayHandler 设备注册表查询与管理
type GatewayHandler struct {
	registry  registry.Registry
	exportDir string
	worker    int
	logger    *zap.Logger
}

func NewGatewayHandler(reg registry.Registry, exportDir string, worker int, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{
		registry:  reg,
		exportDir: exportDir,
		worker:    worker,
		logger:    logger,
	}
}

type devicesResult struct {
	Items []registry.DeviceRecord `json:"items"`
	Total int                     `json:"total"`
}

// ListDevices GET /api/v1/devices?status=online
func (g *GatewayHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	status := registry.Status(r.URL.Query().Get("status"))

	all := g.registry.GetAll()
	items := make([]registry.DeviceRecord, 0, len(all))
	for _, rec := range all {
		if status != "" && rec.Status != status {
			continue
		}
		items = append(items, rec)
	}
	reply(w, http.StatusOK, Ok(devicesResult{Items: items, Total: len(items)}))
}

// GetDevice GET /api/v1/devices/{id}，id 可以是任意格式的 MAC
func (g *GatewayHandler) GetDevice(w http.ResponseWriter, r *http.Request, id string) {
	if mac, err := protocol.NormalizeMAC(id); err == nil {
		id = mac
	}
	rec, ok := g.registry.Get(id)
	if !ok {
		reply(w, http.StatusNotFound, Fail("device not found"))
		return
	}
	reply(w, http.StatusOK, Ok(rec))
}

type logsResult struct {
	Items []registry.LogEntry `json:"items"`
	Total int                 `json:"total"`
}

// ListLogs GET /api/v1/logs?limit=100，返回最新的 limit 条（旧→新）
func (g *GatewayHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	entries := g.registry.Logs()
	total := len(entries)

	limit, err := logLimit(r)
	if err != nil {
		reply(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	reply(w, http.StatusOK, Ok(logsResult{Items: entries, Total: total}))
}

// logLimit 解析 ?limit=，缺省 0 表示全部
func logLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return n, nil
}

// maxExportBody 导出请求体上限
const maxExportBody = 1 << 12

var errBodyTooLarge = errors.New("request body too large")

type exportRequest struct {
	Path string `json:"path"`
}

type exportResult struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
}

var errExportPath = errors.New("export path must be a relative file name inside the export directory")

// resolveExportPath 只允许导出到 exportDir 内部
func (g *GatewayHandler) resolveExportPath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || !filepath.IsLocal(name) {
		return "", errExportPath
	}
	return filepath.Join(g.exportDir, name), nil
}

// readExportRequest 解析导出请求，超过上限或含未知字段时报错，不截断
func readExportRequest(w http.ResponseWriter, r *http.Request) (exportRequest, error) {
	var req exportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExportBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, errBodyTooLarge
		}
		return req, fmt.Errorf("invalid body: %w", err)
	}
	return req, nil
}

// ExportLogs POST /api/v1/logs/export {"path": "gateway.log"}
func (g *GatewayHandler) ExportLogs(w http.ResponseWriter, r *http.Request) {
	req, err := readExportRequest(w, r)
	if errors.Is(err, errBodyTooLarge) {
		reply(w, http.StatusRequestEntityTooLarge, Fail(err.Error()))
		return
	}
	if err != nil {
		reply(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}
	path, err := g.resolveExportPath(req.Path)
	if err != nil {
		reply(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}

	n, err := registry.ExportLogs(g.registry, path)
	if err != nil {
		g.logger.Error("Failed to export logs", zap.String("path", path), zap.Error(err))
		reply(w, http.StatusInternalServerError, Fail("failed to export logs"))
		return
	}

	g.logger.Info("Logs exported", zap.String("path", path), zap.Int("entries", n))
	reply(w, http.StatusOK, Ok(exportResult{Path: path, Entries: n}))
}

// ClearRegistry POST /api/v1/registry/clear
func (g *GatewayHandler) ClearRegistry(w http.ResponseWriter, r *http.Request) {
	removed := g.registry.Len()
	g.registry.Clear()
	g.logger.Info("Registry cleared", zap.Int("removed", removed))
	reply(w, http.StatusOK, Ok(map[string]int{"removed": removed}))
}

// Health GET /healthz
func (g *GatewayHandler) Health(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusOK, Ok(map[string]any{
		"status":  "ok",
		"worker":  g.worker,
		"devices": g.registry.Len(),
	}))
}
