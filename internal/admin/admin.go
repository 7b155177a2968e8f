package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"

	"natpool/config"
	"natpool/internal/natlib"
	"natpool/internal/service"

	"github.com/sirupsen/logrus"
)

// AdminServer HTTP管理服务器
type AdminServer struct {
	config  *config.Config
	logger  *logrus.Logger
	service service.Service
	server  *http.Server
	tmpl    *template.Template
}

// NewAdminServer 创建新的管理服务器
func NewAdminServer(cfg *config.Config, logger *logrus.Logger, svc service.Service) *AdminServer {
	return &AdminServer{
		config:  cfg,
		logger:  logger,
		service: svc,
		tmpl:    template.Must(template.New("index").Parse(adminHTML)),
	}
}

// Handler 返回带认证的路由
func (as *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", as.authMiddleware(as.handleIndex))
	mux.HandleFunc("/api/status", as.authMiddleware(as.handleStatus))
	mux.HandleFunc("/api/addresses", as.authMiddleware(as.handleAddresses))
	mux.HandleFunc("/api/sessions", as.authMiddleware(as.handleSessions))
	return mux
}

// Start 启动管理服务器
func (as *AdminServer) Start() error {
	if !as.config.Admin.Enabled {
		as.logger.Info("管理服务已禁用")
		return nil
	}

	as.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", as.config.Admin.Host, as.config.Admin.Port),
		Handler:      as.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	as.logger.WithFields(logrus.Fields{
		"host": as.config.Admin.Host,
		"port": as.config.Admin.Port,
	}).Info("启动HTTP管理服务")

	go func() {
		if err := as.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			as.logger.WithError(err).Error("HTTP管理服务启动失败")
		}
	}()

	return nil
}

// Stop 停止管理服务器
func (as *AdminServer) Stop() error {
	if as.server != nil {
		as.logger.Info("停止HTTP管理服务")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return as.server.Shutdown(ctx)
	}
	return nil
}

// authMiddleware 认证中间件
func (as *AdminServer) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || !as.checkCredentials(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="NAT Pool Admin"`)
			http.Error(w, "需要认证", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// checkCredentials 检查用户凭据
func (as *AdminServer) checkCredentials(username, password string) bool {
	return subtle.ConstantTimeCompare([]byte(username), []byte(as.config.Admin.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(password), []byte(as.config.Admin.Password)) == 1
}

// handleIndex 处理首页
func (as *AdminServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := as.tmpl.Execute(w, map[string]interface{}{"Title": "NAT 地址池管理"}); err != nil {
		as.logger.WithError(err).Error("渲染首页模板失败")
		http.Error(w, "内部服务器错误", http.StatusInternalServerError)
	}
}

// handleStatus 处理状态API
func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "方法不允许", http.StatusMethodNotAllowed)
		return
	}
	as.writeJSON(w, as.service.GetStatus())
}

// handleSessions 处理会话统计API
func (as *AdminServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "方法不允许", http.StatusMethodNotAllowed)
		return
	}
	as.writeJSON(w, as.service.GetSessionStats())
}

// handleAddresses 处理池地址API
func (as *AdminServer) handleAddresses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		as.writeJSON(w, as.service.GetAddresses())
	case http.MethodPost:
		as.handleAddAddress(w, r)
	case http.MethodDelete:
		as.handleRemoveAddress(w, r)
	default:
		as.writeJSONResponse(w, http.StatusMethodNotAllowed, "方法不允许", nil)
	}
}

func (as *AdminServer) handleAddAddress(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		as.writeJSONResponse(w, http.StatusBadRequest, "读取请求体失败", nil)
		return
	}

	var req AddAddressRequest
	if err := json.Unmarshal(body, &req); err != nil {
		as.writeJSONResponse(w, http.StatusBadRequest, "JSON格式错误", nil)
		return
	}
	if req.Address == "" {
		as.writeJSONResponse(w, http.StatusBadRequest, "缺少地址", nil)
		return
	}

	n, err := as.service.AddAddresses(req.Address, req.Count, req.FIBIndex, "admin")
	as.writeChangeResult(w, "添加", n, err)
}

func (as *AdminServer) handleRemoveAddress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	address := q.Get("address")
	if address == "" {
		as.writeJSONResponse(w, http.StatusBadRequest, "缺少地址", nil)
		return
	}

	count := 1
	if s := q.Get("count"); s != "" {
		c, err := strconv.Atoi(s)
		if err != nil || c <= 0 {
			as.writeJSONResponse(w, http.StatusBadRequest, "地址数量格式错误", nil)
			return
		}
		count = c
	}

	force := false
	if s := q.Get("force"); s != "" {
		f, err := strconv.ParseBool(s)
		if err != nil {
			as.writeJSONResponse(w, http.StatusBadRequest, "force 参数格式错误", nil)
			return
		}
		force = f
	}

	n, err := as.service.RemoveAddresses(address, count, force, "admin")
	as.writeChangeResult(w, "删除", n, err)
}

// writeChangeResult 按错误类型映射HTTP状态码
func (as *AdminServer) writeChangeResult(w http.ResponseWriter, action string, applied int, err error) {
	result := AddressChangeResult{Applied: applied, Code: int(natlib.CodeOf(err))}
	if err == nil {
		as.writeJSONResponse(w, http.StatusOK, fmt.Sprintf("%s池地址成功", action), result)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, natlib.ErrValueExist), errors.Is(err, natlib.ErrAddressBusy):
		status = http.StatusConflict
	case errors.Is(err, natlib.ErrNoSuchEntry):
		status = http.StatusNotFound
	case errors.Is(err, natlib.ErrInvalidAddress):
		status = http.StatusBadRequest
	}
	as.logger.WithError(err).WithField("applied", applied).Warnf("%s池地址失败", action)
	as.writeJSONResponse(w, status, fmt.Sprintf("%s池地址失败: %v", action, err), result)
}

// writeJSON 写入JSON响应
func (as *AdminServer) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		as.logger.WithError(err).Error("编码JSON响应失败")
		http.Error(w, "内部服务器错误", http.StatusInternalServerError)
	}
}

// writeJSONResponse 写入标准JSON响应
func (as *AdminServer) writeJSONResponse(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Status:  "error",
		Message: message,
		Data:    data,
	}
	if statusCode >= 200 && statusCode < 300 {
		response.Status = "success"
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		as.logger.WithError(err).Error("编码JSON响应失败")
	}
}
