package handlers

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/fablemind/fablemind-backend/internal/http/middleware"
	"github.com/fablemind/fablemind-backend/internal/http/response"
	"github.com/fablemind/fablemind-backend/internal/platform/cliproxy"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

// CLIProxyHandler exposes the per-user OAuth-proxy lifecycle and forwards
// management calls to the user's own instance.
type CLIProxyHandler struct {
	log        *logger.Logger
	supervisor *cliproxy.Supervisor
}

func NewCLIProxyHandler(log *logger.Logger, supervisor *cliproxy.Supervisor) *CLIProxyHandler {
	return &CLIProxyHandler{log: log.With("handler", "CLIProxyHandler"), supervisor: supervisor}
}

func (ph *CLIProxyHandler) Start(c *gin.Context) {
	inst, err := ph.supervisor.EnsureProcess(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"port": inst.Port, "ready": inst.Ready})
}

func (ph *CLIProxyHandler) Status(c *gin.Context) {
	inst, ok := ph.supervisor.Instance(middleware.UserID(c))
	if !ok {
		response.RespondOK(c, gin.H{"running": false})
		return
	}
	response.RespondOK(c, gin.H{"running": true, "port": inst.Port, "ready": inst.Ready})
}

func (ph *CLIProxyHandler) Stop(c *gin.Context) {
	ph.supervisor.Stop(middleware.UserID(c))
	response.RespondOK(c, gin.H{"stopped": true})
}

// Forward relays any other cli2api-auth call to the user's instance,
// spawning it on demand. The wildcard path is passed through untouched so
// OAuth callbacks reach the proxy's own management API.
func (ph *CLIProxyHandler) Forward(c *gin.Context) {
	inst, err := ph.supervisor.EnsureProcess(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	target := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("127.0.0.1:%d", inst.Port),
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Director = func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.URL.Path = c.Param("path")
		req.Host = target.Host
		req.Header.Set("Authorization", "Bearer "+inst.APIKey)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		ph.log.Warn("cli2api forward failed", "user_id", middleware.UserID(c), "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	proxy.ServeHTTP(c.Writer, c.Request)
}
