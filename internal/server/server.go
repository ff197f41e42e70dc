package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kode4food/switchyard/internal/deadletter"
	"github.com/kode4food/switchyard/internal/dispatch"
	"github.com/kode4food/switchyard/internal/hub"
	"github.com/kode4food/switchyard/internal/lock"
	"github.com/kode4food/switchyard/internal/queue"
	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/internal/state"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/util"
)

type (
	// Server implements the HTTP surface of the step runtime: api trigger
	// ingress, operational endpoints, the trace stream, and the remote
	// worker socket
	Server struct {
		dispatcher  *dispatch.Dispatcher
		queue       *queue.Engine
		state       *state.Store
		locker      lock.Locker
		deadLetters deadletter.Store
		hub         *hub.Hub
		workers     *rpc.SocketInvoker
		sockets     util.Set[*Client]
		mu          sync.Mutex
	}

	// Deps are the runtime components a Server exposes. Workers is
	// optional; without it the worker socket is refused
	Deps struct {
		Dispatcher  *dispatch.Dispatcher
		Queue       *queue.Engine
		State       *state.Store
		Locker      lock.Locker
		DeadLetters deadletter.Store
		Hub         *hub.Hub
		Workers     *rpc.SocketInvoker
	}
)

// TraceHeader carries the trace id of api trigger requests and responses
const TraceHeader = "X-Trace-Id"

var ErrNoWorkerPool = errors.New("remote workers not enabled")

// NewServer creates a new HTTP API server
func NewServer(d Deps) *Server {
	return &Server{
		dispatcher:  d.Dispatcher,
		queue:       d.Queue,
		state:       d.State,
		locker:      d.Locker,
		deadLetters: d.DeadLetters,
		hub:         d.Hub,
		workers:     d.Workers,
		sockets:     util.Set[*Client]{},
	}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return slog.Default()
		}),
	))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set(
			"Access-Control-Allow-Methods",
			"GET, POST, PUT, PATCH, DELETE, OPTIONS",
		)
		c.Writer.Header().Set(
			"Access-Control-Allow-Headers",
			"Content-Type, Authorization, "+TraceHeader,
		)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// api trigger ingress
	router.Any("/api/*path", s.handleAPI)

	eng := router.Group("/engine")
	{
		// Step endpoints
		eng.GET("/step", s.listSteps)
		eng.POST("/step", s.createStep)
		eng.GET("/step/:name", s.getStep)
		eng.DELETE("/step/:name", s.deleteStep)

		// Queue endpoints
		eng.GET("/queue", s.queueMetrics)
		eng.POST("/queue/:topic", s.publishEvent)
		eng.GET("/dlq/:topic/:step", s.listDeadLetters)
		eng.POST("/dlq/:topic/:step/replay", s.replayDeadLetters)

		// State endpoints
		eng.GET("/state/:group", s.getStateGroup)
		eng.POST("/state/items", s.queryStateItems)

		// Lock endpoints
		eng.GET("/lock", s.listLocks)

		// WebSocket
		eng.GET("/ws", s.handleWebSocket)
	}

	router.GET("/rpc/ws", s.handleWorkerSocket)

	return router
}

func (s *Server) registerWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Add(c)
}

func (s *Server) unregisterWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Remove(c)
}

// CloseWebSockets closes all active WebSocket connections.
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*Client, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func writeError(c *gin.Context, status int, err error) {
	c.JSON(status, api.ErrorResponse{
		Error:   err.Error(),
		Status:  status,
		TraceID: api.TraceID(c.Writer.Header().Get(TraceHeader)),
	})
}

// statusOf maps the runtime's error taxonomy onto HTTP status codes
func statusOf(err error) int {
	var he *rpc.HandlerError
	switch {
	case api.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNoRoute),
		errors.Is(err, dispatch.ErrStepNotFound),
		errors.Is(err, deadletter.ErrNotFound),
		errors.Is(err, queue.ErrUnknownSubscription):
		return http.StatusNotFound
	case errors.Is(err, rpc.ErrCallTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, rpc.ErrChannelClosed),
		errors.Is(err, rpc.ErrNoWorker),
		errors.Is(err, queue.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.As(err, &he):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
