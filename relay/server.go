package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	PingTimeout   time.Duration
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	MaxFrameBytes int64
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		PingTimeout:   15 * time.Second,
		WriteTimeout:  5 * time.Second,
		ReadTimeout:   60 * time.Second,
		MaxFrameBytes: 16 * 1024 * 1024,
	}
}

type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	config   *Config
	settings *ServerSettings

	graph *Graph
	hub   *Hub

	upgrader websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, config *Config) *Server {
	return NewServer(ctx, config, DefaultServerSettings())
}

func NewServer(ctx context.Context, config *Config, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)

	graph := NewGraph()
	if config.SnapshotPath != "" {
		if err := graph.Load(config.SnapshotPath); err != nil {
			glog.Infof("[relay]no snapshot loaded = %s\n", err)
		}
	}

	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		config:   config,
		settings: settings,
		graph:    graph,
		hub:      NewHub(graph, settings),
		upgrader: websocket.Upgrader{
			// peers connect from file:// and app origins
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Server) Graph() *Graph {
	return self.graph
}

func (self *Server) Router() *gin.Engine {
	router := gin.Default()

	router.GET("/gun", self.handleWs)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"peers": self.hub.PeerCount(),
			"nodes": self.graph.NodeCount(),
		})
	})

	return router
}

func (self *Server) handleWs(c *gin.Context) {
	conn, err := self.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	self.hub.Handle(self.ctx, conn)
}

// serve until ctx is done. Snapshots the graph on an interval and once
// more at shutdown.
func (self *Server) Run() error {
	if self.config.SnapshotPath != "" {
		go self.snapshotLoop()
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", self.config.Port),
		Handler: self.Router(),
	}
	go func() {
		<-self.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("[relay]listening on :%d\n", self.config.Port)
	err := httpServer.ListenAndServe()

	if self.config.SnapshotPath != "" {
		if saveErr := self.graph.Save(self.config.SnapshotPath); saveErr != nil {
			glog.Infof("[relay]final snapshot = %s\n", saveErr)
		}
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (self *Server) snapshotLoop() {
	ticker := time.NewTicker(self.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			if err := self.graph.Save(self.config.SnapshotPath); err != nil {
				glog.Infof("[relay]snapshot = %s\n", err)
			}
		}
	}
}

func (self *Server) Close() {
	self.cancel()
}
