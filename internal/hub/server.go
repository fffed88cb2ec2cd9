package hub

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// App wires every component together and exposes the gin engine.
type App struct {
	Creds    *CredentialStore
	Store    *Store
	Registry *Registry
	Fanout   *Fanout
	Composer *Composer
	Update   *UpdateHandler

	stop chan struct{}
}

func NewApp(creds *CredentialStore, store *Store) *App {
	registry := NewRegistry()
	fanout := NewFanout()
	composer := NewComposer(creds, registry, fanout)
	return &App{
		Creds:    creds,
		Store:    store,
		Registry: registry,
		Fanout:   fanout,
		Composer: composer,
		Update:   NewUpdateHandler(registry),
		stop:     make(chan struct{}),
	}
}

// Start launches the background jobs: the store's aggregation/retention
// loop and the composer's 1-second tick.
func (a *App) Start() {
	go a.Store.RunAggregationLoop(a.stop)
	go a.Composer.RunTick(a.stop)
}

func (a *App) Shutdown() {
	close(a.stop)
}

var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var dashboardUpgrader = agentUpgrader

// Router builds the gin engine with the agent and dashboard websocket routes
// plus the admin API. The login/settings/install-script surface lives in a
// separate layer and is not registered here.
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ws/agent", a.handleAgentWS)
	r.GET("/ws", a.handleDashboardWS)

	admin := r.Group("/api")
	admin.Use(AdminAuthMiddleware(a.Creds))
	admin.POST("/servers/:id/update", a.Update.Handle)
	admin.GET("/history/:server_id", a.handleHistory)
	admin.GET("/metrics/all", a.handleMetricsAll)

	return r
}

func (a *App) handleAgentWS(c *gin.Context) {
	conn, err := agentUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	session := NewSession(conn, a.Creds, a.Registry, a.Store, a.Composer)
	session.Run()
}

func (a *App) handleDashboardWS(c *gin.Context) {
	conn, err := dashboardUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := a.Fanout.Subscribe()
	defer a.Fanout.Unsubscribe(ch)

	// Initial snapshot on attach, with site settings, so a fresh dashboard
	// sees current state before the next broadcast.
	initial := a.Composer.ComposeForAttach()
	if data, err := json.Marshal(initial); err == nil {
		if conn.WriteMessage(websocket.TextMessage, data) != nil {
			return
		}
	}

	// Drain and ignore inbound frames except close; detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if conn.WriteMessage(websocket.TextMessage, data) != nil {
				return
			}
		}
	}
}

func (a *App) handleHistory(c *gin.Context) {
	serverID := c.Param("server_id")
	rng := c.DefaultQuery("range", "1h")

	points, err := a.Store.QueryRange(serverID, rng)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store query failed"})
		return
	}
	c.JSON(http.StatusOK, points)
}

func (a *App) handleMetricsAll(c *gin.Context) {
	c.JSON(http.StatusOK, a.Composer.Compose())
}
