// Package bridge exposes the session lifecycle over a local HTTP/WS server
// so a web front end can drive a headless client.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chanbet/chanbet-go/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Lifecycle is the slice of the session machine the bridge drives.
type Lifecycle interface {
	Snapshot() session.State
	Subscribe(fn func(session.State)) func()
	OpenSession(ctx context.Context, depositAmount string) error
	ResumeSession(ctx context.Context) error
	StartGame(ctx context.Context, slug string) error
	EndGame(ctx context.Context) error
	PlayRound(ctx context.Context, choice any, betAmount string) (*session.RoundRecord, error)
	CashOut(ctx context.Context) error
	CloseSession(ctx context.Context) error
	Reset()
}

type Server struct {
	lifecycle Lifecycle
	log       *zap.Logger
	router    *gin.Engine
}

// NewServer builds the route tree. A non-empty secret puts every route
// except /healthz behind a bearer token check.
func NewServer(lifecycle Lifecycle, secret string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		lifecycle: lifecycle,
		log:       log,
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery())

	s.router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/")
	if secret != "" {
		api.Use(authGuard(secret))
	}

	api.GET("/state", s.getState)
	api.GET("/ws", s.handleWS)
	api.POST("/session/open", s.openSession)
	api.POST("/session/resume", s.resumeSession)
	api.POST("/session/close", s.closeSession)
	api.POST("/game/start", s.startGame)
	api.POST("/game/end", s.endGame)
	api.POST("/round", s.playRound)
	api.POST("/cashout", s.cashOut)
	api.POST("/reset", s.reset)

	return s
}

// Handler returns the underlying http handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run blocks serving on addr.
func (s *Server) Run(addr string) error {
	s.log.Info("bridge listening", zap.String("addr", addr))
	return s.router.Run(addr)
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.lifecycle.Snapshot())
}

type openRequest struct {
	DepositAmount string `json:"deposit_amount" binding:"required"`
}

func (s *Server) openSession(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if err := s.lifecycle.OpenSession(c.Request.Context(), req.DepositAmount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to open session",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Snapshot())
}

func (s *Server) resumeSession(c *gin.Context) {
	if err := s.lifecycle.ResumeSession(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to resume session",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Snapshot())
}

func (s *Server) closeSession(c *gin.Context) {
	if err := s.lifecycle.CloseSession(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to close session",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Snapshot())
}

type startGameRequest struct {
	Slug string `json:"slug" binding:"required"`
}

func (s *Server) startGame(c *gin.Context) {
	var req startGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if err := s.lifecycle.StartGame(c.Request.Context(), req.Slug); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to start game",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Snapshot())
}

func (s *Server) endGame(c *gin.Context) {
	if err := s.lifecycle.EndGame(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to end game",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Snapshot())
}

type roundRequest struct {
	Choice    json.RawMessage `json:"choice" binding:"required"`
	BetAmount string          `json:"bet_amount" binding:"required"`
}

func (s *Server) playRound(c *gin.Context) {
	var req roundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	record, err := s.lifecycle.PlayRound(c.Request.Context(), req.Choice, req.BetAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to play round",
			"details": err.Error(),
		})
		return
	}
	if record == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error": "No game ready or a round is already in flight",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"round": record,
		"state": s.lifecycle.Snapshot(),
	})
}

func (s *Server) cashOut(c *gin.Context) {
	if err := s.lifecycle.CashOut(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to cash out",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Snapshot())
}

func (s *Server) reset(c *gin.Context) {
	s.lifecycle.Reset()
	c.JSON(http.StatusOK, s.lifecycle.Snapshot())
}

// handleWS streams a state snapshot on every change. The first frame is the
// current state so a reconnecting UI never starts blind.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates := make(chan session.State, 16)
	unsub := s.lifecycle.Subscribe(func(state session.State) {
		select {
		case updates <- state:
		default:
			// slow consumer, it will catch up on the next change
		}
	})
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(s.lifecycle.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case state := <-updates:
			if err := conn.WriteJSON(state); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
