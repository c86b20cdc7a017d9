package server

import (
	"fmt"
	"strconv"
	"strings"

	"coinstream/src/catalog"
	"coinstream/src/engine"
	"coinstream/src/feed"
	"coinstream/src/logger"
	"coinstream/src/models"
	"coinstream/src/registry"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

type Server struct {
	Config *models.MConfig
	Logger *logger.Logger
	router *gin.Engine

	engine    *engine.Engine
	catalog   *catalog.Aggregator
	converter *catalog.Converter
	history   *feed.HistoryService
	registry  *registry.Registry

	// WebSocket clients
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewServer(cfg *models.MConfig, log *logger.Logger, eng *engine.Engine, cat *catalog.Aggregator, converter *catalog.Converter, history *feed.HistoryService, reg *registry.Registry) *Server {
	// Set Gin mode
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		Config:     cfg,
		Logger:     log,
		router:     gin.Default(),
		engine:     eng,
		catalog:    cat,
		converter:  converter,
		history:    history,
		registry:   reg,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}

	// Add CORS Middleware
	s.router.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://localhost:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// setup web routes
	s.setupRoutes()
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// REST API endpoints
	s.router.GET("/api/health", s.getHealth)
	s.router.GET("/api/assets", s.getAssets)
	s.router.GET("/api/assets/search", s.searchAssets)
	s.router.GET("/api/assets/:id", s.getAssetByID)
	s.router.GET("/api/ranking", s.getRanking)
	s.router.GET("/api/bars", s.getBars)
	s.router.GET("/api/convert", s.getConvert)

	// WebSocket endpoint
	s.router.GET("/ws", s.handleWebSocket)
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	s.Logger.Info("Starting server on %s", addr)

	go s.runHub()

	return s.router.Run(addr)
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":   "ok",
		"name":     s.Config.Name,
		"sessions": s.registry.SessionCount(),
	})
}

// -----------------------------------------------------------------------------

func (s *Server) getAssets(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	assets, err := s.catalog.ListAssets(c.Request.Context(), limit)
	if err != nil {
		c.JSON(502, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"assets": assets})
}

// -----------------------------------------------------------------------------

func (s *Server) searchAssets(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(400, gin.H{"error": "missing query parameter 'q'"})
		return
	}

	assets, err := s.catalog.BySymbolSubstring(c.Request.Context(), query)
	if err != nil {
		c.JSON(502, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"assets": assets})
}

// -----------------------------------------------------------------------------

func (s *Server) getAssetByID(c *gin.Context) {
	asset, ok := s.catalog.ByID(c.Request.Context(), c.Param("id"))
	if !ok {
		// Absence is a valid outcome, not a server failure
		c.JSON(404, gin.H{"error": "asset not found"})
		return
	}
	c.JSON(200, asset)
}

// -----------------------------------------------------------------------------

func (s *Server) getRanking(c *gin.Context) {
	topN, _ := strconv.Atoi(c.DefaultQuery("n", "0"))

	assets, err := s.catalog.Ranking(c.Request.Context(), topN)
	if err != nil {
		c.JSON(502, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"assets": assets})
}

// -----------------------------------------------------------------------------

func (s *Server) getBars(c *gin.Context) {
	assetID := c.Query("asset")
	interval := c.DefaultQuery("interval", "1d")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	if assetID == "" {
		c.JSON(400, gin.H{"error": "missing query parameter 'asset'"})
		return
	}

	asset, ok := s.catalog.ByID(c.Request.Context(), assetID)
	if !ok {
		c.JSON(404, gin.H{"error": "asset not found"})
		return
	}

	bars, err := s.history.GetBars(c.Request.Context(), asset.TradeSymbol, asset.Symbol, interval, limit)
	if err != nil {
		c.JSON(502, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"asset": asset.ID, "interval": interval, "bars": bars})
}

// -----------------------------------------------------------------------------

func (s *Server) getConvert(c *gin.Context) {
	base := c.Query("from")
	quote := c.DefaultQuery("to", "usd")
	amountStr := c.DefaultQuery("amount", "1")

	if base == "" {
		c.JSON(400, gin.H{"error": "missing query parameter 'from'"})
		return
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid amount"})
		return
	}

	converted, err := s.converter.Convert(c.Request.Context(), base, quote, amount)
	if err != nil {
		c.JSON(502, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, gin.H{
		"from":   base,
		"to":     quote,
		"amount": amount.String(),
		"value":  converted.String(),
	})
}
