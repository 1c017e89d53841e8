// Package api административный HTTP API сервера и gRPC health-check.
package api

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/annel0/blockcore/internal/auth"
	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/middleware"
	"github.com/annel0/blockcore/internal/player"
	"github.com/annel0/blockcore/internal/world"
)

// Game операции сервера, доступные через API
type Game interface {
	Chunks() *world.Registry
	Players() *player.Manager
	Kick(id int32, reason string) bool
	UnloadChunk(ctx context.Context, coord world.ChunkCoord) error
	SaveAll(ctx context.Context) (int, error)
}

// Config настройки административного API
type Config struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	GRPCAddr string `yaml:"grpc_addr" env:"GRPC_ADDR"` // пустая строка отключает gRPC health
	// Secret HMAC-секрет токенов в base64. Пустой секрет отключает авторизацию.
	Secret       string        `yaml:"secret" env:"SECRET"`
	User         string        `yaml:"user" env:"USER"`
	PasswordHash string        `yaml:"password_hash" env:"PASSWORD_HASH"` // bcrypt
	TokenTTL     time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// DefaultConfig настройки по умолчанию
func DefaultConfig() Config {
	return Config{
		Addr:     ":8088",
		GRPCAddr: ":8089",
		User:     "admin",
		TokenTTL: 24 * time.Hour,
	}
}

// RestServer административный REST API
type RestServer struct {
	cfg     Config
	router  *gin.Engine
	game    Game
	tokens  *auth.Tokens
	metrics *ServerMetrics
	logger  *logging.Logger
}

// NewRestServer создаёт API. Метрики HTTP регистрируются в reg, а
// /metrics отдаёт содержимое gatherer.
func NewRestServer(cfg Config, game Game, reg prometheus.Registerer, gatherer prometheus.Gatherer, logger *logging.Logger) (*RestServer, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}

	var tokens *auth.Tokens
	if cfg.Secret != "" {
		var err error
		if tokens, err = auth.NewTokens(cfg.Secret, cfg.TokenTTL); err != nil {
			return nil, fmt.Errorf("токены API: %w", err)
		}
	} else {
		logger.Warn("⚠️ Секрет API не задан, авторизация отключена")
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	router.Use(middleware.NewRequestLogger(logger).Handler())
	router.Use(otelgin.Middleware("admin_api"))

	promMw, err := middleware.NewPrometheusMiddleware("admin_api", reg)
	if err != nil {
		return nil, fmt.Errorf("метрики API: %w", err)
	}
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, gatherer)

	rs := &RestServer{
		cfg:     cfg,
		router:  router,
		game:    game,
		tokens:  tokens,
		metrics: NewServerMetrics(),
		logger:  logger,
	}
	rs.setupRoutes()
	return rs, nil
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	api := rs.router.Group("/api")

	api.POST("/auth/login", rs.handleLogin)

	protected := api.Group("/")
	protected.Use(rs.jwtMiddleware())
	{
		protected.GET("/stats", rs.handleStats)
		protected.GET("/chunks", rs.handleChunks)
		protected.GET("/chunks/:x/:z", rs.handleChunk)
		protected.GET("/players", rs.handlePlayers)

		admin := protected.Group("/")
		admin.Use(rs.adminMiddleware())
		{
			admin.POST("/chunks/:x/:z/unload", rs.handleUnloadChunk)
			admin.POST("/players/:id/kick", rs.handleKick)
			admin.POST("/save", rs.handleSave)
		}
	}

	rs.router.GET("/health", rs.handleHealth)
}

// Handler возвращает http.Handler API
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}

// Run обслуживает запросы до отмены ctx
func (rs *RestServer) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", rs.cfg.Addr)
	if err != nil {
		return fmt.Errorf("не удалось слушать %s: %w", rs.cfg.Addr, err)
	}
	return rs.Serve(ctx, l)
}

// Serve обслуживает запросы на l до отмены ctx
func (rs *RestServer) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           rs.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	rs.logger.Info("🌐 REST API запущен на %s", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// LoginRequest запрос на вход
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ChunkInfo состояние чанка
type ChunkInfo struct {
	X        int32  `json:"x"`
	Z        int32  `json:"z"`
	State    string `json:"state"`
	Dirty    bool   `json:"dirty,omitempty"`
	Sections int    `json:"sections,omitempty"`
}

// PlayerInfo игрок в ответе API
type PlayerInfo struct {
	EntityID  int32   `json:"entity_id"`
	UUID      string  `json:"uuid"`
	Name      string  `json:"name"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	OnGround  bool    `json:"on_ground"`
	LatencyMS int64   `json:"latency_ms"`
}

func (rs *RestServer) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Message: "Неверный формат запроса"})
		return
	}
	if rs.tokens == nil {
		c.JSON(http.StatusNotFound, GenericResponse{Message: "Авторизация отключена"})
		return
	}
	if req.Username != rs.cfg.User || rs.cfg.PasswordHash == "" || !auth.CheckPassword(rs.cfg.PasswordHash, req.Password) {
		rs.logger.Warn("🔒 Неудачный вход оператора %q с %s", req.Username, c.ClientIP())
		c.JSON(http.StatusUnauthorized, GenericResponse{Message: "Неверное имя пользователя или пароль"})
		return
	}

	token, err := rs.tokens.Generate(req.Username, true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, GenericResponse{Message: "Ошибка создания токена"})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Вход выполнен",
		Data:    gin.H{"token": token},
	})
}

func (rs *RestServer) handleHealth(c *gin.Context) {
	chunks := rs.game.Chunks()
	status := "ok"
	code := http.StatusOK
	if chunks.Closed() {
		status = "stopping"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"uptime":  rs.metrics.GetUptime(),
		"players": rs.game.Players().Len(),
	})
}

func (rs *RestServer) handleStats(c *gin.Context) {
	chunks := rs.game.Chunks()
	states := make(map[string]int)
	for state, n := range chunks.Counts() {
		states[state.String()] = n
	}

	memory, _ := rs.metrics.GetMemoryUsage()
	cpu, err := rs.metrics.GetCPUUsage()
	if err != nil {
		rs.logger.Debug("CPU недоступен: %v", err)
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика сервера",
		Data: gin.H{
			"uptime":          rs.metrics.GetUptime(),
			"players":         rs.game.Players().Len(),
			"chunks":          states,
			"chunk_ops":       chunks.InFlight(),
			"memory_mb":       memory,
			"cpu_percent":     cpu,
			"memory_detailed": rs.metrics.GetDetailedMemoryStats(),
		},
	})
}

func (rs *RestServer) handleChunks(c *gin.Context) {
	resident := rs.game.Chunks().Resident()
	out := make([]ChunkInfo, 0, len(resident))
	for _, coord := range resident {
		out = append(out, rs.chunkInfo(coord))
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Загруженные чанки", Data: out})
}

func (rs *RestServer) handleChunk(c *gin.Context) {
	coord, ok := parseCoord(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Чанк", Data: rs.chunkInfo(coord)})
}

func (rs *RestServer) chunkInfo(coord world.ChunkCoord) ChunkInfo {
	chunks := rs.game.Chunks()
	info := ChunkInfo{X: coord.X, Z: coord.Z, State: chunks.State(coord).String()}
	if ch, ok := chunks.Chunk(coord); ok {
		info.Dirty = ch.Dirty()
		info.Sections = bits.OnesCount16(ch.SectionMask())
	}
	return info
}

func (rs *RestServer) handleUnloadChunk(c *gin.Context) {
	coord, ok := parseCoord(c)
	if !ok {
		return
	}
	err := rs.game.UnloadChunk(c.Request.Context(), coord)
	switch {
	case err == nil:
		rs.logger.Info("📤 Оператор выгрузил чанк %s", coord)
		c.JSON(http.StatusAccepted, GenericResponse{Success: true, Message: "Выгрузка запущена"})
	case errors.Is(err, world.ErrNotResident):
		c.JSON(http.StatusNotFound, GenericResponse{Message: "Чанк не загружен"})
	default:
		c.JSON(http.StatusConflict, GenericResponse{Message: err.Error()})
	}
}

func (rs *RestServer) handlePlayers(c *gin.Context) {
	all := rs.game.Players().All()
	out := make([]PlayerInfo, 0, len(all))
	for _, p := range all {
		pos := p.Position()
		out = append(out, PlayerInfo{
			EntityID:  p.EntityID(),
			UUID:      p.UUID().String(),
			Name:      p.Name(),
			X:         pos.X,
			Y:         pos.Y,
			Z:         pos.Z,
			OnGround:  p.OnGround(),
			LatencyMS: p.Latency().Milliseconds(),
		})
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Игроки онлайн", Data: out})
}

func (rs *RestServer) handleKick(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Message: "Неверный id игрока"})
		return
	}
	reason := c.DefaultQuery("reason", "Отключён администратором")
	if !rs.game.Kick(int32(id), reason) {
		c.JSON(http.StatusNotFound, GenericResponse{Message: "Игрок не найден"})
		return
	}
	rs.logger.Info("👢 Оператор отключил игрока %d: %s", id, reason)
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Игрок отключён"})
}

func (rs *RestServer) handleSave(c *gin.Context) {
	n, err := rs.game.SaveAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, GenericResponse{
			Message: err.Error(),
			Data:    gin.H{"saved": n},
		})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Мир сохранён", Data: gin.H{"saved": n}})
}

func parseCoord(c *gin.Context) (world.ChunkCoord, bool) {
	x, errX := strconv.ParseInt(c.Param("x"), 10, 32)
	z, errZ := strconv.ParseInt(c.Param("z"), 10, 32)
	if errX != nil || errZ != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Message: "Неверные координаты чанка"})
		return world.ChunkCoord{}, false
	}
	return world.ChunkCoord{X: int32(x), Z: int32(z)}, true
}
