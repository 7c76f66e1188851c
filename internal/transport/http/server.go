package http

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"alaschat/internal/ai"
	appsvc "alaschat/internal/app"
	"alaschat/internal/bootstrap"
	"alaschat/internal/cache"
	"alaschat/internal/platform/rabbitmq"
	"alaschat/internal/repository"
	"alaschat/internal/transport/http/handler"
	"alaschat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	userRepo := repository.NewUserRepository(app.MySQL)
	sessionRepo := repository.NewSessionRepository(app.MySQL)
	messageRepo := repository.NewMessageRepository(app.MySQL)
	publisher := rabbitmq.NewMessagePublisher(app.MQConn, app.Config.RabbitMQ.MessagePersistQueue)
	historyCache := cache.NewHistoryCache(
		app.Redis,
		time.Duration(app.Config.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(app.Config.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)
	analyzer := ai.NewImageAnalyzer(ai.GeminiConfig{
		BaseURL: app.Config.Gemini.BaseURL,
		APIKey:  app.Config.Gemini.APIKey,
		Model:   app.Config.Gemini.Model,
	})

	authService := appsvc.NewAuthService(
		userRepo,
		app.Config.Auth.JWTSecret,
		time.Duration(app.Config.Auth.JWTExpireMinute)*time.Minute,
	)
	chatService := appsvc.NewChatService(
		sessionRepo,
		messageRepo,
		app.Images,
		analyzer,
		publisher,
		historyCache,
	)

	authHandler := handler.NewAuthHandler(authService)
	chatHandler := handler.NewChatHandler(chatService)
	uploadHandler := handler.NewUploadHandler(app.Images)
	analyzeHandler := handler.NewAnalyzeHandler(analyzer, strings.TrimSpace(app.Config.Gemini.APIKey) != "")

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthJWT(app.Config.Auth.JWTSecret), authHandler.Me)

	v1.POST("/images", uploadHandler.Upload)
	v1.POST("/analyze", analyzeHandler.Analyze)

	chatGroup := v1.Group("/chat")
	chatGroup.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	chatGroup.POST("/turns", chatHandler.SubmitTurn)
	chatGroup.GET("/sessions", chatHandler.ListSessions)
	chatGroup.DELETE("/sessions/:id", chatHandler.DeleteSession)
	chatGroup.GET("/history", chatHandler.GetHistory)

	return router
}
