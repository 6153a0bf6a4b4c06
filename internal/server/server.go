package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"glasscam/internal/config"
	"glasscam/internal/control"
)

// shutdownTimeout はHTTPサーバーとカメラの停止に使う時間
const shutdownTimeout = 10 * time.Second

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	controller *control.Controller
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, controller *control.Controller) *Server {
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())

	s := &Server{
		config:     cfg,
		controller: controller,
		engine:     engine,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/", s.handleRoot)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/devices", s.handleDevices)

	cameras := api.Group("/cameras")
	cameras.GET("", s.handleListCameras)
	cameras.GET("/:id", s.handleGetCamera)
	cameras.POST("/:id/start", s.handleStartCamera)
	cameras.POST("/:id/stop", s.handleStopCamera)
	cameras.GET("/:id/snapshot", s.handleSnapshot)
	cameras.GET("/:id/stream", s.handleStream)
	cameras.GET("/:id/ws", s.handleWebSocket)

	rec := api.Group("/recording")
	rec.POST("/start", s.handleStartRecording)
	rec.POST("/stop", s.handleStopRecording)
	rec.GET("/status", s.handleRecordingStatus)

	api.GET("/recordings", s.handleListRecordings)
}

// Start はサーバーを起動する
//
// コンテキストの終了かシグナルでHTTPサーバーを止め、録画とカメラも停止する。
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.Printf("HTTPサーバーを起動しています: %s", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Println("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Printf("シグナルを受信しました: %v", sig)
	case err := <-shutdownCh:
		s.shutdownController()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	log.Println("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// ストリーミング中の接続はカメラ停止で終わるので先にカメラを止める
	s.shutdownController()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Println("サーバーが正常にシャットダウンされました")
	return nil
}

func (s *Server) shutdownController() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.controller.Shutdown(ctx); err != nil {
		log.Printf("カメラの停止中にエラーが発生しました: %v", err)
	}
}
