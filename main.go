package main

import (
	"context"
	"log"
	"os"

	"glasscam/internal/camera"
	"glasscam/internal/config"
	"glasscam/internal/control"
	"glasscam/internal/server"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load(os.Getenv("GLASSCAM_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	ctrl, err := control.NewFromConfig(cfg, camera.NewDefaultBackends(cfg.Capture.ReadTimeout))
	if err != nil {
		log.Fatalf("カメラの初期化に失敗しました: %v", err)
	}

	// サーバーを作成
	srv := server.New(cfg, ctrl)

	// コンテキストを作成
	ctx := context.Background()
	_ = ctrl.StartCameras(ctx, cfg.AutoStartIDs())

	// サーバーを起動
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
