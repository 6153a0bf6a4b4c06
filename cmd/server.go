// Package main はglasscamサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"glasscam/internal/camera"
	"glasscam/internal/config"
	"glasscam/internal/control"
	"glasscam/internal/recording"
	"glasscam/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイル (YAML)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		recordDir  = flag.String("record-dir", "", "録画ディレクトリ")
		mock       = flag.Bool("mock", false, "実機の代わりにモックカメラを使う")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("glasscam")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *recordDir != "" {
		cfg.Recording.BaseDir = *recordDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	if cfg.Recording.Format == recording.FormatMP4 {
		if err := recording.ValidateFFmpeg(context.Background()); err != nil {
			log.Fatalf("mp4 録画には ffmpeg が必要です: %v", err)
		}
	}

	backends := camera.NewDefaultBackends(cfg.Capture.ReadTimeout)
	if *mock {
		log.Println("モックカメラで起動します")
		backends = camera.NewBackends(
			camera.NewMockBackend(camera.BackendGeneric, 33*time.Millisecond),
			camera.NewMockBackend(camera.BackendUVC, 16*time.Millisecond),
		)
	}

	ctrl, err := control.NewFromConfig(cfg, backends)
	if err != nil {
		log.Fatalf("カメラの初期化に失敗しました: %v", err)
	}

	// サーバーを作成
	srv := server.New(cfg, ctrl)

	// コンテキストを作成
	ctx := context.Background()
	_ = ctrl.StartCameras(ctx, cfg.AutoStartIDs())

	// サーバーを起動
	log.Printf("glasscam サーバーを起動します: %s", cfg.ServerAddress())
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
