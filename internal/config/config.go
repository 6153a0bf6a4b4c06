package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"glasscam/internal/camera"
	"glasscam/internal/recording"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	Cameras   []CameraConfig  `yaml:"cameras"`
	Recording RecordingConfig `yaml:"recording"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CaptureConfig はキャプチャ共通の設定
type CaptureConfig struct {
	ReadTimeout            time.Duration `yaml:"read_timeout"`             // 1フレームの読み出しタイムアウト
	StartTimeout           time.Duration `yaml:"start_timeout"`            // 最初のフレームを待つ時間
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"` // 致命的エラーとみなす連続失敗回数
}

// CameraConfig は個別カメラの設定
type CameraConfig struct {
	ID        string `yaml:"id"`         // カメラID (world, eye0, eye1)
	Name      string `yaml:"name"`       // 表示名
	Role      string `yaml:"role"`       // color / infrared
	Backend   string `yaml:"backend"`    // generic / uvc
	AutoStart bool   `yaml:"auto_start"` // 起動時に開始する

	// デバイス指定
	Device       string `yaml:"device"`        // デバイスパス (例: /dev/video2)
	VendorID     uint16 `yaml:"vendor_id"`     // USBベンダーID (例: 0x0c45)
	ProductID    uint16 `yaml:"product_id"`    // USBプロダクトID
	UID          string `yaml:"uid"`           // "bus:address"
	Address      int    `yaml:"address"`       // USBデバイスアドレス
	Serial       string `yaml:"serial"`        // シリアル番号
	NameContains string `yaml:"name_contains"` // デバイス名に含まれる文字列
	Ordinal      int    `yaml:"ordinal"`       // 同一機種の何台目か

	// キャプチャ形式
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
	Format string `yaml:"format"` // MJPG / YUYV / GREY

	// 向き補正
	Rotate int  `yaml:"rotate"` // 時計回りの角度
	FlipH  bool `yaml:"flip_h"`
	FlipV  bool `yaml:"flip_v"`
}

// RecordingConfig は録画の設定
type RecordingConfig struct {
	BaseDir        string        `yaml:"base_dir"`        // 録画ディレクトリの親
	Format         string        `yaml:"format"`          // mjpeg / mp4
	FPS            int           `yaml:"fps"`             // 出力フレームレート
	Quality        int           `yaml:"quality"`         // mp4の品質 (1-5)
	StartupTimeout time.Duration `yaml:"startup_timeout"` // 全カメラのライターが揃うまでの待ち時間
	DrainTimeout   time.Duration `yaml:"drain_timeout"`   // 停止時の書き出し待ち時間
	HistoryLimit   int           `yaml:"history_limit"`   // 保持する過去ジョブ数
}

// Default はデフォルト設定を返す
//
// world は汎用USBカメラ、eye0/eye1 は同一機種の赤外線カメラ2台を想定している。
func Default() *Config {
	rec := recording.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Capture: CaptureConfig{
			ReadTimeout:            2 * time.Second,
			StartTimeout:           camera.DefaultStartTimeout,
			MaxConsecutiveFailures: camera.DefaultMaxConsecutiveFailures,
		},
		Cameras: []CameraConfig{
			{
				ID:      "world",
				Name:    "World Camera",
				Role:    string(camera.RoleColor),
				Backend: string(camera.BackendGeneric),
				Device:  "/dev/video2",
				Width:   640,
				Height:  480,
				FPS:     30,
				Format:  "MJPG",
				FlipH:   true,
				FlipV:   true,
			},
			{
				ID:           "eye0",
				Name:         "Eye Camera 0",
				Role:         string(camera.RoleInfrared),
				Backend:      string(camera.BackendUVC),
				NameContains: "Pupil Cam2",
				Ordinal:      0,
				Width:        400,
				Height:       400,
				FPS:          60,
				Format:       "MJPG",
				Rotate:       90,
			},
			{
				ID:           "eye1",
				Name:         "Eye Camera 1",
				Role:         string(camera.RoleInfrared),
				Backend:      string(camera.BackendUVC),
				NameContains: "Pupil Cam2",
				Ordinal:      1,
				Width:        400,
				Height:       400,
				FPS:          60,
				Format:       "MJPG",
				Rotate:       90,
			},
		},
		Recording: RecordingConfig{
			BaseDir:        rec.BaseDir,
			Format:         rec.Format,
			FPS:            rec.FPS,
			Quality:        rec.Quality,
			StartupTimeout: rec.StartupTimeout,
			DrainTimeout:   rec.DrainTimeout,
			HistoryLimit:   rec.HistoryLimit,
		},
	}
}

// Load は設定を読み込む
//
// デフォルト値に YAML ファイル（path が空なら読まない）を重ね、
// 最後に環境変数で上書きする。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Recording.BaseDir = getEnvOrDefault("GLASSCAM_RECORD_DIR", c.Recording.BaseDir)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if len(c.Cameras) == 0 {
		return errors.New("カメラが設定されていません")
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("カメラ %d のIDが空です", i)
		}
		if seen[cam.ID] {
			return fmt.Errorf("カメラID %s が重複しています", cam.ID)
		}
		seen[cam.ID] = true

		if err := cam.validate(); err != nil {
			return fmt.Errorf("カメラ %s: %w", cam.ID, err)
		}
	}

	switch c.Recording.Format {
	case recording.FormatMJPEG, recording.FormatMP4:
	default:
		return fmt.Errorf("無効な録画形式: %s", c.Recording.Format)
	}
	if c.Recording.FPS <= 0 || c.Recording.FPS > 240 {
		return fmt.Errorf("無効な録画フレームレート: %d", c.Recording.FPS)
	}
	if c.Recording.BaseDir == "" {
		return errors.New("録画ディレクトリが設定されていません")
	}

	return nil
}

func (cam CameraConfig) validate() error {
	switch camera.BackendKind(cam.Backend) {
	case camera.BackendGeneric:
		if cam.Device == "" {
			return errors.New("generic バックエンドにはデバイスパスが必要です")
		}
	case camera.BackendUVC:
		if cam.VendorID == 0 && cam.ProductID == 0 && cam.UID == "" && cam.Address == 0 && cam.Serial == "" && cam.NameContains == "" {
			return errors.New("uvc バックエンドにはベンダー/プロダクトID、UID、アドレス、シリアル、名前のいずれかが必要です")
		}
	default:
		return fmt.Errorf("無効なバックエンド種別: %q", cam.Backend)
	}

	switch camera.Role(cam.Role) {
	case "", camera.RoleColor, camera.RoleInfrared:
	default:
		return fmt.Errorf("無効なロール: %q", cam.Role)
	}

	switch strings.ToUpper(cam.Format) {
	case "", "MJPG", "YUYV", "GREY":
	default:
		return fmt.Errorf("無効なピクセルフォーマット: %s", cam.Format)
	}

	if cam.Width < 0 || cam.Width > 4096 {
		return fmt.Errorf("無効な幅: %d", cam.Width)
	}
	if cam.Height < 0 || cam.Height > 4096 {
		return fmt.Errorf("無効な高さ: %d", cam.Height)
	}
	if cam.FPS < 0 || cam.FPS > 240 {
		return fmt.Errorf("無効なFPS値: %d", cam.FPS)
	}
	if !camera.ValidRotation(cam.Rotate) {
		return fmt.Errorf("無効な回転角度: %d", cam.Rotate)
	}
	if cam.Ordinal < 0 {
		return fmt.Errorf("無効な順番: %d", cam.Ordinal)
	}
	return nil
}

// Descriptor はカメラ設定を記述子に変換する
func (cam CameraConfig) Descriptor() camera.Descriptor {
	name := cam.Name
	if name == "" {
		name = cam.ID
	}
	role := camera.Role(cam.Role)
	if role == "" {
		role = camera.RoleColor
	}

	return camera.Descriptor{
		ID:      cam.ID,
		Name:    name,
		Role:    role,
		Backend: camera.BackendKind(cam.Backend),
		Binding: camera.Binding{
			DevicePath:   cam.Device,
			VendorID:     cam.VendorID,
			ProductID:    cam.ProductID,
			UID:          cam.UID,
			Address:      cam.Address,
			Serial:       cam.Serial,
			NameContains: cam.NameContains,
			Ordinal:      cam.Ordinal,
		},
		Width:  cam.Width,
		Height: cam.Height,
		FPS:    cam.FPS,
		Format: strings.ToUpper(cam.Format),
		Transform: camera.Transform{
			Rotate: cam.Rotate,
			FlipH:  cam.FlipH,
			FlipV:  cam.FlipV,
		},
	}
}

// Descriptors は全カメラの記述子を設定順に返す
func (c *Config) Descriptors() []camera.Descriptor {
	descs := make([]camera.Descriptor, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		descs = append(descs, cam.Descriptor())
	}
	return descs
}

// AutoStartIDs は起動時に開始するカメラIDを返す
func (c *Config) AutoStartIDs() []string {
	var ids []string
	for _, cam := range c.Cameras {
		if cam.AutoStart {
			ids = append(ids, cam.ID)
		}
	}
	return ids
}

// SessionOptions はカメラセッションの動作設定を返す
func (c *Config) SessionOptions() camera.SessionOptions {
	return camera.SessionOptions{
		StartTimeout:           c.Capture.StartTimeout,
		MaxConsecutiveFailures: c.Capture.MaxConsecutiveFailures,
	}
}

// RecordingConfig は録画コーディネーターの設定を返す
func (c *Config) RecordingConfig() recording.Config {
	return recording.Config{
		BaseDir:        c.Recording.BaseDir,
		Format:         c.Recording.Format,
		FPS:            c.Recording.FPS,
		Quality:        c.Recording.Quality,
		StartupTimeout: c.Recording.StartupTimeout,
		DrainTimeout:   c.Recording.DrainTimeout,
		HistoryLimit:   c.Recording.HistoryLimit,
	}
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
