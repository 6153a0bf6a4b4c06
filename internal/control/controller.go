// Package control カメラと録画の操作をまとめた制御層
//
// HTTPハンドラーはこのパッケージだけを呼び、バックエンドやセッションを直接触らない。
package control

import (
	"context"
	"errors"
	"fmt"
	"log"

	"glasscam/internal/camera"
	"glasscam/internal/config"
	"glasscam/internal/recording"
)

// ErrNoFrame はまだフレームがない
var ErrNoFrame = errors.New("フレームがまだありません")

// Controller はカメラレジストリと録画コーディネーターを操作する
type Controller struct {
	registry  *camera.Registry
	recorder  *recording.Coordinator
	discovery *camera.Discovery
}

// New は新しいControllerを作成する
func New(registry *camera.Registry, recorder *recording.Coordinator, discovery *camera.Discovery) *Controller {
	return &Controller{
		registry:  registry,
		recorder:  recorder,
		discovery: discovery,
	}
}

// NewFromConfig は設定からレジストリと録画コーディネーターを構築する
func NewFromConfig(cfg *config.Config, backends *camera.Backends) (*Controller, error) {
	registry, err := camera.NewRegistry(cfg.Descriptors(), backends, cfg.SessionOptions())
	if err != nil {
		return nil, fmt.Errorf("カメラレジストリの構築に失敗: %w", err)
	}

	recorder, err := recording.NewCoordinator(registry, cfg.RecordingConfig())
	if err != nil {
		return nil, fmt.Errorf("録画コーディネーターの構築に失敗: %w", err)
	}

	return New(registry, recorder, camera.NewDiscovery()), nil
}

// ListCameras は全カメラの状態を返す
func (c *Controller) ListCameras() []camera.Info {
	return c.registry.List()
}

// Camera は1台のカメラの状態を返す
func (c *Controller) Camera(id string) (camera.Info, error) {
	session, exists := c.registry.Session(id)
	if !exists {
		return camera.Info{}, fmt.Errorf("%w: %s", camera.ErrCameraNotFound, id)
	}
	return session.Info(), nil
}

// StartCamera はカメラを開始する
func (c *Controller) StartCamera(ctx context.Context, id string) (camera.Info, error) {
	if _, err := c.registry.Start(ctx, id); err != nil {
		return c.infoOrEmpty(id), err
	}
	return c.Camera(id)
}

// StartCameras は複数のカメラを順に開始する。失敗したカメラがあっても残りは開始する
func (c *Controller) StartCameras(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if _, err := c.StartCamera(ctx, id); err != nil {
			log.Printf("カメラ %s を開始できませんでした: %v", id, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopCamera はカメラを停止する
//
// 録画中のカメラを止めた場合、そのカメラのライターだけが失敗扱いになる。
func (c *Controller) StopCamera(ctx context.Context, id string) (camera.Info, error) {
	if _, err := c.registry.Stop(ctx, id); err != nil {
		return c.infoOrEmpty(id), err
	}
	return c.Camera(id)
}

// SubscribePreview はプレビュー用の購読を開始する
func (c *Controller) SubscribePreview(ctx context.Context, id string) (*camera.Subscription, error) {
	return c.registry.Subscribe(ctx, id)
}

// Snapshot は最新フレームを返す
func (c *Controller) Snapshot(id string) (camera.Frame, error) {
	session, exists := c.registry.Session(id)
	if !exists {
		return camera.Frame{}, fmt.Errorf("%w: %s", camera.ErrCameraNotFound, id)
	}
	frame, ok := session.Latest()
	if !ok {
		return camera.Frame{}, fmt.Errorf("%w: %s", ErrNoFrame, id)
	}
	return frame, nil
}

// StartRecording は録画を開始する。ids が空なら動作中の全カメラ
func (c *Controller) StartRecording(ctx context.Context, ids []string) (recording.Job, error) {
	return c.recorder.StartRecording(ctx, ids)
}

// StopRecording は録画を停止する
func (c *Controller) StopRecording(ctx context.Context) (recording.Summary, error) {
	return c.recorder.StopRecording(ctx)
}

// RecordingStatus は録画状態を返す
func (c *Controller) RecordingStatus() recording.StatusInfo {
	return c.recorder.Status()
}

// Recordings はディスク上の録画一覧を返す
func (c *Controller) Recordings() ([]recording.Summary, error) {
	return c.recorder.ListRecordings()
}

// Devices は接続されているV4L2デバイスを返す
func (c *Controller) Devices(ctx context.Context) ([]camera.VideoDevice, error) {
	if c.discovery == nil {
		return []camera.VideoDevice{}, nil
	}
	return c.discovery.Scan(ctx)
}

// StopAll は録画を確定してから全カメラを停止する
//
// 録画していなかった場合の summary は nil。
func (c *Controller) StopAll(ctx context.Context) (*recording.Summary, error) {
	var summary *recording.Summary
	if c.recorder.Active() {
		s, err := c.recorder.StopRecording(ctx)
		switch {
		case err == nil:
			summary = &s
		case errors.Is(err, recording.ErrNotRecording):
			// 並行して停止された
		default:
			return nil, fmt.Errorf("録画の停止に失敗: %w", err)
		}
	}

	if err := c.registry.StopAll(ctx); err != nil {
		return summary, fmt.Errorf("カメラの停止に失敗: %w", err)
	}
	return summary, nil
}

// Shutdown は録画とカメラを止めてレジストリを閉じる
func (c *Controller) Shutdown(ctx context.Context) error {
	summary, err := c.StopAll(ctx)
	if summary != nil {
		log.Printf("シャットダウン時に録画を確定しました: %s (%s)", summary.Dir, summary.Status)
	}
	if closeErr := c.registry.Close(ctx); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	return err
}

func (c *Controller) infoOrEmpty(id string) camera.Info {
	if session, exists := c.registry.Session(id); exists {
		return session.Info()
	}
	return camera.Info{}
}
