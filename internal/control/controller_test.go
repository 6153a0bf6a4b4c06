package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"glasscam/internal/camera"
	"glasscam/internal/recording"
)

func testDescriptor(id string, kind camera.BackendKind) camera.Descriptor {
	return camera.Descriptor{
		ID:      id,
		Name:    "Test " + id,
		Role:    camera.RoleColor,
		Backend: kind,
		Width:   16,
		Height:  16,
		FPS:     30,
	}
}

func newTestController(t *testing.T) (*Controller, *camera.MockBackend) {
	t.Helper()
	generic := camera.NewMockBackend(camera.BackendGeneric, 2*time.Millisecond)
	uvc := camera.NewMockBackend(camera.BackendUVC, 2*time.Millisecond)

	registry, err := camera.NewRegistry(
		[]camera.Descriptor{
			testDescriptor("world", camera.BackendGeneric),
			testDescriptor("eye0", camera.BackendUVC),
		},
		camera.NewBackends(generic, uvc),
		camera.SessionOptions{},
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	config := recording.DefaultConfig()
	config.BaseDir = t.TempDir()
	recorder, err := recording.NewCoordinator(registry, config)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	ctrl := New(registry, recorder, camera.NewDiscoveryAt(t.TempDir(), t.TempDir()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})
	return ctrl, generic
}

func TestController_CameraLifecycle(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t)

	if got := len(ctrl.ListCameras()); got != 2 {
		t.Fatalf("Expected 2 cameras, got %d", got)
	}

	info, err := ctrl.StartCamera(ctx, "world")
	if err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	if info.State != camera.StateRunning {
		t.Errorf("Expected running, got %s", info.State)
	}

	info, err = ctrl.StopCamera(ctx, "world")
	if err != nil {
		t.Fatalf("StopCamera failed: %v", err)
	}
	if info.State != camera.StateIdle {
		t.Errorf("Expected idle, got %s", info.State)
	}

	if _, err := ctrl.Camera("missing"); !errors.Is(err, camera.ErrCameraNotFound) {
		t.Errorf("Expected ErrCameraNotFound, got %v", err)
	}
	if _, err := ctrl.StartCamera(ctx, "missing"); !errors.Is(err, camera.ErrCameraNotFound) {
		t.Errorf("Expected ErrCameraNotFound, got %v", err)
	}
}

func TestController_StartCameraUnavailable(t *testing.T) {
	ctx := context.Background()
	ctrl, generic := newTestController(t)
	generic.SetUnavailable("world", true)

	info, err := ctrl.StartCamera(ctx, "world")
	if !errors.Is(err, camera.ErrBackendUnavailable) {
		t.Fatalf("Expected ErrBackendUnavailable, got %v", err)
	}
	if info.State != camera.StateError {
		t.Errorf("Expected error state, got %s", info.State)
	}
	if info.LastError == "" {
		t.Error("Expected last error to be recorded")
	}
}

func TestController_Snapshot(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t)

	if _, err := ctrl.Snapshot("world"); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Expected ErrNoFrame before start, got %v", err)
	}
	if _, err := ctrl.Snapshot("missing"); !errors.Is(err, camera.ErrCameraNotFound) {
		t.Errorf("Expected ErrCameraNotFound, got %v", err)
	}

	if _, err := ctrl.StartCamera(ctx, "world"); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	frame, err := ctrl.Snapshot("world")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if frame.CameraID != "world" || len(frame.Data) == 0 {
		t.Errorf("Unexpected snapshot frame: id=%s len=%d", frame.CameraID, len(frame.Data))
	}
}

func TestController_StopAllFinalizesRecording(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t)

	for _, id := range []string{"world", "eye0"} {
		if _, err := ctrl.StartCamera(ctx, id); err != nil {
			t.Fatalf("StartCamera(%s) failed: %v", id, err)
		}
	}

	job, err := ctrl.StartRecording(ctx, nil)
	if err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if len(job.CameraIDs) != 2 {
		t.Errorf("Expected both running cameras to record, got %v", job.CameraIDs)
	}
	time.Sleep(30 * time.Millisecond)

	summary, err := ctrl.StopAll(ctx)
	if err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}
	if summary == nil {
		t.Fatal("Expected a recording summary")
	}
	// カメラより先に録画を閉じるので途中終了扱いにならない
	if summary.Status != recording.JobCompleted {
		t.Errorf("Expected completed, got %s (failed: %v)", summary.Status, summary.Failed)
	}

	for _, info := range ctrl.ListCameras() {
		if info.State != camera.StateIdle {
			t.Errorf("Expected %s idle after StopAll, got %s", info.Descriptor.ID, info.State)
		}
	}
	if ctrl.RecordingStatus().Active {
		t.Error("Expected recording to be inactive")
	}

	recordings, err := ctrl.Recordings()
	if err != nil {
		t.Fatalf("Recordings failed: %v", err)
	}
	if len(recordings) != 1 || recordings[0].ID != job.ID {
		t.Errorf("Expected the finished job on disk, got %d entries", len(recordings))
	}

	// 録画していなければ summary は nil
	summary, err = ctrl.StopAll(ctx)
	if err != nil || summary != nil {
		t.Errorf("Expected (nil, nil) without recording, got (%v, %v)", summary, err)
	}
}

func TestController_StopCameraDuringRecording(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t)

	for _, id := range []string{"world", "eye0"} {
		if _, err := ctrl.StartCamera(ctx, id); err != nil {
			t.Fatalf("StartCamera(%s) failed: %v", id, err)
		}
	}
	if _, err := ctrl.StartRecording(ctx, nil); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}

	if _, err := ctrl.StopCamera(ctx, "eye0"); err != nil {
		t.Fatalf("StopCamera failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	summary, err := ctrl.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	if summary.Status != recording.JobPartiallyFailed {
		t.Errorf("Expected partially_failed, got %s", summary.Status)
	}
	if _, failed := summary.Failed["eye0"]; !failed {
		t.Errorf("Expected eye0 to fail, got %v", summary.Failed)
	}
	if _, failed := summary.Failed["world"]; failed {
		t.Error("Expected world to finish cleanly")
	}
}

func TestController_ShutdownClosesRegistry(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t)

	if _, err := ctrl.StartCamera(ctx, "world"); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	if err := ctrl.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if _, err := ctrl.StartCamera(ctx, "world"); !errors.Is(err, camera.ErrRegistryClosed) {
		t.Errorf("Expected ErrRegistryClosed after shutdown, got %v", err)
	}
}

func TestController_DevicesWithoutSysfs(t *testing.T) {
	ctrl, _ := newTestController(t)

	devices, err := ctrl.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices failed: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("Expected no devices, got %d", len(devices))
	}
}

func TestController_StartCamerasContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	ctrl, generic := newTestController(t)
	generic.SetUnavailable("world", true)

	err := ctrl.StartCameras(ctx, []string{"world", "eye0"})
	if !errors.Is(err, camera.ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", err)
	}

	info, err := ctrl.Camera("eye0")
	if err != nil {
		t.Fatalf("Camera failed: %v", err)
	}
	if info.State != camera.StateRunning {
		t.Errorf("Expected eye0 running despite world failure, got %s", info.State)
	}
}
