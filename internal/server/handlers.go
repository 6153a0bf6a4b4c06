package server

import (
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"glasscam/internal/camera"
	"glasscam/internal/control"
	"glasscam/internal/recording"
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CameraResponse はカメラ1台分の状態
type CameraResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	Backend   string     `json:"backend"`
	State     string     `json:"state"`
	LastError string     `json:"last_error,omitempty"`
	LastFrame *time.Time `json:"last_frame,omitempty"`
	Frames    uint64     `json:"frames"`
	Viewers   int        `json:"viewers"`
	Settings  Settings   `json:"settings"`
}

// Settings はカメラのキャプチャ設定
type Settings struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`
	Format string `json:"format,omitempty"`
	Rotate int    `json:"rotate,omitempty"`
	FlipH  bool   `json:"flip_h,omitempty"`
	FlipV  bool   `json:"flip_v,omitempty"`
}

// StartRecordingRequest は録画開始リクエスト
type StartRecordingRequest struct {
	CameraIDs []string `json:"camera_ids"`
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	running := 0
	cameras := s.controller.ListCameras()
	for _, info := range cameras {
		if info.State == camera.StateRunning {
			running++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"cameras":   len(cameras),
		"running":   running,
		"recording": s.controller.RecordingStatus().Active,
		"timestamp": time.Now(),
	})
}

// handleRoot はプレビュー一覧の簡単なページを返す
func (s *Server) handleRoot(c *gin.Context) {
	var body string
	for _, info := range s.controller.ListCameras() {
		id := info.Descriptor.ID
		body += fmt.Sprintf(`<figure><img src="/api/cameras/%s/stream" alt="%s"><figcaption>%s (%s)</figcaption></figure>`,
			url.PathEscape(id), html.EscapeString(id), html.EscapeString(info.Descriptor.Name), info.State)
	}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>glasscam</title>
</head>
<body>
    <h1>glasscam</h1>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    %s
</body>
</html>`, body)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

// handleListCameras はカメラ一覧を返す
func (s *Server) handleListCameras(c *gin.Context) {
	infos := s.controller.ListCameras()
	cameras := make([]CameraResponse, 0, len(infos))
	for _, info := range infos {
		cameras = append(cameras, newCameraResponse(info))
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cameras})
}

// handleGetCamera は1台のカメラの状態を返す
func (s *Server) handleGetCamera(c *gin.Context) {
	info, err := s.controller.Camera(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCameraResponse(info))
}

// handleStartCamera はカメラを開始する
func (s *Server) handleStartCamera(c *gin.Context) {
	info, err := s.controller.StartCamera(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCameraResponse(info))
}

// handleStopCamera はカメラを停止する
func (s *Server) handleStopCamera(c *gin.Context) {
	info, err := s.controller.StopCamera(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCameraResponse(info))
}

// handleSnapshot は最新フレームをJPEGで返す
func (s *Server) handleSnapshot(c *gin.Context) {
	frame, err := s.controller.Snapshot(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Frame-Sequence", fmt.Sprintf("%d", frame.Seq))
	c.Header("X-Frame-Timestamp", frame.Timestamp.Format(time.RFC3339Nano))
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
}

// handleDevices は接続されているビデオデバイスを返す
func (s *Server) handleDevices(c *gin.Context) {
	devices, err := s.controller.Devices(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if devices == nil {
		devices = []camera.VideoDevice{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// handleStartRecording は録画を開始する。camera_ids が空なら動作中の全カメラ
func (s *Server) handleStartRecording(c *gin.Context) {
	var req StartRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid_request",
			Message:   fmt.Sprintf("リクエストを解析できません: %v", err),
			Timestamp: time.Now(),
		})
		return
	}

	job, err := s.controller.StartRecording(c.Request.Context(), req.CameraIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleStopRecording は録画を停止して結果を返す
func (s *Server) handleStopRecording(c *gin.Context) {
	summary, err := s.controller.StopRecording(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleRecordingStatus は録画状態を返す
func (s *Server) handleRecordingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.controller.RecordingStatus())
}

// handleListRecordings はディスク上の録画一覧を返す
func (s *Server) handleListRecordings(c *gin.Context) {
	recordings, err := s.controller.Recordings()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordings": recordings})
}

// ヘルパー関数

func newCameraResponse(info camera.Info) CameraResponse {
	desc := info.Descriptor
	resp := CameraResponse{
		ID:        desc.ID,
		Name:      desc.Name,
		Role:      string(desc.Role),
		Backend:   string(desc.Backend),
		State:     string(info.State),
		LastError: info.LastError,
		Frames:    info.Frames,
		Viewers:   info.Viewers,
		Settings: Settings{
			Width:  desc.Width,
			Height: desc.Height,
			FPS:    desc.FPS,
			Format: desc.Format,
			Rotate: desc.Transform.Rotate,
			FlipH:  desc.Transform.FlipH,
			FlipV:  desc.Transform.FlipV,
		},
	}
	if !info.LastFrame.IsZero() {
		last := info.LastFrame
		resp.LastFrame = &last
	}
	return resp
}

// statusFor はエラーをHTTPステータスとエラーコードに変換する
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrCameraNotFound):
		return http.StatusNotFound, "camera_not_found"
	case errors.Is(err, control.ErrNoFrame):
		return http.StatusNotFound, "no_frame"
	case errors.Is(err, recording.ErrAlreadyRecording):
		return http.StatusConflict, "already_recording"
	case errors.Is(err, recording.ErrNotRecording):
		return http.StatusConflict, "not_recording"
	case errors.Is(err, recording.ErrNoCamerasAvailable):
		return http.StatusUnprocessableEntity, "no_cameras_available"
	case errors.Is(err, recording.ErrCameraNotRunning):
		return http.StatusUnprocessableEntity, "camera_not_running"
	case errors.Is(err, camera.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, camera.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, recording.ErrStartupTimeout):
		return http.StatusInternalServerError, "startup_timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}
