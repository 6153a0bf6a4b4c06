package server

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"glasscam/internal/camera"
)

const (
	// mjpegBoundary はマルチパートの区切り文字列
	mjpegBoundary = "frame"

	// wsWriteTimeout はWebSocketへの1フレームの書き込み期限
	wsWriteTimeout = 2 * time.Second
)

// previewable は配信を始めてよい状態かを確認する
func (s *Server) previewable(c *gin.Context) bool {
	info, err := s.controller.Camera(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return false
	}
	if info.State != camera.StateRunning {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "camera_not_active",
			Message:   fmt.Sprintf("カメラ %s がアクティブではありません (%s)", info.Descriptor.ID, info.State),
			Timestamp: time.Now(),
		})
		return false
	}
	return true
}

// handleStream はMJPEGストリームを配信する
//
// カメラが止まるか、クライアントが切断するまで続く。
func (s *Server) handleStream(c *gin.Context) {
	if !s.previewable(c) {
		return
	}

	cameraID := c.Param("id")
	sub, err := s.controller.SubscribePreview(c.Request.Context(), cameraID)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	writer := c.Writer

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return
		case <-sub.Done():
			// カメラが停止した
			return
		case frame := <-sub.C():
			if err := writeMJPEGPart(writer, frame.Data); err != nil {
				return
			}
			writer.Flush()
		}
	}
}

// writeMJPEGPart はマルチパートの1パートを書き込む
func writeMJPEGPart(w http.ResponseWriter, jpeg []byte) error {
	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(jpeg))
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// handleWebSocket はフレームをWebSocketのバイナリメッセージで配信する
func (s *Server) handleWebSocket(c *gin.Context) {
	if !s.previewable(c) {
		return
	}

	cameraID := c.Param("id")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocketへの切り替えに失敗 (%s): %v", cameraID, err)
		return
	}
	defer conn.Close()

	sub, err := s.controller.SubscribePreview(c.Request.Context(), cameraID)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	defer sub.Close()

	log.Printf("WebSocket接続を確立しました: %s (%s)", cameraID, c.Request.RemoteAddr)

	// クライアントからのメッセージは読み捨て、切断だけを検知する
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case <-sub.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "camera stopped"),
				time.Now().Add(wsWriteTimeout))
			return
		case frame := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
				log.Printf("WebSocketへの書き込みに失敗 (%s): %v", cameraID, err)
				return
			}
		}
	}
}
