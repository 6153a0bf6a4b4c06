package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"glasscam/internal/camera"
	"glasscam/internal/config"
	"glasscam/internal/control"
	"glasscam/internal/recording"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// newTestServer はモックバックエンドを使ったサーバーを作成する
func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Recording.BaseDir = t.TempDir()
	for i := range cfg.Cameras {
		cfg.Cameras[i].Width = 16
		cfg.Cameras[i].Height = 16
	}

	backends := camera.NewBackends(
		camera.NewMockBackend(camera.BackendGeneric, 2*time.Millisecond),
		camera.NewMockBackend(camera.BackendUVC, 2*time.Millisecond),
	)
	ctrl, err := control.NewFromConfig(cfg, backends)
	if err != nil {
		t.Fatalf("コントローラーの作成に失敗しました: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})

	return New(cfg, ctrl)
}

func doRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v (%s)", err, w.Body.String())
	}
	return v
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv := newTestServer(t)
	srv.httpServer.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}

	// シャットダウン後はカメラ操作を受け付けない
	w := doRequest(t, srv, http.MethodPost, "/api/cameras/world/start", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("シャットダウン後の開始は503のはず: got %d", w.Code)
	}
}

// TestHealthAndStatus は基本エンドポイントをテストする
func TestHealthAndStatus(t *testing.T) {
	srv := newTestServer(t)

	testCases := []struct {
		path        string
		contentType string
	}{
		{"/health", "application/json"},
		{"/api/status", "application/json"},
		{"/", "text/html"},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			w := doRequest(t, srv, http.MethodGet, tc.path, nil)
			if w.Code != http.StatusOK {
				t.Errorf("ステータスコードが違います: got %d, want 200", w.Code)
			}
			if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, tc.contentType) {
				t.Errorf("Content-Typeが違います: got %s, want %s", ct, tc.contentType)
			}
		})
	}
}

// TestCameraEndpoints はカメラの開始・停止・スナップショットをテストする
func TestCameraEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/cameras", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("カメラ一覧の取得に失敗: %d", w.Code)
	}
	list := decode[struct {
		Cameras []CameraResponse `json:"cameras"`
	}](t, w)
	if len(list.Cameras) != 3 {
		t.Fatalf("カメラ数が違います: got %d, want 3", len(list.Cameras))
	}
	for _, cam := range list.Cameras {
		if cam.State != string(camera.StateIdle) {
			t.Errorf("カメラ %s は停止中のはず: got %s", cam.ID, cam.State)
		}
	}

	// 開始前のスナップショットはフレームがない
	w = doRequest(t, srv, http.MethodGet, "/api/cameras/world/snapshot", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("開始前のスナップショットは404のはず: got %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodPost, "/api/cameras/world/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("カメラの開始に失敗: %d %s", w.Code, w.Body.String())
	}
	started := decode[CameraResponse](t, w)
	if started.State != string(camera.StateRunning) {
		t.Errorf("開始後は running のはず: got %s", started.State)
	}
	if !started.Settings.FlipH || !started.Settings.FlipV {
		t.Errorf("world の反転設定が返されていません: %+v", started.Settings)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/cameras/world/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("スナップショットの取得に失敗: %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Typeが違います: got %s", ct)
	}
	if data := w.Body.Bytes(); len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Error("JPEGデータではありません")
	}

	w = doRequest(t, srv, http.MethodPost, "/api/cameras/world/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("カメラの停止に失敗: %d", w.Code)
	}
	if stopped := decode[CameraResponse](t, w); stopped.State != string(camera.StateIdle) {
		t.Errorf("停止後は idle のはず: got %s", stopped.State)
	}
}

// TestErrorMapping はエラーとステータスコードの対応をテストする
func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	testCases := []struct {
		name   string
		method string
		path   string
		body   []byte
		status int
		code   string
	}{
		{"存在しないカメラ", http.MethodGet, "/api/cameras/nope", nil, http.StatusNotFound, "camera_not_found"},
		{"存在しないカメラの開始", http.MethodPost, "/api/cameras/nope/start", nil, http.StatusNotFound, "camera_not_found"},
		{"録画していない停止", http.MethodPost, "/api/recording/stop", nil, http.StatusConflict, "not_recording"},
		{"動作中カメラなしの録画", http.MethodPost, "/api/recording/start", nil, http.StatusUnprocessableEntity, "no_cameras_available"},
		{"停止中カメラの録画", http.MethodPost, "/api/recording/start", []byte(`{"camera_ids":["eye0"]}`), http.StatusUnprocessableEntity, "camera_not_running"},
		{"不正なリクエスト", http.MethodPost, "/api/recording/start", []byte(`{"camera_ids":`), http.StatusBadRequest, "invalid_request"},
		{"停止中カメラの配信", http.MethodGet, "/api/cameras/world/stream", nil, http.StatusServiceUnavailable, "camera_not_active"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, srv, tc.method, tc.path, tc.body)
			if w.Code != tc.status {
				t.Errorf("ステータスコードが違います: got %d, want %d (%s)", w.Code, tc.status, w.Body.String())
			}
			if resp := decode[ErrorResponse](t, w); resp.Error != tc.code {
				t.Errorf("エラーコードが違います: got %s, want %s", resp.Error, tc.code)
			}
		})
	}
}

// TestRecordingEndpoints は録画の開始と停止をテストする
func TestRecordingEndpoints(t *testing.T) {
	srv := newTestServer(t)

	for _, id := range []string{"world", "eye0"} {
		if w := doRequest(t, srv, http.MethodPost, "/api/cameras/"+id+"/start", nil); w.Code != http.StatusOK {
			t.Fatalf("カメラ %s の開始に失敗: %d", id, w.Code)
		}
	}

	w := doRequest(t, srv, http.MethodPost, "/api/recording/start", []byte(`{"camera_ids":["world","eye0"]}`))
	if w.Code != http.StatusOK {
		t.Fatalf("録画の開始に失敗: %d %s", w.Code, w.Body.String())
	}
	job := decode[recording.Job](t, w)
	if len(job.CameraIDs) != 2 {
		t.Errorf("録画カメラ数が違います: %v", job.CameraIDs)
	}

	w = doRequest(t, srv, http.MethodPost, "/api/recording/start", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("録画中の開始は409のはず: got %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/recording/status", nil)
	status := decode[recording.StatusInfo](t, w)
	if !status.Active || status.RecordDir != job.Dir {
		t.Errorf("録画状態が違います: active=%v dir=%s", status.Active, status.RecordDir)
	}

	time.Sleep(30 * time.Millisecond)

	w = doRequest(t, srv, http.MethodPost, "/api/recording/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("録画の停止に失敗: %d %s", w.Code, w.Body.String())
	}
	summary := decode[recording.Summary](t, w)
	if summary.Status != recording.JobCompleted {
		t.Errorf("録画は完了のはず: got %s (%v)", summary.Status, summary.Failed)
	}
	for _, writer := range summary.Writers {
		if writer.Frames == 0 {
			t.Errorf("カメラ %s のフレームが書き込まれていません", writer.CameraID)
		}
	}

	w = doRequest(t, srv, http.MethodGet, "/api/recordings", nil)
	recordings := decode[struct {
		Recordings []recording.Summary `json:"recordings"`
	}](t, w)
	if len(recordings.Recordings) != 1 || recordings.Recordings[0].ID != job.ID {
		t.Errorf("録画一覧が違います: %d 件", len(recordings.Recordings))
	}
}

// TestDevices はデバイス一覧が常にJSON配列を返すことをテストする
func TestDevices(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/devices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("デバイス一覧の取得に失敗: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"devices":[`) {
		t.Errorf("devices は配列のはず: %s", w.Body.String())
	}
}

// TestMJPEGStream はマルチパート配信をテストする
func TestMJPEGStream(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if w := doRequest(t, srv, http.MethodPost, "/api/cameras/eye0/start", nil); w.Code != http.StatusOK {
		t.Fatalf("カメラの開始に失敗: %d", w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/cameras/eye0/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ストリームの取得に失敗: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("Content-Typeが違います: %s", ct)
	}

	reader := multipart.NewReader(resp.Body, mjpegBoundary)
	for i := 0; i < 2; i++ {
		part, err := reader.NextPart()
		if err != nil {
			t.Fatalf("パート %d の読み込みに失敗: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("パートのContent-Typeが違います: %s", ct)
		}
		length, err := strconv.Atoi(part.Header.Get("Content-Length"))
		if err != nil {
			t.Fatalf("Content-Lengthがありません: %v", err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("パートの読み込みに失敗: %v", err)
		}
		if len(data) != length {
			t.Errorf("Content-Lengthと実データが違います: %d != %d", length, len(data))
		}
	}
}

// TestWebSocketStream はWebSocket配信をテストする
func TestWebSocketStream(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if w := doRequest(t, srv, http.MethodPost, "/api/cameras/world/start", nil); w.Code != http.StatusOK {
		t.Fatalf("カメラの開始に失敗: %d", w.Code)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/cameras/world/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocketの接続に失敗: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("メッセージの受信に失敗: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Errorf("バイナリメッセージのはず: got %d", msgType)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Error("JPEGデータではありません")
	}

	// カメラを止めると接続が閉じられる
	if w := doRequest(t, srv, http.MethodPost, "/api/cameras/world/stop", nil); w.Code != http.StatusOK {
		t.Fatalf("カメラの停止に失敗: %d", w.Code)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("正常なクローズのはず: %v", err)
			}
			break
		}
	}
}

// TestStatusFor はエラー変換をテストする
func TestStatusFor(t *testing.T) {
	testCases := []struct {
		err    error
		status int
	}{
		{camera.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{recording.ErrAlreadyRecording, http.StatusConflict},
		{control.ErrNoFrame, http.StatusNotFound},
		{recording.ErrStartupTimeout, http.StatusInternalServerError},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		if status, _ := statusFor(tc.err); status != tc.status {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, status, tc.status)
		}
	}
}
