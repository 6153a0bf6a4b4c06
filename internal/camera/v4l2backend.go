package camera

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/blackjack/webcam"
)

const (
	// waitPollInterval はフレーム待ちでデバイスを確認する間隔
	//
	// WaitForFrame は秒単位でしか待てないので、0秒の確認を繰り返して
	// Close から pump の終了までの遅れをこの間隔に収める。
	waitPollInterval = 5 * time.Millisecond
	// defaultBufferCount はドライバに要求するmmapバッファ数
	defaultBufferCount = 4
)

// v4l2Device は pump が使うデバイス操作。*webcam.Webcam が満たす
type v4l2Device interface {
	WaitForFrame(timeout uint32) error
	ReadFrame() ([]byte, error)
	StopStreaming() error
	Close() error
}

// framerateSetter はフレームレートを設定できるデバイス
type framerateSetter interface {
	SetFramerate(fps float32) error
}

// V4L2Backend はデバイスパスで開く汎用ウェブカメラのバックエンド
type V4L2Backend struct {
	readTimeout time.Duration
}

// NewV4L2Backend は新しいV4L2Backendを作成する
func NewV4L2Backend(readTimeout time.Duration) *V4L2Backend {
	return &V4L2Backend{readTimeout: readTimeout}
}

// Kind はバックエンド種別を返す
func (b *V4L2Backend) Kind() BackendKind {
	return BackendGeneric
}

// Open はデバイスパスを指定してカメラを開く
func (b *V4L2Backend) Open(_ context.Context, desc Descriptor) (Handle, error) {
	if desc.Binding.DevicePath == "" {
		return nil, fmt.Errorf("%w: カメラ %s のデバイスパスが未指定です", ErrBackendUnavailable, desc.ID)
	}
	return openV4L2(desc.Binding.DevicePath, desc, b.readTimeout, nil)
}

// v4l2Handle はV4L2デバイスのハンドル
//
// デバイスへのアクセスは pump ゴルーチンだけが行う。ReadFrame と Close は
// チャンネル経由で pump とやり取りするので、どのゴルーチンから呼んでもよい。
type v4l2Handle struct {
	path        string
	cam         v4l2Device
	format      webcam.PixelFormat
	width       int
	height      int
	readTimeout time.Duration

	frames  chan RawFrame
	closing chan struct{}
	exited  chan struct{}
	watcher *DeviceWatcher

	closeOnce sync.Once
	onClose   func()

	mu       sync.Mutex
	exitErr  error
	lostFlag bool
}

// openV4L2 はV4L2デバイスを開いてストリーミングを開始する
func openV4L2(path string, desc Descriptor, readTimeout time.Duration, onClose func()) (*v4l2Handle, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s を開けません: %v", ErrBackendUnavailable, path, err)
	}

	format, err := choosePixelFormat(cam.GetSupportedFormats(), desc.Format)
	if err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, path, err)
	}

	width, height := desc.Width, desc.Height
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}

	format, gotW, gotH, err := cam.SetImageFormat(format, uint32(width), uint32(height))
	if err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("%w: %s の画像フォーマット設定に失敗: %v", ErrBackendUnavailable, path, err)
	}

	applyFramerate(cam, path, desc.FPS)

	if err := cam.SetBufferCount(defaultBufferCount); err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("%w: %s のバッファ設定に失敗: %v", ErrBackendUnavailable, path, err)
	}

	if err := cam.StartStreaming(); err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("%w: %s のストリーミング開始に失敗: %v", ErrBackendUnavailable, path, err)
	}

	h := newV4L2Handle(path, cam, format, int(gotW), int(gotH), readTimeout, onClose)

	// デバイスノードの消失を監視する（監視できなくてもキャプチャは続ける）
	watcher, err := WatchDevice(path, h.markLost)
	if err != nil {
		log.Printf("デバイス %s の監視を開始できません: %v", path, err)
	} else {
		h.watcher = watcher
	}

	go h.pump()
	return h, nil
}

// newV4L2Handle はストリーミング中のデバイスからハンドルを作る。pump は呼び出し側が起動する
func newV4L2Handle(path string, cam v4l2Device, format webcam.PixelFormat, width, height int, readTimeout time.Duration, onClose func()) *v4l2Handle {
	if readTimeout <= 0 {
		readTimeout = 2 * time.Second
	}
	return &v4l2Handle{
		path:        path,
		cam:         cam,
		format:      format,
		width:       width,
		height:      height,
		readTimeout: readTimeout,
		frames:      make(chan RawFrame, 1),
		closing:     make(chan struct{}),
		exited:      make(chan struct{}),
		onClose:     onClose,
	}
}

// applyFramerate は設定されたFPSをデバイスに要求する。失敗してもキャプチャは続ける
func applyFramerate(cam framerateSetter, path string, fps int) {
	if fps <= 0 {
		return
	}
	if err := cam.SetFramerate(float32(fps)); err != nil {
		log.Printf("%s のフレームレートを %d に設定できません: %v", path, fps, err)
	}
}

// pump はデバイスからフレームを読み出し続ける
func (h *v4l2Handle) pump() {
	defer close(h.exited)
	defer func() {
		_ = h.cam.StopStreaming()
		_ = h.cam.Close()
	}()

	for {
		select {
		case <-h.closing:
			return
		default:
		}

		err := h.cam.WaitForFrame(0)
		if err != nil {
			var timeout *webcam.Timeout
			if errors.As(err, &timeout) {
				select {
				case <-h.closing:
					return
				case <-time.After(waitPollInterval):
				}
				continue
			}
			h.setExitErr(fmt.Errorf("%w: %s: %v", ErrCaptureEOF, h.path, err))
			return
		}

		data, err := h.cam.ReadFrame()
		if err != nil {
			h.setExitErr(fmt.Errorf("%w: %s: %v", ErrCaptureEOF, h.path, err))
			return
		}
		if len(data) == 0 {
			continue
		}

		jpegData, err := encodeJPEG(h.format, data, h.width, h.height)
		if err != nil {
			log.Printf("フレーム変換に失敗 (%s): %v", h.path, err)
			continue
		}

		h.deliver(RawFrame{Data: jpegData, Width: h.width, Height: h.height})
	}
}

// deliver は最新フレームで上書きしながら受け渡す
func (h *v4l2Handle) deliver(frame RawFrame) {
	select {
	case h.frames <- frame:
	default:
		select {
		case <-h.frames:
		default:
		}
		select {
		case h.frames <- frame:
		default:
		}
	}
}

// ReadFrame は次のフレームを読み出す
func (h *v4l2Handle) ReadFrame(ctx context.Context) (RawFrame, error) {
	timer := time.NewTimer(h.readTimeout)
	defer timer.Stop()

	select {
	case frame := <-h.frames:
		return frame, nil
	case <-h.closing:
		return RawFrame{}, fmt.Errorf("%w: %s は閉じられました", ErrCaptureEOF, h.path)
	case <-h.exited:
		return RawFrame{}, h.getExitErr()
	case <-ctx.Done():
		return RawFrame{}, ctx.Err()
	case <-timer.C:
		return RawFrame{}, fmt.Errorf("%w: %s (%s)", ErrCaptureTimeout, h.path, h.readTimeout)
	}
}

// Close はハンドルを閉じ、デバイスが解放されるまで待つ
func (h *v4l2Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closing)
		if h.watcher != nil {
			_ = h.watcher.Close()
		}
		<-h.exited
		if h.onClose != nil {
			h.onClose()
		}
	})
	return nil
}

// Alive はデバイスがまだ利用可能かを返す
func (h *v4l2Handle) Alive() bool {
	select {
	case <-h.closing:
		return false
	case <-h.exited:
		return false
	default:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.lostFlag
}

func (h *v4l2Handle) markLost() {
	h.mu.Lock()
	h.lostFlag = true
	h.mu.Unlock()
	log.Printf("デバイス %s が取り外されました", h.path)
}

func (h *v4l2Handle) setExitErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exitErr = err
}

func (h *v4l2Handle) getExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitErr == nil {
		return fmt.Errorf("%w: %s", ErrCaptureEOF, h.path)
	}
	return h.exitErr
}

// fourcc はFourCC文字列をV4L2のピクセルフォーマット値に変換する
func fourcc(code string) webcam.PixelFormat {
	if len(code) != 4 {
		return 0
	}
	return webcam.PixelFormat(uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24)
}

// supportedCodes は変換できるフォーマット（優先順）
var supportedCodes = []string{"MJPG", "YUYV", "GREY"}

// choosePixelFormat は希望のフォーマットがあればそれを、なければ変換可能なものを選ぶ
func choosePixelFormat(available map[webcam.PixelFormat]string, preferred string) (webcam.PixelFormat, error) {
	if preferred != "" {
		want := fourcc(strings.ToUpper(preferred))
		if _, ok := available[want]; ok {
			return want, nil
		}
	}

	for _, code := range supportedCodes {
		if _, ok := available[fourcc(code)]; ok {
			return fourcc(code), nil
		}
	}

	names := make([]string, 0, len(available))
	for _, name := range available {
		names = append(names, name)
	}
	return 0, fmt.Errorf("対応するピクセルフォーマットがありません: %v", names)
}
