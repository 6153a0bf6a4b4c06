package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

// MockBackend はテストとデモ用のバックエンド実装
//
// 小さなJPEGを一定間隔で返す。カメラIDごとに、開けない状態や
// 読み出しが失敗し続ける状態を再現できる。
type MockBackend struct {
	kind     BackendKind
	interval time.Duration

	mu          sync.Mutex
	unavailable map[string]bool
	failing     map[string]bool
	opens       map[string]int
	active      map[string]int
	maxActive   map[string]int
}

// NewMockBackend は新しいMockBackendを作成する
func NewMockBackend(kind BackendKind, interval time.Duration) *MockBackend {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &MockBackend{
		kind:        kind,
		interval:    interval,
		unavailable: make(map[string]bool),
		failing:     make(map[string]bool),
		opens:       make(map[string]int),
		active:      make(map[string]int),
		maxActive:   make(map[string]int),
	}
}

// Kind はバックエンド種別を返す
func (m *MockBackend) Kind() BackendKind {
	return m.kind
}

// Open はモックハンドルを開く
func (m *MockBackend) Open(_ context.Context, desc Descriptor) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable[desc.ID] {
		return nil, fmt.Errorf("%w: モック: カメラ %s は利用できません", ErrBackendUnavailable, desc.ID)
	}

	width, height := desc.Width, desc.Height
	if width <= 0 || height <= 0 {
		width, height = 16, 16
	}
	frame, err := mockJPEG(width, height)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	m.opens[desc.ID]++
	m.active[desc.ID]++
	if m.active[desc.ID] > m.maxActive[desc.ID] {
		m.maxActive[desc.ID] = m.active[desc.ID]
	}

	return &mockHandle{
		backend: m,
		id:      desc.ID,
		frame:   RawFrame{Data: frame, Width: width, Height: height},
		closed:  make(chan struct{}),
	}, nil
}

// SetUnavailable はカメラを開けない状態にする
func (m *MockBackend) SetUnavailable(id string, unavailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable[id] = unavailable
}

// SetFailing はカメラの読み出しを失敗させる。開いているハンドルにも効く
func (m *MockBackend) SetFailing(id string, failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[id] = failing
}

// Opens はカメラが開かれた回数を返す
func (m *MockBackend) Opens(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[id]
}

// Active は現在開いているハンドル数を返す
func (m *MockBackend) Active(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// MaxActive は同時に開いていたハンドル数の最大値を返す
func (m *MockBackend) MaxActive(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive[id]
}

func (m *MockBackend) isFailing(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failing[id]
}

func (m *MockBackend) closed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id]--
}

// mockHandle はMockBackendが返すハンドル
type mockHandle struct {
	backend *MockBackend
	id      string
	frame   RawFrame
	closed  chan struct{}
	once    sync.Once
}

// ReadFrame は一定間隔でフレームを返す
func (h *mockHandle) ReadFrame(ctx context.Context) (RawFrame, error) {
	timer := time.NewTimer(h.backend.interval)
	defer timer.Stop()

	select {
	case <-h.closed:
		return RawFrame{}, fmt.Errorf("%w: モック: ハンドルは閉じられました", ErrCaptureEOF)
	case <-ctx.Done():
		return RawFrame{}, ctx.Err()
	case <-timer.C:
	}

	if h.backend.isFailing(h.id) {
		return RawFrame{}, fmt.Errorf("%w: モック: カメラ %s", ErrCaptureTimeout, h.id)
	}
	return h.frame, nil
}

// Close はハンドルを閉じる
func (h *mockHandle) Close() error {
	h.once.Do(func() {
		close(h.closed)
		h.backend.closed(h.id)
	})
	return nil
}

// Alive はハンドルが閉じられていなければ true を返す
func (h *mockHandle) Alive() bool {
	select {
	case <-h.closed:
		return false
	default:
		return true
	}
}

// mockJPEG はグラデーションの小さなJPEGを作成する
func mockJPEG(width, height int) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y) * 255 / (width + height))})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("モックフレームの作成に失敗: %w", err)
	}
	return buf.Bytes(), nil
}
