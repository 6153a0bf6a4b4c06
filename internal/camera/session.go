package camera

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultStartTimeout は最初のフレームを待つ時間
	DefaultStartTimeout = 5 * time.Second
	// DefaultMaxConsecutiveFailures は致命的エラーとみなす連続読み出し失敗回数
	DefaultMaxConsecutiveFailures = 3
)

// SessionOptions はセッションの動作設定
type SessionOptions struct {
	StartTimeout           time.Duration
	MaxConsecutiveFailures int
	// Now は時刻の取得関数（nil の場合は time.Now）
	Now func() time.Time
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Session は1台のカメラのキャプチャセッション
//
// 状態遷移は idle → starting → running → stopping → idle で、致命的な
// キャプチャエラーでは running → error となる。error からは Start で再開できる。
// 停止は明示的な Stop のみで、購読者がいなくなっても自動停止はしない。
type Session struct {
	desc    Descriptor
	backend Backend
	opts    SessionOptions
	hub     *Hub

	// lifecycle は Start と Stop を直列化する
	lifecycle sync.Mutex

	mu        sync.RWMutex
	state     State
	lastErr   error
	seq       uint64
	lastFrame time.Time
	handle    *ownedHandle
	cancel    context.CancelFunc
	done      chan struct{}

	// openHandles は同時に開いているハンドル数（常に0か1）
	openHandles atomic.Int32
}

// ownedHandle はセッションが所有するハンドル。Close は一度だけ実行される
type ownedHandle struct {
	Handle
	session *Session
	once    sync.Once
}

func (h *ownedHandle) release() {
	h.once.Do(func() {
		if err := h.Handle.Close(); err != nil {
			log.Printf("カメラ %s のハンドルのクローズに失敗: %v", h.session.desc.ID, err)
		}
		h.session.openHandles.Add(-1)
	})
}

// NewSession は新しいSessionを作成する
func NewSession(desc Descriptor, backend Backend, opts SessionOptions) *Session {
	return &Session{
		desc:    desc,
		backend: backend,
		opts:    opts.withDefaults(),
		hub:     NewHub(desc.ID),
		state:   StateIdle,
	}
}

// ID はカメラIDを返す
func (s *Session) ID() string {
	return s.desc.ID
}

// Descriptor はカメラの記述子を返す
func (s *Session) Descriptor() Descriptor {
	return s.desc
}

// Start はバックエンドを開いてキャプチャを開始する
//
// 最初のフレームが読めるまでブロックする。既に starting か running の場合は
// 何もせず現在の状態を返す。
func (s *Session) Start(ctx context.Context) (State, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateStarting, StateRunning:
		state := s.state
		s.mu.Unlock()
		return state, nil
	case StateStopping:
		// 前回の Stop がタイムアウトした場合はキャプチャの終了を待ち、停止を確定させる
		done := s.done
		s.mu.Unlock()
		if done != nil {
			<-done
			s.finishStop(done)
		}
		s.mu.Lock()
	}
	s.state = StateStarting
	s.lastErr = nil
	s.mu.Unlock()

	log.Printf("カメラ %s を開始しています (%s)", s.desc.ID, s.desc.Backend)

	raw, err := s.backend.Open(ctx, s.desc)
	if err != nil {
		s.setError(err)
		return StateError, fmt.Errorf("カメラ %s の開始に失敗: %w", s.desc.ID, err)
	}
	handle := s.own(raw)

	startCtx, cancelStart := context.WithTimeout(ctx, s.opts.StartTimeout)
	first, err := s.readFirstFrame(startCtx, handle)
	cancelStart()
	if err != nil {
		handle.release()
		s.setError(err)
		return StateError, fmt.Errorf("カメラ %s の最初のフレームを取得できません: %w", s.desc.ID, err)
	}

	captureCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.handle = handle
	s.cancel = cancel
	s.done = done
	s.state = StateRunning
	s.mu.Unlock()

	s.publish(first)

	go s.capture(captureCtx, handle, done)

	log.Printf("カメラ %s を開始しました (%dx%d)", s.desc.ID, first.Width, first.Height)
	return StateRunning, nil
}

// Stop はキャプチャを停止してハンドルを閉じる
//
// 実行中の読み出しはハンドルを閉じることで中断する。ctx が先に終了した場合は
// 停止処理をバックグラウンドで続け、エラーを返す。
func (s *Session) Stop(ctx context.Context) (State, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return state, nil
	}
	s.state = StateStopping
	cancel, handle, done := s.cancel, s.handle, s.done
	s.mu.Unlock()

	log.Printf("カメラ %s を停止しています", s.desc.ID)

	cancel()
	handle.release()

	select {
	case <-done:
	case <-ctx.Done():
		go func() {
			<-done
			s.finishStop(done)
		}()
		return StateStopping, fmt.Errorf("カメラ %s の停止待ちが中断されました: %w", s.desc.ID, ctx.Err())
	}

	s.finishStop(done)
	log.Printf("カメラ %s を停止しました", s.desc.ID)
	return StateIdle, nil
}

// finishStop は done に対応するキャプチャの停止を確定する
//
// 同じ done に対して複数回呼ばれても最初の1回だけが効き、次の Start で
// 作られたキャプチャには触れない。購読の終了は状態が変わる前に済ませる。
func (s *Session) finishStop(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != done {
		return
	}
	s.hub.EndAll(ErrSessionStopped)
	if s.state == StateStopping {
		s.state = StateIdle
	}
	s.handle = nil
	s.cancel = nil
	s.done = nil
}

// State は現在の状態を返す
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError は直近のエラーを返す
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Info は状態のスナップショットを返す
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		Descriptor: s.desc,
		State:      s.state,
		LastFrame:  s.lastFrame,
		Frames:     s.seq,
		Viewers:    s.hub.Subscribers(),
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Subscribe はプレビュー用の購読を開始する。ctx の終了で購読も終わる
func (s *Session) Subscribe(ctx context.Context) *Subscription {
	return s.hub.SubscribeContext(ctx)
}

// Latest は最新フレームを返す
func (s *Session) Latest() (Frame, bool) {
	return s.hub.Latest()
}

// OpenHandles は現在開いているバックエンドハンドル数を返す
func (s *Session) OpenHandles() int {
	return int(s.openHandles.Load())
}

func (s *Session) own(h Handle) *ownedHandle {
	if n := s.openHandles.Add(1); n != 1 {
		panic(fmt.Sprintf("カメラ %s のバックエンドハンドルが同時に %d 個開かれています", s.desc.ID, n))
	}
	return &ownedHandle{Handle: h, session: s}
}

// readFirstFrame は最初のフレームを読む。連続失敗の上限かタイムアウトで諦める
func (s *Session) readFirstFrame(ctx context.Context, h Handle) (RawFrame, error) {
	var lastErr error
	for i := 0; i < s.opts.MaxConsecutiveFailures; i++ {
		frame, err := h.ReadFrame(ctx)
		if err == nil {
			return frame, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return RawFrame{}, fmt.Errorf("%w: %v", ErrCaptureTimeout, lastErr)
	}
	return RawFrame{}, lastErr
}

// capture はフレームを読み出し続けるキャプチャループ
func (s *Session) capture(ctx context.Context, h *ownedHandle, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := h.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Printf("カメラ %s の読み出しに失敗 (%d/%d): %v", s.desc.ID, failures, s.opts.MaxConsecutiveFailures, err)
			if failures >= s.opts.MaxConsecutiveFailures || !h.Alive() {
				s.fail(h, fmt.Errorf("連続 %d 回の読み出し失敗: %w", failures, err))
				return
			}
			continue
		}

		failures = 0
		s.publish(frame)
	}
}

// fail は致命的なキャプチャエラーでセッションを error にする
func (s *Session) fail(h *ownedHandle, cause error) {
	h.release()

	s.mu.Lock()
	if s.state != StateRunning || s.handle != h {
		// Stop が先に始まっている
		s.mu.Unlock()
		return
	}
	s.hub.EndAll(fmt.Errorf("%w: %v", ErrSessionStopped, cause))
	if s.cancel != nil {
		s.cancel()
	}
	s.state = StateError
	s.lastErr = cause
	s.handle = nil
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	log.Printf("カメラ %s はエラーで停止しました: %v", s.desc.ID, cause)
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateError
	s.lastErr = err
	log.Printf("カメラ %s でエラーが発生しました: %v", s.desc.ID, err)
}

// publish は向き補正をかけてフレームを配信する
func (s *Session) publish(raw RawFrame) {
	if !s.desc.Transform.IsIdentity() {
		transformed, err := applyTransform(raw, s.desc.Transform)
		if err != nil {
			log.Printf("カメラ %s の向き補正に失敗: %v", s.desc.ID, err)
		} else {
			raw = transformed
		}
	}

	now := s.opts.Now()

	s.mu.Lock()
	s.seq++
	s.lastFrame = now
	frame := Frame{
		CameraID:  s.desc.ID,
		Seq:       s.seq,
		Timestamp: now,
		Data:      raw.Data,
		Width:     raw.Width,
		Height:    raw.Height,
	}
	s.mu.Unlock()

	s.hub.Publish(frame)
}
