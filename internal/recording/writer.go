package recording

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"glasscam/internal/camera"
)

// writer はカメラ1台分の録画を担当する
//
// open で購読と出力ファイルを用意し、start で開始時刻以降のフレームを
// 書き込み始める。書き込みは出力フレームレートの間隔で最新フレームを
// 1枚ずつ行うので、カメラのキャプチャレートに関係なく動画の長さは
// 録画時間と一致する。停止の合図か購読の終了でファイルを確定する。
type writer struct {
	cameraID string
	session  *camera.Session

	sub    *camera.Subscription
	sink   Sink
	stamps *TimestampWriter

	interval time.Duration

	stop chan struct{}
	done chan struct{}

	mu     sync.Mutex
	state  WriterState
	frames uint64
	first  time.Time
	last   time.Time
	err    error
}

func newWriter(cameraID string, session *camera.Session) *writer {
	return &writer{
		cameraID: cameraID,
		session:  session,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    WriterPending,
	}
}

// open は購読を開始し、最初のフレームで解像度を確定してから出力ファイルを開く
//
// subCtx は録画ジョブ全体の寿命、ctx は開始待ちの期限を表す。
func (w *writer) open(ctx, subCtx context.Context, dir string, factory SinkFactory, fps int) error {
	if fps <= 0 {
		fps = DefaultConfig().FPS
	}
	w.interval = time.Second / time.Duration(fps)
	w.sub = w.session.Subscribe(subCtx)

	var first camera.Frame
	select {
	case first = <-w.sub.C():
	case <-w.sub.Done():
		return fmt.Errorf("カメラ %s のストリームが終了しました: %w", w.cameraID, w.sub.Err())
	case <-ctx.Done():
		return fmt.Errorf("カメラ %s の最初のフレームを待てませんでした: %w", w.cameraID, ctx.Err())
	}

	sink, err := factory.Open(dir, w.cameraID, first.Width, first.Height, fps)
	if err != nil {
		return fmt.Errorf("カメラ %s の出力を開けません: %w", w.cameraID, err)
	}
	w.sink = sink

	stamps, err := NewTimestampWriter(dir, w.cameraID)
	if err != nil {
		return fmt.Errorf("カメラ %s のタイムスタンプを開けません: %w", w.cameraID, err)
	}
	w.stamps = stamps

	// 開始待ちの間に期限が切れていたら開いたものは使わない
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("カメラ %s の準備が間に合いませんでした: %w", w.cameraID, err)
	}
	return nil
}

// abort は開始前のライターを後始末する
func (w *writer) abort() {
	if w.sub != nil {
		w.sub.Close()
	}
	if w.sink != nil {
		_ = w.sink.Close()
	}
	if w.stamps != nil {
		_ = w.stamps.Close()
	}
	w.mu.Lock()
	w.state = WriterClosed
	w.mu.Unlock()
	close(w.done)
}

// start は書き込みループを開始する。release より前のフレームは捨てる
func (w *writer) start(release time.Time) {
	w.mu.Lock()
	w.state = WriterWriting
	w.mu.Unlock()

	go w.run(release)
}

func (w *writer) run(release time.Time) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// latest は開始時刻以降に受け取った最新フレーム
	var latest camera.Frame
	var have bool

	for {
		select {
		case <-w.stop:
			w.finish(nil)
			return
		case <-w.sub.Done():
			// 停止の合図と同時なら正常終了として扱う
			select {
			case <-w.stop:
				w.finish(nil)
				return
			default:
			}
			cause := w.sub.Err()
			if cause == nil {
				cause = camera.ErrSessionStopped
			}
			w.finish(fmt.Errorf("カメラ %s のストリームが途中で終了しました: %w", w.cameraID, cause))
			return
		case frame := <-w.sub.C():
			if frame.Timestamp.Before(release) {
				continue
			}
			latest = frame
			if have {
				continue
			}
			// 最初のフレームはすぐに書き、そこから間隔を数える
			have = true
			ticker.Reset(w.interval)
			if err := w.write(latest); err != nil {
				w.finish(err)
				return
			}
		case <-ticker.C:
			if !have {
				continue
			}
			// 新しいフレームが無ければ直前のフレームを繰り返す
			if err := w.write(latest); err != nil {
				w.finish(err)
				return
			}
		}
	}
}

func (w *writer) write(frame camera.Frame) error {
	w.mu.Lock()
	index := w.frames
	w.mu.Unlock()

	if err := w.sink.WriteFrame(frame); err != nil {
		return err
	}
	if err := w.stamps.Write(index, frame); err != nil {
		return err
	}

	w.mu.Lock()
	w.frames++
	if w.first.IsZero() {
		w.first = frame.Timestamp
	}
	w.last = frame.Timestamp
	w.mu.Unlock()
	return nil
}

// finish は購読を解除してファイルを確定する。cause が nil なら正常終了
func (w *writer) finish(cause error) {
	w.sub.Close()

	var errs []error
	if cause != nil {
		errs = append(errs, cause)
	}
	if err := w.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := w.stamps.Close(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == WriterFailed {
		// 停止待ちのタイムアウトで既に失敗扱いになっている
		return
	}
	if err != nil {
		w.state = WriterFailed
		w.err = err
		log.Printf("カメラ %s の録画が失敗しました (%d フレーム): %v", w.cameraID, w.frames, err)
		return
	}
	w.state = WriterClosed
}

// abandon は停止待ちがタイムアウトしたライターを失敗扱いにする
func (w *writer) abandon(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == WriterClosed || w.state == WriterFailed {
		return
	}
	w.state = WriterFailed
	w.err = fmt.Errorf("%w: %v", ErrDrainTimeout, cause)
	log.Printf("カメラ %s のライターが時間内に終了しませんでした", w.cameraID)
}

func (w *writer) info() WriterInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	info := WriterInfo{
		CameraID: w.cameraID,
		State:    w.state,
		Frames:   w.frames,
	}
	if w.sink != nil {
		info.Path = w.sink.Path()
	}
	if w.stamps != nil {
		info.TimestampsPath = w.stamps.Path()
	}
	if !w.first.IsZero() {
		first, last := w.first, w.last
		info.FirstFrame = &first
		info.LastFrame = &last
	}
	if w.err != nil {
		info.Error = w.err.Error()
	}
	return info
}
