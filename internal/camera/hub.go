package camera

import (
	"context"
	"iter"
	"sync"
)

// Hub は1台のカメラの最新フレームを複数の購読者に配信する
//
// 購読者ごとのバッファは1フレームのみで、読み出しが遅い購読者には
// 古いフレームを捨てて最新フレームで上書きする。Publish がブロックすることはない。
type Hub struct {
	cameraID string
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	latest   *Frame
}

// Subscription は1つの購読を表す
type Subscription struct {
	hub  *Hub
	ch   chan Frame
	done chan struct{}

	once  sync.Once
	mu    sync.Mutex
	cause error
}

// NewHub は新しいHubを作成する
func NewHub(cameraID string) *Hub {
	return &Hub{
		cameraID: cameraID,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe は購読を開始する。最新フレームがあれば最初に受け取る
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		hub:  h,
		ch:   make(chan Frame, 1),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.latest != nil {
		sub.ch <- *h.latest
	}
	h.subs[sub] = struct{}{}
	return sub
}

// SubscribeContext はコンテキストが終了したら自動的に解除される購読を開始する
func (h *Hub) SubscribeContext(ctx context.Context) *Subscription {
	sub := h.Subscribe()
	stop := context.AfterFunc(ctx, func() {
		sub.end(ctx.Err())
	})
	go func() {
		<-sub.done
		stop()
	}()
	return sub
}

// Publish はフレームを全購読者に配信する
func (h *Hub) Publish(frame Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := frame
	h.latest = &f

	for sub := range h.subs {
		select {
		case sub.ch <- frame:
		default:
			// バッファが埋まっている場合は古いフレームを破棄
			select {
			case <-sub.ch:
			default:
			}
			// 送信側はロック中のこのゴルーチンだけなので必ず空きがある
			sub.ch <- frame
		}
	}
}

// Latest は最新フレームを返す
func (h *Hub) Latest() (Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.latest == nil {
		return Frame{}, false
	}
	return *h.latest, true
}

// Subscribers は現在の購読者数を返す
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// EndAll は現在の全購読を終了させる。新しい購読は引き続き受け付ける
func (h *Hub) EndAll(cause error) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.latest = nil
	h.mu.Unlock()

	for _, sub := range subs {
		sub.end(cause)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

// C はフレームを受け取るチャンネルを返す
func (s *Subscription) C() <-chan Frame {
	return s.ch
}

// Done は購読が終了すると閉じられるチャンネルを返す
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err は購読が終了した理由を返す。利用者による Close の場合は nil
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Close は購読を解除する
func (s *Subscription) Close() {
	s.end(nil)
}

// Frames はフレームを順に返すイテレータ。購読終了かループ中断で止まる
func (s *Subscription) Frames() iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		for {
			select {
			case <-s.done:
				return
			case frame := <-s.ch:
				if !yield(frame) {
					return
				}
			}
		}
	}
}

func (s *Subscription) end(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.cause = cause
		s.mu.Unlock()
		s.hub.remove(s)
		close(s.done)
	})
}
