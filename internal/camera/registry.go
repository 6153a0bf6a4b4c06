package camera

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Registry はカメラIDとセッションの対応表
//
// 起動時に記述子から一度だけ構築し、終了時に Close する。セッションは
// プロセスが終わるまで作り直さない。
type Registry struct {
	mu       sync.RWMutex
	order    []string
	sessions map[string]*Session
	closed   bool
}

// NewRegistry は記述子ごとにセッションを作成してレジストリを構築する
//
// バックエンドはここで記述子ごとに一度だけ解決する。
func NewRegistry(descs []Descriptor, backends *Backends, opts SessionOptions) (*Registry, error) {
	r := &Registry{
		sessions: make(map[string]*Session, len(descs)),
	}

	for _, desc := range descs {
		if desc.ID == "" {
			return nil, fmt.Errorf("カメラIDが空です")
		}
		if _, exists := r.sessions[desc.ID]; exists {
			return nil, fmt.Errorf("カメラID %s が重複しています", desc.ID)
		}

		backend, err := backends.Resolve(desc)
		if err != nil {
			return nil, err
		}

		r.sessions[desc.ID] = NewSession(desc, backend, opts)
		r.order = append(r.order, desc.ID)
	}

	return r, nil
}

// List は全カメラの状態を登録順に返す
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, r.sessions[id].Info())
	}
	return infos
}

// IDs は登録済みのカメラIDを登録順に返す
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Session は指定されたIDのセッションを返す
func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	return session, exists
}

// RunningIDs は running 状態のカメラIDを登録順に返す
func (r *Registry) RunningIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, id := range r.order {
		if r.sessions[id].State() == StateRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// Start はカメラを開始する
func (r *Registry) Start(ctx context.Context, id string) (State, error) {
	session, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return session.Start(ctx)
}

// Stop はカメラを停止する
func (r *Registry) Stop(ctx context.Context, id string) (State, error) {
	session, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return session.Stop(ctx)
}

// Subscribe はカメラのプレビュー購読を開始する
func (r *Registry) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	session, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return session.Subscribe(ctx), nil
}

// StopAll は全カメラを停止する
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		sessions = append(sessions, r.sessions[id])
	}
	r.mu.RUnlock()

	var errs []error
	for _, session := range sessions {
		if _, err := session.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close は全カメラを停止し、以降の操作を受け付けないようにする
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.StopAll(ctx)
	log.Printf("カメラレジストリを閉じました")
	return err
}

func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	session, exists := r.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	return session, nil
}
