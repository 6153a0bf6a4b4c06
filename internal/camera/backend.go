package camera

import (
	"fmt"
	"sort"
	"time"
)

// Backends はバックエンド種別ごとの実装表
type Backends struct {
	backends map[BackendKind]Backend
}

// NewBackends は指定されたバックエンドを登録した表を作成する
func NewBackends(backends ...Backend) *Backends {
	b := &Backends{
		backends: make(map[BackendKind]Backend),
	}
	for _, backend := range backends {
		b.Register(backend)
	}
	return b
}

// NewDefaultBackends は汎用V4L2とUVCのバックエンドを登録した表を作成する
func NewDefaultBackends(readTimeout time.Duration) *Backends {
	return NewBackends(
		NewV4L2Backend(readTimeout),
		NewUVCBackend(readTimeout),
	)
}

// Register はバックエンドを登録する。同じ種別は上書きする
func (b *Backends) Register(backend Backend) {
	b.backends[backend.Kind()] = backend
}

// Resolve は記述子に対応するバックエンドを返す
func (b *Backends) Resolve(desc Descriptor) (Backend, error) {
	backend, exists := b.backends[desc.Backend]
	if !exists {
		return nil, fmt.Errorf("サポートされていないバックエンド種別: %s (カメラ %s, 登録済み: %v)", desc.Backend, desc.ID, b.Kinds())
	}
	return backend, nil
}

// Kinds は登録済みのバックエンド種別を返す
func (b *Backends) Kinds() []BackendKind {
	kinds := make([]BackendKind, 0, len(b.backends))
	for kind := range b.backends {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
