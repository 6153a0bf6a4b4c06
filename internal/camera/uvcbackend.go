package camera

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// deviceOpener は選択したデバイスノードを開く関数
type deviceOpener func(path string, desc Descriptor, onClose func()) (Handle, error)

// UVCBackend はUSBの識別情報で列挙して開くUVCカメラのバックエンド
//
// 同一機種の赤外線カメラが複数つながっている場合に備え、開いているデバイスの
// UIDを保持して他のセッションが同じデバイスを選ばないようにする。
type UVCBackend struct {
	discovery *Discovery
	open      deviceOpener

	mu      sync.Mutex
	claimed map[string]string // UID -> カメラID
}

// NewUVCBackend は新しいUVCBackendを作成する
func NewUVCBackend(readTimeout time.Duration) *UVCBackend {
	return &UVCBackend{
		discovery: NewDiscovery(),
		open: func(path string, desc Descriptor, onClose func()) (Handle, error) {
			h, err := openV4L2(path, desc, readTimeout, onClose)
			if err != nil {
				return nil, err
			}
			return h, nil
		},
		claimed: make(map[string]string),
	}
}

// Kind はバックエンド種別を返す
func (b *UVCBackend) Kind() BackendKind {
	return BackendUVC
}

// Open は記述子の指定に合うUVCデバイスを選んで開く
func (b *UVCBackend) Open(ctx context.Context, desc Descriptor) (Handle, error) {
	devices, err := b.discovery.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	b.mu.Lock()
	dev, ok := b.selectDevice(devices, desc.Binding)
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: カメラ %s に一致するUVCデバイスがありません (vendor=%04x, product=%04x, uid=%q, name=%q)",
			ErrBackendUnavailable, desc.ID, desc.Binding.VendorID, desc.Binding.ProductID, desc.Binding.UID, desc.Binding.NameContains)
	}
	uid := dev.UID()
	b.claimed[uid] = desc.ID
	b.mu.Unlock()

	h, err := b.open(dev.Path, desc, func() { b.release(uid) })
	if err != nil {
		b.release(uid)
		return nil, err
	}

	log.Printf("カメラ %s: UVCデバイス %s (%s, uid=%s) を開きました", desc.ID, dev.Path, dev.Name, uid)
	return h, nil
}

// Claimed は使用中のデバイスUIDとカメラIDの対応を返す
func (b *UVCBackend) Claimed() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make(map[string]string, len(b.claimed))
	for uid, id := range b.claimed {
		result[uid] = id
	}
	return result
}

func (b *UVCBackend) release(uid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.claimed, uid)
}

// selectDevice は使用中でないデバイスから指定に合うものを選ぶ。b.mu を保持して呼ぶ
//
// 選択順は次のとおり。
//  1. 全条件に一致するデバイスのうち Ordinal 番目（アドレス順）
//  2. 全条件に一致する最初のデバイス
//  3. ベンダー/プロダクトIDだけが一致する最初のデバイス（IDの指定がある場合のみ）
func (b *UVCBackend) selectDevice(devices []VideoDevice, binding Binding) (VideoDevice, bool) {
	usb := make([]VideoDevice, 0, len(devices))
	for _, dev := range devices {
		if dev.IsUSB() {
			usb = append(usb, dev)
		}
	}
	sort.SliceStable(usb, func(i, j int) bool {
		if usb[i].Bus != usb[j].Bus {
			return usb[i].Bus < usb[j].Bus
		}
		return usb[i].Address < usb[j].Address
	})

	var exact []VideoDevice
	for _, dev := range usb {
		if matchesBinding(dev, binding) {
			exact = append(exact, dev)
		}
	}

	if binding.Ordinal >= 0 && binding.Ordinal < len(exact) {
		if dev := exact[binding.Ordinal]; !b.isClaimed(dev) {
			return dev, true
		}
	}

	for _, dev := range exact {
		if !b.isClaimed(dev) {
			return dev, true
		}
	}

	if binding.VendorID == 0 && binding.ProductID == 0 {
		return VideoDevice{}, false
	}

	for _, dev := range usb {
		if b.isClaimed(dev) {
			continue
		}
		if binding.VendorID != 0 && dev.VendorID != binding.VendorID {
			continue
		}
		if binding.ProductID != 0 && dev.ProductID != binding.ProductID {
			continue
		}
		return dev, true
	}
	return VideoDevice{}, false
}

func (b *UVCBackend) isClaimed(dev VideoDevice) bool {
	_, used := b.claimed[dev.UID()]
	return used
}

// matchesBinding は指定されたすべての条件にデバイスが一致するかを返す
func matchesBinding(dev VideoDevice, binding Binding) bool {
	if binding.UID != "" && dev.UID() != binding.UID {
		return false
	}
	if binding.Address != 0 && dev.Address != binding.Address {
		return false
	}
	if binding.VendorID != 0 && dev.VendorID != binding.VendorID {
		return false
	}
	if binding.ProductID != 0 && dev.ProductID != binding.ProductID {
		return false
	}
	if binding.Serial != "" && dev.Serial != binding.Serial {
		return false
	}
	if binding.NameContains != "" && !strings.Contains(dev.Name, binding.NameContains) {
		return false
	}
	return true
}
