package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	// DefaultSysfsRoot はV4L2デバイスが列挙されるsysfsのディレクトリ
	DefaultSysfsRoot = "/sys/class/video4linux"
	// DefaultDevRoot はデバイスノードのディレクトリ
	DefaultDevRoot = "/dev"
)

// VideoDevice はsysfsから読み取ったV4L2デバイスの情報
type VideoDevice struct {
	Path      string `json:"path"`       // デバイスノード（例: /dev/video0）
	Number    int    `json:"number"`     // videoN の N
	Name      string `json:"name"`       // カード名
	VendorID  uint16 `json:"vendor_id"`  // USBベンダーID（USB以外は0）
	ProductID uint16 `json:"product_id"` // USBプロダクトID
	Bus       int    `json:"bus"`        // USBバス番号
	Address   int    `json:"address"`    // USBデバイスアドレス
	Serial    string `json:"serial,omitempty"`
}

// IsUSB はUSB接続のデバイスかどうかを返す
func (d VideoDevice) IsUSB() bool {
	return d.VendorID != 0 || d.ProductID != 0
}

// UID は "bus:address" 形式の一意IDを返す
func (d VideoDevice) UID() string {
	return fmt.Sprintf("%d:%d", d.Bus, d.Address)
}

// Discovery はsysfsを読んでV4L2デバイスを列挙する
type Discovery struct {
	sysfsRoot string
	devRoot   string
}

// NewDiscovery は新しいDiscoveryを作成する
func NewDiscovery() *Discovery {
	return &Discovery{
		sysfsRoot: DefaultSysfsRoot,
		devRoot:   DefaultDevRoot,
	}
}

// NewDiscoveryAt はsysfsとデバイスのディレクトリを指定してDiscoveryを作成する
func NewDiscoveryAt(sysfsRoot, devRoot string) *Discovery {
	return &Discovery{
		sysfsRoot: sysfsRoot,
		devRoot:   devRoot,
	}
}

// Scan はキャプチャ用のV4L2デバイスを番号順に返す
//
// 1台のUVCカメラはキャプチャ用とメタデータ用の2つのノードを持つので、
// index が0のノードだけを返す。
func (d *Discovery) Scan(ctx context.Context) ([]VideoDevice, error) {
	entries, err := os.ReadDir(d.sysfsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	var devices []VideoDevice
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		num, ok := extractDeviceNumber(entry.Name())
		if !ok {
			continue
		}

		dir := filepath.Join(d.sysfsRoot, entry.Name())
		if index, err := readSysfsString(filepath.Join(dir, "index")); err == nil && index != "0" {
			continue
		}

		dev := VideoDevice{
			Path:   filepath.Join(d.devRoot, entry.Name()),
			Number: num,
		}
		dev.Name, _ = readSysfsString(filepath.Join(dir, "name"))
		d.readUSBAttributes(dir, &dev)

		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Number < devices[j].Number
	})
	return devices, nil
}

// readUSBAttributes はデバイスの親をたどってUSBの属性を読む
func (d *Discovery) readUSBAttributes(dir string, dev *VideoDevice) {
	usbDir, err := filepath.EvalSymlinks(filepath.Join(dir, "device"))
	if err != nil {
		return
	}

	// device はUSBインターフェースを指すので、idVendor を持つ親まで上る
	for i := 0; i < 3; i++ {
		if _, err := os.Stat(filepath.Join(usbDir, "idVendor")); err == nil {
			break
		}
		usbDir = filepath.Dir(usbDir)
	}

	vendor, err := readSysfsHex(filepath.Join(usbDir, "idVendor"))
	if err != nil {
		return
	}
	dev.VendorID = vendor
	dev.ProductID, _ = readSysfsHex(filepath.Join(usbDir, "idProduct"))
	dev.Bus, _ = readSysfsInt(filepath.Join(usbDir, "busnum"))
	dev.Address, _ = readSysfsInt(filepath.Join(usbDir, "devnum"))
	dev.Serial, _ = readSysfsString(filepath.Join(usbDir, "serial"))
}

var deviceNumberPattern = regexp.MustCompile(`^video(\d+)$`)

// extractDeviceNumber は videoN から番号を抽出する
func extractDeviceNumber(name string) (int, bool) {
	matches := deviceNumberPattern.FindStringSubmatch(filepath.Base(name))
	if len(matches) < 2 {
		return 0, false
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, false
	}
	return num, true
}

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysfsHex(path string) (uint16, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%s の値が不正です: %w", path, err)
	}
	return uint16(v), nil
}

func readSysfsInt(path string) (int, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}
