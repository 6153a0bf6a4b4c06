package camera

import (
	"context"
	"time"
)

// State はカメラセッションの動作状態を表す
type State string

const (
	StateIdle     State = "idle"     // 停止中（再開始可能）
	StateStarting State = "starting" // バックエンドを開いて最初のフレームを待っている
	StateRunning  State = "running"  // キャプチャ中
	StateStopping State = "stopping" // 停止処理中
	StateError    State = "error"    // エラーで停止した
)

// Role はカメラの用途を表す
type Role string

const (
	RoleColor    Role = "color"
	RoleInfrared Role = "infrared"
)

// BackendKind はキャプチャバックエンドの種別を表す
type BackendKind string

const (
	// BackendGeneric はデバイスパスで開く汎用ウェブカメラ
	BackendGeneric BackendKind = "generic"
	// BackendUVC はベンダー/プロダクトIDで列挙するUVC赤外線カメラ
	BackendUVC BackendKind = "uvc"
)

// Binding はバックエンド固有のデバイス指定
type Binding struct {
	DevicePath   string // デバイスパス（例: /dev/video2）
	VendorID     uint16 // USBベンダーID
	ProductID    uint16 // USBプロダクトID
	UID          string // "bus:address" 形式の一意ID
	Address      int    // USBデバイスアドレス
	Serial       string // シリアル番号
	NameContains string // デバイス名に含まれる文字列（例: Pupil Cam2）
	Ordinal      int    // 同一機種が複数ある場合の順番（アドレス順）
}

// Transform はフレームの向き補正
type Transform struct {
	Rotate int  // 時計回りの回転角度（0, 90, 180, 270）
	FlipH  bool // 左右反転
	FlipV  bool // 上下反転
}

// IsIdentity は補正が不要かどうかを返す
func (t Transform) IsIdentity() bool {
	return t.Rotate%360 == 0 && !t.FlipH && !t.FlipV
}

// Descriptor はレジストリ構築時に確定するカメラの静的な情報
type Descriptor struct {
	ID        string      // 安定した識別子（world, eye0, eye1）
	Name      string      // 表示名
	Role      Role        // カラー / 赤外線
	Backend   BackendKind // バックエンド種別
	Binding   Binding     // デバイス指定
	Width     int         // 画像幅
	Height    int         // 画像高さ
	FPS       int         // フレームレート
	Format    string      // ピクセルフォーマット（MJPG, YUYV, GREY）
	Transform Transform   // 向き補正
}

// RawFrame はバックエンドから読み出したJPEGフレーム
type RawFrame struct {
	Data   []byte // JPEG画像データ
	Width  int
	Height int
}

// Frame はセッションが公開するフレーム
type Frame struct {
	CameraID  string    // カメラID
	Seq       uint64    // セッション内で単調増加するシーケンス番号
	Timestamp time.Time // キャプチャ時刻
	Data      []byte    // JPEG画像データ
	Width     int
	Height    int
}

// Info はカメラ状態のスナップショット
type Info struct {
	Descriptor Descriptor
	State      State
	LastError  string    // 直近のエラー（なければ空）
	LastFrame  time.Time // 最後にフレームを取得した時刻
	Frames     uint64    // 取得済みフレーム数（最後のシーケンス番号）
	Viewers    int       // 現在の購読者数
}

// Backend はキャプチャバックエンドのインターフェース
type Backend interface {
	// Kind はバックエンド種別を返す
	Kind() BackendKind

	// Open はデバイスを開く。失敗時は ErrBackendUnavailable をラップして返す
	Open(ctx context.Context, desc Descriptor) (Handle, error)
}

// Handle は開いたデバイスへのハンドル
type Handle interface {
	// ReadFrame は次のフレームを読み出す。読み出しタイムアウトまでブロックする
	ReadFrame(ctx context.Context) (RawFrame, error)

	// Close はハンドルを閉じる。ReadFrame の実行中に別ゴルーチンから呼んでもよい
	Close() error

	// Alive はデバイスがまだ利用可能かを返す
	Alive() bool
}
