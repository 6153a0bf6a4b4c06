package camera

import "errors"

var (
	// ErrBackendUnavailable はデバイスが存在しない・使用中などで開けない
	ErrBackendUnavailable = errors.New("キャプチャバックエンドが利用できません")
	// ErrCaptureTimeout は読み出しタイムアウト
	ErrCaptureTimeout = errors.New("フレーム読み出しがタイムアウトしました")
	// ErrCaptureEOF はストリームが終了した
	ErrCaptureEOF = errors.New("フレームストリームが終了しました")
	// ErrCameraNotFound は未登録のカメラID
	ErrCameraNotFound = errors.New("カメラが見つかりません")
	// ErrSessionStopped はセッションの停止により購読が終了した
	ErrSessionStopped = errors.New("カメラセッションが停止しました")
	// ErrRegistryClosed は閉じたレジストリへの操作
	ErrRegistryClosed = errors.New("カメラレジストリは既に閉じられています")
)
