package recording

import "errors"

var (
	// ErrAlreadyRecording は録画中に開始しようとした
	ErrAlreadyRecording = errors.New("既に録画中です")
	// ErrNotRecording は録画していないのに停止しようとした
	ErrNotRecording = errors.New("録画していません")
	// ErrNoCamerasAvailable は録画できるカメラがない
	ErrNoCamerasAvailable = errors.New("録画できるカメラがありません")
	// ErrCameraNotRunning は指定されたカメラが動作していない
	ErrCameraNotRunning = errors.New("カメラが動作していません")
	// ErrStartupTimeout は全ライターが時間内に開かなかった
	ErrStartupTimeout = errors.New("録画の開始がタイムアウトしました")
	// ErrDrainTimeout はライターが時間内に閉じなかった
	ErrDrainTimeout = errors.New("ライターの終了待ちがタイムアウトしました")
)
