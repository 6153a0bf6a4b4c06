package recording

import (
	"time"
)

// WriterState はカメラごとの書き込み状態
type WriterState string

// WriterState の定数定義
const (
	WriterPending WriterState = "pending" // 開いたが開始の合図を待っている
	WriterWriting WriterState = "writing" // 書き込み中
	WriterClosed  WriterState = "closed"  // 正常に閉じた
	WriterFailed  WriterState = "failed"  // 失敗した（途中までのファイルは確定済み）
)

// JobStatus は録画ジョブ全体の状態
type JobStatus string

// JobStatus の定数定義
const (
	JobActive          JobStatus = "active"           // 録画中
	JobStopping        JobStatus = "stopping"         // 停止処理中（ライターの終了待ち）
	JobCompleted       JobStatus = "completed"        // 全カメラ成功
	JobPartiallyFailed JobStatus = "partially_failed" // 一部カメラが失敗
)

// 出力形式
const (
	FormatMJPEG = "mjpeg"
	FormatMP4   = "mp4"
)

// DirLayout は録画ディレクトリ名の時刻フォーマット
const DirLayout = "2006-01-02_15-04-05"

// ManifestFile は録画ディレクトリに書き出すジョブ情報のファイル名
const ManifestFile = "recording.json"

// Config は録画設定
type Config struct {
	BaseDir        string        `json:"base_dir"`        // 録画ディレクトリの親
	Format         string        `json:"format"`          // 出力形式 ("mjpeg", "mp4")
	FPS            int           `json:"fps"`             // 出力フレームレート
	Quality        int           `json:"quality"`         // mp4の品質 (1-5)
	StartupTimeout time.Duration `json:"startup_timeout"` // 全ライターが開くまでの待ち時間
	DrainTimeout   time.Duration `json:"drain_timeout"`   // 停止時にライターごとに待つ時間
	HistoryLimit   int           `json:"history_limit"`   // 保持する過去ジョブ数
}

// DefaultConfig はデフォルトの録画設定を返す
func DefaultConfig() Config {
	return Config{
		BaseDir:        "recordings",
		Format:         FormatMJPEG,
		FPS:            30,
		Quality:        3,
		StartupTimeout: 5 * time.Second,
		DrainTimeout:   5 * time.Second,
		HistoryLimit:   20,
	}
}

// WriterInfo はカメラごとのライター情報
type WriterInfo struct {
	CameraID       string      `json:"camera_id"`
	State          WriterState `json:"state"`
	Path           string      `json:"path,omitempty"`            // 動画ファイル
	TimestampsPath string      `json:"timestamps_path,omitempty"` // タイムスタンプCSV
	Frames         uint64      `json:"frames"`                    // 書き込んだフレーム数
	FirstFrame     *time.Time  `json:"first_frame,omitempty"`
	LastFrame      *time.Time  `json:"last_frame,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Job は録画ジョブのスナップショット
type Job struct {
	ID        string       `json:"id"`
	StartedAt time.Time    `json:"started_at"` // ディレクトリ名にも使う開始時刻
	Dir       string       `json:"dir"`
	CameraIDs []string     `json:"camera_ids"`
	Format    string       `json:"format"`
	Status    JobStatus    `json:"status"`
	Writers   []WriterInfo `json:"writers"`
}

// Summary は停止した録画ジョブの結果
type Summary struct {
	Job
	StoppedAt time.Time         `json:"stopped_at"`
	Failed    map[string]string `json:"failed,omitempty"` // カメラID -> 失敗理由
}

// StatusInfo は録画状態の問い合わせ結果
type StatusInfo struct {
	Active      bool      `json:"active"`
	Stopping    bool      `json:"stopping"`
	RecordDir   string    `json:"record_dir,omitempty"`
	Job         *Job      `json:"job,omitempty"`
	LastSummary *Summary  `json:"last_summary,omitempty"`
	History     []Summary `json:"history"`
}
