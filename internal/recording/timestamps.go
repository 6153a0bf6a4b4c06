package recording

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"glasscam/internal/camera"
)

// timestampsFlushEvery はこの行数ごとにファイルへ書き出す
const timestampsFlushEvery = 30

var timestampsHeader = []string{"frame_index", "sequence", "timestamp_ns", "timestamp"}

// TimestampWriter は書き込んだフレームのキャプチャ時刻をCSVに記録する
//
// 各カメラの動画は独立に書かれるので、後から時刻で揃えるために使う。
type TimestampWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  *bufio.Writer
	csv  *csv.Writer
	rows uint64
}

// NewTimestampWriter は <cameraID>_timestamps.csv を作成してヘッダーを書く
func NewTimestampWriter(dir, cameraID string) (*TimestampWriter, error) {
	path := filepath.Join(dir, cameraID+"_timestamps.csv")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("タイムスタンプファイルの作成に失敗 (%s): %w", path, err)
	}

	bw := bufio.NewWriterSize(f, 64*1024)
	cw := csv.NewWriter(bw)
	if err := cw.Write(timestampsHeader); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("タイムスタンプファイルのヘッダー書き込みに失敗: %w", err)
	}

	return &TimestampWriter{
		path: path,
		file: f,
		buf:  bw,
		csv:  cw,
	}, nil
}

// Write はフレーム1枚分の行を追加する
func (w *TimestampWriter) Write(index uint64, frame camera.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	row := []string{
		strconv.FormatUint(index, 10),
		strconv.FormatUint(frame.Seq, 10),
		strconv.FormatInt(frame.Timestamp.UnixNano(), 10),
		frame.Timestamp.Format(time.RFC3339Nano),
	}
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("タイムスタンプの書き込みに失敗 (%s): %w", w.path, err)
	}
	w.rows++

	if w.rows%timestampsFlushEvery == 0 {
		return w.flushLocked()
	}
	return nil
}

// Path はCSVファイルのパスを返す
func (w *TimestampWriter) Path() string {
	return w.path
}

// Close は残りを書き出してファイルを閉じる
func (w *TimestampWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	flushErr := w.flushLocked()
	closeErr := w.file.Close()
	w.file = nil

	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("タイムスタンプファイルのクローズに失敗 (%s): %w", w.path, closeErr)
	}
	return nil
}

func (w *TimestampWriter) flushLocked() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("タイムスタンプのフラッシュに失敗 (%s): %w", w.path, err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("タイムスタンプのフラッシュに失敗 (%s): %w", w.path, err)
	}
	return nil
}
