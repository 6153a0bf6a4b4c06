package recording

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"glasscam/internal/camera"
)

// Sink はカメラ1台分の動画ファイル
type Sink interface {
	// WriteFrame はJPEGフレームを1枚書き込む
	WriteFrame(frame camera.Frame) error
	// Close は書き込みを確定してファイルを閉じる
	Close() error
	// Path は出力ファイルのパスを返す
	Path() string
}

// SinkFactory はカメラごとのSinkを開く
type SinkFactory interface {
	Open(dir, cameraID string, width, height, fps int) (Sink, error)
}

// NewSinkFactory は出力形式に対応するSinkFactoryを返す
func NewSinkFactory(cfg Config) (SinkFactory, error) {
	switch cfg.Format {
	case "", FormatMJPEG:
		return MJPEGSinkFactory{}, nil
	case FormatMP4:
		return NewFFmpegSinkFactory(cfg.Quality), nil
	default:
		return nil, fmt.Errorf("サポートされていない出力形式: %s", cfg.Format)
	}
}

// MJPEGSinkFactory はJPEGを連結したMJPEGストリームを書き出す
type MJPEGSinkFactory struct{}

// Open は <cameraID>.mjpeg を作成する
func (MJPEGSinkFactory) Open(dir, cameraID string, _, _, _ int) (Sink, error) {
	path := filepath.Join(dir, cameraID+".mjpeg")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("動画ファイルの作成に失敗 (%s): %w", path, err)
	}
	return &mjpegSink{
		path: path,
		file: f,
		buf:  bufio.NewWriterSize(f, 512*1024),
	}, nil
}

type mjpegSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	buf    *bufio.Writer
	closed bool
}

func (s *mjpegSink) WriteFrame(frame camera.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%s は既に閉じられています", s.path)
	}
	if _, err := s.buf.Write(frame.Data); err != nil {
		return fmt.Errorf("フレームの書き込みに失敗 (%s): %w", s.path, err)
	}
	return nil
}

func (s *mjpegSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.buf.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return fmt.Errorf("動画ファイルのフラッシュに失敗 (%s): %w", s.path, flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("動画ファイルのクローズに失敗 (%s): %w", s.path, closeErr)
	}
	return nil
}

func (s *mjpegSink) Path() string {
	return s.path
}
