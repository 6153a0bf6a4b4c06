package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"glasscam/internal/camera"
)

// FFmpegSinkFactory はFFmpegでH.264のmp4を書き出す
type FFmpegSinkFactory struct {
	binary  string
	quality int
}

// NewFFmpegSinkFactory は新しいFFmpegSinkFactoryを作成する
func NewFFmpegSinkFactory(quality int) *FFmpegSinkFactory {
	return &FFmpegSinkFactory{
		binary:  "ffmpeg",
		quality: quality,
	}
}

// Open はFFmpegを起動し、標準入力にJPEGを流し込むSinkを返す
func (f *FFmpegSinkFactory) Open(dir, cameraID string, _, _, fps int) (Sink, error) {
	if fps <= 0 {
		fps = 30
	}
	path := filepath.Join(dir, cameraID+".mp4")

	cmd := exec.Command(f.binary,
		"-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(fps),
		"-c:v", "mjpeg",
		"-i", "-",
		// libx264 + yuv420p は幅と高さが偶数である必要がある
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", qualityToCRF(f.quality),
		"-pix_fmt", "yuv420p",
		"-y", // 上書き許可
		path,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("FFmpegの標準入力を取得できません: %w", err)
	}
	stderr := &limitedBuffer{limit: 8 * 1024}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("FFmpegの起動に失敗: %w", err)
	}

	return &ffmpegSink{
		path:   path,
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
	}, nil
}

type ffmpegSink struct {
	mu     sync.Mutex
	path   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *limitedBuffer
	closed bool
}

func (s *ffmpegSink) WriteFrame(frame camera.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%s は既に閉じられています", s.path)
	}
	if _, err := s.stdin.Write(frame.Data); err != nil {
		return fmt.Errorf("FFmpegへの書き込みに失敗 (%s): %w (output: %s)", s.path, err, s.stderr.String())
	}
	return nil
}

// Close は標準入力を閉じてFFmpegの終了を待つ
func (s *ffmpegSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("動画のエンコードに失敗 (%s): %w (output: %s)", s.path, err, s.stderr.String())
	}
	return nil
}

func (s *ffmpegSink) Path() string {
	return s.path
}

// limitedBuffer は先頭 limit バイトだけを保持する
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if remain := b.limit - b.buf.Len(); remain > 0 {
		if len(p) > remain {
			b.buf.Write(p[:remain])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// qualityToCRF は品質設定をFFmpegのCRF値に変換する
func qualityToCRF(quality int) string {
	// 品質1(低) -> CRF28, 品質5(高) -> CRF18
	crf := 28.0 - float64(quality-1)*2.5
	if crf < 18 {
		crf = 18
	}
	if crf > 28 {
		crf = 28
	}
	return strconv.FormatFloat(crf, 'f', 1, 64)
}

// ValidateFFmpeg はFFmpegが利用可能かチェックする
func ValidateFFmpeg(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg", "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("FFmpegが見つかりません。インストールしてください: %w", err)
	}
	return nil
}
