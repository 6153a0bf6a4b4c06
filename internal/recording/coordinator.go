package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"glasscam/internal/camera"
)

// Cameras は録画対象のカメラを引く先。camera.Registry が満たす
type Cameras interface {
	Session(id string) (*camera.Session, bool)
	RunningIDs() []string
}

// Coordinator は複数カメラの同期録画を管理する
type Coordinator struct {
	cameras Cameras
	config  Config
	factory SinkFactory
	now     func() time.Time

	mu       sync.Mutex
	starting bool
	active   *job
	stopping *job
	history  []Summary
}

// job は実行中の録画ジョブ
type job struct {
	id        string
	startedAt time.Time
	dir       string
	cameraIDs []string
	format    string
	writers   []*writer
	cancel    context.CancelFunc
}

// NewCoordinator は新しいCoordinatorを作成する
func NewCoordinator(cameras Cameras, config Config) (*Coordinator, error) {
	factory, err := NewSinkFactory(config)
	if err != nil {
		return nil, err
	}

	defaults := DefaultConfig()
	if config.FPS <= 0 {
		config.FPS = defaults.FPS
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = defaults.StartupTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaults.DrainTimeout
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = defaults.HistoryLimit
	}
	if config.BaseDir == "" {
		config.BaseDir = defaults.BaseDir
	}
	if config.Format == "" {
		config.Format = defaults.Format
	}

	return &Coordinator{
		cameras: cameras,
		config:  config,
		factory: factory,
		now:     time.Now,
	}, nil
}

// SetSinkFactory は出力先の作り方を差し替える
func (c *Coordinator) SetSinkFactory(factory SinkFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factory = factory
}

// Config は録画設定を返す
func (c *Coordinator) Config() Config {
	return c.config
}

// StartRecording は指定したカメラ（空なら動作中の全カメラ）の録画を開始する
//
// 全カメラのライターが開けるまで書き込みを始めない。起動待ちの期限内に
// 揃わなければ開いたライターを閉じ、ディレクトリも削除してエラーを返す。
func (c *Coordinator) StartRecording(ctx context.Context, cameraIDs []string) (Job, error) {
	c.mu.Lock()
	if c.starting || c.active != nil || c.stopping != nil {
		c.mu.Unlock()
		return Job{}, ErrAlreadyRecording
	}
	c.starting = true
	factory := c.factory
	c.mu.Unlock()

	j, err := c.startJob(ctx, cameraIDs, factory)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false
	if err != nil {
		return Job{}, err
	}
	c.active = j
	return j.snapshot(JobActive), nil
}

func (c *Coordinator) startJob(ctx context.Context, cameraIDs []string, factory SinkFactory) (*job, error) {
	sessions, ids, err := c.resolveCameras(cameraIDs)
	if err != nil {
		return nil, err
	}

	startedAt := c.now()
	dir, err := c.createJobDir(startedAt)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	writers := make([]*writer, len(ids))
	for i, id := range ids {
		writers[i] = newWriter(id, sessions[i])
	}

	startCtx, cancelStart := context.WithTimeout(ctx, c.config.StartupTimeout)
	defer cancelStart()

	g, gctx := errgroup.WithContext(startCtx)
	for _, w := range writers {
		g.Go(func() error {
			return w.open(gctx, subCtx, dir, factory, c.config.FPS)
		})
	}

	if err := g.Wait(); err != nil {
		for _, w := range writers {
			w.abort()
		}
		cancel()
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Printf("録画ディレクトリの削除に失敗 (%s): %v", dir, rmErr)
		}
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w (%s): %v", ErrStartupTimeout, c.config.StartupTimeout, err)
		}
		return nil, fmt.Errorf("録画の開始に失敗: %w", err)
	}

	// 全ライターが揃った時刻を開始点とする
	release := c.now()
	for _, w := range writers {
		w.start(release)
	}

	j := &job{
		id:        uuid.New().String(),
		startedAt: startedAt,
		dir:       dir,
		cameraIDs: ids,
		format:    c.config.Format,
		writers:   writers,
		cancel:    cancel,
	}

	if err := writeManifest(dir, Summary{Job: j.snapshot(JobActive)}); err != nil {
		log.Printf("録画情報の書き込みに失敗: %v", err)
	}

	log.Printf("録画を開始しました: %s (%v)", dir, ids)
	return j, nil
}

// resolveCameras は録画対象のセッションを決める
func (c *Coordinator) resolveCameras(cameraIDs []string) ([]*camera.Session, []string, error) {
	ids := cameraIDs
	if len(ids) == 0 {
		ids = c.cameras.RunningIDs()
		if len(ids) == 0 {
			return nil, nil, ErrNoCamerasAvailable
		}
	}

	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	sessions := make([]*camera.Session, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		session, exists := c.cameras.Session(id)
		if !exists {
			return nil, nil, fmt.Errorf("%w: %s", camera.ErrCameraNotFound, id)
		}
		if session.State() != camera.StateRunning {
			return nil, nil, fmt.Errorf("%w: %s (%s)", ErrCameraNotRunning, id, session.State())
		}
		unique = append(unique, id)
		sessions = append(sessions, session)
	}
	return sessions, unique, nil
}

// createJobDir は開始時刻で名付けたディレクトリを作成する。既にあれば連番を付ける
func (c *Coordinator) createJobDir(startedAt time.Time) (string, error) {
	if err := os.MkdirAll(c.config.BaseDir, 0755); err != nil {
		return "", fmt.Errorf("録画ディレクトリの作成に失敗: %w", err)
	}

	name := startedAt.Format(DirLayout)
	for i := 0; i < 100; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d", name, i)
		}
		dir := filepath.Join(c.config.BaseDir, candidate)
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("録画ディレクトリの作成に失敗: %w", err)
		}
	}
	return "", fmt.Errorf("録画ディレクトリ名が重複しています: %s", name)
}

// StopRecording は録画を停止し、カメラごとの結果をまとめて返す
func (c *Coordinator) StopRecording(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return Summary{}, ErrNotRecording
	}
	j := c.active
	c.active = nil
	c.stopping = j
	c.mu.Unlock()

	for _, w := range j.writers {
		close(w.stop)
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
	defer cancel()
	for _, w := range j.writers {
		select {
		case <-w.done:
		case <-drainCtx.Done():
			w.abandon(drainCtx.Err())
		}
	}
	j.cancel()

	summary := j.summary(c.now())
	if err := writeManifest(j.dir, summary); err != nil {
		log.Printf("録画情報の書き込みに失敗: %v", err)
	}

	c.mu.Lock()
	c.stopping = nil
	c.history = append(c.history, summary)
	if len(c.history) > c.config.HistoryLimit {
		c.history = c.history[len(c.history)-c.config.HistoryLimit:]
	}
	c.mu.Unlock()

	log.Printf("録画を停止しました: %s (%s)", j.dir, summary.Status)
	return summary, nil
}

// Active は録画中かどうかを返す
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Status は現在の録画状態を返す
func (c *Coordinator) Status() StatusInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := StatusInfo{
		History: make([]Summary, len(c.history)),
	}
	copy(status.History, c.history)

	switch {
	case c.active != nil:
		snapshot := c.active.snapshot(JobActive)
		status.Active = true
		status.RecordDir = c.active.dir
		status.Job = &snapshot
	case c.stopping != nil:
		snapshot := c.stopping.snapshot(JobStopping)
		status.Stopping = true
		status.RecordDir = c.stopping.dir
		status.Job = &snapshot
	}
	if n := len(c.history); n > 0 {
		last := c.history[n-1]
		status.LastSummary = &last
	}
	return status
}

// ListRecordings は録画ディレクトリに残っているジョブを新しい順に返す
func (c *Coordinator) ListRecordings() ([]Summary, error) {
	entries, err := os.ReadDir(c.config.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, nil
		}
		return nil, fmt.Errorf("録画ディレクトリの読み取りに失敗: %w", err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		summary, err := readManifest(filepath.Join(c.config.BaseDir, entry.Name()))
		if err != nil {
			log.Printf("録画情報の読み取りに失敗 (%s): %v", entry.Name(), err)
			continue
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})
	return summaries, nil
}

func (j *job) snapshot(status JobStatus) Job {
	writers := make([]WriterInfo, len(j.writers))
	for i, w := range j.writers {
		writers[i] = w.info()
	}
	ids := make([]string, len(j.cameraIDs))
	copy(ids, j.cameraIDs)

	return Job{
		ID:        j.id,
		StartedAt: j.startedAt,
		Dir:       j.dir,
		CameraIDs: ids,
		Format:    j.format,
		Status:    status,
		Writers:   writers,
	}
}

func (j *job) summary(stoppedAt time.Time) Summary {
	snapshot := j.snapshot(JobCompleted)

	failed := make(map[string]string)
	for _, w := range snapshot.Writers {
		if w.State != WriterClosed {
			failed[w.CameraID] = w.Error
		}
	}
	if len(failed) > 0 {
		snapshot.Status = JobPartiallyFailed
	} else {
		failed = nil
	}

	return Summary{
		Job:       snapshot,
		StoppedAt: stoppedAt,
		Failed:    failed,
	}
}

func writeManifest(dir string, summary Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("録画情報のエンコードに失敗: %w", err)
	}
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("録画情報の書き込みに失敗 (%s): %w", path, err)
	}
	return nil
}

func readManifest(dir string) (Summary, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Summary{}, err
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return Summary{}, fmt.Errorf("録画情報のデコードに失敗: %w", err)
	}
	return summary, nil
}
