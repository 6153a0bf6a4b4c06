package camera

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DeviceWatcher はデバイスノードの削除を監視する
type DeviceWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLost  func()
	done    chan struct{}
	once    sync.Once
}

// WatchDevice はデバイスノードが削除されたら onLost を1回呼ぶ監視を開始する
func WatchDevice(path string, onLost func()) (*DeviceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ファイル監視の作成に失敗: %w", err)
	}

	// デバイスノード自体ではなく親ディレクトリを監視する
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("%s の監視に失敗: %w", filepath.Dir(path), err)
	}

	w := &DeviceWatcher{
		path:    filepath.Clean(path),
		watcher: watcher,
		onLost:  onLost,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *DeviceWatcher) run() {
	var lostOnce sync.Once
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&fsnotify.Remove == fsnotify.Remove || event.Op&fsnotify.Rename == fsnotify.Rename {
				lostOnce.Do(w.onLost)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("デバイス監視エラー (%s): %v", w.path, err)
		}
	}
}

// Close は監視を終了する
func (w *DeviceWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
