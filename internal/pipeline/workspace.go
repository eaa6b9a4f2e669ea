package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Workspace は1回の試行だけが使う一時ディレクトリです。
// Release は成功・失敗どちらの経路でも必ず呼びます。
type Workspace struct {
	dir string

	releaseOnce sync.Once
	releaseErr  error
}

// NewWorkspace は root 配下に試行専用のディレクトリを作ります。root が空の場合は os.TempDir を使います。
func NewWorkspace(root, jobID string, attempt int) (*Workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
	}
	dir, err := os.MkdirTemp(root, fmt.Sprintf("job-%s-%d-", jobID, attempt))
	if err != nil {
		return nil, err
	}
	return &Workspace{dir: dir}, nil
}

// Dir は作業ディレクトリのパスを返します。
func (w *Workspace) Dir() string {
	return w.dir
}

// WriteFile は作業ディレクトリにファイルを書き出し、そのパスを返します。
func (w *Workspace) WriteFile(name string, data []byte) (string, error) {
	path := filepath.Join(w.dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Release は作業ディレクトリを削除します。複数回呼んでも1度だけ削除します。
func (w *Workspace) Release() error {
	if w == nil {
		return nil
	}
	w.releaseOnce.Do(func() {
		w.releaseErr = os.RemoveAll(w.dir)
	})
	return w.releaseErr
}
