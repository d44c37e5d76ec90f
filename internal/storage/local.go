// Package storage はジョブ作業領域と成果物のローカル保存を提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local はルートディレクトリ配下にファイルを保存します。
// ジョブごとの作業領域は <root>/<jobID>/in に入力、<root>/<jobID>/manifest.json にメタデータを置きます。
type Local struct {
	root string
	now  func() time.Time
}

// NewLocal はルートディレクトリを作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: abs, now: time.Now}, nil
}

// Root はルートディレクトリの絶対パスを返します。
func (l *Local) Root() string {
	return l.root
}

// Save は相対パスにデータを書き込みます。
func (l *Local) Save(ctx context.Context, rel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load は相対パスのデータを読み込みます。
func (l *Local) Load(ctx context.Context, rel string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := l.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Open はダウンロード用にファイルを開きます。存在しない場合は fs.ErrNotExist を返します。
func (l *Local) Open(rel string) (*os.File, fs.FileInfo, error) {
	path, err := l.resolve(rel)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return file, info, nil
}

// Delete は相対パスのファイルまたはディレクトリを削除します。
func (l *Local) Delete(_ context.Context, rel string) error {
	path, err := l.resolve(rel)
	if err != nil {
		return err
	}
	if path == l.root {
		return errors.New("refusing to delete storage root")
	}
	return os.RemoveAll(path)
}

// Sweep は maxAge より古いトップレベルのエントリを削除し、削除件数を返します。
func (l *Local) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return 0, err
	}
	cutoff := l.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.root, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (l *Local) resolve(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid storage path %q", rel)
	}
	return filepath.Join(l.root, clean), nil
}
