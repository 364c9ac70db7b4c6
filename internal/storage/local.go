// Package storage はストレージ抽象化レイヤーを提供します。
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey はストレージキーが不正な場合に返されます。
var ErrInvalidKey = errors.New("invalid storage key")

// Local はローカルファイルシステムに成果物を保存します。
// キーは "/" 区切りの相対パスで、root 配下にのみ解決されます。
type Local struct {
	root    string
	baseURL string
}

// NewLocal は Local を作成します。baseURL が空の場合、参照はキーそのものになります。
func NewLocal(root, baseURL string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root は保存先ディレクトリを返します。
func (l *Local) Root() string {
	return l.root
}

// Save は data を key に書き込み、成果物の参照を返します。
// 一時ファイルに書き込んでから rename するため、途中状態のファイルは見えません。
func (l *Local) Save(ctx context.Context, key string, data []byte) (string, error) {
	return l.Put(ctx, key, bytes.NewReader(data))
}

// Put は r の内容を key に書き込み、成果物の参照を返します。
func (l *Local) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", fmt.Errorf("failed to chmod %s: %w", key, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return l.Ref(key), nil
}

// Open は key のファイルを開きます。存在しない場合は fs.ErrNotExist を返します。
func (l *Local) Open(ctx context.Context, key string) (*os.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Delete は key のファイルを削除します。存在しない場合は何もしません。
func (l *Local) Delete(ctx context.Context, key string) error {
	p, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Ref は key に対応する成果物参照（URLまたはキー）を返します。
func (l *Local) Ref(key string) string {
	clean := path.Clean("/" + key)[1:]
	if l.baseURL == "" {
		return clean
	}
	return l.baseURL + "/" + clean
}

func (l *Local) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean[1:])), nil
}
