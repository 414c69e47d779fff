package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DeviceStore は匿名デバイスIDをローカルファイルに保存する。
// 2回目以降の起動では同じIDを使う。
type DeviceStore struct {
	path string
}

// NewDeviceStore はpathにデバイスIDを保存するDeviceStoreを生成する。
func NewDeviceStore(path string) *DeviceStore {
	return &DeviceStore{path: path}
}

// Load は保存済みのデバイスIDを返す。無ければ新しく生成して保存する。
func (d *DeviceStore) Load() (string, error) {
	data, err := os.ReadFile(d.path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(d.path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create device id directory: %w", err)
	}
	if err := os.WriteFile(d.path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write device id: %w", err)
	}
	return id, nil
}
