package stores

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore 本地文件系统实现，开发与测试用
type LocalStore struct {
	Dir     string
	BaseURL string
}

func NewLocalStore(dir, baseURL string) *LocalStore {
	return &LocalStore{Dir: dir, BaseURL: baseURL}
}

func (l *LocalStore) fullPath(key string) string {
	return filepath.Join(l.Dir, filepath.FromSlash(key))
}

func (l *LocalStore) Read(key string) (io.ReadCloser, int64, error) {
	f, err := os.Open(l.fullPath(key))
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

func (l *LocalStore) Write(key string, r io.Reader) error {
	p := l.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func (l *LocalStore) Delete(key string) error {
	err := os.Remove(l.fullPath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (l *LocalStore) Exists(key string) (bool, error) {
	_, err := os.Stat(l.fullPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (l *LocalStore) PublicURL(key string) string {
	if l.BaseURL != "" {
		return strings.TrimRight(l.BaseURL, "/") + "/" + key
	}
	return "/files/" + key
}
