//go:build !unix

package fsutil

type FileLock struct{}

func Lock(string, bool) (*FileLock, error) {
	return &FileLock{}, nil
}

func TryLock(string) (*FileLock, error) {
	return &FileLock{}, nil
}

func (l *FileLock) Unlock() error {
	return nil
}
