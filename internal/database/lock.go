package database

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const lockSuffix = ".lock"

// ErrDatabaseInUse reports a database held by a running server.
var ErrDatabaseInUse = errors.New("database: in use by a running server")

// ServerLock marks a database as served by a running process.
type ServerLock struct {
	path string
}

// LockPath returns the lock file guarding databasePath.
func LockPath(databasePath string) string {
	return databasePath + lockSuffix
}

// AcquireServerLock records the current process as the server of databasePath.
// A lock left by a process that crashed is overwritten.
func AcquireServerLock(databasePath string) (*ServerLock, error) {
	if strings.TrimSpace(databasePath) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	path := LockPath(databasePath)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return nil, fmt.Errorf("write server lock: %w", err)
	}
	return &ServerLock{path: path}, nil
}

// Release removes the lock file.
func (l *ServerLock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// EnsureNotServed fails with ErrDatabaseInUse while a server holds databasePath.
func EnsureNotServed(databasePath string) error {
	path := LockPath(databasePath)
	owner, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read server lock: %w", err)
	}
	return fmt.Errorf("%w: pid %s holds %s", ErrDatabaseInUse, strings.TrimSpace(string(owner)), path)
}
