// Package lock serializes access to a mount directory: two pipeline
// runs sharing one mount point would tar or extract into each other's
// trees.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

type Entry struct {
	Pid       int    `yaml:"pid"`
	MountDir  string `yaml:"mount_dir"`
	StartedAt string `yaml:"started_at"`
}

func lockPath(mountDir string) string {
	name := strings.ReplaceAll(strings.Trim(filepath.Clean(mountDir), string(os.PathSeparator)), string(os.PathSeparator), "-")
	return filepath.Join(os.TempDir(), "s2b-"+name+".lock")
}

func readLock(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func writeLock(path string, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	return true
}

// Acquire takes the pid-file lock for a mount directory. Stale locks
// from dead processes are broken. Returns a release function which
// should be called (deferred) when work is done.
func Acquire(mountDir string) (func() error, error) {
	path := lockPath(mountDir)

	existing, err := readLock(path)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Pid > 0 && isProcessAlive(existing.Pid) {
		return nil, fmt.Errorf("mount directory %s already in use by pid %d (started %s)",
			mountDir, existing.Pid, existing.StartedAt)
	}

	entry := &Entry{
		Pid:       os.Getpid(),
		MountDir:  mountDir,
		StartedAt: time.Now().Format(time.RFC3339),
	}
	if err := writeLock(path, entry); err != nil {
		return nil, err
	}

	release := func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return release, nil
}
