// Package lock provides the per-job-type execution lock shared by every
// process on a host. The lock is an flock on <dir>/<name>.lock; the holder
// description lives beside it in <name>.info.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/addrsync/internal/model"
)

// Info describes who holds a lock.
type Info struct {
	Name      string    `json:"name"`
	Token     string    `json:"token"`
	Host      string    `json:"host"`
	PID       int       `json:"pid"`
	Holder    string    `json:"holder"`
	StartedAt time.Time `json:"started_at"`
}

// HeldError is returned when another holder has the lock.
type HeldError struct {
	Name string
	Info *Info
}

func (e *HeldError) Error() string {
	if e.Info == nil {
		return fmt.Sprintf("lock %s is held", e.Name)
	}
	return fmt.Sprintf("lock %s is held by %s (pid %d on %s since %s)",
		e.Name, e.Info.Holder, e.Info.PID, e.Info.Host, e.Info.StartedAt.Format(time.RFC3339))
}

// Unwrap makes errors.Is(err, model.ErrAlreadyRunning) hold.
func (e *HeldError) Unwrap() error {
	return model.ErrAlreadyRunning
}

// Manager hands out named locks under one directory.
type Manager struct {
	dir string
}

// NewManager returns a Manager rooted at dir. The directory must exist.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Lock is a held execution lock. Release it exactly once.
type Lock struct {
	Info
	file     *os.File
	infoPath string
}

func (m *Manager) lockPath(name string) string {
	return filepath.Join(m.dir, name+".lock")
}

func (m *Manager) infoPath(name string) string {
	return filepath.Join(m.dir, name+".info")
}

// Acquire takes the lock without blocking. holder is a free-form label
// such as "job 12".
func (m *Manager) Acquire(name, holder string) (*Lock, error) {
	f, err := os.OpenFile(m.lockPath(name), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			info, _ := m.readInfo(name)
			return nil, &HeldError{Name: name, Info: info}
		}
		return nil, fmt.Errorf("flock %s: %w", name, err)
	}

	host, _ := os.Hostname()
	l := &Lock{
		Info: Info{
			Name:      name,
			Token:     uuid.NewString(),
			Host:      host,
			PID:       os.Getpid(),
			Holder:    holder,
			StartedAt: time.Now().UTC(),
		},
		file:     f,
		infoPath: m.infoPath(name),
	}

	if err := writeInfo(l.infoPath, &l.Info); err != nil {
		l.Release()
		return nil, err
	}
	return l, nil
}

// Release drops the lock and removes the holder description.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	// Only remove the info file if it is still ours.
	if data, err := os.ReadFile(l.infoPath); err == nil {
		var cur Info
		if json.Unmarshal(data, &cur) == nil && cur.Token == l.Token {
			os.Remove(l.infoPath)
		}
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(unlockErr, closeErr)
}

// Status is the observed state of a named lock. Stale is set when nobody
// holds the lock but a holder description was left behind by a process
// that died.
type Status struct {
	Name  string `json:"name"`
	Held  bool   `json:"held"`
	Stale bool   `json:"stale"`
	Info  *Info  `json:"info,omitempty"`
}

// Inspect reports whether name is held without taking it.
func (m *Manager) Inspect(name string) (*Status, error) {
	st := &Status{Name: name}
	info, err := m.readInfo(name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	st.Info = info

	f, err := os.OpenFile(m.lockPath(name), os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		st.Stale = info != nil
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			st.Held = true
			return st, nil
		}
		return nil, fmt.Errorf("flock %s: %w", name, err)
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	st.Stale = info != nil
	return st, nil
}

// Clear removes a stale holder description. A lock that is actually held
// is refused with a HeldError.
func (m *Manager) Clear(name string) (*Status, error) {
	st, err := m.Inspect(name)
	if err != nil {
		return nil, err
	}
	if st.Held {
		return st, &HeldError{Name: name, Info: st.Info}
	}
	if err := os.Remove(m.infoPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return st, fmt.Errorf("remove lock info: %w", err)
	}
	return st, nil
}

func (m *Manager) readInfo(name string) (*Info, error) {
	data, err := os.ReadFile(m.infoPath(name))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode lock info: %w", err)
	}
	return &info, nil
}

func writeInfo(path string, info *Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write lock info: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename lock info: %w", err)
	}
	return nil
}
