package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	minerErrors "github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// DefaultFileName is the settings file inside the settings directory.
const DefaultFileName = "settings.yaml"

// DefaultPath returns ~/.gompminer/settings.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultFileName
	}
	return filepath.Join(home, ".gompminer", DefaultFileName)
}

// FileStore persists settings as a YAML file. Every setter rewrites the file.
type FileStore struct {
	*state

	path   string
	logger *log.Logger

	// serializes file writes
	writeMu sync.Mutex
}

// OpenFile loads the settings file at path. A missing file yields empty
// settings; it is created on the first write.
func OpenFile(path string, defaults []string, logger *log.Logger) (*FileStore, error) {
	s := &FileStore{
		state:  newState(defaults),
		path:   path,
		logger: logger.WithComponent("settings").WithFields("path", path),
	}

	v, err := s.read()
	if err != nil {
		return nil, err
	}
	s.set(v)
	return s, nil
}

// Path returns the settings file path.
func (s *FileStore) Path() string {
	return s.path
}

// Values returns a copy of the current settings.
func (s *FileStore) Values() Values {
	return s.get()
}

// SetMiningPoolList replaces and saves the pool list.
func (s *FileStore) SetMiningPoolList(pools []string) error {
	_, v := s.update(func(v *Values) { v.Pools = cleanPools(pools) })
	return s.write(v)
}

// SetMiningCPUCoreCount stores and saves the core count.
func (s *FileStore) SetMiningCPUCoreCount(count int) error {
	_, v := s.update(func(v *Values) { v.CPUCoreCount = count })
	return s.write(v)
}

// SetMiningSchedulePolicy stores and saves the policy name.
func (s *FileStore) SetMiningSchedulePolicy(policy string) error {
	_, v := s.update(func(v *Values) { v.SchedulePolicy = policy })
	return s.write(v)
}

func (s *FileStore) read() (Values, error) {
	var v Values
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		return v, minerErrors.Wrap(err, minerErrors.ErrorTypeSettings, "read", "failed to read settings file").
			WithContext("path", s.path)
	}

	if err := yaml.Unmarshal(data, &v); err != nil {
		return v, minerErrors.Wrap(err, minerErrors.ErrorTypeSettings, "read", "malformed settings file").
			WithContext("path", s.path)
	}
	v.Pools = cleanPools(v.Pools)
	return v, nil
}

// write replaces the file through a temporary file and a rename.
func (s *FileStore) write(v Values) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := yaml.Marshal(&v)
	if err != nil {
		return minerErrors.Wrap(err, minerErrors.ErrorTypeSettings, "write", "failed to encode settings")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return minerErrors.Wrap(err, minerErrors.ErrorTypeSettings, "write", "failed to create settings directory").
			WithContext("path", s.path)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return minerErrors.Wrap(err, minerErrors.ErrorTypeSettings, "write", "failed to create settings file").
			WithContext("path", s.path)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return minerErrors.Wrap(err, minerErrors.ErrorTypeSettings, "write", "failed to write settings file").
			WithContext("path", s.path)
	}
	if err := tmp.Close(); err != nil {
		return minerErrors.Wrap(err, minerErrors.ErrorTypeSettings, "write", "failed to write settings file").
			WithContext("path", s.path)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return minerErrors.Wrap(err, minerErrors.ErrorTypeSettings, "write", "failed to replace settings file").
			WithContext("path", s.path)
	}

	s.logger.Debug("settings saved", "pools", len(v.Pools))
	return nil
}

// Reload rereads the file. It reports the previous and new values and whether
// they differ.
func (s *FileStore) Reload() (Values, Values, bool, error) {
	v, err := s.read()
	if err != nil {
		return Values{}, Values{}, false, err
	}
	old, next := s.update(func(cur *Values) { *cur = v })
	return old, next, !reflect.DeepEqual(old, next), nil
}

// WatchDebounce is how long Watch waits for writes to settle.
const WatchDebounce = 250 * time.Millisecond

// Watch reloads the file whenever it changes on disk until ctx is done, and
// calls onChange with the previous and new values when they differ. Writes
// made through the store itself do not trigger onChange.
func (s *FileStore) Watch(ctx context.Context, onChange func(old, next Values)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory so atomic renames are seen
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go s.watch(ctx, watcher, onChange)
	s.logger.Info("watching settings file")
	return nil
}

func (s *FileStore) watch(ctx context.Context, watcher *fsnotify.Watcher, onChange func(old, next Values)) {
	defer watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(WatchDebounce)
			} else {
				timer.Reset(WatchDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			s.writeMu.Lock()
			old, next, changed, err := s.Reload()
			s.writeMu.Unlock()
			if err != nil {
				s.logger.WithError(err).Warn("failed to reload settings file")
				continue
			}
			if changed {
				s.logger.Info("settings file changed on disk")
				onChange(old, next)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Error("settings watcher error")
		}
	}
}
