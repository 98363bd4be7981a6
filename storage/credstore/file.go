package credstore

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/session"
)

const (
	// DefaultFileName of the credential file inside the store directory.
	DefaultFileName = "credentials.json"
	fileMode        = 0600
	dirMode         = 0700
)

// FileTier persists a credential as a JSON file readable by its owner only.
// It is the persistent tier of non-browser hosts; processes sharing the file see each other's changes through Watch.
type FileTier struct {
	path   string
	logger core.Logger
}

var (
	_ session.Tier    = (*FileTier)(nil)
	_ session.Watcher = (*FileTier)(nil)
)

func NewFileTier(path string, logger core.Logger) *FileTier {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &FileTier{path: path, logger: logger}
}

// DefaultPath returns the credential file path inside dir, or inside the user config dir when dir is empty.
func DefaultPath(dir, appName string) (string, error) {
	if dir == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return "", errors.Wrap(err, "locating user config dir")
		}
		dir = filepath.Join(cfgDir, appName)
	}
	return filepath.Join(dir, DefaultFileName), nil
}

func (t *FileTier) Path() string {
	return t.path
}

func (t *FileTier) Load() (session.Credential, error) {
	var cred session.Credential

	data, err := ioutil.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return cred, nil
		}
		return cred, errors.Wrapf(err, "reading %s", t.path)
	}
	if len(data) == 0 {
		return cred, nil
	}
	if err := json.Unmarshal(data, &cred); err != nil {
		return session.Credential{}, errors.Wrapf(err, "decoding %s", t.path)
	}
	return cred, nil
}

// Save writes the credential to a temp file renamed over the previous one, so that readers never see a partial write.
func (t *FileTier) Save(cred session.Credential) error {
	if cred.IsEmpty() {
		return t.Clear()
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return errors.Wrap(err, "encoding credential")
	}

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}

	tmp, err := ioutil.TempFile(dir, filepath.Base(t.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name()) // no-op once renamed

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "chmod temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		return errors.Wrapf(err, "renaming to %s", t.path)
	}
	return nil
}

func (t *FileTier) Clear() error {
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", t.path)
	}
	return nil
}

// Watch calls onChange whenever the credential file is created, written, renamed or removed,
// until ctx is done. The parent directory is watched since Save replaces the file.
func (t *FileTier) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating file watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}

	name := filepath.Clean(t.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name || event.Op&fsnotify.Chmod == event.Op {
				continue
			}
			t.logger.Debug("credential file changed", map[string]interface{}{"op": event.Op.String()})
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("credential file watcher error", err)
		}
	}
}
