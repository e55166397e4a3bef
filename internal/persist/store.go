package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/nbsync/schema"
	"pkt.systems/pslog"
)

// NotebookState captures the local, per-user state of a notebook that the
// notebook service does not keep.
type NotebookState struct {
	NotebookID schema.NotebookID       `json:"notebook_id"`
	KernelLog  []schema.KernelLogEntry `json:"kernel_log,omitempty"`
	ViewedUser schema.UserID           `json:"viewed_user,omitempty"`
	ActiveCell schema.CellID           `json:"active_cell,omitempty"`
}

// Store persists notebook state to disk, one file per user and notebook.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads the state of a notebook from disk.
func (s *Store) Load(userID schema.UserID, notebookID schema.NotebookID) (NotebookState, bool, error) {
	path := s.pathFor(userID, notebookID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.debug("state load miss", userID, notebookID)
			return NotebookState{}, false, nil
		}
		s.warn("state load failed", userID, notebookID, err)
		return NotebookState{}, false, err
	}
	var state NotebookState
	if err := json.Unmarshal(data, &state); err != nil {
		s.warn("state load failed", userID, notebookID, err)
		return NotebookState{}, false, err
	}
	if s.log != nil {
		s.log.Debug("state load ok", "user", userID, "notebook", notebookID, "kernel_log", len(state.KernelLog))
	}
	return state, true, nil
}

// Save writes the state of a notebook to disk atomically.
func (s *Store) Save(userID schema.UserID, state NotebookState) error {
	if state.NotebookID == "" {
		return fmt.Errorf("%w: missing notebook id", schema.ErrInvalidRequest)
	}
	path := s.pathFor(userID, state.NotebookID)
	data, err := json.MarshalIndent(state, "", "  ")
	if err == nil {
		err = writeAtomic(path, data)
	}
	if err != nil {
		s.warn("state save failed", userID, state.NotebookID, err)
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "user", userID, "notebook", state.NotebookID, "kernel_log", len(state.KernelLog))
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) debug(msg string, userID schema.UserID, notebookID schema.NotebookID) {
	if s.log != nil {
		s.log.Debug(msg, "user", userID, "notebook", notebookID)
	}
}

func (s *Store) warn(msg string, userID schema.UserID, notebookID schema.NotebookID, err error) {
	if s.log != nil {
		s.log.Warn(msg, "user", userID, "notebook", notebookID, "err", err)
	}
}

func (s *Store) pathFor(userID schema.UserID, notebookID schema.NotebookID) string {
	user := sanitize(string(userID))
	if user == "" {
		user = "unknown"
	}
	name := sanitize(string(notebookID))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, user, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
