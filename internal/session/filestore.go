package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"deepresearch/internal/errors"
	"deepresearch/internal/logging"
)

const (
	metaFile   = "meta.json"
	stateFile  = "state.json"
	reportFile = "report.md"
)

// metaDoc is the immutable half of a session on disk, written exactly once.
type metaDoc struct {
	ID             string    `json:"id"`
	Question       string    `json:"question"`
	Language       string    `json:"language"`
	Depth          Depth     `json:"depth"`
	MaxResearchers int       `json:"max_researchers"`
	CreatedAt      time.Time `json:"created_at"`
}

// stateDoc is the mutable half, carried in a versioned envelope.
type stateDoc struct {
	Version   int64         `json:"version"`
	Stage     Stage         `json:"stage"`
	Progress  int           `json:"progress"`
	LastError *StageError   `json:"last_error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
	Research  ResearchState `json:"research"`
}

// fileStore keeps one directory per session under baseDir. Writes go through
// a temp file, fsync, and rename so a crash never exposes a torn state.
type fileStore struct {
	baseDir string
	logger  logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore opens (creating if needed) a session store rooted at baseDir.
func NewFileStore(baseDir string, logger logging.Logger) (Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", baseDir, err)
	}
	return &fileStore{
		baseDir: baseDir,
		logger:  logging.WithComponent(logging.OrNop(logger), "session-store"),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (s *fileStore) dir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// lockFor serialises updates per session id.
func (s *fileStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *fileStore) Create(ctx context.Context, seed Seed) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	meta := metaDoc{
		ID:             uuid.NewString(),
		Question:       seed.Question,
		Language:       seed.Language,
		Depth:          seed.Depth,
		MaxResearchers: seed.MaxResearchers,
		CreatedAt:      now,
	}
	state := stateDoc{
		Version:   1,
		Stage:     StageIntake,
		UpdatedAt: now,
	}

	dir := s.dir(meta.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session %s: %w", meta.ID, err)
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	// O_EXCL guards against an id collision overwriting another session.
	f, err := os.OpenFile(filepath.Join(dir, metaFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create session meta: %w", err)
	}
	if _, err := f.Write(metaBytes); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write session meta: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sync session meta: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close session meta: %w", err)
	}

	if err := s.writeState(dir, state); err != nil {
		return nil, err
	}

	s.logger.Debug("created session %s", meta.ID)
	return assemble(meta, state), nil
}

func (s *fileStore) Load(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.load(id)
}

func (s *fileStore) load(id string) (*Session, error) {
	meta, err := s.readMeta(id)
	if err != nil {
		return nil, err
	}
	state, err := s.readState(id)
	if err != nil {
		return nil, err
	}
	return assemble(meta, state), nil
}

func (s *fileStore) Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(id)
	if err != nil {
		return nil, err
	}
	readVersion := sess.Version

	if err := mutate(sess); err != nil {
		return nil, err
	}

	// External writers are detected through the version envelope; in-process
	// writers are already serialised by the per-id lock.
	current, err := s.readState(id)
	if err != nil {
		return nil, err
	}
	if current.Version != readVersion {
		return nil, errors.Newf(errors.KindInternal,
			"session %s version conflict: read %d, disk %d", id, readVersion, current.Version)
	}

	sess.Version = readVersion + 1
	sess.UpdatedAt = time.Now().UTC()

	state := stateDoc{
		Version:   sess.Version,
		Stage:     sess.Stage,
		Progress:  sess.Progress,
		LastError: sess.LastError,
		UpdatedAt: sess.UpdatedAt,
		Research:  sess.Research,
	}
	if err := s.writeState(s.dir(id), state); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *fileStore) List(ctx context.Context, filter Filter) ([]*Session, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, 0, fmt.Errorf("scan session dir: %w", err)
	}

	sessions := make([]*Session, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := s.load(entry.Name())
		if err != nil {
			// Half-written or foreign directories are skipped, not fatal.
			s.logger.Warn("skipping unreadable session %s: %v", entry.Name(), err)
			continue
		}
		if filter.Stage != "" && sess.Stage != filter.Stage {
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	total := len(sessions)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	sessions = sessions[offset:]
	if filter.Limit > 0 && filter.Limit < len(sessions) {
		sessions = sessions[:filter.Limit]
	}
	return sessions, total, nil
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.dir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return errors.Newf(errors.KindNotFound, "session %s not found", id)
		}
		return fmt.Errorf("stat session %s: %w", id, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}

	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

func (s *fileStore) SaveReport(ctx context.Context, id, markdown string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.dir(id)
	if _, err := os.Stat(dir); err != nil {
		return errors.Newf(errors.KindNotFound, "session %s not found", id)
	}
	return atomicWrite(filepath.Join(dir, reportFile), []byte(markdown))
}

func (s *fileStore) LoadReport(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.dir(id), reportFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Newf(errors.KindNotFound, "no report for session %s", id)
		}
		return "", fmt.Errorf("read report %s: %w", id, err)
	}
	return string(data), nil
}

func (s *fileStore) readMeta(id string) (metaDoc, error) {
	var meta metaDoc
	data, err := os.ReadFile(filepath.Join(s.dir(id), metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return meta, errors.Newf(errors.KindNotFound, "session %s not found", id)
		}
		return meta, fmt.Errorf("read session meta %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode session meta %s: %w", id, err)
	}
	return meta, nil
}

func (s *fileStore) readState(id string) (stateDoc, error) {
	var state stateDoc
	data, err := os.ReadFile(filepath.Join(s.dir(id), stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return state, errors.Newf(errors.KindNotFound, "session %s not found", id)
		}
		return state, fmt.Errorf("read session state %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decode session state %s: %w", id, err)
	}
	return state, nil
}

func (s *fileStore) writeState(dir string, state stateDoc) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, stateFile), data)
}

// atomicWrite lands data durably: temp file in the same directory, fsync,
// rename over the target.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func assemble(meta metaDoc, state stateDoc) *Session {
	return &Session{
		ID:             meta.ID,
		Question:       meta.Question,
		Language:       meta.Language,
		Depth:          meta.Depth,
		MaxResearchers: meta.MaxResearchers,
		CreatedAt:      meta.CreatedAt,
		Stage:          state.Stage,
		Progress:       state.Progress,
		LastError:      state.LastError,
		UpdatedAt:      state.UpdatedAt,
		Research:       state.Research,
		Version:        state.Version,
	}
}
