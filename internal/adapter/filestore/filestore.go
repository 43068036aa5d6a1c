// Package filestore implements the session store on the local filesystem.
//
// Records live under a base directory split into a data area, one signed
// blob per session, and a lock area, one lock file per session. The lock
// files carry OS advisory locks, so several server processes on one host can
// share the directory. This is not meant as a multi-host backend.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stalker/internal/adapter/sessionblob"
	"stalker/internal/domain"
	"stalker/internal/pkg/logger"

	"github.com/gofrs/flock"
)

const (
	dataDirName = "data"
	lockDirName = "lock"

	lockRetry = 10 * time.Millisecond
)

// DefaultBaseDir returns the well-known cache directory in the system temp dir.
func DefaultBaseDir() string {
	return filepath.Join(os.TempDir(), "stalker_cache")
}

// Store is a filesystem-backed domain.SessionStore.
type Store struct {
	dataDir string
	lockDir string
	codec   sessionblob.Codec
}

var _ domain.SessionStore = (*Store)(nil)

// New creates the data and lock directories under baseDir and returns a store
// using them. An empty baseDir selects DefaultBaseDir.
func New(baseDir string, codec sessionblob.Codec) (*Store, error) {
	if baseDir == "" {
		baseDir = DefaultBaseDir()
	}
	s := &Store{
		dataDir: filepath.Join(baseDir, dataDirName),
		lockDir: filepath.Join(baseDir, lockDirName),
		codec:   codec,
	}
	for _, dir := range []string{s.dataDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
	}
	return s, nil
}

// Session IDs arrive from cookies, so they are escaped before they are
// used as file names. No escaped ID contains a path separator or "..".
var encoder = strings.NewReplacer(
	"/", "!1",
	"\\", "!2",
	"?", "!3",
	"*", "!4",
	":", "!5",
	"\"", "!6",
	"<", "!7",
	">", "!8",
	"!", "!9",
	".", "!0",
)

func (s *Store) dataFile(id string) string {
	return filepath.Join(s.dataDir, encoder.Replace(id))
}

func (s *Store) lockFile(id string) string {
	return filepath.Join(s.lockDir, encoder.Replace(id)+".lock")
}

// withLock runs fn while holding the exclusive lock for id. Waiting ends when
// the lock is acquired or ctx is done.
func (s *Store) withLock(ctx context.Context, id string, fn func() error) error {
	if id == "" {
		return domain.ErrInvalidSessionID
	}

	fl := flock.New(s.lockFile(id))
	locked, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("filestore: lock %q: %w", id, err)
	}
	if !locked {
		return fmt.Errorf("filestore: lock %q: %w", id, context.Cause(ctx))
	}
	logger.FromContext(ctx).Debugw("session lock acquired", "session", id)

	fnErr := fn()
	if err := fl.Unlock(); err != nil && fnErr == nil {
		return fmt.Errorf("filestore: unlock %q: %w", id, err)
	}
	return fnErr
}

// OpenOrCreate loads the record for id, or persists an empty one if there is
// none. An expired record is replaced by an empty one.
func (s *Store) OpenOrCreate(ctx context.Context, id string, validationKey []byte) (*domain.SessionHandle, error) {
	var h *domain.SessionHandle
	err := s.withLock(ctx, id, func() error {
		data, err := os.ReadFile(s.dataFile(id))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return fmt.Errorf("filestore: read %q: %w", id, err)
		default:
			h, err = s.codec.Decode(id, validationKey, data)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sessionblob.ErrExpired) {
				return err
			}
		}

		h = domain.NewSessionHandle(id, validationKey, nil)
		return s.write(h)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Save persists the handle's mapping, replacing the previous record.
func (s *Store) Save(ctx context.Context, h *domain.SessionHandle) error {
	return s.withLock(ctx, h.ID(), func() error {
		return s.write(h)
	})
}

// Delete removes the record. The lock file is kept so that a waiter never
// ends up holding a lock on an unlinked file.
func (s *Store) Delete(ctx context.Context, h *domain.SessionHandle) error {
	return s.withLock(ctx, h.ID(), func() error {
		err := os.Remove(s.dataFile(h.ID()))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("filestore: delete %q: %w", h.ID(), err)
		}
		return nil
	})
}

// write must be called with the lock held.
func (s *Store) write(h *domain.SessionHandle) error {
	blob, err := s.codec.Encode(h)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dataDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("filestore: write %q: %w", h.ID(), err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: write %q: %w", h.ID(), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: sync %q: %w", h.ID(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close %q: %w", h.ID(), err)
	}
	if err := os.Rename(tmpName, s.dataFile(h.ID())); err != nil {
		return fmt.Errorf("filestore: rename %q: %w", h.ID(), err)
	}
	return nil
}
