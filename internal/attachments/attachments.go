// SPDX-License-Identifier: MIT

// Package attachments stages viewer-uploaded files until the producer picks
// them up. Blobs live on disk under the staging dir; metadata lives in a
// Badger keyspace. Expiry is driven by the metadata deadline, with the
// periodic sweep removing lapsed blobs.
package attachments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	unorm "golang.org/x/text/unicode/norm"

	"github.com/pizzapi/relay/internal/log"
)

var (
	// ErrNotFound means the attachment does not exist or has expired.
	ErrNotFound = errors.New("attachments: not found")
	// ErrTooLarge means the upload exceeded the configured size limit.
	ErrTooLarge = errors.New("attachments: file exceeds size limit")
)

const (
	metaPrefix = "att:"
	// Badger TTLs are second-granular; Meta.ExpiresAt is authoritative and
	// the entry TTL only collects strays well after the deadline.
	badgerTTLSlack = time.Minute

	maxFilenameBytes = 128
)

// Meta describes one staged attachment.
type Meta struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType,omitempty"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Config tunes the staging store.
type Config struct {
	// Dir is the staging root; blobs and metadata live beneath it.
	Dir string
	// TTL is how long an attachment stays retrievable.
	TTL time.Duration
	// MaxFileSize caps one upload in bytes.
	MaxFileSize int64
}

// Store is the attachment staging area.
type Store struct {
	db     *badger.DB
	dir    string
	ttl    time.Duration
	max    int64
	logger zerolog.Logger
}

// Open prepares the staging dir and metadata store.
func Open(cfg Config) (*Store, error) {
	blobDir := filepath.Join(cfg.Dir, "blobs")
	if err := os.MkdirAll(blobDir, 0o700); err != nil {
		return nil, fmt.Errorf("attachments: create staging dir: %w", err)
	}
	opts := badger.DefaultOptions(filepath.Join(cfg.Dir, "meta")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("attachments: open metadata store: %w", err)
	}
	return &Store{
		db:     db,
		dir:    blobDir,
		ttl:    cfg.TTL,
		max:    cfg.MaxFileSize,
		logger: log.WithComponent("attachments"),
	}, nil
}

// Close releases the metadata store.
func (s *Store) Close() error { return s.db.Close() }

// Save stages one upload, reading at most the configured size limit.
func (s *Store) Save(ctx context.Context, userID, filename, mimeType string, r io.Reader) (*Meta, error) {
	id := uuid.NewString()
	path := s.blobPath(id)

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return nil, fmt.Errorf("attachments: create pending blob: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	n, err := io.Copy(pending, io.LimitReader(r, s.max+1))
	if err != nil {
		return nil, fmt.Errorf("attachments: write blob: %w", err)
	}
	if n > s.max {
		return nil, ErrTooLarge
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return nil, fmt.Errorf("attachments: commit blob: %w", err)
	}

	now := time.Now()
	meta := &Meta{
		ID:        id,
		UserID:    userID,
		Filename:  sanitizeFilename(filename),
		MimeType:  mimeType,
		Size:      n,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(s.ttl).UnixMilli(),
	}
	buf, err := json.Marshal(meta)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(metaPrefix+id), buf).WithTTL(s.ttl + badgerTTLSlack)
		return txn.SetEntry(entry)
	})
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("attachments: store metadata: %w", err)
	}
	s.logger.Debug().
		Str("event", "attachments.staged").
		Str("attachment_id", id).
		Int64("bytes", n).
		Msg("attachment staged")
	return meta, nil
}

// Get returns the metadata of a live attachment.
func (s *Store) Get(ctx context.Context, id string) (*Meta, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var meta Meta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if meta.ExpiresAt <= time.Now().UnixMilli() {
		return nil, ErrNotFound
	}
	return &meta, nil
}

// Open opens the blob for streaming. Callers pair it with Get for the
// ownership check and metadata.
func (s *Store) Open(id string) (*os.File, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	f, err := os.Open(s.blobPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes an attachment's blob and metadata. Unknown ids are a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	if err := os.Remove(s.blobPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(metaPrefix + id))
	})
}

// SweepExpired removes every blob whose metadata is gone or past its
// deadline and returns how many were evicted.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("attachments: scan staging dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := e.Name()
		if _, err := s.Get(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		if err := os.Remove(filepath.Join(s.dir, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		_ = s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(metaPrefix + id))
		})
		removed++
	}
	return removed, nil
}

func (s *Store) blobPath(id string) string {
	return filepath.Join(s.dir, id)
}

// sanitizeFilename strips directories and control bytes and caps the length,
// normalizing to NFC so equivalent names compare equal downstream.
func sanitizeFilename(name string) string {
	name = unorm.NFC.String(strings.TrimSpace(name))
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "attachment"
	}
	for len(name) > maxFilenameBytes {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	return name
}
