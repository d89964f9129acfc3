package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
)

// FileStore keeps the document in one JSON file. Save writes a temporary
// file next to it and renames it into place.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore { return &FileStore{Path: path} }

func (s *FileStore) Location() string { return s.Path }

func (s *FileStore) Load(ctx context.Context) (*Document, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDocument(b, s.Path)
}

func decodeDocument(b []byte, where string) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, where, err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %q", ErrCorrupt, where, doc.Version)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]*Entry{}
	}
	for k, e := range doc.Entries {
		if e == nil || e.DistrictID == "" || Key(e.DistrictID, e.QueryKind) != k {
			return nil, fmt.Errorf("%w: %s: bad entry %q", ErrCorrupt, where, k)
		}
	}
	return &doc, nil
}

func (s *FileStore) Save(ctx context.Context, doc *Document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}

// RedisStore keeps each entry as a field of one Redis hash. Save replaces
// the hash inside a MULTI/EXEC transaction.
type RedisStore struct {
	Client *redis.Client
	Key    string
}

const DefaultRedisKey = "places:cache"

func NewRedisStore(rc *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{Client: rc, Key: key}
}

func (s *RedisStore) Location() string {
	return fmt.Sprintf("redis://%s/%s", s.Client.Options().Addr, s.Key)
}

func (s *RedisStore) Load(ctx context.Context) (*Document, error) {
	fields, err := s.Client.HGetAll(ctx, s.Key).Result()
	if err != nil {
		return nil, err
	}

	doc := NewDocument()
	for k, v := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("%w: %s field %q: %v", ErrCorrupt, s.Location(), k, err)
		}
		if Key(e.DistrictID, e.QueryKind) != k {
			return nil, fmt.Errorf("%w: %s: bad entry %q", ErrCorrupt, s.Location(), k)
		}
		doc.Entries[k] = &e
	}
	return doc, nil
}

func (s *RedisStore) Save(ctx context.Context, doc *Document) error {
	values := make(map[string]interface{}, len(doc.Entries))
	for k, e := range doc.Entries {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		values[k] = string(b)
	}

	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.Key)
		if len(values) > 0 {
			pipe.HSet(ctx, s.Key, values)
		}
		return nil
	})
	return err
}

// MemoryStore keeps a serialized copy in memory. Tests use it in place of
// a file; Saves counts the writes and a non-nil Err fails them.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	Saves int
	Err   error
}

func (s *MemoryStore) Location() string { return "memory" }

func (s *MemoryStore) Load(ctx context.Context) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return NewDocument(), nil
	}
	return decodeDocument(s.data, "memory")
}

func (s *MemoryStore) Save(ctx context.Context, doc *Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.data = b
	s.Saves++
	return nil
}
