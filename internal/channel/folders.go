package channel

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"tecbrain/internal/domain"
)

// FolderCache remembers folder references for the life of the process.
//
// Concurrent EnsureFolder calls for the same (parent, name) share one lookup,
// so parallel uploads into a new course folder do not create duplicates.
// A folder the backend reports as gone (ErrNotFound) is dropped together with
// its cached ancestors and looked up again on the next call.
type FolderCache struct {
	next  FileStorage
	group singleflight.Group

	mu    sync.RWMutex
	refs  map[string]string // parent\x00name -> ref
	keyOf map[string]string // ref -> parent\x00name
}

func NewFolderCache(next FileStorage) *FolderCache {
	return &FolderCache{next: next, refs: make(map[string]string), keyOf: make(map[string]string)}
}

func folderKey(name, parent string) string { return parent + "\x00" + name }

func (c *FolderCache) EnsureFolder(ctx context.Context, name, parent string) (string, error) {
	key := folderKey(name, parent)
	c.mu.RLock()
	ref, ok := c.refs[key]
	c.mu.RUnlock()
	if ok {
		return ref, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		ref, err := c.next.EnsureFolder(ctx, name, parent)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.refs[key] = ref
		c.keyOf[ref] = key
		c.mu.Unlock()
		return ref, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.forget(parent)
		}
		return "", err
	}
	return v.(string), nil
}

func (c *FolderCache) Transfer(ctx context.Context, file domain.FileReference, folder string, session domain.Session) (Stored, error) {
	stored, err := c.next.Transfer(ctx, file, folder, session)
	if errors.Is(err, ErrNotFound) {
		c.forget(folder)
	}
	return stored, err
}

// forget drops ref and every cached folder above it.
func (c *FolderCache) forget(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ref != "" {
		key, ok := c.keyOf[ref]
		if !ok {
			return
		}
		delete(c.keyOf, ref)
		delete(c.refs, key)
		ref, _, _ = strings.Cut(key, "\x00")
	}
}
