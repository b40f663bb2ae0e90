// Package blob stores binary assets on the local filesystem behind an
// object-store shaped interface: upload intent in, URL out, URL in,
// bytes out. Landing pages, QR codes, and user uploads all go through
// it so swapping in a remote backend later touches one package.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("blob: object not found")

// Object describes a stored blob.
type Object struct {
	Key         string    `json:"key"`
	Name        string    `json:"name,omitempty"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	URL         string    `json:"url"`
}

// UploadIntent is a one-shot permission to upload a file. The client
// PUTs the bytes to PutURL before ExpiresAt; the stored object then
// becomes readable at GetURL.
type UploadIntent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	PutURL      string    `json:"put_url"`
	GetURL      string    `json:"get_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store is a filesystem-backed blob store. Intents live in memory
// only; a restart invalidates unfulfilled uploads, which clients
// handle by requesting a new intent.
type Store struct {
	root    string
	baseURL string
	logger  *slog.Logger

	mu      sync.Mutex
	intents map[string]*UploadIntent
}

// NewStore creates a blob store rooted at dir. baseURL is the public
// prefix objects are served under, without a trailing slash.
func NewStore(dir, baseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{
		root:    dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		intents: make(map[string]*UploadIntent),
	}, nil
}

// URL returns the public URL an object is (or will be) served under.
func (s *Store) URL(key string) string {
	escaped := make([]string, 0, 4)
	for _, part := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return s.baseURL + "/" + strings.Join(escaped, "/")
}

// Put stores the bytes from r under key, overwriting any existing
// object. Keys are slash-separated relative paths.
func (s *Store) Put(ctx context.Context, key, name, contentType string, r io.Reader) (*Object, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	f, err := os.Create(full)
	if err != nil {
		return nil, fmt.Errorf("create blob: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(full)
		return nil, fmt.Errorf("write blob: %w", err)
	}

	obj := &Object{
		Key:         clean,
		Name:        name,
		ContentType: contentType,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
		URL:         s.URL(clean),
	}
	if err := s.writeMeta(full, obj); err != nil {
		s.logger.Warn("blob metadata write failed", "key", clean, "error", err)
	}
	s.logger.Debug("blob stored", "key", clean, "size", size, "content_type", contentType)
	return obj, nil
}

// Get opens the object stored under key. The caller closes the reader.
func (s *Store) Get(ctx context.Context, key string) (*Object, io.ReadCloser, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return nil, nil, err
	}
	full := filepath.Join(s.root, filepath.FromSlash(clean))

	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}

	obj := s.readMeta(full, clean)
	return obj, f, nil
}

// Stat returns object metadata without opening the data.
func (s *Store) Stat(ctx context.Context, key string) (*Object, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(s.root, filepath.FromSlash(clean))
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("stat blob: %w", err)
	}
	return s.readMeta(full, clean), nil
}

// Delete removes the object under key. Missing objects are a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}
	full := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	os.Remove(full + metaSuffix)
	return nil
}

// List returns objects whose keys start with prefix, sorted by key.
func (s *Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasSuffix(p, metaSuffix) {
			return err
		}
		rel, rerr := filepath.Rel(s.root, p)
		if rerr != nil {
			return rerr
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		objects = append(objects, *s.readMeta(p, key))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return objects, nil
}

// CreateIntent registers a pending upload and returns where to PUT the
// bytes. The intent is single use and expires after ttl.
func (s *Store) CreateIntent(name, contentType string, ttl time.Duration) (*UploadIntent, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate intent id: %w", err)
	}

	key := intentKey(id.String(), name)
	intent := &UploadIntent{
		ID:          id.String(),
		Name:        name,
		ContentType: contentType,
		PutURL:      s.baseURL + "/" + id.String(),
		GetURL:      s.URL(key),
		ExpiresAt:   time.Now().UTC().Add(ttl),
	}

	s.mu.Lock()
	s.sweepLocked()
	s.intents[intent.ID] = intent
	s.mu.Unlock()

	s.logger.Debug("upload intent created", "id", intent.ID, "name", name)
	return intent, nil
}

// Fulfill consumes an intent and stores the uploaded bytes. Expired,
// unknown, or already-used intents fail.
func (s *Store) Fulfill(ctx context.Context, intentID string, r io.Reader) (*Object, error) {
	s.mu.Lock()
	intent, ok := s.intents[intentID]
	if ok {
		delete(s.intents, intentID)
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("upload intent %s not found or already used", intentID)
	}
	if time.Now().After(intent.ExpiresAt) {
		return nil, fmt.Errorf("upload intent %s expired", intentID)
	}
	return s.Put(ctx, intentKey(intent.ID, intent.Name), intent.Name, intent.ContentType, r)
}

// ResolveUpload maps an upload ID back to its object key. Used by the
// GET handler serving /uploads/{id}/{name} style URLs where only the
// ID is known.
func (s *Store) ResolveUpload(ctx context.Context, uploadID string) (*Object, error) {
	matches, err := s.List(ctx, "uploads/"+uploadID+"/")
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	return &matches[0], nil
}

const metaSuffix = ".meta.json"

type blobMeta struct {
	Name        string    `json:"name,omitempty"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Store) writeMeta(fullPath string, obj *Object) error {
	raw, err := json.Marshal(blobMeta{
		Name:        obj.Name,
		ContentType: obj.ContentType,
		CreatedAt:   obj.CreatedAt,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(fullPath+metaSuffix, raw, 0o644)
}

// readMeta builds an Object from the sidecar metadata, falling back to
// extension sniffing when the sidecar is missing or unreadable.
func (s *Store) readMeta(fullPath, key string) *Object {
	obj := &Object{Key: key, URL: s.URL(key)}
	if info, err := os.Stat(fullPath); err == nil {
		obj.Size = info.Size()
		obj.CreatedAt = info.ModTime().UTC()
	}

	raw, err := os.ReadFile(fullPath + metaSuffix)
	if err == nil {
		var meta blobMeta
		if json.Unmarshal(raw, &meta) == nil {
			obj.Name = meta.Name
			obj.ContentType = meta.ContentType
			if !meta.CreatedAt.IsZero() {
				obj.CreatedAt = meta.CreatedAt
			}
		}
	}
	if obj.ContentType == "" {
		obj.ContentType = mime.TypeByExtension(filepath.Ext(fullPath))
	}
	if obj.ContentType == "" {
		obj.ContentType = "application/octet-stream"
	}
	return obj
}

// sweepLocked drops expired unfulfilled intents. Caller holds mu.
func (s *Store) sweepLocked() {
	now := time.Now()
	for id, intent := range s.intents {
		if now.After(intent.ExpiresAt) {
			delete(s.intents, id)
		}
	}
}

func intentKey(id, name string) string {
	return "uploads/" + id + "/" + sanitizeFilename(name)
}

var unsafeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeFilename(s string) string {
	s = unsafeFilenameRe.ReplaceAllString(s, "_")
	if s == "" || strings.Trim(s, "._") == "" {
		return "file"
	}
	return s
}

// cleanKey normalizes a key and rejects anything that could escape the
// store root.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("blob key is required")
	}
	if strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return clean, nil
}
