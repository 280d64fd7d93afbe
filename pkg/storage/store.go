// Package storage provides the enrolled identity store.
//
// Identities live on disk as one directory per name holding one or more
// enrollment images. The in-memory gallery is rebuilt from those images and
// published through an atomic pointer, so recognition cycles always read a
// complete gallery while enrollment and deletion run concurrently.
package storage

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // legacy enrollment images
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrCodeEU/cortex/pkg/logging"
	"github.com/MrCodeEU/cortex/pkg/recognition"
	"github.com/dustin/go-humanize/english"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/karrick/godirwalk"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/blake2b"
)

// ErrEmptyName is returned when enrolling with a blank name.
var ErrEmptyName = errors.New("name must not be empty")

// ErrInvalidName is returned when a name cannot be used as a directory.
var ErrInvalidName = errors.New("invalid identity name")

// ErrStorageAccess is returned when the enrollment directory cannot be used.
var ErrStorageAccess = errors.New("failed to access storage")

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

var log = logging.Component("storage")

// Store owns the enrolled gallery.
type Store struct {
	root  string
	model recognition.FaceModel

	// mu serialises writers. Readers go through gallery and never lock.
	mu      sync.Mutex
	gallery atomic.Pointer[Gallery]

	// memo maps image content hashes to first-face embeddings.
	memo *gocache.Cache
	now  func() time.Time
}

// New creates a store rooted at root. The gallery is empty until Reload.
func New(root string, model recognition.FaceModel) *Store {
	s := &Store{
		root:  root,
		model: model,
		memo:  gocache.New(gocache.NoExpiration, 0),
		now:   time.Now,
	}
	s.gallery.Store(newGallery(nil))
	return s
}

// Root returns the enrollment directory.
func (s *Store) Root() string {
	return s.root
}

// Snapshot returns the current gallery. The result is never mutated.
func (s *Store) Snapshot() *Gallery {
	return s.gallery.Load()
}

// ListIdentities returns the sorted enrolled names.
func (s *Store) ListIdentities() []string {
	return s.Snapshot().Names()
}

// Reload rebuilds the gallery from disk and swaps it in. A missing root is
// created and yields an empty gallery.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload()
}

func (s *Store) reload() error {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		log.Infof("Enrollment directory %s does not exist, creating it", s.root)
		if err := os.MkdirAll(s.root, 0755); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageAccess, err)
		}
		s.gallery.Store(newGallery(nil))
		return nil
	}

	sources, err := s.scan()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	identities := make([]Identity, 0, len(names))
	skipped := 0
	for _, name := range names {
		if reserved(name) {
			log.Warnf("Ignoring identity %s: the name is reserved for unmatched faces", name)
			continue
		}
		id := Identity{Name: name}
		for _, path := range sources[name] {
			emb, err := s.embedFile(path)
			if err != nil {
				log.Warnf("Skipping unusable enrollment image %s: %v", path, err)
				skipped++
				continue
			}
			id.Embeddings = append(id.Embeddings, emb)
			id.Sources = append(id.Sources, path)
		}
		if len(id.Embeddings) == 0 {
			log.Warnf("Identity %s has no usable images", name)
			continue
		}
		identities = append(identities, id)
	}

	g := newGallery(identities)
	s.gallery.Store(g)

	log.Infof("Loaded %s with %s",
		english.Plural(g.Len(), "identity", "identities"),
		english.Plural(g.EmbeddingCount(), "embedding", ""))
	if skipped > 0 {
		log.Warnf("Skipped %s", english.Plural(skipped, "image", ""))
	}
	return nil
}

// scan lists enrollment images per identity in sorted order. Identity
// subdirectories come first, then any legacy flat file for the same name.
func (s *Store) scan() (map[string][]string, error) {
	scratch := make([]byte, godirwalk.MinimumScratchBufferSize)

	dirents, err := godirwalk.ReadDirents(s.root, scratch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	sort.Sort(dirents)

	sources := make(map[string][]string)
	var legacy []string

	for _, de := range dirents {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(s.root, name)

		isDir, err := de.IsDirOrSymlinkToDir()
		if err != nil {
			log.Debugf("Cannot stat %s: %v", path, err)
			continue
		}
		if isDir {
			files, err := imageFiles(path, scratch)
			if err != nil {
				log.Warnf("Cannot read identity directory %s: %v", path, err)
				continue
			}
			if len(files) > 0 {
				sources[name] = append(sources[name], files...)
			}
			continue
		}

		if imageExtensions[strings.ToLower(filepath.Ext(name))] {
			legacy = append(legacy, path)
		}
	}

	for _, path := range legacy {
		base := filepath.Base(path)
		name := strings.TrimSuffix(base, filepath.Ext(base))
		sources[name] = append(sources[name], path)
	}

	return sources, nil
}

func imageFiles(dir string, scratch []byte) ([]string, error) {
	dirents, err := godirwalk.ReadDirents(dir, scratch)
	if err != nil {
		return nil, err
	}
	sort.Sort(dirents)

	var files []string
	for _, de := range dirents {
		if !de.IsRegular() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(de.Name()))] {
			files = append(files, filepath.Join(dir, de.Name()))
		}
	}
	return files, nil
}

// embedFile returns the embedding of the first face in the image at path,
// reusing earlier results for identical content.
func (s *Store) embedFile(path string) (recognition.Embedding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	key := s.memoKey(data)
	if v, ok := s.memo.Get(key); ok {
		emb, _ := v.(recognition.Embedding)
		if emb == nil {
			return nil, recognition.ErrNoFaceDetected
		}
		return emb, nil
	}

	emb, err := s.embedBytes(data)
	if errors.Is(err, recognition.ErrNoFaceDetected) {
		s.memo.Set(key, recognition.Embedding(nil), gocache.NoExpiration)
	}
	if err != nil {
		return nil, err
	}

	s.memo.Set(key, emb, gocache.NoExpiration)
	return emb, nil
}

func (s *Store) embedBytes(data []byte) (recognition.Embedding, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	boxes, err := s.model.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	if len(boxes) == 0 {
		return nil, recognition.ErrNoFaceDetected
	}

	emb, err := s.model.Embed(img, boxes[0])
	if err != nil {
		return nil, fmt.Errorf("failed to compute embedding: %w", err)
	}
	if d := s.model.Dimension(); d > 0 && len(emb) != d {
		return nil, fmt.Errorf("%w: got %d, want %d", recognition.ErrDimensionMismatch, len(emb), d)
	}
	return emb, nil
}

func (s *Store) memoKey(data []byte) string {
	sum := blake2b.Sum256(data)
	return s.model.Name() + ":" + hex.EncodeToString(sum[:])
}

// Enroll stores img under name and adds its face to the gallery. The new
// embedding is visible to matching as soon as Enroll returns.
func (s *Store) Enroll(name string, img image.Image) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if reserved(name) {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	path := filepath.Join(dir, s.fileName(name))
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}

	// Detection runs on the file as written so enrollment and reload see
	// identical pixels.
	written, err := os.ReadFile(path)
	if err == nil {
		var emb recognition.Embedding
		emb, err = s.embedBytes(written)
		if err == nil {
			s.memo.Set(s.memoKey(written), emb, gocache.NoExpiration)
			s.gallery.Store(s.Snapshot().with(name, emb, path))
			log.Infof("Enrolled %s from %s", name, filepath.Base(path))
			return fmt.Sprintf("Success! %s registered.", name), nil
		}
	}

	if rmErr := os.Remove(path); rmErr != nil {
		log.Warnf("Failed to remove rejected image %s: %v", path, rmErr)
	}
	removeIfEmpty(dir)
	return "", err
}

// fileName returns <slug>_<YYYYmmdd_HHMMSS>_<uuid8>.jpg.
func (s *Store) fileName(name string) string {
	base := slug.Make(name)
	if base == "" {
		base = "face"
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s.jpg", base, s.now().Format("20060102_150405"), id)
}

// Delete removes every image of name and reloads the gallery. It reports
// whether anything was removed.
func (s *Store) Delete(name string) (bool, error) {
	name, err := cleanName(name)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted, err := s.remove(name)
	if err != nil {
		return deleted, err
	}
	return deleted, s.reload()
}

// Remove deletes every image of name from disk and leaves the in-memory
// gallery untouched. It needs no model.
func (s *Store) Remove(name string) (bool, error) {
	name, err := cleanName(name)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(name)
}

func (s *Store) remove(name string) (bool, error) {
	deleted := false

	dir := filepath.Join(s.root, name)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		if err := os.RemoveAll(dir); err != nil {
			return false, fmt.Errorf("failed to delete %s: %w", dir, err)
		}
		deleted = true
	}

	for _, path := range s.legacyFiles(name) {
		if err := os.Remove(path); err == nil {
			deleted = true
		} else if !os.IsNotExist(err) {
			return deleted, fmt.Errorf("failed to delete %s: %w", path, err)
		}
	}

	if deleted {
		log.Infof("Deleted identity %s", name)
	}
	return deleted, nil
}

// Names lists the identities that have images on disk, usable or not,
// without computing any embedding.
func (s *Store) Names() ([]string, error) {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return nil, nil
	}

	sources, err := s.scan()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ImageCount returns how many enrollment images exist on disk for name,
// usable or not.
func (s *Store) ImageCount(name string) int {
	name, err := cleanName(name)
	if err != nil {
		return 0
	}

	count := 0
	if files, err := imageFiles(filepath.Join(s.root, name), nil); err == nil {
		count = len(files)
	}
	return count + len(s.legacyFiles(name))
}

// legacyFiles returns the flat <root>/<name>.<ext> images of name, matching
// the extension case-insensitively like scan does.
func (s *Store) legacyFiles(name string) []string {
	dirents, err := godirwalk.ReadDirents(s.root, nil)
	if err != nil {
		return nil
	}
	sort.Sort(dirents)

	var files []string
	for _, de := range dirents {
		base := de.Name()
		ext := filepath.Ext(base)
		if strings.TrimSuffix(base, ext) != name || !imageExtensions[strings.ToLower(ext)] {
			continue
		}
		if isDir, err := de.IsDirOrSymlinkToDir(); err != nil || isDir {
			continue
		}
		files = append(files, filepath.Join(s.root, base))
	}
	return files
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyName
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// reserved reports whether name collides with the unmatched-face label.
func reserved(name string) bool {
	return strings.EqualFold(name, recognition.Unknown)
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}
