// Package imagecache stores generated scene illustrations on disk, one PNG
// per (room, quality) pair, with a JSON metadata file per room that remembers
// the prompt each image was made from.
//
// Layout inside the cache directory:
//
//	west_of_house_medium.png
//	west_of_house_high.png
//	west_of_house.json   {"room_name": ..., "qualities": {"medium": {...}}}
//
// [Service] puts the cache in front of an [image.Provider] so that a room is
// only ever drawn once per quality unless regeneration is forced.
package imagecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lorekeeper/pkg/provider/image"
)

// ErrNotCached is returned by [Cache.Load] when no image exists for the
// requested room and quality.
var ErrNotCached = errors.New("imagecache: not cached")

// Entry is the metadata kept for one cached image.
type Entry struct {
	Prompt  string    `json:"prompt"`
	Size    string    `json:"size"`
	Steps   int       `json:"steps"`
	Created time.Time `json:"created"`
}

// Metadata is the per-room metadata document.
type Metadata struct {
	RoomName  string           `json:"room_name"`
	Qualities map[string]Entry `json:"qualities"`
}

// Cache is a directory of scene images. Safe for concurrent use.
type Cache struct {
	dir string
	mu  sync.Mutex
}

// New returns a cache rooted at dir, creating the directory if needed.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("imagecache: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("imagecache: create dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// SafeName turns a room name into a file name stem: lower case, with spaces
// and path separators replaced by underscores.
func SafeName(room string) string {
	return strings.NewReplacer(" ", "_", "/", "_", `\`, "_").Replace(strings.ToLower(room))
}

// Path returns where the image for room at quality is (or would be) stored.
func (c *Cache) Path(room, quality string) string {
	return filepath.Join(c.dir, SafeName(room)+"_"+quality+".png")
}

func (c *Cache) metadataPath(room string) string {
	return filepath.Join(c.dir, SafeName(room)+".json")
}

// IsCached reports whether both the image file and its metadata entry exist.
func (c *Cache) IsCached(room, quality string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := os.Stat(c.Path(room, quality)); err != nil {
		return false
	}
	md, err := c.readMetadata(room)
	if err != nil {
		return false
	}
	_, ok := md.Qualities[quality]
	return ok
}

// Load returns the cached image bytes and their metadata entry.
func (c *Cache) Load(room, quality string) ([]byte, Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	md, err := c.readMetadata(room)
	if err != nil {
		return nil, Entry{}, err
	}
	entry, ok := md.Qualities[quality]
	if !ok {
		return nil, Entry{}, fmt.Errorf("%w: %s (%s)", ErrNotCached, room, quality)
	}
	data, err := os.ReadFile(c.Path(room, quality))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Entry{}, fmt.Errorf("%w: %s (%s)", ErrNotCached, room, quality)
	}
	if err != nil {
		return nil, Entry{}, fmt.Errorf("imagecache: read image: %w", err)
	}
	return data, entry, nil
}

// Store writes res as the image for room at quality and records its
// metadata. It returns the image path.
func (c *Cache) Store(room, quality string, res *image.Result) (string, error) {
	if res == nil || len(res.PNG) == 0 {
		return "", errors.New("imagecache: empty image")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.Path(room, quality)
	if err := writeAtomic(path, res.PNG); err != nil {
		return "", err
	}

	md, err := c.readMetadata(room)
	if errors.Is(err, ErrNotCached) {
		md = Metadata{RoomName: room, Qualities: make(map[string]Entry)}
	} else if err != nil {
		return "", err
	}
	created := res.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	md.Qualities[quality] = Entry{Prompt: res.Prompt, Size: res.Size, Steps: res.Steps, Created: created}

	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return "", fmt.Errorf("imagecache: marshal metadata: %w", err)
	}
	if err := writeAtomic(c.metadataPath(room), data); err != nil {
		return "", err
	}
	return path, nil
}

// Qualities lists the qualities cached for room, sorted by name.
func (c *Cache) Qualities(room string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	md, err := c.readMetadata(room)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(md.Qualities))
	for q := range md.Qualities {
		if _, err := os.Stat(c.Path(room, q)); err == nil {
			out = append(out, q)
		}
	}
	slices.Sort(out)
	return out
}

// readMetadata must be called with c.mu held. A missing file is ErrNotCached.
func (c *Cache) readMetadata(room string) (Metadata, error) {
	data, err := os.ReadFile(c.metadataPath(room))
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotCached, room)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("imagecache: read metadata: %w", err)
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("imagecache: decode metadata: %w", err)
	}
	if md.Qualities == nil {
		md.Qualities = make(map[string]Entry)
	}
	return md, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("imagecache: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("imagecache: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("imagecache: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("imagecache: rename: %w", err)
	}
	return nil
}
