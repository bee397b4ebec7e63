package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/spf13/afero"
	"github.com/zeebo/blake3"

	"github.com/roach88/offsync/internal/record"
)

const (
	diskFileSuffix = ".json"

	// defaultDiskEntries bounds the in-memory index; the byte budget is the
	// policy that normally triggers eviction.
	defaultDiskEntries = 1 << 20
)

// DiskOption configures a Disk cache.
type DiskOption func(*Disk)

// WithDiskLogger sets the logger used for I/O failures.
func WithDiskLogger(l *slog.Logger) DiskOption {
	return func(d *Disk) {
		d.logger = l
	}
}

// WithMaxEntries caps the number of files regardless of size.
func WithMaxEntries(n int) DiskOption {
	return func(d *Disk) {
		if n > 0 {
			d.maxEntries = n
		}
	}
}

type diskEntry struct {
	name string
	size int64
}

// Disk stores one serialized record per file on an afero filesystem and
// evicts least recently used files once the byte budget is exceeded.
// File names are the blake3 hash of the record id, so any id is a safe name.
type Disk struct {
	mu         sync.Mutex
	fs         afero.Fs
	dir        string
	maxBytes   int64
	maxEntries int
	size       int64
	index      *simplelru.LRU[string, diskEntry]
	logger     *slog.Logger
	counters
}

// NewDisk opens (or creates) a disk cache rooted at dir. Files left by an
// earlier process are re-indexed oldest first; unreadable files are removed.
func NewDisk(fs afero.Fs, dir string, maxBytes int64, opts ...DiskOption) (*Disk, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("disk cache: byte budget must be positive, got %d", maxBytes)
	}

	d := &Disk{
		fs:         fs,
		dir:        dir,
		maxBytes:   maxBytes,
		maxEntries: defaultDiskEntries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	index, err := simplelru.NewLRU[string, diskEntry](d.maxEntries, d.onEvict)
	if err != nil {
		return nil, fmt.Errorf("disk cache: %w", err)
	}
	d.index = index

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk cache: create dir: %w", err)
	}
	if err := d.reindex(); err != nil {
		return nil, fmt.Errorf("disk cache: %w", err)
	}
	return d, nil
}

// fileName maps a record id to its cache file name.
func fileName(id string) string {
	sum := blake3.Sum256([]byte(id))
	return hex.EncodeToString(sum[:]) + diskFileSuffix
}

func (d *Disk) filePath(name string) string {
	return path.Join(d.dir, name)
}

// onEvict runs for Remove, RemoveOldest, capacity eviction and Purge.
// Callers hold d.mu.
func (d *Disk) onEvict(id string, e diskEntry) {
	d.size -= e.size
	if err := d.fs.Remove(d.filePath(e.name)); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("disk cache remove failed", "id", id, "error", err)
	}
}

func (d *Disk) reindex() error {
	infos, err := afero.ReadDir(d.fs, d.dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].ModTime().Before(infos[j].ModTime())
	})

	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		p := d.filePath(info.Name())
		if strings.HasSuffix(info.Name(), ".tmp") {
			_ = d.fs.Remove(p)
			continue
		}
		if !strings.HasSuffix(info.Name(), diskFileSuffix) {
			continue
		}
		rec, err := d.readFile(p)
		if err != nil || fileName(rec.ID) != info.Name() {
			d.logger.Warn("disk cache dropping unreadable file", "file", info.Name(), "error", err)
			_ = d.fs.Remove(p)
			continue
		}
		d.index.Add(rec.ID, diskEntry{name: info.Name(), size: info.Size()})
		d.size += info.Size()
	}
	d.trim()
	return nil
}

func (d *Disk) readFile(p string) (*record.Record, error) {
	data, err := afero.ReadFile(d.fs, p)
	if err != nil {
		return nil, err
	}
	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	return &rec, nil
}

// Get reads and decodes the cached record, promoting its recency.
func (d *Disk) Get(id string) (*record.Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.index.Get(id)
	if !ok {
		d.counters.observe(false)
		return nil, false
	}

	rec, err := d.readFile(d.filePath(entry.name))
	if err != nil || rec.ID != id {
		d.logger.Warn("disk cache read failed", "id", id, "error", err)
		d.index.Remove(id)
		d.counters.observe(false)
		return nil, false
	}
	d.counters.observe(true)
	return rec, true
}

// Put serializes rec to its file, replacing any earlier version, then evicts
// the least recently used files until the cache fits its budget.
func (d *Disk) Put(rec *record.Record) {
	if rec == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		d.logger.Warn("disk cache encode failed", "id", rec.ID, "error", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	name := fileName(rec.ID)
	if err := d.writeFile(name, data); err != nil {
		d.logger.Warn("disk cache write failed", "id", rec.ID, "error", err)
		d.index.Remove(rec.ID)
		return
	}

	if old, ok := d.index.Peek(rec.ID); ok {
		d.size -= old.size
	}
	d.index.Add(rec.ID, diskEntry{name: name, size: int64(len(data))})
	d.size += int64(len(data))
	d.trim()
}

// writeFile writes through a temp file and renames so readers never see a
// partial record.
func (d *Disk) writeFile(name string, data []byte) error {
	tmp := d.filePath(name + ".tmp")
	if err := afero.WriteFile(d.fs, tmp, data, 0o644); err != nil {
		return err
	}
	if err := d.fs.Rename(tmp, d.filePath(name)); err != nil {
		_ = d.fs.Remove(tmp)
		return err
	}
	return nil
}

// trim evicts least recently used entries while over budget. A single
// record larger than the whole budget is not kept.
func (d *Disk) trim() {
	for d.size > d.maxBytes && d.index.Len() > 0 {
		d.index.RemoveOldest()
	}
}

// Evict removes the record's file if cached.
func (d *Disk) Evict(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.index.Remove(id)
}

// Purge removes every cached file.
func (d *Disk) Purge() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.index.Purge()
}

// Len returns the number of cached records.
func (d *Disk) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index.Len()
}

// Size returns the total bytes of cached files.
func (d *Disk) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Stats returns hit and miss counts.
func (d *Disk) Stats() Stats {
	return d.counters.stats()
}
