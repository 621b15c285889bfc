package disk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/rawstore/src/pkg/assert"
	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
)

// Container files live at <base>/seg<segment>/c<id>_<pagesize>.dat. The page
// size is part of the name so a container can be reopened before its header
// page ever reached the disk.
const fileExt = ".dat"

type containerFile struct {
	// afero in-memory files keep a shared cursor even for ReadAt/WriteAt
	mu       sync.Mutex
	file     afero.File
	path     string
	pageSize int
}

// Manager is the file I/O layer below the buffer pool. Each container is one
// file holding fixed-size page images.
type Manager struct {
	fs       afero.Fs
	basePath string

	mu    sync.RWMutex
	files map[common.ContainerID]*containerFile
}

func New(fs afero.Fs, basePath string) *Manager {
	return &Manager{
		fs:       fs,
		basePath: basePath,
		files:    make(map[common.ContainerID]*containerFile),
	}
}

func (m *Manager) path(id common.ContainerID, pageSize int) string {
	return filepath.Join(
		m.basePath,
		fmt.Sprintf("seg%d", id.Segment),
		fmt.Sprintf("c%x_%d%s", id.ID, pageSize, fileExt),
	)
}

// Load registers every container file found under the base path.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fs.MkdirAll(m.basePath, 0o750); err != nil {
		return errors.Wrap(err, "create data dir")
	}

	segs, err := afero.ReadDir(m.fs, m.basePath)
	if err != nil {
		return errors.Wrap(err, "read data dir")
	}

	for _, seg := range segs {
		var segment uint32
		if !seg.IsDir() {
			continue
		}
		if _, err := fmt.Sscanf(seg.Name(), "seg%d", &segment); err != nil {
			continue
		}

		entries, err := afero.ReadDir(m.fs, filepath.Join(m.basePath, seg.Name()))
		if err != nil {
			return errors.Wrapf(err, "read segment %d", segment)
		}

		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, fileExt) {
				continue
			}

			id, pageSize, ok := parseFileName(name)
			if !ok {
				continue
			}

			cid := common.ContainerID{Segment: segment, ID: id}
			if err := m.openLocked(cid, pageSize, false); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *Manager) openLocked(id common.ContainerID, pageSize int, create bool) error {
	path := m.path(id, pageSize)

	flags := os.O_RDWR
	if create {
		if err := m.fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return errors.Wrapf(err, "create segment dir for %s", id)
		}
		flags |= os.O_CREATE
	}

	f, err := m.fs.OpenFile(path, flags, 0o600)
	if err != nil {
		return errors.Wrapf(err, "open container file %s", path)
	}

	m.files[id] = &containerFile{file: f, path: path, pageSize: pageSize}
	return nil
}

// Create makes an empty container file. Creating an existing container with
// the same page size is a no-op so redo can replay it.
func (m *Manager) Create(id common.ContainerID, pageSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.files[id]; ok {
		if f.pageSize != pageSize {
			return rawerr.Corruption(
				"container %s exists with page size %d, not %d",
				id,
				f.pageSize,
				pageSize,
			)
		}
		return nil
	}

	return m.openLocked(id, pageSize, true)
}

func (m *Manager) Exists(id common.ContainerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.files[id]
	return ok
}

// Remove deletes the container file. Removing a missing container is a no-op.
func (m *Manager) Remove(id common.ContainerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[id]
	if !ok {
		return nil
	}
	delete(m.files, id)

	if err := f.file.Close(); err != nil {
		return errors.Wrapf(err, "close container file %s", f.path)
	}
	if err := m.fs.Remove(f.path); err != nil {
		return errors.Wrapf(err, "remove container file %s", f.path)
	}

	return nil
}

// List returns every known container ordered by segment and id.
func (m *Manager) List() []common.ContainerID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]common.ContainerID, 0, len(m.files))
	for id := range m.files {
		res = append(res, id)
	}
	slices.SortFunc(res, func(a, b common.ContainerID) int {
		if a.Segment != b.Segment {
			return int(a.Segment) - int(b.Segment)
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	return res
}

func (m *Manager) get(id common.ContainerID) (*containerFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[id]
	if !ok {
		return nil, rawerr.NotFound("container %s", id)
	}
	return f, nil
}

func (m *Manager) PageSize(id common.ContainerID) (int, error) {
	f, err := m.get(id)
	if err != nil {
		return 0, err
	}
	return f.pageSize, nil
}

// NumPages is the number of page slots the file currently spans.
func (m *Manager) NumPages(id common.ContainerID) (uint64, error) {
	f, err := m.get(id)
	if err != nil {
		return 0, err
	}

	info, err := f.file.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", f.path)
	}

	return uint64(info.Size()) / uint64(f.pageSize), nil //nolint:gosec
}

// ReadPage loads and verifies a page image. Pages past the end of the file
// read as unformatted pages.
func (m *Manager) ReadPage(ident common.PageIdentity) (*page.SlottedPage, error) {
	f, err := m.get(ident.Container)
	if err != nil {
		return nil, err
	}

	data := make([]byte, f.pageSize)
	//nolint:gosec
	offset := int64(ident.PageNum) * int64(f.pageSize)

	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := f.file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", f.path)
	}

	if offset < info.Size() {
		n, err := f.file.ReadAt(data, offset)
		if n != len(data) {
			if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, rawerr.Corruption("page %s: short read of %d bytes", ident, n)
			}
			return nil, errors.Wrapf(err, "read page %s", ident)
		}
	}

	p := page.New(ident, f.pageSize)
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, err
	}

	return p, nil
}

func (m *Manager) WritePage(ident common.PageIdentity, data []byte) error {
	f, err := m.get(ident.Container)
	if err != nil {
		return err
	}

	assert.Assert(
		len(data) == f.pageSize,
		"page %s: image of %d bytes does not match page size %d",
		ident,
		len(data),
		f.pageSize,
	)

	//nolint:gosec
	offset := int64(ident.PageNum) * int64(f.pageSize)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.file.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "write page %s", ident)
	}

	return nil
}

// Extend grows the file so that it spans at least n pages.
func (m *Manager) Extend(id common.ContainerID, n uint64) error {
	f, err := m.get(id)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := f.file.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", f.path)
	}

	//nolint:gosec
	size := int64(n) * int64(f.pageSize)
	if info.Size() >= size {
		return nil
	}

	if err := f.file.Truncate(size); err != nil {
		return errors.Wrapf(err, "extend %s", f.path)
	}

	return nil
}

func (m *Manager) Sync(id common.ContainerID) error {
	f, err := m.get(id)
	if err != nil {
		return err
	}

	if err := f.file.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", f.path)
	}

	return nil
}

func (m *Manager) SyncAll() error {
	for _, id := range m.List() {
		if err := m.Sync(id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res error
	for id, f := range m.files {
		if err := f.file.Close(); err != nil && res == nil {
			res = errors.Wrapf(err, "close %s", f.path)
		}
		delete(m.files, id)
	}

	return res
}

func parseFileName(name string) (uint64, int, bool) {
	idPart, sizePart, ok := strings.Cut(strings.TrimSuffix(name, fileExt), "_")
	if !ok || !strings.HasPrefix(idPart, "c") {
		return 0, 0, false
	}

	id, err := strconv.ParseUint(idPart[1:], 16, 64)
	if err != nil {
		return 0, 0, false
	}

	pageSize, err := strconv.Atoi(sizePart)
	if err != nil {
		return 0, 0, false
	}

	return id, pageSize, true
}
