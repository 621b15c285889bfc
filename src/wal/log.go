package wal

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/rawstore/src"
	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
)

// Log file header
//
//	[0:8)   magic
//	[8:12)  format version
//	[12:16) file number
//	[16:32) store id
//	[56:64) xxhash64 of [0:56)
//
// followed by frames of [u32 payload length][u64 xxhash(LSN, payload)][payload].
const (
	logFileHeaderSize = 64
	frameHeaderSize   = 12
	logFileVersion    = 1
	logMagic          = "RAWSLOG1"
	logFilePrefix     = "log"
	logFileExt        = ".dat"

	controlMagic    = "RAWSCTL1"
	controlFileName = "control"
	controlSize     = 44

	DefaultMaxFileSize = 1 << 20
	bufferLimit        = 64 << 10
)

type Config struct {
	Dir string
	// MaxFileSize is the size after which appends switch to a new file.
	MaxFileSize uint32
	// CompressThreshold is the body size above which bodies are snappy
	// compressed, 0 disables compression.
	CompressThreshold int
}

// Logger is the log manager. LSNs are positions: (file number << 32) |
// byte offset of the record frame.
type Logger struct {
	fs      afero.Fs
	cfg     Config
	log     src.Logger
	metrics *metrics

	storeID uuid.UUID

	mu            sync.Mutex
	closed        bool
	checkpointLSN common.LSN
	files         map[uint32]afero.File
	sizes         map[uint32]uint32
	fileNum       uint32
	end           uint32
	bufStart      uint32
	buf           []byte
	flushed       common.LSN
}

func logFileName(num uint32) string {
	return logFilePrefix + strconv.FormatUint(uint64(num), 10) + logFileExt
}

func parseLogFileName(name string) (uint32, bool) {
	if !strings.HasPrefix(name, logFilePrefix) || !strings.HasSuffix(name, logFileExt) {
		return 0, false
	}

	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), logFileExt), 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint32(n), true
}

// Open opens the log in cfg.Dir, creating a new store identity when the
// directory holds no log. A torn record at the end of the last file is cut
// off.
func Open(fs afero.Fs, cfg Config, logger src.Logger) (*Logger, error) {
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}

	if err := fs.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}

	l := &Logger{
		fs:      fs,
		cfg:     cfg,
		log:     logger,
		metrics: newMetrics(),
		files:   make(map[uint32]afero.File),
		sizes:   make(map[uint32]uint32),
	}

	nums, err := l.listFiles()
	if err != nil {
		return nil, err
	}

	storeID, cpLSN, err := l.readControl()
	switch {
	case errors.Is(err, rawerr.ErrNotFound):
		if len(nums) != 0 {
			return nil, rawerr.Corruption("log files exist without a control file in %s", cfg.Dir)
		}
		if err := l.initFresh(); err != nil {
			return nil, err
		}

		logger.Infow("created new log", "store_id", l.storeID, "dir", cfg.Dir)
		return l, nil
	case err != nil:
		return nil, err
	}

	l.storeID = storeID
	l.checkpointLSN = cpLSN

	if len(nums) == 0 {
		return nil, rawerr.Corruption("control file exists but no log files in %s", cfg.Dir)
	}

	for _, n := range nums {
		if err := l.openFile(n); err != nil {
			return nil, err
		}
	}

	if !cpLSN.IsNil() {
		if _, ok := l.files[cpLSN.File()]; !ok {
			return nil, rawerr.Corruption("log file of checkpoint %s is missing", cpLSN)
		}
	}

	last := nums[len(nums)-1]
	end, err := l.scanTail(last)
	if err != nil {
		return nil, err
	}

	if end < l.sizes[last] {
		logger.Warnw(
			"cutting off torn log tail",
			"file", last,
			"offset", end,
			"bytes", l.sizes[last]-end,
		)
		if err := l.files[last].Truncate(int64(end)); err != nil {
			return nil, errors.Wrapf(err, "truncate log file %d", last)
		}
		l.sizes[last] = end
	}

	l.fileNum = last
	l.end = end
	l.bufStart = end
	l.flushed = common.NewLSN(last, end)

	logger.Infow(
		"opened log",
		"store_id", l.storeID,
		"files", len(nums),
		"end", l.flushed,
		"checkpoint", cpLSN,
	)

	return l, nil
}

func (l *Logger) initFresh() error {
	l.storeID = uuid.New()

	if err := l.createFileLocked(1); err != nil {
		return err
	}
	l.fileNum = 1
	l.end = logFileHeaderSize
	l.bufStart = logFileHeaderSize
	l.flushed = common.NewLSN(1, logFileHeaderSize)

	return l.writeControlLocked(common.NilLSN)
}

func (l *Logger) listFiles() ([]uint32, error) {
	entries, err := afero.ReadDir(l.fs, l.cfg.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "read log dir")
	}

	var nums []uint32
	for _, e := range entries {
		if n, ok := parseLogFileName(e.Name()); ok && !e.IsDir() {
			nums = append(nums, n)
		}
	}
	slices.Sort(nums)

	return nums, nil
}

func (l *Logger) fileHeader(num uint32) []byte {
	h := make([]byte, logFileHeaderSize)
	copy(h[0:8], logMagic)
	binary.BigEndian.PutUint32(h[8:12], logFileVersion)
	binary.BigEndian.PutUint32(h[12:16], num)
	copy(h[16:32], l.storeID[:])
	binary.BigEndian.PutUint64(h[56:64], xxhash.Sum64(h[:56]))
	return h
}

func (l *Logger) openFile(num uint32) error {
	path := filepath.Join(l.cfg.Dir, logFileName(num))

	f, err := l.fs.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return errors.Wrapf(err, "open log file %d", num)
	}

	h := make([]byte, logFileHeaderSize)
	if _, err := f.ReadAt(h, 0); err != nil {
		_ = f.Close()
		return rawerr.Corruption("log file %d: unreadable header: %v", num, err)
	}

	if string(h[0:8]) != logMagic ||
		binary.BigEndian.Uint64(h[56:64]) != xxhash.Sum64(h[:56]) ||
		binary.BigEndian.Uint32(h[12:16]) != num {
		_ = f.Close()
		return rawerr.Corruption("log file %d: bad header", num)
	}

	if v := binary.BigEndian.Uint32(h[8:12]); v != logFileVersion {
		_ = f.Close()
		return rawerr.Corruption("log file %d: unsupported version %d", num, v)
	}

	if !slices.Equal(h[16:32], l.storeID[:]) {
		_ = f.Close()
		return rawerr.Corruption("log file %d belongs to another store", num)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "stat log file %d", num)
	}

	l.files[num] = f
	l.sizes[num] = uint32(min(info.Size(), math.MaxUint32)) //nolint:gosec

	return nil
}

func (l *Logger) createFileLocked(num uint32) error {
	path := filepath.Join(l.cfg.Dir, logFileName(num))

	f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "create log file %d", num)
	}

	if _, err := f.WriteAt(l.fileHeader(num), 0); err != nil {
		return errors.Wrapf(err, "write header of log file %d", num)
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "sync log file %d", num)
	}

	l.files[num] = f
	l.sizes[num] = logFileHeaderSize

	return nil
}

func frameChecksum(lsn common.LSN, payload []byte) uint64 {
	var lsnBytes [8]byte
	binary.BigEndian.PutUint64(lsnBytes[:], uint64(lsn))

	d := xxhash.New()
	_, _ = d.Write(lsnBytes[:])
	_, _ = d.Write(payload)
	return d.Sum64()
}

func appendFrame(buf []byte, lsn common.LSN, payload []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload))) //nolint:gosec
	buf = binary.BigEndian.AppendUint64(buf, frameChecksum(lsn, payload))
	return append(buf, payload...)
}

// scanTail returns the offset right after the last intact record of the
// file.
func (l *Logger) scanTail(num uint32) (uint32, error) {
	f := l.files[num]
	size := l.sizes[num]
	off := uint32(logFileHeaderSize)

	hdr := make([]byte, frameHeaderSize)
	for off+frameHeaderSize <= size {
		if _, err := f.ReadAt(hdr, int64(off)); err != nil {
			return 0, errors.Wrapf(err, "read log file %d at %d", num, off)
		}

		length := binary.BigEndian.Uint32(hdr[0:4])
		if length == 0 || uint64(off)+frameHeaderSize+uint64(length) > uint64(size) {
			break
		}

		payload := make([]byte, length)
		if _, err := f.ReadAt(payload, int64(off)+frameHeaderSize); err != nil {
			return 0, errors.Wrapf(err, "read log file %d at %d", num, off)
		}

		if binary.BigEndian.Uint64(hdr[4:12]) != frameChecksum(common.NewLSN(num, off), payload) {
			break
		}

		off += frameHeaderSize + length
	}

	return off, nil
}

func (l *Logger) StoreID() uuid.UUID {
	return l.storeID
}

// Append writes the record into the log buffer and returns its LSN. The
// record is durable only after a Flush covering it.
func (l *Logger) Append(txnID common.TxnID, prev common.LSN, body Body) (common.LSN, error) {
	payload := encodePayload(txnID, prev, body, l.cfg.CompressThreshold)
	frameLen := uint64(frameHeaderSize + len(payload))

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return common.NilLSN, rawerr.Protocol("append to a closed log")
	}

	if uint64(l.end)+frameLen > uint64(l.cfg.MaxFileSize) && l.end > logFileHeaderSize {
		if err := l.switchLocked(); err != nil {
			return common.NilLSN, err
		}
	}

	if uint64(l.end)+frameLen > math.MaxUint32 {
		return common.NilLSN, rawerr.TooLarge("log record of %d bytes", frameLen)
	}

	lsn := common.NewLSN(l.fileNum, l.end)
	l.buf = appendFrame(l.buf, lsn, payload)
	l.end += uint32(frameLen)
	l.metrics.appended(int(frameLen))

	if len(l.buf) >= bufferLimit {
		if err := l.writeBufLocked(); err != nil {
			return common.NilLSN, err
		}
	}

	return lsn, nil
}

func (l *Logger) writeBufLocked() error {
	if len(l.buf) == 0 {
		return nil
	}

	if _, err := l.files[l.fileNum].WriteAt(l.buf, int64(l.bufStart)); err != nil {
		return errors.Wrapf(err, "write log file %d", l.fileNum)
	}

	l.bufStart = l.end
	l.sizes[l.fileNum] = l.end
	l.buf = l.buf[:0]

	return nil
}

func (l *Logger) syncLocked() error {
	if err := l.writeBufLocked(); err != nil {
		return err
	}

	if err := l.files[l.fileNum].Sync(); err != nil {
		return errors.Wrapf(err, "sync log file %d", l.fileNum)
	}

	l.flushed = common.NewLSN(l.fileNum, l.end)
	l.metrics.flushed()

	return nil
}

// Flush makes every record up to and including upto durable. Concurrent
// callers are served by one write.
func (l *Logger) Flush(upto common.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if upto < l.flushed || l.closed {
		return nil
	}

	return l.syncLocked()
}

func (l *Logger) FlushAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	return l.syncLocked()
}

// FlushedLSN is the position below which every record is durable.
func (l *Logger) FlushedLSN() common.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.flushed
}

// EndLSN is the LSN the next appended record will get unless the log
// switches files first.
func (l *Logger) EndLSN() common.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	return common.NewLSN(l.fileNum, l.end)
}

// FirstLSN is the position of the oldest record still kept.
func (l *Logger) FirstLSN() common.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	first := l.fileNum
	for n := range l.files {
		first = min(first, n)
	}
	return common.NewLSN(first, logFileHeaderSize)
}

func (l *Logger) switchLocked() error {
	if err := l.syncLocked(); err != nil {
		return err
	}

	next := l.fileNum + 1
	if err := l.createFileLocked(next); err != nil {
		return err
	}

	l.fileNum = next
	l.end = logFileHeaderSize
	l.bufStart = logFileHeaderSize
	l.flushed = common.NewLSN(next, logFileHeaderSize)
	l.metrics.switched()

	l.log.Infow("switched log file", "file", next)

	return nil
}

// SwitchFile starts a new log file. It does not write a checkpoint.
func (l *Logger) SwitchFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return rawerr.Protocol("switch of a closed log")
	}

	return l.switchLocked()
}

var errEndOfFile = errors.New("end of log file")

// readFrameLocked returns the payload of the frame at off and the frame
// size. errEndOfFile means there is no record at that position.
func (l *Logger) readFrameLocked(num uint32, off uint32) ([]byte, uint32, error) {
	lsn := common.NewLSN(num, off)

	if num == l.fileNum && off >= l.bufStart {
		if off >= l.end {
			return nil, 0, errEndOfFile
		}

		rel := off - l.bufStart
		length := binary.BigEndian.Uint32(l.buf[rel : rel+4])
		payload := l.buf[rel+frameHeaderSize : rel+frameHeaderSize+length]
		return append([]byte{}, payload...), frameHeaderSize + length, nil
	}

	f, ok := l.files[num]
	if !ok {
		return nil, 0, rawerr.NotFound("log file %d", num)
	}

	size := l.sizes[num]
	if uint64(off)+frameHeaderSize > uint64(size) {
		return nil, 0, errEndOfFile
	}

	hdr := make([]byte, frameHeaderSize)
	if _, err := f.ReadAt(hdr, int64(off)); err != nil {
		return nil, 0, errors.Wrapf(err, "read log record %s", lsn)
	}

	length := binary.BigEndian.Uint32(hdr[0:4])
	if length == 0 {
		return nil, 0, errEndOfFile
	}
	if uint64(off)+frameHeaderSize+uint64(length) > uint64(size) {
		return nil, 0, rawerr.Corruption("log record %s runs past the end of its file", lsn)
	}

	payload := make([]byte, length)
	if _, err := f.ReadAt(payload, int64(off)+frameHeaderSize); err != nil {
		return nil, 0, errors.Wrapf(err, "read log record %s", lsn)
	}

	if binary.BigEndian.Uint64(hdr[4:12]) != frameChecksum(lsn, payload) {
		return nil, 0, rawerr.Corruption("log record %s: checksum mismatch", lsn)
	}

	return payload, frameHeaderSize + length, nil
}

// ReadRecord reads the record at lsn, whether it is durable or still
// buffered.
func (l *Logger) ReadRecord(lsn common.LSN) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload, _, err := l.readFrameLocked(lsn.File(), lsn.Offset())
	if errors.Is(err, errEndOfFile) {
		return Record{}, rawerr.NotFound("log record %s", lsn)
	}
	if err != nil {
		return Record{}, err
	}

	return decodePayload(lsn, payload)
}

// Truncate deletes whole log files that only hold records below before.
// The current file is never deleted.
func (l *Logger) Truncate(before common.LSN) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for num, f := range l.files {
		if num >= before.File() || num >= l.fileNum {
			continue
		}

		if err := f.Close(); err != nil {
			return removed, errors.Wrapf(err, "close log file %d", num)
		}
		if err := l.fs.Remove(filepath.Join(l.cfg.Dir, logFileName(num))); err != nil {
			return removed, errors.Wrapf(err, "remove log file %d", num)
		}

		delete(l.files, num)
		delete(l.sizes, num)
		removed++
	}

	if removed > 0 {
		l.log.Infow("truncated log", "files", removed, "before", before)
	}

	return removed, nil
}

// CheckpointLSN is the checkpoint recorded in the control file.
func (l *Logger) CheckpointLSN() common.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.checkpointLSN
}

// WriteControl makes the log durable and records cpLSN as the checkpoint
// restart begins from.
func (l *Logger) WriteControl(cpLSN common.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return rawerr.Protocol("control write on a closed log")
	}

	if err := l.syncLocked(); err != nil {
		return err
	}

	return l.writeControlLocked(cpLSN)
}

func (l *Logger) writeControlLocked(cpLSN common.LSN) error {
	data := make([]byte, controlSize)
	copy(data[0:8], controlMagic)
	binary.BigEndian.PutUint32(data[8:12], logFileVersion)
	copy(data[12:28], l.storeID[:])
	binary.BigEndian.PutUint64(data[28:36], uint64(cpLSN))
	binary.BigEndian.PutUint64(data[36:44], xxhash.Sum64(data[:36]))

	path := filepath.Join(l.cfg.Dir, controlFileName)
	tmp := path + ".tmp"

	f, err := l.fs.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "create control file")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write control file")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "sync control file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close control file")
	}

	if err := l.fs.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "replace control file")
	}

	l.checkpointLSN = cpLSN

	return nil
}

func (l *Logger) readControl() (uuid.UUID, common.LSN, error) {
	path := filepath.Join(l.cfg.Dir, controlFileName)

	data, err := afero.ReadFile(l.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return uuid.Nil, common.NilLSN, rawerr.NotFound("control file %s", path)
	}
	if err != nil {
		return uuid.Nil, common.NilLSN, errors.Wrap(err, "read control file")
	}

	if len(data) != controlSize ||
		string(data[0:8]) != controlMagic ||
		binary.BigEndian.Uint64(data[36:44]) != xxhash.Sum64(data[:36]) {
		return uuid.Nil, common.NilLSN, rawerr.Corruption("control file %s is damaged", path)
	}

	id, err := uuid.FromBytes(data[12:28])
	if err != nil {
		return uuid.Nil, common.NilLSN, rawerr.Corruption("control file store id: %v", err)
	}

	return id, common.LSN(binary.BigEndian.Uint64(data[28:36])), nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	err := l.syncLocked()
	for num, f := range l.files {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "close log file %d", num)
		}
	}
	l.closed = true

	return err
}
