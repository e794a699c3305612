package storage

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/devi-db/devi/dberr"
	"github.com/devi-db/devi/dbstat"
	"github.com/devi-db/devi/devilog"
)

// Frame is one in-memory (tx_id, page_num, payload) record read back
// from the WAL; the checksum is verified by the reader and not kept.
type Frame struct {
	TxID    TxID
	PageNum PageNum
	Payload [PageSize]byte
}

const (
	walHdrMagicOff = 0
	walHdrVerOff   = 4
	walHdrSalt1Off = 8
	walHdrSalt2Off = 12

	frameTxIDOff   = 0
	framePageOff   = 8
	frameSalt1Off  = 16
	frameSalt2Off  = 20
	framePayloadOff = 24
	frameCRCOff     = framePayloadOff + PageSize
)

// WAL is the append-only frame log backing a single main file. Writes
// are buffered (64 KiB) and the file position is tracked so sequential
// appends never reseek.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	w        *bufio.Writer
	path     string
	salt1    uint32
	salt2    uint32
	pos      int64 // current end-of-file offset
	frameNum int64

	stats *dbstat.Stats
	log   *devilog.Logger
}

// walPath derives the WAL's on-disk path from the main file's path.
func walPath(dbPath string) string { return dbPath + "-wal" }

// OpenWAL opens or creates the WAL file for dbPath.
func OpenWAL(dbPath string, stats *dbstat.Stats, log *devilog.Logger) (*WAL, error) {
	if log == nil {
		log = devilog.Nop()
	}
	p := walPath(dbPath)
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, dberr.IO(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dberr.IO(err)
	}

	w := &WAL{file: f, path: p, stats: stats, log: log}
	if info.Size() == 0 {
		if err := w.writeNewHeader(); err != nil {
			f.Close()
			return nil, err
		}
		w.pos = WALHeaderSize
	} else {
		if err := w.readHeader(); err != nil {
			f.Close()
			return nil, err
		}
		w.pos = info.Size()
		w.frameNum = (w.pos - WALHeaderSize) / WALFrameSize
	}
	w.w = bufio.NewWriterSize(f, 64*1024)
	return w, nil
}

func (w *WAL) writeNewHeader() error {
	var salt [8]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return dberr.IO(err)
	}
	w.salt1 = binary.LittleEndian.Uint32(salt[0:4])
	w.salt2 = binary.LittleEndian.Uint32(salt[4:8])

	var buf [WALHeaderSize]byte
	copy(buf[walHdrMagicOff:], WALMagic[:])
	binary.LittleEndian.PutUint32(buf[walHdrVerOff:], Version)
	binary.LittleEndian.PutUint32(buf[walHdrSalt1Off:], w.salt1)
	binary.LittleEndian.PutUint32(buf[walHdrSalt2Off:], w.salt2)
	if _, err := w.file.WriteAt(buf[:], 0); err != nil {
		return dberr.IO(err)
	}
	return w.file.Sync()
}

func (w *WAL) readHeader() error {
	var buf [WALHeaderSize]byte
	if _, err := w.file.ReadAt(buf[:], 0); err != nil {
		return dberr.IO(err)
	}
	if [4]byte(buf[walHdrMagicOff:walHdrMagicOff+4]) != WALMagic {
		return dberr.Corruption("wal", 0, "invalid WAL magic")
	}
	version := binary.LittleEndian.Uint32(buf[walHdrVerOff:])
	if version != Version {
		return dberr.Corruption("wal", 0, fmt.Sprintf("unsupported WAL version %d", version))
	}
	w.salt1 = binary.LittleEndian.Uint32(buf[walHdrSalt1Off:])
	w.salt2 = binary.LittleEndian.Uint32(buf[walHdrSalt2Off:])
	return nil
}

func frameChecksum(txID TxID, pageNum PageNum, payload *[PageSize]byte, salt1, salt2 uint32) uint32 {
	h := crc32.NewIEEE()
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(txID))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(pageNum))
	h.Write(hdr[:])
	h.Write(payload[:])
	return h.Sum32() ^ salt1 ^ salt2
}

// WriteFrame appends one frame to the buffered writer. No fsync.
func (w *WAL) WriteFrame(txID TxID, pageNum PageNum, payload [PageSize]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf [WALFrameSize]byte
	binary.LittleEndian.PutUint64(buf[frameTxIDOff:], uint64(txID))
	binary.LittleEndian.PutUint64(buf[framePageOff:], uint64(pageNum))
	binary.LittleEndian.PutUint32(buf[frameSalt1Off:], w.salt1)
	binary.LittleEndian.PutUint32(buf[frameSalt2Off:], w.salt2)
	copy(buf[framePayloadOff:framePayloadOff+PageSize], payload[:])
	crc := frameChecksum(txID, pageNum, &payload, w.salt1, w.salt2)
	binary.LittleEndian.PutUint32(buf[frameCRCOff:], crc)

	if _, err := w.w.Write(buf[:]); err != nil {
		return dberr.IO(err)
	}
	w.pos += WALFrameSize
	w.frameNum++
	w.stats.Frame()
	return nil
}

// Sync flushes the buffer and fsyncs the WAL file — the durability
// barrier of the commit protocol.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return dberr.IO(err)
	}
	return w.file.Sync()
}

// FrameCount reports the number of frames appended since the last
// checkpoint, used to trigger auto-checkpoint.
func (w *WAL) FrameCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frameNum
}

// ReadAllFrames streams every frame from the start, stopping at the
// first checksum or salt mismatch (a truncated/torn write boundary)
// rather than treating it as a hard error.
func (w *WAL) ReadAllFrames() ([]Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return nil, dberr.IO(err)
	}

	var frames []Frame
	buf := make([]byte, WALFrameSize)
	off := int64(WALHeaderSize)
	for {
		n, err := w.file.ReadAt(buf, off)
		if n < WALFrameSize {
			break
		}
		if err != nil && n < WALFrameSize {
			break
		}
		f, ok := parseFrame(buf, w.salt1, w.salt2)
		if !ok {
			break
		}
		frames = append(frames, f)
		off += WALFrameSize
	}
	return frames, nil
}

// parseFrame validates and decodes one on-disk frame buffer.
func parseFrame(buf []byte, salt1, salt2 uint32) (Frame, bool) {
	var f Frame
	s1 := binary.LittleEndian.Uint32(buf[frameSalt1Off:])
	s2 := binary.LittleEndian.Uint32(buf[frameSalt2Off:])
	if s1 != salt1 || s2 != salt2 {
		return f, false
	}
	f.TxID = TxID(binary.LittleEndian.Uint64(buf[frameTxIDOff:]))
	f.PageNum = PageNum(binary.LittleEndian.Uint64(buf[framePageOff:]))
	copy(f.Payload[:], buf[framePayloadOff:framePayloadOff+PageSize])
	wantCRC := binary.LittleEndian.Uint32(buf[frameCRCOff:])
	gotCRC := frameChecksum(f.TxID, f.PageNum, &f.Payload, salt1, salt2)
	if wantCRC != gotCRC {
		return f, false
	}
	return f, true
}

// Checkpoint folds every frame into the main file and truncates the
// WAL back to its 32-byte header, per spec.md §4.2.
func (w *WAL) Checkpoint(pager *Pager) error {
	frames, err := w.ReadAllFrames()
	if err != nil {
		return err
	}

	coalesced := make(map[PageNum][PageSize]byte)
	order := make([]PageNum, 0)
	for _, f := range frames {
		if f.PageNum == HeaderPage {
			continue // header is reconstructed by Database.Open's recovery, not replayed here
		}
		if _, seen := coalesced[f.PageNum]; !seen {
			order = append(order, f.PageNum)
		}
		coalesced[f.PageNum] = f.Payload
	}
	_ = order // coalesced map already holds "last write wins"; WritePagesDirect re-sorts

	if err := pager.WritePagesDirect(coalesced); err != nil {
		return err
	}
	if err := pager.Flush(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(WALHeaderSize); err != nil {
		return dberr.IO(err)
	}
	w.pos = WALHeaderSize
	w.frameNum = 0
	w.w = bufio.NewWriterSize(w.file, 64*1024)
	w.stats.Checkpoint()
	w.log.Debug().Int("pages", len(coalesced)).Msg("wal checkpoint")
	return nil
}

// LastHeaderFrame scans frames for the last one addressed to page 0,
// used by recovery to recover num_pages/metadata_page without a
// prior checkpoint.
func (w *WAL) LastHeaderFrame() (Frame, bool, error) {
	frames, err := w.ReadAllFrames()
	if err != nil {
		return Frame{}, false, err
	}
	var last Frame
	found := false
	for _, f := range frames {
		if f.PageNum == HeaderPage {
			last = f
			found = true
		}
	}
	return last, found, nil
}

// MaxObservedPage returns the highest page_num seen across all frames
// except page 0, or 0 if there are none.
func (w *WAL) MaxObservedPage() (PageNum, error) {
	frames, err := w.ReadAllFrames()
	if err != nil {
		return 0, err
	}
	var max PageNum
	for _, f := range frames {
		if f.PageNum != HeaderPage && f.PageNum > max {
			max = f.PageNum
		}
	}
	return max, nil
}

// Close fsyncs and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return dberr.IO(err)
	}
	if err := w.file.Sync(); err != nil {
		return dberr.IO(err)
	}
	return w.file.Close()
}
