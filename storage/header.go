package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/devi-db/devi/dberr"
)

// Header is the parsed contents of page 0. Layout (little-endian):
//
//	[0:4]   magic "DEVI"
//	[4:8]   version
//	[8:12]  page size
//	[12:20] num_pages
//	[20:24] free_count
//	[24:32] metadata_page
//	[32:40] next_tx_id
//	[40:..] free_count * 8-byte PageNum entries
const (
	hdrMagicOff      = 0
	hdrVersionOff    = 4
	hdrPageSizeOff   = 8
	hdrNumPagesOff   = 12
	hdrFreeCountOff  = 20
	hdrMetaPageOff   = 24
	hdrNextTxIDOff   = 32
	hdrFreeListOff   = 40
)

// maxFreeListEntries bounds how many free-list entries fit in the
// header page alongside the fixed fields above.
const maxFreeListEntries = (PageSize - hdrFreeListOff) / 8

// Header mirrors spec.md §3.2.
type Header struct {
	NumPages     uint64
	MetadataPage PageNum
	NextTxID     TxID
	FreeList     []PageNum
}

// Serialize renders h into exactly one page-sized buffer. A free list
// longer than maxFreeListEntries is rejected with an error rather than
// silently truncated (Pager.FreePage also refuses to grow the list past
// that capacity) — see DESIGN.md for why truncation was rejected as the
// resolution to the spec's open question.
func (h *Header) Serialize() ([PageSize]byte, error) {
	var buf [PageSize]byte
	if len(h.FreeList) > maxFreeListEntries {
		return buf, fmt.Errorf("devi: header free list of %d entries exceeds capacity %d", len(h.FreeList), maxFreeListEntries)
	}
	copy(buf[hdrMagicOff:], Magic[:])
	binary.LittleEndian.PutUint32(buf[hdrVersionOff:], Version)
	binary.LittleEndian.PutUint32(buf[hdrPageSizeOff:], PageSize)
	binary.LittleEndian.PutUint64(buf[hdrNumPagesOff:], h.NumPages)
	binary.LittleEndian.PutUint32(buf[hdrFreeCountOff:], uint32(len(h.FreeList)))
	binary.LittleEndian.PutUint64(buf[hdrMetaPageOff:], uint64(h.MetadataPage))
	binary.LittleEndian.PutUint64(buf[hdrNextTxIDOff:], uint64(h.NextTxID))
	off := hdrFreeListOff
	for _, p := range h.FreeList {
		binary.LittleEndian.PutUint64(buf[off:], uint64(p))
		off += 8
	}
	return buf, nil
}

// DeserializeHeader parses and validates a page-0 image per spec.md §3.2.
func DeserializeHeader(buf [PageSize]byte) (*Header, error) {
	if [4]byte(buf[hdrMagicOff:hdrMagicOff+4]) != Magic {
		return nil, dberr.Corruption("header", 0, "invalid magic number")
	}
	version := binary.LittleEndian.Uint32(buf[hdrVersionOff:])
	if version != Version {
		return nil, dberr.Corruption("header", 0, fmt.Sprintf("unsupported version %d", version))
	}
	pageSize := binary.LittleEndian.Uint32(buf[hdrPageSizeOff:])
	if pageSize != PageSize {
		return nil, dberr.Corruption("header", 0, fmt.Sprintf("invalid page size %d", pageSize))
	}
	numPages := binary.LittleEndian.Uint64(buf[hdrNumPagesOff:])
	if numPages < 1 {
		return nil, dberr.Corruption("header", 0, "num_pages must be at least 1")
	}
	freeCount := binary.LittleEndian.Uint32(buf[hdrFreeCountOff:])
	metaPage := PageNum(binary.LittleEndian.Uint64(buf[hdrMetaPageOff:]))
	nextTx := TxID(binary.LittleEndian.Uint64(buf[hdrNextTxIDOff:]))

	if metaPage != 0 && uint64(metaPage) >= numPages {
		return nil, dberr.Corruption("header", 0, "metadata_page out of range")
	}
	if int(freeCount) > maxFreeListEntries {
		return nil, dberr.Corruption("header", 0, "free list entry count exceeds page capacity")
	}

	seen := make(map[PageNum]bool, freeCount)
	freeList := make([]PageNum, 0, freeCount)
	off := hdrFreeListOff
	for i := uint32(0); i < freeCount; i++ {
		p := PageNum(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		if p == 0 || uint64(p) >= numPages || p == metaPage {
			return nil, dberr.Corruption("header", 0, fmt.Sprintf("invalid free list entry %d", p))
		}
		if seen[p] {
			return nil, dberr.Corruption("header", 0, fmt.Sprintf("duplicate free list entry %d", p))
		}
		seen[p] = true
		freeList = append(freeList, p)
	}

	return &Header{
		NumPages:     numPages,
		MetadataPage: metaPage,
		NextTxID:     nextTx,
		FreeList:     freeList,
	}, nil
}

// MaxFreeListEntries reports the header page's free-list capacity;
// exported so the Pager can reject freeing a page that would overflow it.
func MaxFreeListEntries() int { return maxFreeListEntries }
