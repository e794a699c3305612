// Package storage: versioned document records (spec.md §3.3, §4.4).
//
// A document's first page carries (xmin, xmax, id, data_len, first
// chunk); any payload beyond the first page's capacity chains through
// overflow pages whose only structure is an 8-byte "next" pointer in
// their trailing bytes.
package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/devi-db/devi/dberr"
)

const (
	docXminOff   = 0
	docXmaxOff   = 8
	docIDLenOff  = 16
	docFixedHdr  = docIDLenOff + 2 // xmin + xmax + id_len, before the variable-length id
	docTrailerSize = 8
)

// firstPageCapacity returns how many payload bytes the first page of
// a document with the given id length can hold.
func firstPageCapacity(idLen int) int {
	// fixed header + id + data_len(uint32) + trailing next-overflow pointer
	return PageSize - docFixedHdr - idLen - 4 - docTrailerSize
}

// overflowCapacity is the payload capacity of one overflow page: the
// whole page except the trailing 8-byte next-pointer.
const overflowCapacity = PageSize - docTrailerSize

// WriteVersionedDocument allocates and writes the first page plus any
// overflow chain for (id, data, xmin, xmax). Every page it allocates
// is also staged into txWrites (if non-nil) for the caller's
// transaction write buffer. On any failure it frees every page it
// allocated in this call — all-or-nothing allocation.
func WriteVersionedDocument(pager *Pager, id string, data []byte, xmin, xmax TxID, txWrites map[PageNum][PageSize]byte) (PageNum, [PageSize]byte, error) {
	idBytes := []byte(id)
	if len(idBytes) > 0xFFFF {
		return 0, [PageSize]byte{}, fmt.Errorf("devi: document id too long")
	}
	if len(data) > MaxDocumentSize {
		return 0, [PageSize]byte{}, dberr.DocumentTooLarge()
	}

	firstCap := firstPageCapacity(len(idBytes))
	if firstCap < 0 {
		return 0, [PageSize]byte{}, fmt.Errorf("devi: document id too long for a single page")
	}

	allocated := make([]PageNum, 0, 4)
	rollback := func() {
		for _, pn := range allocated {
			pager.FreePage(pn)
		}
	}

	firstPage, err := pager.AllocPage()
	if err != nil {
		return 0, [PageSize]byte{}, err
	}
	allocated = append(allocated, firstPage)

	var firstBuf [PageSize]byte
	binary.LittleEndian.PutUint64(firstBuf[docXminOff:], uint64(xmin))
	binary.LittleEndian.PutUint64(firstBuf[docXmaxOff:], uint64(xmax))
	binary.LittleEndian.PutUint16(firstBuf[docIDLenOff:], uint16(len(idBytes)))
	copy(firstBuf[docFixedHdr:], idBytes)
	dataLenOff := docFixedHdr + len(idBytes)
	binary.LittleEndian.PutUint32(firstBuf[dataLenOff:], uint32(len(data)))
	firstChunkOff := dataLenOff + 4
	firstChunkLen := len(data)
	if firstChunkLen > firstCap {
		firstChunkLen = firstCap
	}
	copy(firstBuf[firstChunkOff:], data[:firstChunkLen])

	buffers := map[PageNum]*[PageSize]byte{firstPage: &firstBuf}
	prev := firstPage
	remaining := data[firstChunkLen:]

	for len(remaining) > 0 {
		chunkLen := len(remaining)
		if chunkLen > overflowCapacity {
			chunkLen = overflowCapacity
		}
		pn, err := pager.AllocPage()
		if err != nil {
			rollback()
			return 0, [PageSize]byte{}, err
		}
		allocated = append(allocated, pn)
		var buf [PageSize]byte
		copy(buf[:], remaining[:chunkLen])
		buffers[pn] = &buf
		binary.LittleEndian.PutUint64(buffers[prev][PageSize-docTrailerSize:], uint64(pn))
		prev = pn
		remaining = remaining[chunkLen:]
	}

	for pn, buf := range buffers {
		if err := pager.WritePage(pn, *buf); err != nil {
			rollback()
			return 0, [PageSize]byte{}, err
		}
		if txWrites != nil {
			txWrites[pn] = *buf
		}
	}
	return firstPage, firstBuf, nil
}

// readPage reads pn, preferring the transaction's in-flight write
// buffer over the pager's committed cache — mirrors TxBTree.readNode.
func readPage(pager *Pager, pn PageNum, txWrites map[PageNum][PageSize]byte) ([PageSize]byte, error) {
	if txWrites != nil {
		if buf, ok := txWrites[pn]; ok {
			return buf, nil
		}
	}
	return pager.ReadPage(pn)
}

// ReadVersionedDocument reads the (xmin, xmax, id, data) record rooted
// at firstPage, following its overflow chain with cycle detection.
func ReadVersionedDocument(pager *Pager, firstPage PageNum, txWrites map[PageNum][PageSize]byte) (id string, data []byte, xmin, xmax TxID, err error) {
	buf, err := readPage(pager, firstPage, txWrites)
	if err != nil {
		return "", nil, 0, 0, err
	}
	xmin = TxID(binary.LittleEndian.Uint64(buf[docXminOff:]))
	xmax = TxID(binary.LittleEndian.Uint64(buf[docXmaxOff:]))
	idLen := binary.LittleEndian.Uint16(buf[docIDLenOff:])
	id = string(buf[docFixedHdr : docFixedHdr+int(idLen)])
	dataLenOff := docFixedHdr + int(idLen)
	dataLen := binary.LittleEndian.Uint32(buf[dataLenOff:])
	firstChunkOff := dataLenOff + 4
	firstCap := firstPageCapacity(int(idLen))
	if firstCap < 0 {
		return "", nil, 0, 0, dberr.Corruption("document", uint64(firstPage), "id length exceeds page capacity")
	}

	out := make([]byte, 0, dataLen)
	firstChunkLen := int(dataLen)
	if firstChunkLen > firstCap {
		firstChunkLen = firstCap
	}
	out = append(out, buf[firstChunkOff:firstChunkOff+firstChunkLen]...)
	remaining := int(dataLen) - firstChunkLen

	next := PageNum(binary.LittleEndian.Uint64(buf[PageSize-docTrailerSize:]))
	visited := map[PageNum]bool{firstPage: true}
	chainLen := 0
	for remaining > 0 {
		if next == 0 {
			return "", nil, 0, 0, dberr.Corruption("document", uint64(firstPage), "overflow chain ended before all data was read")
		}
		if visited[next] {
			return "", nil, 0, 0, dberr.Corruption("document", uint64(next), "overflow chain is cyclic")
		}
		chainLen++
		if chainLen > MaxOverflowChainLength {
			return "", nil, 0, 0, dberr.Corruption("document", uint64(next), "overflow chain exceeds maximum length")
		}
		visited[next] = true

		ovBuf, err := readPage(pager, next, txWrites)
		if err != nil {
			return "", nil, 0, 0, err
		}
		chunkLen := remaining
		if chunkLen > overflowCapacity {
			chunkLen = overflowCapacity
		}
		out = append(out, ovBuf[:chunkLen]...)
		remaining -= chunkLen
		next = PageNum(binary.LittleEndian.Uint64(ovBuf[PageSize-docTrailerSize:]))
	}
	return id, out, xmin, xmax, nil
}

// DeleteDocument frees every page in the chain rooted at firstPage.
func DeleteDocument(pager *Pager, firstPage PageNum) error {
	buf, err := pager.ReadPage(firstPage)
	if err != nil {
		return err
	}
	next := PageNum(binary.LittleEndian.Uint64(buf[PageSize-docTrailerSize:]))
	if err := pager.FreePage(firstPage); err != nil {
		return err
	}

	visited := map[PageNum]bool{firstPage: true}
	chainLen := 0
	for next != 0 {
		if visited[next] {
			return dberr.Corruption("document", uint64(next), "overflow chain is cyclic")
		}
		chainLen++
		if chainLen > MaxOverflowChainLength {
			return dberr.Corruption("document", uint64(next), "overflow chain exceeds maximum length")
		}
		visited[next] = true

		ovBuf, err := pager.ReadPage(next)
		if err != nil {
			return err
		}
		nextNext := PageNum(binary.LittleEndian.Uint64(ovBuf[PageSize-docTrailerSize:]))
		if err := pager.FreePage(next); err != nil {
			return err
		}
		next = nextNext
	}
	return nil
}
