// Package storage implements devi's L0/L1 layers: paged file I/O with
// a bounded LRU cache and free-list (Pager), the write-ahead log
// (WAL), and versioned document (xmin/xmax) records built on top of
// pages the Pager hands out.
package storage

// PageSize is the fixed page size for the main file, the WAL frame
// payload, and every node/record layout below.
const PageSize = 4096

// HeaderPage is the reserved page number for the database header.
const HeaderPage PageNum = 0

// Magic bytes identifying the main file and the WAL file.
var (
	Magic    = [4]byte{'D', 'E', 'V', 'I'}
	WALMagic = [4]byte{'W', 'L', 'O', 'G'}
)

// Version is the on-disk format version this package writes and reads.
const Version uint32 = 1

// BTreeOrder bounds the number of keys/children a B+Tree node holds
// before it must split.
const BTreeOrder = 50

// MaxOverflowChainLength bounds how many overflow pages a single
// versioned document may chain through before a reader treats the
// chain as corrupt.
const MaxOverflowChainLength = 250_000

// MaxDocumentSize is the hard limit on a single document's payload;
// WriteVersionedDocument rejects anything larger.
const MaxDocumentSize = 1 << 30 // 1 GiB

// WALFrameSize is the on-disk size of one WAL frame: 8 (tx_id) + 8
// (page_num) + 4 (salt1) + 4 (salt2) + PageSize (payload) + 4 (crc).
const WALFrameSize = PageSize + 28

// WALHeaderSize is the on-disk size of the WAL file header.
const WALHeaderSize = 32

// PageNum addresses a page in the main file.
type PageNum uint64

// TxID is a transaction identifier, persisted via the header's
// next_tx_id and compared for MVCC visibility.
type TxID uint64

// DeletedPage marks a doc_writes entry as a delete rather than an
// upsert to a concrete page.
const DeletedPage PageNum = ^PageNum(0)
