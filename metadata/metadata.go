// Package metadata implements devi's catalog: the JSON-serialized page
// that maps collection names to B+Tree roots and index definitions
// (spec.md §3.5).
package metadata

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/devi-db/devi/dberr"
	"github.com/devi-db/devi/storage"
)

const maxNameLen = 64

var nameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var reservedNames = map[string]bool{
	"_metadata": true,
	"_internal": true,
	"_system":   true,
}

// ValidateCollectionName enforces spec.md §3.5's naming invariants.
func ValidateCollectionName(name string) error {
	if name == "" {
		return dberr.CollectionName(fmt.Sprintf("%q must not be empty", name))
	}
	if len(name) > maxNameLen {
		return dberr.CollectionName(fmt.Sprintf("%q exceeds %d characters", name, maxNameLen))
	}
	if !nameRE.MatchString(name) {
		return dberr.CollectionName(fmt.Sprintf("%q must match [A-Za-z_][A-Za-z0-9_]*", name))
	}
	if reservedNames[name] {
		return dberr.CollectionName(fmt.Sprintf("%q is a reserved name", name))
	}
	return nil
}

// IndexMeta describes one secondary index over one or more fields. A
// legacy single-field catalog entry (Field set, Fields empty) is
// tolerated on read and folded into Fields.
type IndexMeta struct {
	Name      string   `json:"name"`
	Fields    []string `json:"fields"`
	Field     string   `json:"field,omitempty"` // legacy, read-only
	BTreeRoot storage.PageNum `json:"btree_root"`
	Unique    bool            `json:"unique"`
}

// ResolvedFields returns Fields, falling back to the legacy single Field.
func (im *IndexMeta) ResolvedFields() []string {
	if len(im.Fields) > 0 {
		return im.Fields
	}
	if im.Field != "" {
		return []string{im.Field}
	}
	return nil
}

// TextIndexMeta describes a full-text index (tokenized, not a strict
// B+Tree key lookup); devi stores it as a root pointing to a posting
// B+Tree keyed "<token>\x1f<doc_id>".
type TextIndexMeta struct {
	Name      string          `json:"name"`
	Field     string          `json:"field"`
	BTreeRoot storage.PageNum `json:"btree_root"`
}

// Schema is an optional, unenforced JSON-schema-shaped hint retained
// for tooling; devi itself never validates documents against it.
type Schema struct {
	Required []string          `json:"required,omitempty"`
	Types    map[string]string `json:"types,omitempty"`
}

// CollectionMeta is one catalog entry.
type CollectionMeta struct {
	BTreeRoot   storage.PageNum           `json:"btree_root"`
	Indexes     map[string]*IndexMeta     `json:"indexes"`
	TextIndexes map[string]*TextIndexMeta `json:"text_indexes"`
	Schema      *Schema                   `json:"schema,omitempty"`
}

// Catalog is the in-memory decoding of the metadata page.
type Catalog struct {
	Collections map[string]*CollectionMeta `json:"collections"`
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{Collections: make(map[string]*CollectionMeta)}
}

// Marshal serializes the catalog to JSON padded/checked against one page.
func (c *Catalog) Marshal() ([]byte, error) {
	buf, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("devi: marshal catalog: %w", err)
	}
	if len(buf)+4 > storage.PageSize {
		return nil, fmt.Errorf("devi: catalog does not fit in one page (%d bytes)", len(buf))
	}
	return buf, nil
}

// Unmarshal decodes a catalog from JSON.
func Unmarshal(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, dberr.Corruption("metadata", 0, "invalid catalog JSON: "+err.Error())
	}
	if c.Collections == nil {
		c.Collections = make(map[string]*CollectionMeta)
	}
	for _, cm := range c.Collections {
		if cm.Indexes == nil {
			cm.Indexes = make(map[string]*IndexMeta)
		}
		if cm.TextIndexes == nil {
			cm.TextIndexes = make(map[string]*TextIndexMeta)
		}
	}
	return &c, nil
}

// WritePage serializes c into a single page-sized buffer: 4 bytes
// big-endian length prefix followed by the JSON bytes.
func (c *Catalog) WritePage() ([storage.PageSize]byte, error) {
	var out [storage.PageSize]byte
	data, err := c.Marshal()
	if err != nil {
		return out, err
	}
	out[0] = byte(len(data) >> 24)
	out[1] = byte(len(data) >> 16)
	out[2] = byte(len(data) >> 8)
	out[3] = byte(len(data))
	copy(out[4:], data)
	return out, nil
}

// ReadPage decodes a catalog from a page written by WritePage.
func ReadPage(buf [storage.PageSize]byte) (*Catalog, error) {
	n := int(buf[0])<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
	if n < 0 || n+4 > storage.PageSize {
		return nil, dberr.Corruption("metadata", 0, "catalog length prefix out of range")
	}
	return Unmarshal(buf[4 : 4+n])
}

// GetOrCreate returns the collection's metadata, creating an empty
// entry (btree_root 0, "allocate on first write") if absent.
func (c *Catalog) GetOrCreate(name string) *CollectionMeta {
	cm, ok := c.Collections[name]
	if !ok {
		cm = &CollectionMeta{Indexes: make(map[string]*IndexMeta), TextIndexes: make(map[string]*TextIndexMeta)}
		c.Collections[name] = cm
	}
	return cm
}

// Clone deep-copies the catalog, used to stage a modified catalog
// without mutating the live one until commit publishes it.
func (c *Catalog) Clone() *Catalog {
	out := New()
	for name, cm := range c.Collections {
		clonedCM := &CollectionMeta{
			BTreeRoot:   cm.BTreeRoot,
			Indexes:     make(map[string]*IndexMeta, len(cm.Indexes)),
			TextIndexes: make(map[string]*TextIndexMeta, len(cm.TextIndexes)),
			Schema:      cm.Schema,
		}
		for k, v := range cm.Indexes {
			cp := *v
			clonedCM.Indexes[k] = &cp
		}
		for k, v := range cm.TextIndexes {
			cp := *v
			clonedCM.TextIndexes[k] = &cp
		}
		out.Collections[name] = clonedCM
	}
	return out
}
