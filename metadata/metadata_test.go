package metadata

import (
	"fmt"
	"testing"

	"github.com/devi-db/devi/dberr"
)

func TestValidateCollectionNameAccepts(t *testing.T) {
	for _, name := range []string{"widgets", "_private", "a1", "ABC_123"} {
		if err := ValidateCollectionName(name); err != nil {
			t.Errorf("ValidateCollectionName(%q) = %v, want nil", name, err)
		}
	}
}

func TestValidateCollectionNameRejects(t *testing.T) {
	cases := []string{"", "1abc", "has space", "has-dash", "_metadata", "_system"}
	for _, name := range cases {
		if err := ValidateCollectionName(name); err == nil {
			t.Errorf("ValidateCollectionName(%q) = nil, want error", name)
		} else if !dberr.Is(err, dberr.KindCollectionName) {
			t.Errorf("ValidateCollectionName(%q) error kind = %v, want KindCollectionName", name, err)
		}
	}
}

func TestValidateCollectionNameTooLong(t *testing.T) {
	long := make([]byte, maxNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateCollectionName(string(long)); err == nil {
		t.Fatal("expected error for over-length name")
	}
}

func TestIndexMetaResolvedFieldsPrefersFields(t *testing.T) {
	im := &IndexMeta{Fields: []string{"a", "b"}, Field: "legacy"}
	got := im.ResolvedFields()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("ResolvedFields() = %v, want [a b]", got)
	}
}

func TestIndexMetaResolvedFieldsFallsBackToLegacy(t *testing.T) {
	im := &IndexMeta{Field: "legacy"}
	got := im.ResolvedFields()
	if len(got) != 1 || got[0] != "legacy" {
		t.Fatalf("ResolvedFields() = %v, want [legacy]", got)
	}
}

func TestCatalogWritePageRoundTrip(t *testing.T) {
	c := New()
	cm := c.GetOrCreate("widgets")
	cm.BTreeRoot = 7
	cm.Indexes["by_sku"] = &IndexMeta{Name: "by_sku", Fields: []string{"sku"}, BTreeRoot: 9, Unique: true}
	cm.TextIndexes["by_desc"] = &TextIndexMeta{Name: "by_desc", Field: "description", BTreeRoot: 11}

	page, err := c.WritePage()
	if err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	got, err := ReadPage(page)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	gotCM, ok := got.Collections["widgets"]
	if !ok {
		t.Fatal("expected widgets collection after round trip")
	}
	if gotCM.BTreeRoot != 7 {
		t.Errorf("BTreeRoot = %d, want 7", gotCM.BTreeRoot)
	}
	idx, ok := gotCM.Indexes["by_sku"]
	if !ok || !idx.Unique || idx.BTreeRoot != 9 {
		t.Errorf("Indexes[by_sku] = %+v, want unique index at root 9", idx)
	}
	txt, ok := gotCM.TextIndexes["by_desc"]
	if !ok || txt.Field != "description" || txt.BTreeRoot != 11 {
		t.Errorf("TextIndexes[by_desc] = %+v", txt)
	}
}

func TestCatalogMarshalRejectsOversizeCatalog(t *testing.T) {
	c := New()
	cm := c.GetOrCreate("widgets")
	for i := 0; i < 5000; i++ {
		name := fmt.Sprintf("field_with_a_long_name_to_pad_out_the_catalog_%d", i)
		cm.Indexes[name] = &IndexMeta{Name: name, Fields: []string{name}}
	}
	if _, err := c.Marshal(); err == nil {
		t.Fatal("expected an oversize catalog to fail to marshal into one page")
	}
}

func TestUnmarshalRejectsInvalidJSON(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !dberr.Is(err, dberr.KindCorruption) {
		t.Errorf("error kind = %v, want KindCorruption", err)
	}
}

func TestCatalogCloneIsIndependent(t *testing.T) {
	c := New()
	cm := c.GetOrCreate("widgets")
	cm.Indexes["by_sku"] = &IndexMeta{Name: "by_sku", Fields: []string{"sku"}, BTreeRoot: 3}

	clone := c.Clone()
	clone.Collections["widgets"].BTreeRoot = 99
	clone.Collections["widgets"].Indexes["by_sku"].BTreeRoot = 42

	if c.Collections["widgets"].BTreeRoot == 99 {
		t.Fatal("mutating the clone's collection must not affect the original")
	}
	if c.Collections["widgets"].Indexes["by_sku"].BTreeRoot == 42 {
		t.Fatal("mutating the clone's index must not affect the original")
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	c := New()
	a := c.GetOrCreate("widgets")
	b := c.GetOrCreate("widgets")
	if a != b {
		t.Fatal("GetOrCreate must return the same entry for an existing collection")
	}
}
