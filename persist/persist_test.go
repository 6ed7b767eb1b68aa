package persist

import (
	"os"
	"path/filepath"
	"testing"
)

// TestSaveJSONCompactDeterministic checks that the persisted bytes are the
// canonical form regardless of input key order.
func TestSaveJSONCompactDeterministic(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "sub", "wire.json")

	obj := map[string]interface{}{
		"salt":      "ABCDEF",
		"payto_uri": "payto://sepa/DE1234",
	}
	if err := SaveJSONCompact(name, obj, 0640); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"payto_uri":"payto://sepa/DE1234","salt":"ABCDEF"}`
	if string(data) != want {
		t.Errorf("persisted bytes not canonical: %s", data)
	}

	var back map[string]interface{}
	raw, err := LoadJSONRaw(name, &back)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != want {
		t.Error("LoadJSONRaw did not return the exact bytes")
	}
	if back["payto_uri"] != "payto://sepa/DE1234" {
		t.Error("decoded object is wrong:", back)
	}
}

// TestBoltDatabaseMetadata checks the header and version guards.
func TestBoltDatabaseMetadata(t *testing.T) {
	name := filepath.Join(t.TempDir(), "test.db")
	md := Metadata{Header: "Merchant Test DB", Version: "0.4.0"}

	db, err := OpenDatabase(md, name)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening with the same metadata must succeed.
	db, err = OpenDatabase(md, name)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	// A different version must be rejected.
	if _, err := OpenDatabase(Metadata{Header: md.Header, Version: "9.9.9"}, name); err != ErrBadVersion {
		t.Error("expected ErrBadVersion, got", err)
	}

	// A different header must be rejected.
	if _, err := OpenDatabase(Metadata{Header: "other", Version: md.Version}, name); err != ErrBadHeader {
		t.Error("expected ErrBadHeader, got", err)
	}
}
