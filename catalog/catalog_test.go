package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gamerelay/packet"

	"github.com/google/go-cmp/cmp"
)

const sampleDocument = `{
	"incoming": [
		{"id": 2491, "hash": "a1b2c3", "structure": "s"},
		{"id": 4000, "hash": "ffee", "structure": "is"}
	],
	"outgoing": [
		{"id": 4000, "hash": "0c0c", "structure": "ssii"},
		{"id": 2490, "hash": "d00d"}
	]
}`

func TestParseDocument(t *testing.T) {
	tables, err := ParseDocument([]byte(sampleDocument))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}

	in, out := tables.Count()
	if in != 2 || out != 2 {
		t.Errorf("Count = (%d,%d), want (2,2)", in, out)
	}

	want := Entry{ID: 4000, Hash: "0c0c", Structure: "ssii"}
	if diff := cmp.Diff(want, tables.Outgoing[4000]); diff != "" {
		t.Errorf("outgoing[4000] mismatch (-want +got):\n%s", diff)
	}
	want = Entry{ID: 4000, Hash: "ffee", Structure: "is"}
	if diff := cmp.Diff(want, tables.Table(packet.Incoming)[4000]); diff != "" {
		t.Errorf("incoming[4000] mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDocumentRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing direction", `{"incoming": []}`},
		{"id above ceiling", `{"incoming": [{"id": 4001}], "outgoing": []}`},
		{"id zero", `{"incoming": [], "outgoing": [{"id": 0}]}`},
		{"hash not string", `{"incoming": [{"id": 1, "hash": 5}], "outgoing": []}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseDocument([]byte(tc.doc)); err == nil {
				t.Error("ParseDocument accepted an invalid document")
			}
		})
	}
}

func TestCatalogLookupAndAnnotate(t *testing.T) {
	c := New()
	if c.Loaded() {
		t.Fatal("new catalog reports loaded")
	}

	m := packet.New(4000)
	if c.Annotate(packet.Outgoing, m) {
		t.Error("annotated against an empty catalog")
	}

	tables, err := ParseDocument([]byte(sampleDocument))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	c.Install(tables)

	if !c.Annotate(packet.Outgoing, m) {
		t.Fatal("known outgoing id was not annotated")
	}
	if m.Hash != "0c0c" || m.Structure != "ssii" {
		t.Errorf("annotation = %q/%q", m.Hash, m.Structure)
	}

	unknown := packet.New(17)
	if c.Annotate(packet.Incoming, unknown) || unknown.HasMetadata() {
		t.Error("unknown id received metadata")
	}
	if _, ok := c.Lookup(packet.Incoming, 0xFFFF); ok {
		t.Error("id above the ceiling should not resolve")
	}
	if _, ok := c.Lookup(packet.Incoming, 2490); ok {
		t.Error("outgoing-only id resolved in the incoming table")
	}
}

func TestHTTPLoader(t *testing.T) {
	var requested string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Path
		if r.URL.Path != "/gordon/PRODUCTION-1/messages.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sampleDocument))
	}))
	defer srv.Close()

	loader := NewHTTPLoader("messages.json", 0)
	tables, err := loader.Load(context.Background(), srv.URL+"/gordon/PRODUCTION-1/")
	if err != nil {
		t.Fatalf("Load: %v (requested %s)", err, requested)
	}
	if tables.Incoming[2491].Hash != "a1b2c3" {
		t.Errorf("incoming[2491] = %+v", tables.Incoming[2491])
	}

	_, err = loader.Load(context.Background(), srv.URL+"/missing/")
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("missing document error = %v", err)
	}

	if _, err := loader.Load(context.Background(), ""); err == nil {
		t.Error("empty client url accepted")
	}
}

func TestFileLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	if err := os.WriteFile(path, []byte(sampleDocument), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tables, err := (&FileLoader{Path: path}).Load(context.Background(), "ignored")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tables.Outgoing[2490].Hash != "d00d" {
		t.Errorf("outgoing[2490] = %+v", tables.Outgoing[2490])
	}

	if _, err := (&FileLoader{Path: filepath.Join(t.TempDir(), "nope.json")}).Load(context.Background(), ""); err == nil {
		t.Error("missing file accepted")
	}
}
