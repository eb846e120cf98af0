package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Loader produces the catalog for a client build. clientURL is the base URL
// the client announces in its first handshake frame.
type Loader interface {
	Load(ctx context.Context, clientURL string) (*Tables, error)
}

// Document is the JSON form of a catalog.
type Document struct {
	Incoming []Entry `json:"incoming"`
	Outgoing []Entry `json:"outgoing"`
}

const documentSchema = `{
	"type": "object",
	"required": ["incoming", "outgoing"],
	"properties": {
		"incoming": {"$ref": "#/definitions/entries"},
		"outgoing": {"$ref": "#/definitions/entries"}
	},
	"definitions": {
		"entries": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "integer", "minimum": 1, "maximum": 4000},
					"hash": {"type": "string"},
					"structure": {"type": "string"}
				}
			}
		}
	}
}`

var compiledSchema *gojsonschema.Schema

func init() {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		panic(fmt.Sprintf("catalog: invalid document schema: %v", err))
	}
	compiledSchema = schema
}

// ParseDocument validates data against the catalog schema and builds the
// per-direction tables.
func ParseDocument(data []byte) (*Tables, error) {
	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("catalog validation failed: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, e := range result.Errors() {
			if b.Len() > 0 {
				b.WriteString("; ")
			}
			b.WriteString(e.String())
		}
		return nil, fmt.Errorf("catalog validation failed: %s", b.String())
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	tables := &Tables{}
	for _, e := range doc.Incoming {
		tables.Incoming[e.ID] = e
	}
	for _, e := range doc.Outgoing {
		tables.Outgoing[e.ID] = e
	}
	return tables, nil
}

// HTTPLoader fetches <clientURL><Document> and parses it.
type HTTPLoader struct {
	Client   *http.Client
	Document string
	MaxSize  int64
}

func NewHTTPLoader(document string, timeout time.Duration) *HTTPLoader {
	return &HTTPLoader{
		Client:   &http.Client{Timeout: timeout},
		Document: document,
		MaxSize:  16 << 20,
	}
}

func (l *HTTPLoader) Load(ctx context.Context, clientURL string) (*Tables, error) {
	if clientURL == "" {
		return nil, fmt.Errorf("catalog: empty client url")
	}
	target := clientURL + l.Document

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog %s: %w", target, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch catalog %s: status %d", target, res.StatusCode)
	}

	maxSize := l.MaxSize
	if maxSize <= 0 {
		maxSize = 16 << 20
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", target, err)
	}
	return ParseDocument(data)
}

// FileLoader reads a local catalog document and ignores the client URL.
type FileLoader struct {
	Path string
}

func (l *FileLoader) Load(_ context.Context, _ string) (*Tables, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseDocument(data)
}
