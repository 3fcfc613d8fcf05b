// Package eventindex keeps a full-text index of progress events so past
// runs can be searched by what the subagents reported.
package eventindex

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// maxIndexedContent caps the content stored per event.
const maxIndexedContent = 2000

// Hit is one search result.
type Hit struct {
	EventID   string
	SessionID string
	Type      engine.ProgressEventType
	Backend   string
	Iteration int
	Timestamp time.Time
	Content   string
	Score     float64
}

// Filter narrows a search. Zero values match everything.
type Filter struct {
	SessionID string
	Type      engine.ProgressEventType
	Backend   string
}

// Index is a bleve index of progress events.
type Index struct {
	index bleve.Index
	path  string
}

// Open creates or opens the index at path. A corrupted index is deleted
// and recreated.
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create event index: %w", err)
		}
	} else if err != nil {
		log.Printf("event index appears corrupted (error: %v), recreating", err)
		if idx != nil {
			idx.Close()
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("failed to remove corrupted event index: %w", err)
		}
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate event index: %w", err)
		}
	}
	return &Index{index: idx, path: path}, nil
}

// OpenMemory returns an index that lives only in memory.
func OpenMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create event index: %w", err)
	}
	return &Index{index: idx}, nil
}

func keywordField() *mapping.FieldMapping {
	f := bleve.NewTextFieldMapping()
	f.Analyzer = keyword.Name
	f.Store = true
	f.Index = true
	return f
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	eventMapping := bleve.NewDocumentMapping()

	eventMapping.AddFieldMappingsAt("session_id", keywordField())
	eventMapping.AddFieldMappingsAt("type", keywordField())
	eventMapping.AddFieldMappingsAt("backend", keywordField())
	eventMapping.AddFieldMappingsAt("tool_id", keywordField())

	iteration := bleve.NewNumericFieldMapping()
	iteration.Store = true
	eventMapping.AddFieldMappingsAt("iteration", iteration)

	ts := bleve.NewDateTimeFieldMapping()
	ts.Store = true
	eventMapping.AddFieldMappingsAt("timestamp", ts)

	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	content.Store = true
	content.Index = true
	eventMapping.AddFieldMappingsAt("content", content)

	indexMapping.DefaultMapping = eventMapping
	return indexMapping
}

// Add indexes one event under its ID.
func (x *Index) Add(ev engine.ProgressEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("event has no id")
	}
	doc := map[string]interface{}{
		"session_id": ev.SessionID,
		"type":       string(ev.Type),
		"backend":    ev.Backend,
		"tool_id":    ev.ToolID,
		"iteration":  float64(ev.Iteration),
		"timestamp":  ev.Timestamp,
		"content":    engine.TruncateContent(ev.Content, maxIndexedContent),
	}
	return x.index.Index(ev.ID, doc)
}

// Processor returns a progress processor that indexes every event.
func (x *Index) Processor() engine.ProgressProcessor {
	return func(_ context.Context, ev engine.ProgressEvent) error {
		return x.Add(ev)
	}
}

// Search runs a match query over event content and returns the top k hits.
// An empty text matches all events.
func (x *Index) Search(text string, f Filter, k int) ([]Hit, error) {
	var q query.Query = bleve.NewMatchAllQuery()
	if text != "" {
		mq := bleve.NewMatchQuery(text)
		mq.SetField("content")
		q = mq
	}

	conj := []query.Query{q}
	for field, val := range map[string]string{
		"session_id": f.SessionID,
		"type":       string(f.Type),
		"backend":    f.Backend,
	} {
		if val == "" {
			continue
		}
		tq := bleve.NewTermQuery(val)
		tq.SetField(field)
		conj = append(conj, tq)
	}
	if len(conj) > 1 {
		q = bleve.NewConjunctionQuery(conj...)
	}

	if k <= 0 {
		k = 10
	}
	req := bleve.NewSearchRequest(q)
	req.Size = k
	req.Fields = []string{"session_id", "type", "backend", "iteration", "timestamp", "content"}
	if text == "" {
		req.SortBy([]string{"-timestamp"})
	}

	res, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("event search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{EventID: h.ID, Score: h.Score}
		hit.SessionID, _ = h.Fields["session_id"].(string)
		typ, _ := h.Fields["type"].(string)
		hit.Type = engine.ProgressEventType(typ)
		hit.Backend, _ = h.Fields["backend"].(string)
		hit.Content, _ = h.Fields["content"].(string)
		if n, ok := h.Fields["iteration"].(float64); ok {
			hit.Iteration = int(n)
		}
		if s, ok := h.Fields["timestamp"].(string); ok {
			hit.Timestamp, _ = time.Parse(time.RFC3339Nano, s)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count returns the number of indexed events.
func (x *Index) Count() (uint64, error) {
	return x.index.DocCount()
}

// Close closes the index.
func (x *Index) Close() error {
	return x.index.Close()
}
