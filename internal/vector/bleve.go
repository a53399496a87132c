package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/HendryAvila/activitylog/internal/faults"
)

// BleveConfig configures BleveBackend.
type BleveConfig struct {
	// Dir holds vectors.bleve. Empty means an in-memory index.
	Dir string
	// BatchLimit caps Upsert size. Defaults to 1000.
	BatchLimit int
}

// BleveBackend is a text-similarity index. Matching text raises the score;
// the time window is a hard filter.
type BleveBackend struct {
	mu     sync.RWMutex
	index  bleve.Index
	cfg    BleveConfig
	closed bool
}

type bleveDoc struct {
	Document      string  `json:"document"`
	RecordType    string  `json:"record_type"`
	ActivityType  string  `json:"activity_type"`
	SourceType    string  `json:"source_type"`
	App           string  `json:"app"`
	TimestampUnix float64 `json:"timestamp_unix"`
	EndUnix       float64 `json:"end_unix"`
	SourceDBID    float64 `json:"source_db_id"`
	Extra         string  `json:"extra"`
}

var bleveFields = []string{"document", "record_type", "activity_type", "source_type", "app",
	"timestamp_unix", "end_unix", "source_db_id", "extra"}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	keyword := bleve.NewKeywordFieldMapping()
	numeric := bleve.NewNumericFieldMapping()

	stored := bleve.NewTextFieldMapping()
	stored.Index = false

	doc.AddFieldMappingsAt("document", text)
	doc.AddFieldMappingsAt("record_type", keyword)
	doc.AddFieldMappingsAt("activity_type", keyword)
	doc.AddFieldMappingsAt("source_type", keyword)
	doc.AddFieldMappingsAt("app", keyword)
	doc.AddFieldMappingsAt("timestamp_unix", numeric)
	doc.AddFieldMappingsAt("end_unix", numeric)
	doc.AddFieldMappingsAt("source_db_id", numeric)
	doc.AddFieldMappingsAt("extra", stored)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	return im
}

// NewBleveBackend opens the index under cfg.Dir, creating it when missing.
func NewBleveBackend(cfg BleveConfig) (*BleveBackend, error) {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1000
	}

	var (
		index bleve.Index
		err   error
	)
	if cfg.Dir == "" {
		index, err = bleve.NewMemOnly(buildIndexMapping())
	} else {
		if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
			return nil, fmt.Errorf("vector: create dir: %w", err)
		}
		path := filepath.Join(cfg.Dir, "vectors.bleve")
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			index, err = bleve.New(path, buildIndexMapping())
		} else {
			index, err = bleve.Open(path)
		}
	}
	if err != nil {
		return nil, faults.WrapClassified("vector: open bleve index", err)
	}
	return &BleveBackend{index: index, cfg: cfg}, nil
}

func (b *BleveBackend) MaxBatch() int { return b.cfg.BatchLimit }

func (b *BleveBackend) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if len(records) > b.cfg.BatchLimit {
		return fmt.Errorf("vector: batch of %d exceeds limit %d", len(records), b.cfg.BatchLimit)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	batch := b.index.NewBatch()
	for _, r := range records {
		extra := ""
		if len(r.Metadata.Extra) > 0 {
			raw, err := json.Marshal(r.Metadata.Extra)
			if err != nil {
				return fmt.Errorf("vector: encode extra for %s: %w", r.ID, err)
			}
			extra = string(raw)
		}
		if err := batch.Index(r.ID, bleveDoc{
			Document:      r.Document,
			RecordType:    r.Metadata.RecordType,
			ActivityType:  r.Metadata.ActivityType,
			SourceType:    r.Metadata.SourceType,
			App:           r.Metadata.App,
			TimestampUnix: float64(r.Metadata.TimestampUnix),
			EndUnix:       float64(r.Metadata.EndUnix),
			SourceDBID:    float64(r.Metadata.SourceDBID),
			Extra:         extra,
		}); err != nil {
			return faults.WrapClassified("vector: batch "+r.ID, err)
		}
	}
	return faults.WrapClassified("vector: bleve batch", runCtx(ctx, func() error {
		return b.index.Batch(batch)
	}))
}

func (b *BleveBackend) Query(ctx context.Context, text string, k int, where *TimeRange) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var must []query.Query
	if where != nil {
		must = append(must, numericRange("timestamp_unix", float64(where.Start), float64(where.End)))
	}
	var q query.Query
	text = strings.TrimSpace(text)
	switch {
	case text == "" && len(must) == 0:
		q = bleve.NewMatchAllQuery()
	case text == "":
		q = must[0]
	default:
		match := bleve.NewMatchQuery(text)
		match.SetField("document")
		if len(must) == 0 {
			q = match
		} else {
			// The match clause only scores; every record in the window qualifies.
			q = query.NewBooleanQuery(must, []query.Query{match}, nil)
		}
	}

	req := bleve.NewSearchRequestOptions(q, k, 0, false)
	req.Fields = bleveFields
	req.SortBy([]string{"-_score", "-timestamp_unix"})

	var res *bleve.SearchResult
	err := runCtx(ctx, func() error {
		var err error
		res, err = b.index.SearchInContext(ctx, req)
		return err
	})
	if err != nil {
		return nil, faults.WrapClassified("vector: bleve search", err)
	}

	matches := make([]Match, 0, len(res.Hits))
	for _, hit := range res.Hits {
		m := Match{Record: Record{ID: hit.ID}, Score: hit.Score}
		m.Document, _ = hit.Fields["document"].(string)
		m.Metadata.RecordType, _ = hit.Fields["record_type"].(string)
		m.Metadata.ActivityType, _ = hit.Fields["activity_type"].(string)
		m.Metadata.SourceType, _ = hit.Fields["source_type"].(string)
		m.Metadata.App, _ = hit.Fields["app"].(string)
		m.Metadata.TimestampUnix = int64(numField(hit.Fields, "timestamp_unix"))
		m.Metadata.EndUnix = int64(numField(hit.Fields, "end_unix"))
		m.Metadata.SourceDBID = int64(numField(hit.Fields, "source_db_id"))
		if extra, _ := hit.Fields["extra"].(string); extra != "" {
			_ = json.Unmarshal([]byte(extra), &m.Metadata.Extra)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (b *BleveBackend) MaxSourceID(ctx context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), 1, 0, false)
	req.Fields = []string{"source_db_id"}
	req.SortBy([]string{"-source_db_id"})
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return 0, faults.WrapClassified("vector: max source id", err)
	}
	if len(res.Hits) == 0 {
		return 0, nil
	}
	return int64(numField(res.Hits[0].Fields, "source_db_id")), nil
}

func (b *BleveBackend) DeleteBefore(ctx context.Context, unix int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	return b.deleteMatching(ctx, numericRange("timestamp_unix", -1<<53, float64(unix)-1))
}

func (b *BleveBackend) Count(context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	n, err := b.index.DocCount()
	if err != nil {
		return 0, faults.WrapClassified("vector: count", err)
	}
	return int(n), nil
}

func (b *BleveBackend) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	_, err := b.deleteMatching(ctx, bleve.NewMatchAllQuery())
	return err
}

func (b *BleveBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

// deleteMatching removes every document matching q, one page at a time.
func (b *BleveBackend) deleteMatching(ctx context.Context, q query.Query) (int, error) {
	deleted := 0
	for {
		req := bleve.NewSearchRequestOptions(q, b.cfg.BatchLimit, 0, false)
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return deleted, faults.WrapClassified("vector: delete search", err)
		}
		if len(res.Hits) == 0 {
			return deleted, nil
		}
		batch := b.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := b.index.Batch(batch); err != nil {
			return deleted, faults.WrapClassified("vector: delete batch", err)
		}
		deleted += len(res.Hits)
	}
}

func numericRange(field string, lo, hi float64) query.Query {
	inclusive := true
	q := bleve.NewNumericRangeInclusiveQuery(&lo, &hi, &inclusive, &inclusive)
	q.SetField(field)
	return q
}

func numField(fields map[string]any, name string) float64 {
	switch v := fields[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}
