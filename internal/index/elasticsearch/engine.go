// Package elasticsearch implements the index.Indexer interface on top of an
// Elasticsearch cluster. Counter increments use scripted updates with
// retry-on-conflict so concurrent analytics events never lose updates.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/elastic/go-elasticsearch/v8"

	apperrors "github.com/utafrali/catalog-sync/pkg/errors"

	"github.com/utafrali/catalog-sync/internal/domain"
	"github.com/utafrali/catalog-sync/internal/index"
)

// counterConflictRetries is passed as retry_on_conflict on scripted counter
// updates.
const counterConflictRetries = 3

// Engine is the Elasticsearch-backed Indexer.
type Engine struct {
	client    *elasticsearch.Client
	indexName string
	logger    *slog.Logger
}

// esErrorResponse decodes Elasticsearch error bodies.
type esErrorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}

// esGetResponse decodes document get responses.
type esGetResponse struct {
	Found  bool            `json:"found"`
	Source domain.Document `json:"_source"`
}

// esCountResponse decodes count responses.
type esCountResponse struct {
	Count int64 `json:"count"`
}

// esBulkResponse decodes bulk responses for per-item error checks.
type esBulkResponse struct {
	Errors bool `json:"errors"`
	Items  []struct {
		Index struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"index"`
	} `json:"items"`
}

// New creates an engine connected to the given URL and ensures the index
// exists, retrying index creation briefly so a cluster that is still
// electing does not fail startup.
func New(esURL, indexName string, logger *slog.Logger) (*Engine, error) {
	if indexName == "" {
		indexName = DefaultIndexName
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{esURL},
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: create client: %w", err)
	}

	e := &Engine{
		client:    client,
		indexName: indexName,
		logger:    logger,
	}

	_, err = backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, e.ensureIndex()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: ensure index: %w", err)
	}

	return e, nil
}

// Ping checks whether the cluster is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: unexpected status %s", res.Status())
	}
	return nil
}

// ensureIndex creates the index with its mapping if it does not exist.
func (e *Engine) ensureIndex() error {
	res, err := e.client.Indices.Exists([]string{e.indexName})
	if err != nil {
		return fmt.Errorf("check index exists: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == 200 {
		return nil
	}

	res, err = e.client.Indices.Create(
		e.indexName,
		e.client.Indices.Create.WithBody(strings.NewReader(buildIndexMapping())),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return e.decodeError(res.Body, res.Status(), "create index")
	}

	e.logger.Info("elasticsearch index created", slog.String("index", e.indexName))
	return nil
}

// Index creates or fully replaces a document.
func (e *Engine) Index(ctx context.Context, doc *domain.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("elasticsearch index: marshal document: %w", err)
	}

	res, err := e.client.Index(
		e.indexName,
		bytes.NewReader(data),
		e.client.Index.WithDocumentID(doc.ProductID),
		e.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch index: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return e.decodeError(res.Body, res.Status(), "elasticsearch index")
	}

	e.logger.Debug("indexed document", slog.String("id", doc.ProductID))
	return nil
}

// mergeScript assigns the incoming write-model fields into the stored
// source, then recomputes the popularity-derived fields from the counters
// the document already owns.
const mergeScript = `
for (entry in params.fields.entrySet()) { ctx._source[entry.getKey()] = entry.getValue() }
if (ctx._source.click_count == null) { ctx._source.click_count = 0L }
if (ctx._source.purchase_count == null) { ctx._source.purchase_count = 0L }
ctx._source.popularity_score = ctx._source.click_count + 10.0 * ctx._source.purchase_count;
if (ctx._source.popularity_score > 50 && !ctx._source.tags.contains('popular')) { ctx._source.tags.add('popular') }
if (ctx._source.purchase_count > 100 && !ctx._source.tags.contains('bestseller')) { ctx._source.tags.add('bestseller') }
double boost = 1.0 + ctx._source.popularity_score / 200.0;
if (ctx._source.created_at != null && ZonedDateTime.parse(ctx._source.created_at).isAfter(ZonedDateTime.parse(params.recency_cutoff))) { boost += 0.2 }
if (ctx._source.images != null && ctx._source.images.size() > 0) { boost += 0.1 }
ctx._source.score_boost = Math.min(2.0, boost);
`

// counterScript adds the delta to one counter and recomputes the
// popularity-derived fields in the same server-side update.
const counterScript = `
if (ctx._source.click_count == null) { ctx._source.click_count = 0L }
if (ctx._source.purchase_count == null) { ctx._source.purchase_count = 0L }
ctx._source[params.counter] += params.delta;
ctx._source.popularity_score = ctx._source.click_count + 10.0 * ctx._source.purchase_count;
if (ctx._source.popularity_score > 50 && !ctx._source.tags.contains('popular')) { ctx._source.tags.add('popular') }
if (ctx._source.purchase_count > 100 && !ctx._source.tags.contains('bestseller')) { ctx._source.tags.add('bestseller') }
double boost = 1.0 + ctx._source.popularity_score / 200.0;
if (ctx._source.created_at != null && ZonedDateTime.parse(ctx._source.created_at).isAfter(ZonedDateTime.parse(params.recency_cutoff))) { boost += 0.2 }
if (ctx._source.images != null && ctx._source.images.size() > 0) { boost += 0.1 }
ctx._source.score_boost = Math.min(2.0, boost);
`

// Update merges the document's write-model fields into the stored source via
// a server-side script, preserving the stored counters. The upsert branch
// inserts the full document when none exists yet.
func (e *Engine) Update(ctx context.Context, doc *domain.Document) error {
	// Base tags are computed with counters zeroed; the script re-adds the
	// popularity badges from the stored counters.
	base := *doc
	base.ClickCount = 0
	base.PurchaseCount = 0
	base.Recompute()

	fields := map[string]any{
		"name":           doc.Name,
		"description":    doc.Description,
		"sku":            doc.SKU,
		"price":          doc.Price,
		"categories":     doc.Categories,
		"attributes":     doc.Attributes,
		"images":         doc.Images,
		"stock_quantity": doc.StockQuantity,
		"updated_at":     doc.UpdatedAt,
		"in_stock":       base.InStock,
		"price_range":    base.PriceRange,
		"all_text":       base.AllText,
		"tags":           base.Tags,
	}

	body := map[string]any{
		"script": map[string]any{
			"source": mergeScript,
			"lang":   "painless",
			"params": map[string]any{
				"fields":         fields,
				"recency_cutoff": time.Now().UTC().Add(-30 * 24 * time.Hour).Format(time.RFC3339),
			},
		},
		"upsert": doc,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("elasticsearch update: marshal body: %w", err)
	}

	res, err := e.client.Update(
		e.indexName,
		doc.ProductID,
		bytes.NewReader(data),
		e.client.Update.WithContext(ctx),
		e.client.Update.WithRetryOnConflict(counterConflictRetries),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch update: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return e.decodeError(res.Body, res.Status(), "elasticsearch update")
	}

	e.logger.Debug("merged document", slog.String("id", doc.ProductID))
	return nil
}

// Delete removes a document by product id. 404 responses are ignored.
func (e *Engine) Delete(ctx context.Context, id string) error {
	res, err := e.client.Delete(
		e.indexName,
		id,
		e.client.Delete.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch delete: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() && res.StatusCode != 404 {
		return e.decodeError(res.Body, res.Status(), "elasticsearch delete")
	}

	e.logger.Debug("deleted document", slog.String("id", id))
	return nil
}

// IncrementCounter atomically adds delta to the counter via a scripted
// update with retry-on-conflict. If the scripted path errors, it falls back
// to a read-modify-write and logs a warning; the fallback can lose updates
// under concurrency and exists only to keep analytics flowing when the
// cluster rejects scripts.
func (e *Engine) IncrementCounter(ctx context.Context, id string, counter index.Counter, delta int64) error {
	if counter != index.CounterClicks && counter != index.CounterPurchases {
		return apperrors.InvalidInput("unknown counter: " + string(counter))
	}

	body := map[string]any{
		"script": map[string]any{
			"source": counterScript,
			"lang":   "painless",
			"params": map[string]any{
				"counter":        string(counter),
				"delta":          delta,
				"recency_cutoff": time.Now().UTC().Add(-30 * 24 * time.Hour).Format(time.RFC3339),
			},
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("elasticsearch increment: marshal body: %w", err)
	}

	res, err := e.client.Update(
		e.indexName,
		id,
		bytes.NewReader(data),
		e.client.Update.WithContext(ctx),
		e.client.Update.WithRetryOnConflict(counterConflictRetries),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch increment: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == 404 {
		return apperrors.NotFound("document", id)
	}

	if res.IsError() {
		scriptErr := e.decodeError(res.Body, res.Status(), "elasticsearch increment")
		e.logger.Warn("scripted counter update failed, falling back to read-modify-write",
			slog.String("id", id),
			slog.String("counter", string(counter)),
			slog.String("error", scriptErr.Error()),
		)
		return e.incrementReadModifyWrite(ctx, id, counter, delta)
	}

	return nil
}

// incrementReadModifyWrite is the non-atomic fallback counter path.
func (e *Engine) incrementReadModifyWrite(ctx context.Context, id string, counter index.Counter, delta int64) error {
	doc, err := e.Get(ctx, id)
	if err != nil {
		return err
	}

	switch counter {
	case index.CounterClicks:
		doc.ClickCount += delta
	case index.CounterPurchases:
		doc.PurchaseCount += delta
	}
	doc.Recompute()

	return e.Index(ctx, doc)
}

// Get fetches a document by product id.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Document, error) {
	res, err := e.client.Get(
		e.indexName,
		id,
		e.client.Get.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch get: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == 404 {
		return nil, apperrors.NotFound("document", id)
	}
	if res.IsError() {
		return nil, e.decodeError(res.Body, res.Status(), "elasticsearch get")
	}

	var getResp esGetResponse
	if err := json.NewDecoder(res.Body).Decode(&getResp); err != nil {
		return nil, fmt.Errorf("elasticsearch get: decode response: %w", err)
	}
	if !getResp.Found {
		return nil, apperrors.NotFound("document", id)
	}

	return &getResp.Source, nil
}

// Count returns the number of documents in the index.
func (e *Engine) Count(ctx context.Context) (int64, error) {
	res, err := e.client.Count(
		e.client.Count.WithIndex(e.indexName),
		e.client.Count.WithContext(ctx),
	)
	if err != nil {
		return 0, fmt.Errorf("elasticsearch count: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return 0, e.decodeError(res.Body, res.Status(), "elasticsearch count")
	}

	var countResp esCountResponse
	if err := json.NewDecoder(res.Body).Decode(&countResp); err != nil {
		return 0, fmt.Errorf("elasticsearch count: decode response: %w", err)
	}
	return countResp.Count, nil
}

// BulkIndex creates or replaces documents using the bulk NDJSON API.
func (e *Engine) BulkIndex(ctx context.Context, docs []domain.Document) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for i := range docs {
		action := map[string]any{
			"index": map[string]any{
				"_index": e.indexName,
				"_id":    docs[i].ProductID,
			},
		}
		if err := json.NewEncoder(&buf).Encode(action); err != nil {
			return fmt.Errorf("elasticsearch bulk index: encode action: %w", err)
		}
		if err := json.NewEncoder(&buf).Encode(docs[i]); err != nil {
			return fmt.Errorf("elasticsearch bulk index: encode document: %w", err)
		}
	}

	res, err := e.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		e.client.Bulk.WithIndex(e.indexName),
		e.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch bulk index: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return e.decodeError(res.Body, res.Status(), "elasticsearch bulk index")
	}

	var bulkResp esBulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("elasticsearch bulk index: decode response: %w", err)
	}

	if bulkResp.Errors {
		var errMsgs []string
		for _, item := range bulkResp.Items {
			if item.Index.Error.Type != "" {
				errMsgs = append(errMsgs, fmt.Sprintf("id=%s: %s — %s", item.Index.ID, item.Index.Error.Type, item.Index.Error.Reason))
			}
		}
		return fmt.Errorf("elasticsearch bulk index: partial errors: %s", strings.Join(errMsgs, "; "))
	}

	e.logger.Info("bulk indexed documents", slog.Int("count", len(docs)))
	return nil
}

// DeleteIndex removes the entire index. Intended for tests and recovery
// tooling; a 404 is treated as success.
func (e *Engine) DeleteIndex(ctx context.Context) error {
	res, err := e.client.Indices.Delete(
		[]string{e.indexName},
		e.client.Indices.Delete.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch delete index: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() && res.StatusCode != 404 {
		return e.decodeError(res.Body, res.Status(), "elasticsearch delete index")
	}

	e.logger.Info("elasticsearch index deleted", slog.String("index", e.indexName))
	return nil
}

// decodeError extracts a structured Elasticsearch error from a response
// body, falling back to the HTTP status line.
func (e *Engine) decodeError(body io.Reader, status, op string) error {
	var errResp esErrorResponse
	if decErr := json.NewDecoder(body).Decode(&errResp); decErr == nil && errResp.Error.Type != "" {
		return fmt.Errorf("%s: %s — %s", op, errResp.Error.Type, errResp.Error.Reason)
	}
	return fmt.Errorf("%s: unexpected status %s", op, status)
}
