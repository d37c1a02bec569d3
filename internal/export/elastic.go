// Package export ships validated run records to Elasticsearch.
package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/config"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/internal/results"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Document is the indexed form of a record.
type Document struct {
	Timestamp time.Time         `json:"@timestamp"`
	RunID     string            `json:"run_id"`
	Protocols []string          `json:"protocols"`
	Servers   map[string]string `json:"servers,omitempty"`
	Results   results.Set       `json:"results"`
}

func newDocument(r results.Record) Document {
	return Document{
		Timestamp: r.Timestamp,
		RunID:     r.ID,
		Protocols: lo.Map(r.Protocols, func(p target.Protocol, _ int) string { return string(p) }),
		Servers:   r.Servers,
		Results:   r.Results,
	}
}

type Elastic struct {
	client *elasticsearch.Client
	index  string
	logger logging.Logger
}

func NewElastic(cfg config.ElasticConfig, logger logging.Logger) (*Elastic, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.Insecure {
		esCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, //nolint:gosec
			},
		}
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create elasticsearch client")
	}
	return &Elastic{client: client, index: cfg.Index, logger: logger}, nil
}

// Export indexes one record under its run ID. Invalid records are refused.
func (e *Elastic) Export(ctx context.Context, r results.Record) error {
	if !r.Valid {
		return errors.Wrap(results.ErrIncompleteResultSet, "refusing to export")
	}

	res, err := e.client.Index(
		e.index,
		esutil.NewJSONReader(newDocument(r)),
		e.client.Index.WithContext(ctx),
		e.client.Index.WithDocumentID(r.ID),
	)
	if err != nil {
		return errors.Wrapf(err, "index run %s", r.ID)
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("index run %s: %s", r.ID, res.Status())
	}
	e.logger.Infof("exported run %s to %s", r.ID, e.index)
	return nil
}

// Backfill bulk indexes records, skipping invalid ones, and returns how
// many were indexed.
func (e *Elastic) Backfill(ctx context.Context, records []results.Record) (int, error) {
	indexer, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:         e.index,
		Client:        e.client,
		FlushBytes:    5 << 20,
		FlushInterval: 30 * time.Second,
	})
	if err != nil {
		return 0, errors.Wrap(err, "create bulk indexer")
	}

	for _, r := range lo.Filter(records, func(r results.Record, _ int) bool { return r.Valid }) {
		data, err := json.Marshal(newDocument(r))
		if err != nil {
			e.logger.Errorf("encode run %s: %v", r.ID, err)
			continue
		}
		err = indexer.Add(ctx, esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: r.ID,
			Body:       bytes.NewReader(data),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					e.logger.Errorf("index run %s: %v", item.DocumentID, err)
					return
				}
				e.logger.Errorf("index run %s: %s", item.DocumentID, res.Error.Reason)
			},
		})
		if err != nil {
			e.logger.Errorf("queue run %s: %v", r.ID, err)
		}
	}

	if err := indexer.Close(ctx); err != nil {
		return 0, errors.Wrap(err, "close bulk indexer")
	}
	stats := indexer.Stats()
	if stats.NumFailed > 0 {
		return int(stats.NumFlushed), errors.Errorf("%d of %d runs failed to index", stats.NumFailed, stats.NumAdded)
	}
	return int(stats.NumFlushed), nil
}

// LatestID returns the run ID of the newest indexed document, empty when
// the index holds none.
func (e *Elastic) LatestID(ctx context.Context) (string, error) {
	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.index),
		e.client.Search.WithSort("@timestamp:desc"),
		e.client.Search.WithSize(1),
	)
	if err != nil {
		return "", errors.Wrap(err, "search latest run")
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if res.IsError() {
		return "", errors.Errorf("search latest run: %s", res.Status())
	}

	var body struct {
		Hits struct {
			Hits []struct {
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "decode search response")
	}
	if len(body.Hits.Hits) == 0 {
		return "", nil
	}
	return body.Hits.Hits[0].Source.RunID, nil
}
