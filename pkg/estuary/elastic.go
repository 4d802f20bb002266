package estuary

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pquerna/ffjson/ffjson"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/readmodel/pkg/config"
)

// ElasticSink keeps one Elasticsearch document per source row.
type ElasticSink struct {
	index           string
	refresh         string
	replicas        int
	refreshInterval string
	es              *elasticsearch.Client
}

// NewElasticSink creates the client. It does not contact the cluster.
func NewElasticSink(cfg config.SinkConfig) (*ElasticSink, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: timeout,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &ElasticSink{
		index:           cfg.Target,
		refresh:         cfg.Refresh,
		replicas:        cfg.Replicas,
		refreshInterval: cfg.RefreshInterval,
		es:              es,
	}, nil
}

func (s *ElasticSink) Name() string { return config.SinkElasticsearch }

const indexExistsError = "resource_already_exists_exception"

// EnsureIndex creates the index with the configured settings if it does not exist.
func (s *ElasticSink) EnsureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{s.index}}.Do(ctx, s.es)
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", s.index, err)
	}
	drain(res)
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("unexpected status checking index %s: %s", s.index, res.Status())
	}

	settings := map[string]interface{}{
		"number_of_replicas": s.replicas,
	}
	if s.refreshInterval != "" {
		settings["refresh_interval"] = s.refreshInterval
	}
	body, err := ffjson.Marshal(map[string]interface{}{"settings": map[string]interface{}{"index": settings}})
	if err != nil {
		return err
	}

	res, err = esapi.IndicesCreateRequest{Index: s.index, Body: bytes.NewReader(body)}.Do(ctx, s.es)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", s.index, err)
	}
	defer drain(res)
	if res.IsError() {
		reply, _ := io.ReadAll(res.Body)
		// Another replica may have won the race.
		if res.StatusCode == http.StatusBadRequest && bytes.Contains(reply, []byte(indexExistsError)) {
			log.Info().Str("index", s.index).Msg("Read-model index created by another writer")
			return nil
		}
		return fmt.Errorf("failed to create index %s: %s: %s", s.index, res.Status(), bytes.TrimSpace(reply))
	}

	log.Info().Str("index", s.index).Int("replicas", s.replicas).Msg("Created read-model index")
	return nil
}

// Upsert replaces the whole document with fields.
func (s *ElasticSink) Upsert(ctx context.Context, id interface{}, fields map[string]interface{}) error {
	body, err := ffjson.Marshal(fields)
	if err != nil {
		return newApplyError(s.Name(), OpUpsert, id, ErrCodeEncodeFailed, "failed to encode document", err)
	}

	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: FormatID(id),
		Body:       bytes.NewReader(body),
		Refresh:    s.refresh,
	}
	return s.do(ctx, req, OpUpsert, id, false)
}

// Delete removes the document. A missing document is not an error.
func (s *ElasticSink) Delete(ctx context.Context, id interface{}) error {
	req := esapi.DeleteRequest{
		Index:      s.index,
		DocumentID: FormatID(id),
		Refresh:    s.refresh,
	}
	return s.do(ctx, req, OpDelete, id, true)
}

func (s *ElasticSink) Close() error { return nil }

func (s *ElasticSink) do(ctx context.Context, req esapi.Request, op string, id interface{}, notFoundOK bool) error {
	res, err := req.Do(ctx, s.es)
	if err != nil {
		return newApplyError(s.Name(), op, id, ErrCodeUnavailable, "request failed", err)
	}
	defer drain(res)

	if notFoundOK && res.StatusCode == http.StatusNotFound {
		log.Debug().Str("index", s.index).Str("id", FormatID(id)).Msg("Document already absent")
		return nil
	}
	if res.IsError() {
		code := ErrCodeRejected
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			code = ErrCodeUnavailable
		}
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return newApplyError(s.Name(), op, id, code, res.Status(), fmt.Errorf("%s", bytes.TrimSpace(snippet)))
	}

	log.Debug().Str("index", s.index).Str("id", FormatID(id)).Str("op", op).Str("status", res.Status()).Msg("Applied document")
	return nil
}

func drain(res *esapi.Response) {
	if res != nil && res.Body != nil {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
}
