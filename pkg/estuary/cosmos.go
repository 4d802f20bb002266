package estuary

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/pquerna/ffjson/ffjson"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/readmodel/pkg/auth"
	"github.com/cohenjo/readmodel/pkg/config"
)

// cosmosContainer is the part of azcosmos.ContainerClient the sink uses.
type cosmosContainer interface {
	UpsertItem(ctx context.Context, partitionKey azcosmos.PartitionKey, item []byte, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	DeleteItem(ctx context.Context, partitionKey azcosmos.PartitionKey, itemId string, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
}

// CosmosSink writes to a Cosmos DB container partitioned on /id.
type CosmosSink struct {
	container cosmosContainer
}

// NewCosmosSink authenticates with an account key or, for auth_method
// entra, the default Azure credential chain.
func NewCosmosSink(cfg config.SinkConfig) (*CosmosSink, error) {
	var (
		client *azcosmos.Client
		err    error
	)
	switch cfg.AuthMethod {
	case "entra":
		var cred azcore.TokenCredential
		cred, err = auth.NewCredential()
		if err != nil {
			return nil, err
		}
		client, err = azcosmos.NewClient(cfg.Endpoint, cred, nil)
	default:
		var key azcosmos.KeyCredential
		key, err = azcosmos.NewKeyCredential(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid cosmos key: %w", err)
		}
		client, err = azcosmos.NewClientWithKey(cfg.Endpoint, key, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create cosmos client: %w", err)
	}

	container, err := client.NewContainer(cfg.Database, cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to open container %s/%s: %w", cfg.Database, cfg.Target, err)
	}

	log.Info().Str("database", cfg.Database).Str("container", cfg.Target).Str("auth", cfg.AuthMethod).Msg("Cosmos DB sink ready")
	return &CosmosSink{container: container}, nil
}

func (c *CosmosSink) Name() string { return config.SinkCosmosDB }

func (c *CosmosSink) Upsert(ctx context.Context, id interface{}, fields map[string]interface{}) error {
	item, err := ffjson.Marshal(cosmosDocument(id, fields))
	if err != nil {
		return newApplyError(c.Name(), OpUpsert, id, ErrCodeEncodeFailed, "failed to encode item", err)
	}
	key := FormatID(id)
	if _, err := c.container.UpsertItem(ctx, azcosmos.NewPartitionKeyString(key), item, nil); err != nil {
		return newApplyError(c.Name(), OpUpsert, id, cosmosErrorCode(err), "upsert failed", err)
	}
	return nil
}

func (c *CosmosSink) Delete(ctx context.Context, id interface{}) error {
	key := FormatID(id)
	_, err := c.container.DeleteItem(ctx, azcosmos.NewPartitionKeyString(key), key, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return newApplyError(c.Name(), OpDelete, id, cosmosErrorCode(err), "delete failed", err)
	}
	return nil
}

func (c *CosmosSink) Close() error { return nil }

// cosmosDocument copies fields and sets the string id Cosmos requires.
func cosmosDocument(id interface{}, fields map[string]interface{}) map[string]interface{} {
	doc := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		doc[k] = v
	}
	doc["id"] = FormatID(id)
	return doc
}

func cosmosErrorCode(err error) string {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == http.StatusTooManyRequests || respErr.StatusCode >= 500 {
			return ErrCodeUnavailable
		}
		return ErrCodeRejected
	}
	return ErrCodeUnavailable
}
