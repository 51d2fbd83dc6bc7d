package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureConfig configures the Azure Blob Storage backend. Exactly one of
// ConnectionString and ServiceURL must be set; ServiceURL connects without
// credentials (public containers).
type AzureConfig struct {
	ConnectionString string
	ServiceURL       string
}

// Azure serves azblob://container/blob locations.
type Azure struct {
	client *azblob.Client
}

// NewAzure builds an Azure Blob source.
func NewAzure(cfg AzureConfig) (*Azure, error) {
	switch {
	case cfg.ConnectionString != "":
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("azure client from connection string: %w", err)
		}
		return &Azure{client: client}, nil
	case cfg.ServiceURL != "":
		client, err := azblob.NewClientWithNoCredential(cfg.ServiceURL, nil)
		if err != nil {
			return nil, fmt.Errorf("azure client for %q: %w", cfg.ServiceURL, err)
		}
		return &Azure{client: client}, nil
	default:
		return nil, errors.New("azure: connection string or service URL required")
	}
}

func (a *Azure) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	container, blob, err := splitBucketKey(location, "azblob://")
	if err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("download blob %q: %w", location, err)
	}
	return resp.Body, nil
}
