// Package storage holds the Azure Blob backed payload store. It targets real
// storage accounts and local Azurite instances over HTTP alike.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"
)

// Well-known Azurite development account
const (
	devStoreAccount  = "devstoreaccount1"
	devStoreKey      = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
	devStoreEndpoint = "http://127.0.0.1:10000/devstoreaccount1"
)

// BlobStore keeps cache records as JSON blobs under <namespace>/<key>.json in a
// single container.
type BlobStore struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	logger        *zap.Logger

	initMu        sync.Mutex
	containerInit bool
}

// NewBlobStore creates a blob store from a standard connection string.
// "UseDevelopmentStorage=true" targets a local Azurite instance.
func NewBlobStore(connectionString, containerName string, logger *zap.Logger) (*BlobStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	if strings.EqualFold(params["UseDevelopmentStorage"], "true") {
		params["AccountName"] = devStoreAccount
		params["AccountKey"] = devStoreKey
		if params["BlobEndpoint"] == "" {
			params["BlobEndpoint"] = devStoreEndpoint
		}
	}

	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		suffix := params["EndpointSuffix"]
		if suffix == "" {
			suffix = "core.windows.net"
		}
		serviceURL = fmt.Sprintf("https://%s.blob.%s", accountName, suffix)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &BlobStore{
		client:        client,
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		logger:        logger,
	}, nil
}

// Get downloads the record at (namespace, key). A missing blob reports ok=false.
func (b *BlobStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	name := BlobPath(namespace, key)
	resp, err := b.client.DownloadStream(ctx, b.containerName, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to download blob %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("failed to read blob %s: %w", name, err)
	}
	return string(data), true, nil
}

// Put uploads value, overwriting any existing blob
func (b *BlobStore) Put(ctx context.Context, namespace, key, value string) error {
	if err := b.ensureContainer(ctx); err != nil {
		return err
	}

	name := BlobPath(namespace, key)
	_, err := b.client.UploadBuffer(ctx, b.containerName, name, []byte(value), &azblob.UploadBufferOptions{
		Metadata: map[string]*string{
			"namespace": to.Ptr(namespace),
		},
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/json"),
		},
	})
	if err != nil {
		b.logger.Error("Failed to upload to blob storage",
			zap.String("blob_path", name),
			zap.Int("size", len(value)),
			zap.Error(err))
		return fmt.Errorf("blob upload failed: %w", err)
	}

	b.logger.Debug("Uploaded blob",
		zap.String("blob_path", name),
		zap.Int("size_bytes", len(value)))
	return nil
}

// Delete removes the blob; a missing blob is not an error
func (b *BlobStore) Delete(ctx context.Context, namespace, key string) error {
	name := BlobPath(namespace, key)
	if _, err := b.client.DeleteBlob(ctx, b.containerName, name, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete blob %s: %w", name, err)
	}
	return nil
}

// Exists checks blob properties without downloading the body
func (b *BlobStore) Exists(ctx context.Context, namespace, key string) (bool, error) {
	name := BlobPath(namespace, key)
	blobClient := b.client.ServiceClient().NewContainerClient(b.containerName).NewBlobClient(name)
	if _, err := blobClient.GetProperties(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob %s: %w", name, err)
	}
	return true, nil
}

// Ping makes sure the container is reachable, creating it when missing
func (b *BlobStore) Ping(ctx context.Context) error {
	return b.ensureContainer(ctx)
}

func (b *BlobStore) ensureContainer(ctx context.Context) error {
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.containerInit {
		return nil
	}

	_, err := b.client.CreateContainer(ctx, b.containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	b.containerInit = true
	return nil
}

// BlobPath maps a cache record to its blob name
func BlobPath(namespace, key string) string {
	return path.Join(namespace, key+".json")
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}
