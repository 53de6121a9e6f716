package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/datasource"
)

// Azurite development account, used for "UseDevelopmentStorage=true"
const (
	devStorageAccount  = "devstoreaccount1"
	devStorageKey      = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
	devStorageEndpoint = "http://127.0.0.1:10000/devstoreaccount1"
)

// BlobClient stores named JSON documents in a single container
type BlobClient interface {
	Upload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error)

	// Download returns datasource.ErrNotFound for missing blobs. reference
	// may be a blob path or a full blob URL.
	Download(ctx context.Context, reference string) ([]byte, error)

	// Delete does not fail for missing blobs
	Delete(ctx context.Context, blobPath string) error

	List(ctx context.Context, prefix string) ([]string, error)
}

// AzureBlobClient implements BlobClient for Azure Blob Storage using shared
// keys. Plain HTTP endpoints are allowed so local Azurite instances work.
type AzureBlobClient struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	logger        *zap.Logger

	mu            sync.Mutex
	containerInit bool
}

var _ BlobClient = (*AzureBlobClient)(nil)

// NewAzureBlobClient creates a new Azure Blob storage client from a standard connection string.
func NewAzureBlobClient(connectionString, containerName string, logger *zap.Logger) (*AzureBlobClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		protocol := params["DefaultEndpointsProtocol"]
		if protocol == "" {
			protocol = "https"
		}
		suffix := params["EndpointSuffix"]
		if suffix == "" {
			suffix = "core.windows.net"
		}
		serviceURL = fmt.Sprintf("%s://%s.blob.%s", protocol, accountName, suffix)
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

	return &AzureBlobClient{
		client:        client,
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		logger:        logger,
	}, nil
}

// Upload writes data as a JSON block blob and returns its URL
func (a *AzureBlobClient) Upload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	if err := a.ensureContainer(ctx); err != nil {
		return "", err
	}

	metadataPtr := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		metadataPtr[k] = to.Ptr(v)
	}

	blobClient := a.client.ServiceClient().NewContainerClient(a.containerName).NewBlockBlobClient(blobPath)
	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata: metadataPtr,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/json"),
		},
	})
	if err != nil {
		a.logger.Error("Failed to upload to blob storage",
			zap.String("blob_path", blobPath),
			zap.Int("size", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("blob upload failed: %w", err)
	}

	a.logger.Debug("Uploaded blob",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))
	return blobClient.URL(), nil
}

// Download reads a blob's contents
func (a *AzureBlobClient) Download(ctx context.Context, reference string) ([]byte, error) {
	blobPath, err := a.extractBlobPath(reference)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.DownloadStream(ctx, a.containerName, blobPath, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return nil, fmt.Errorf("blob %s: %w", blobPath, datasource.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob data: %w", err)
	}
	return data, nil
}

// Delete removes a blob
func (a *AzureBlobClient) Delete(ctx context.Context, blobPath string) error {
	_, err := a.client.DeleteBlob(ctx, a.containerName, blobPath, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return fmt.Errorf("failed to delete blob %s: %w", blobPath, err)
	}
	return nil
}

// List returns the names of blobs under prefix
func (a *AzureBlobClient) List(ctx context.Context, prefix string) ([]string, error) {
	pager := a.client.NewListBlobsFlatPager(a.containerName, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix),
	})

	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs under %s: %w", prefix, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item != nil && item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

func (a *AzureBlobClient) ensureContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.containerInit {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(bloberror.ContainerAlreadyExists) {
			a.containerInit = true
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "containeralreadyexists") {
			a.containerInit = true
			return nil
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	a.containerInit = true
	return nil
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

	if strings.EqualFold(params["UseDevelopmentStorage"], "true") {
		if params["AccountName"] == "" {
			params["AccountName"] = devStorageAccount
		}
		if params["AccountKey"] == "" {
			params["AccountKey"] = devStorageKey
		}
		if params["BlobEndpoint"] == "" {
			params["BlobEndpoint"] = devStorageEndpoint
		}
	}
	return params
}

func (a *AzureBlobClient) extractBlobPath(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", fmt.Errorf("blob reference is required")
	}

	if strings.HasPrefix(strings.ToLower(ref), strings.ToLower(a.serviceURL)) {
		ref = ref[len(a.serviceURL):]
	}

	if idx := strings.Index(ref, "?"); idx != -1 {
		ref = ref[:idx]
	}

	if decoded, err := url.PathUnescape(ref); err == nil && decoded != "" {
		ref = decoded
	}

	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		ref = u.Path
	}

	ref = strings.TrimPrefix(ref, "/")
	ref = strings.TrimPrefix(ref, a.containerName+"/")

	if ref == "" {
		return "", fmt.Errorf("blob path is empty")
	}
	return ref, nil
}
