package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/datasource"
)

const testConnectionString = "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net"

func TestNewAzureBlobClient(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	tests := []struct {
		name             string
		connectionString string
		containerName    string
		wantErr          bool
		errContains      string
	}{
		{
			name:             "empty connection string",
			connectionString: "",
			containerName:    "test-container",
			wantErr:          true,
			errContains:      "connection string is required",
		},
		{
			name:             "empty container name",
			connectionString: testConnectionString,
			containerName:    "",
			wantErr:          true,
			errContains:      "container name is required",
		},
		{
			name:             "missing account key",
			connectionString: "AccountName=test",
			containerName:    "test-container",
			wantErr:          true,
			errContains:      "account name and key are required",
		},
		{
			name:             "shared key",
			connectionString: testConnectionString,
			containerName:    "test-container",
		},
		{
			name:             "development storage",
			connectionString: "UseDevelopmentStorage=true",
			containerName:    "test-container",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewAzureBlobClient(tt.connectionString, tt.containerName, logger)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, client)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client)
		})
	}
}

func TestNewAzureBlobClientServiceURL(t *testing.T) {
	client, err := NewAzureBlobClient(testConnectionString, "configs", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://test.blob.core.windows.net", client.serviceURL)

	client, err = NewAzureBlobClient("UseDevelopmentStorage=true", "configs", nil)
	require.NoError(t, err)
	assert.Equal(t, devStorageEndpoint, client.serviceURL)

	client, err = NewAzureBlobClient("AccountName=dev;AccountKey=dGVzdA==;BlobEndpoint=http://localhost:10000/dev/", "configs", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:10000/dev", client.serviceURL)
}

func TestParseConnectionString(t *testing.T) {
	params := parseConnectionString(" AccountName=acct ; AccountKey=a2V5==;; junk ;=x;BlobEndpoint=http://h:1/acct")
	assert.Equal(t, map[string]string{
		"AccountName":  "acct",
		"AccountKey":   "a2V5==",
		"BlobEndpoint": "http://h:1/acct",
	}, params)

	params = parseConnectionString("UseDevelopmentStorage=true")
	assert.Equal(t, devStorageAccount, params["AccountName"])
	assert.Equal(t, devStorageKey, params["AccountKey"])
	assert.Equal(t, devStorageEndpoint, params["BlobEndpoint"])
}

func TestExtractBlobPath(t *testing.T) {
	client, err := NewAzureBlobClient(testConnectionString, "configs", nil)
	require.NoError(t, err)

	tests := []struct {
		name      string
		reference string
		want      string
		wantErr   bool
	}{
		{"plain path", "configs/a.json", "a.json", false},
		{"nested path", "results/w-1/latest.json", "results/w-1/latest.json", false},
		{"full url", "https://test.blob.core.windows.net/configs/results/w-1/latest.json", "results/w-1/latest.json", false},
		{"sas url", "https://test.blob.core.windows.net/configs/a.json?sv=2021&sig=abc", "a.json", false},
		{"escaped", "configs/widget%201.json", "widget 1.json", false},
		{"empty", "  ", "", true},
		{"container only", "https://test.blob.core.windows.net/configs/", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.extractBlobPath(tt.reference)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestAzureBlobClient_RoundTrip runs against a live account, e.g. a local
// Azurite with DAEDALUS_TEST_BLOB_CONNECTION_STRING=UseDevelopmentStorage=true
func TestAzureBlobClient_RoundTrip(t *testing.T) {
	connectionString := os.Getenv("DAEDALUS_TEST_BLOB_CONNECTION_STRING")
	if connectionString == "" {
		t.Skip("DAEDALUS_TEST_BLOB_CONNECTION_STRING not set")
	}
	logger, _ := zap.NewDevelopment()

	client, err := NewAzureBlobClient(connectionString, "daedalus-test", logger)
	require.NoError(t, err)

	ctx := context.Background()
	store := NewBlobStore(client, "roundtrip", logger)

	cfg := &datasource.ComponentConfig{ID: "widget-1", Enabled: true}
	require.NoError(t, store.Save(ctx, cfg))

	got, err := store.Get(ctx, "widget-1")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, all)

	require.NoError(t, store.Delete(ctx, "widget-1"))
	_, err = store.Get(ctx, "widget-1")
	assert.ErrorIs(t, err, datasource.ErrNotFound)
}
