package blobstore

import (
	"context"
	"errors"
	"net/url"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

// NewS3 serves images from an Amazon S3 bucket. An empty region is
// resolved by the AWS SDK from the environment.
func NewS3(ctx context.Context, bucket, region, prefix string) (*Store, error) {
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	bucketURL := "s3://" + bucket
	if region != "" {
		bucketURL += "?region=" + url.QueryEscape(region)
	}
	return Open(ctx, bucketURL, prefix)
}

// NewGCS serves images from Google Cloud Storage using application
// default credentials.
func NewGCS(ctx context.Context, bucket, prefix string) (*Store, error) {
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return Open(ctx, "gs://"+bucket, prefix)
}

// NewAzure serves images from an Azure Blob Storage container.
// Credentials come from AZURE_STORAGE_ACCOUNT and friends.
func NewAzure(ctx context.Context, container, prefix string) (*Store, error) {
	if container == "" {
		return nil, errors.New("container is required")
	}
	return Open(ctx, "azblob://"+container, prefix)
}
