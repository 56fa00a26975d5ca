package mc

import (
	"context"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient wraps the S3-compatible store holding archived run artifacts.
type MinioClient struct {
	client *minio.Client
}

func NewMinioClient(host, accessKey, secretKey string) (*MinioClient, error) {
	fqdn := host
	secure := true
	if h := strings.SplitAfter(host, "://"); len(h) == 2 {
		fqdn = h[1]
		secure = h[0] != "http://"
	}

	client, err := minio.New(fqdn, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}
	return &MinioClient{client}, nil
}

// Archive uploads a local artifact file under the given bucket and object key.
func (mc *MinioClient) Archive(ctx context.Context, bucket, object, file string) error {
	exists, err := mc.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := mc.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}

	_, err = mc.client.FPutObject(ctx, bucket, object, file, minio.PutObjectOptions{})
	return err
}

func (mc *MinioClient) ListObjects(ctx context.Context, bucket, prefix string) ([]minio.ObjectInfo, error) {
	var result []minio.ObjectInfo

	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}
	for object := range mc.client.ListObjects(ctx, bucket, opts) {
		if object.Err != nil {
			return result, object.Err
		}
		result = append(result, object)
	}
	return result, nil
}

func (mc *MinioClient) CopyLocally(ctx context.Context, bucket, object, file string) error {
	return mc.client.FGetObject(ctx, bucket, object, file, minio.GetObjectOptions{})
}

func (mc *MinioClient) DeleteTree(ctx context.Context, bucket, prefix string) error {
	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}
	for object := range mc.client.ListObjects(ctx, bucket, opts) {
		if err := mc.DeleteObject(ctx, bucket, object.Key); err != nil {
			return err
		}
	}
	return nil
}

func (mc *MinioClient) DeleteObject(ctx context.Context, bucket, object string) error {
	return mc.client.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{})
}
