package stores

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tencentyun/cos-go-sdk-v5"

	"tilawa-gateway/pkg/util"
)

// CosStore 腾讯云 COS 实现
type CosStore struct {
	cli     *cos.Client
	baseURL string
}

func NewCosStore() (Store, error) {
	bucketURL := util.GetEnv("COS_BUCKET_URL")
	u, err := url.Parse(bucketURL)
	if err != nil || bucketURL == "" {
		return nil, fmt.Errorf("invalid COS_BUCKET_URL: %q", bucketURL)
	}
	cli := cos.NewClient(&cos.BaseURL{BucketURL: u}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  util.GetEnv("COS_SECRET_ID"),
			SecretKey: util.GetEnv("COS_SECRET_KEY"),
		},
	})
	return &CosStore{cli: cli, baseURL: util.GetEnvDefault("COS_PUBLIC_BASE", bucketURL)}, nil
}

func (c *CosStore) Read(key string) (io.ReadCloser, int64, error) {
	resp, err := c.cli.Object.Get(context.Background(), key, nil)
	if err != nil {
		return nil, 0, err
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return resp.Body, size, nil
}

func (c *CosStore) Write(key string, r io.Reader) error {
	_, err := c.cli.Object.Put(context.Background(), key, r, nil)
	return err
}

func (c *CosStore) Delete(key string) error {
	_, err := c.cli.Object.Delete(context.Background(), key)
	return err
}

func (c *CosStore) Exists(key string) (bool, error) {
	ok, err := c.cli.Object.IsExist(context.Background(), key)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (c *CosStore) PublicURL(key string) string {
	return strings.TrimRight(c.baseURL, "/") + "/" + key
}
