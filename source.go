package isleimg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ankur-anand/isleimg/blobstore"
)

var ErrSourceNotFound = errors.New("isleimg: image not found at source")

// Source opens the encoded bytes of an image. size is -1 when unknown.
type Source interface {
	Open(ctx context.Context, key Key) (body io.ReadCloser, size int64, err error)
}

type SourceFunc func(ctx context.Context, key Key) (io.ReadCloser, int64, error)

func (f SourceFunc) Open(ctx context.Context, key Key) (io.ReadCloser, int64, error) {
	return f(ctx, key)
}

// HTTPSource fetches keys as URLs. Connection reuse is disabled on the
// default client since bodies are streamed straight to staging files.
type HTTPSource struct {
	client *http.Client
	opts   HTTPSourceOptions
}

func NewHTTPSource(opts HTTPSourceOptions) *HTTPSource {
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DisableKeepAlives: true,
			},
		}
	}
	return &HTTPSource{client: client, opts: opts}
}

func (s *HTTPSource) Open(ctx context.Context, key Key) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("isleimg: build request for %s: %w", key, err)
	}
	for k, vs := range s.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("isleimg: fetch %s: %w", key, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrSourceNotFound, key)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("isleimg: fetch %s: unexpected status %s", key, resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

// BucketSource reads keys as object names in a blobstore.
type BucketSource struct {
	store *blobstore.Store
}

func NewBucketSource(store *blobstore.Store) *BucketSource {
	return &BucketSource{store: store}
}

func (s *BucketSource) Open(ctx context.Context, key Key) (io.ReadCloser, int64, error) {
	obj, err := s.store.OpenObject(ctx, key.String())
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrSourceNotFound, key)
	}
	if err != nil {
		return nil, 0, err
	}
	return obj, obj.Size, nil
}

// FileSource reads keys as paths below a root directory. Keys cannot
// escape the root.
type FileSource struct {
	root string
}

func NewFileSource(root string) *FileSource {
	return &FileSource{root: root}
}

func (s *FileSource) Open(_ context.Context, key Key) (io.ReadCloser, int64, error) {
	f, err := os.OpenInRoot(s.root, key.String())
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("%w: %s", ErrSourceNotFound, key)
	}
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}
