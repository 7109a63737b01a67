package blobstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

var ErrNotFound = errors.New("object not found")

// Store serves encoded images out of a bucket. Keys are relative to the
// store prefix.
type Store struct {
	bucket *blob.Bucket
	prefix string
	owns   bool
}

func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", bucketURL, err)
	}
	return &Store{
		bucket: bkt,
		prefix: strings.Trim(prefix, "/"),
		owns:   true,
	}, nil
}

func New(bkt *blob.Bucket, prefix string) *Store {
	return &Store{
		bucket: bkt,
		prefix: strings.Trim(prefix, "/"),
		owns:   false,
	}
}

func (s *Store) Close() error {
	if s.owns && s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func (s *Store) Bucket() *blob.Bucket {
	return s.bucket
}

func (s *Store) Prefix() string {
	return s.prefix
}

// ObjectPath is the bucket key backing key.
func (s *Store) ObjectPath(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *Store) relative(objectPath string) string {
	if s.prefix == "" {
		return objectPath
	}
	return strings.TrimPrefix(strings.TrimPrefix(objectPath, s.prefix), "/")
}

type Attributes struct {
	Size        int64
	ETag        string
	ContentType string
	ModTime     time.Time
}

// Object is an open object body. The caller closes it.
type Object struct {
	io.ReadCloser
	Attributes
}

func (s *Store) OpenObject(ctx context.Context, key string) (*Object, error) {
	r, err := s.bucket.NewReader(ctx, s.ObjectPath(key), nil)
	if err != nil {
		return nil, s.mapError(err)
	}
	return &Object{
		ReadCloser: r,
		Attributes: Attributes{
			Size:        r.Size(),
			ContentType: r.ContentType(),
			ModTime:     r.ModTime(),
		},
	}, nil
}

func (s *Store) Attributes(ctx context.Context, key string) (Attributes, error) {
	attr, err := s.bucket.Attributes(ctx, s.ObjectPath(key))
	if err != nil {
		return Attributes{}, s.mapError(err)
	}
	return Attributes{
		Size:        attr.Size,
		ETag:        attr.ETag,
		ContentType: attr.ContentType,
		ModTime:     attr.ModTime,
	}, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.ObjectPath(key))
}

// Put stores an encoded image. An empty contentType is sniffed from the
// first bytes of r.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string) (Attributes, error) {
	if contentType == "" {
		br := bufio.NewReaderSize(r, 512)
		head, _ := br.Peek(512)
		contentType = http.DetectContentType(head)
		r = br
	}

	w, err := s.bucket.NewWriter(ctx, s.ObjectPath(key), &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return Attributes{}, s.mapError(err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return Attributes{}, err
	}
	if err := w.Close(); err != nil {
		return Attributes{}, s.mapError(err)
	}
	return s.Attributes(ctx, key)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, s.ObjectPath(key))
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// List returns the objects under prefix, relative to the store prefix,
// in bucket order.
func (s *Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	listPrefix := s.prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	listPrefix += strings.TrimPrefix(prefix, "/")

	iter := s.bucket.List(&blob.ListOptions{Prefix: listPrefix})
	var out []ObjectInfo
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir {
			continue
		}
		out = append(out, ObjectInfo{
			Key:     s.relative(obj.Key),
			Size:    obj.Size,
			ModTime: obj.ModTime,
		})
	}
	return out, nil
}

func (s *Store) mapError(err error) error {
	if err == nil {
		return nil
	}
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
