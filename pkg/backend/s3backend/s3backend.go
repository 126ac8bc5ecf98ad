// Package s3backend implements backend.Iface against an S3-compatible
// object store via aws-sdk-go-v2, demonstrating that BackendIface (§4
// "out of scope... the object-backend driver") is a pluggable contract
// with more than one real implementation. Each namespace maps to a
// key prefix within a single bucket.
package s3backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cuemby/voldrv/pkg/backend"
	"github.com/cuemby/voldrv/pkg/errs"
)

var errorsAs = errors.As

// Store is a backend.Factory binding every namespace to a key prefix
// within one S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// NewStore builds a Store using the default AWS credential chain
// (environment, shared config, instance profile) resolved by
// config.LoadDefaultConfig.
func NewStore(ctx context.Context, bucket string, optFns ...func(*awsconfig.LoadOptions) error) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("s3backend: load aws config: %w", err)
	}
	return &Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (s *Store) Connect(namespace string) (backend.Iface, error) {
	return &handle{client: s.client, bucket: s.bucket, namespace: namespace}, nil
}

type handle struct {
	client    *s3.Client
	bucket    string
	namespace string
}

func (h *handle) Namespace() string { return h.namespace }

func (h *handle) key(name string) string {
	return h.namespace + "/" + name
}

func (h *handle) Write(ctx context.Context, name string, r io.Reader, overwrite bool, params backend.RequestParameters) error {
	if !overwrite {
		if ok, err := h.Exists(ctx, name, params); err != nil {
			return err
		} else if ok {
			return errs.New(errs.BackendPermanent, "s3backend.Write", fmt.Errorf("object %q exists", name))
		}
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return errs.New(errs.BackendTransient, "s3backend.Write", err)
	}
	_, err = h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &h.bucket,
		Key:    strPtr(h.key(name)),
		Body:   bytes.NewReader(buf),
	})
	if err != nil {
		return errs.New(errs.BackendTransient, "s3backend.Write", err)
	}
	return nil
}

func (h *handle) Read(ctx context.Context, name string, w io.Writer, params backend.RequestParameters) error {
	out, err := h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &h.bucket,
		Key:    strPtr(h.key(name)),
	})
	if err != nil {
		return errs.New(classifyS3Error(err), "s3backend.Read", err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return errs.New(errs.BackendTransient, "s3backend.Read", err)
	}
	return nil
}

func (h *handle) PartialRead(ctx context.Context, name string, offset int64, buf []byte, params backend.RequestParameters) (int, error) {
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1)
	out, err := h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &h.bucket,
		Key:    strPtr(h.key(name)),
		Range:  &rng,
	})
	if err != nil {
		return 0, errs.New(classifyS3Error(err), "s3backend.PartialRead", err)
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, errs.New(errs.BackendTransient, "s3backend.PartialRead", err)
	}
	return n, nil
}

func (h *handle) Exists(ctx context.Context, name string, params backend.RequestParameters) (bool, error) {
	_, err := h.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &h.bucket,
		Key:    strPtr(h.key(name)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errorsAs(err, &nf) {
		return false, nil
	}
	return false, errs.New(errs.BackendTransient, "s3backend.Exists", err)
}

func (h *handle) List(ctx context.Context, prefix string, params backend.RequestParameters) ([]backend.ObjectInfo, error) {
	out, err := h.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: &h.bucket,
		Prefix: strPtr(h.namespace + "/" + prefix),
	})
	if err != nil {
		return nil, errs.New(errs.BackendTransient, "s3backend.List", err)
	}
	objs := make([]backend.ObjectInfo, 0, len(out.Contents))
	for _, o := range out.Contents {
		name := strings.TrimPrefix(*o.Key, h.namespace+"/")
		size := int64(0)
		if o.Size != nil {
			size = *o.Size
		}
		objs = append(objs, backend.ObjectInfo{Name: name, Size: size})
	}
	return objs, nil
}

func (h *handle) Delete(ctx context.Context, name string, params backend.RequestParameters) error {
	_, err := h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &h.bucket,
		Key:    strPtr(h.key(name)),
	})
	if err != nil {
		return errs.New(errs.BackendTransient, "s3backend.Delete", err)
	}
	return nil
}

func (h *handle) Close() error { return nil }

func strPtr(s string) *string { return &s }

func classifyS3Error(err error) errs.Kind {
	if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound") {
		return errs.BackendPermanent
	}
	return errs.BackendTransient
}
