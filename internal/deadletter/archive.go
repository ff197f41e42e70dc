package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/kode4food/switchyard/pkg/api"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// Archive keeps dead letters as JSON objects in a gocloud.dev bucket,
// supporting S3, GCS, Azure Blob Storage, local files, and memory. Each
// letter is stored under <prefix><topic>.<subscriber>/<id>.json
type Archive struct {
	bucket *blob.Bucket
	prefix string
}

var _ Store = (*Archive)(nil)

// OpenArchive opens the bucket at bucketURL
func OpenArchive(ctx context.Context, bucketURL, prefix string) (*Archive, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archive{bucket: bucket, prefix: prefix}, nil
}

// Put implements Store
func (a *Archive) Put(ctx context.Context, dl *api.DeadLetter) error {
	if err := checkLetter(dl); err != nil {
		return err
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return a.bucket.WriteAll(ctx, a.key(dl.Topic, dl.Subscriber, dl.ID),
		data, &blob.WriterOptions{ContentType: "application/json"},
	)
}

// List implements Store
func (a *Archive) List(
	ctx context.Context, topic api.Topic, subscriber string,
) ([]*api.DeadLetter, error) {
	var res []*api.DeadLetter
	iter := a.bucket.List(&blob.ListOptions{
		Prefix: a.queuePrefix(topic, subscriber),
	})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir {
			continue
		}
		dl, err := a.read(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		res = append(res, dl)
	}
	sortLetters(res)
	return res, nil
}

// Take implements Store
func (a *Archive) Take(
	ctx context.Context, topic api.Topic, subscriber, id string,
) (*api.DeadLetter, error) {
	key := a.key(topic, subscriber, id)
	dl, err := a.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := a.bucket.Delete(ctx, key); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return dl, nil
}

// Count implements Store
func (a *Archive) Count(
	ctx context.Context, topic api.Topic, subscriber string,
) (int, error) {
	n := 0
	iter := a.bucket.List(&blob.ListOptions{
		Prefix: a.queuePrefix(topic, subscriber),
	})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		if !obj.IsDir {
			n++
		}
	}
}

// Close implements Store
func (a *Archive) Close() error {
	return a.bucket.Close()
}

func (a *Archive) read(ctx context.Context, key string) (*api.DeadLetter, error) {
	data, err := a.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var dl api.DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, err
	}
	return &dl, nil
}

func (a *Archive) queuePrefix(topic api.Topic, subscriber string) string {
	return a.prefix + QueueName(topic, subscriber) + "/"
}

func (a *Archive) key(topic api.Topic, subscriber, id string) string {
	return a.queuePrefix(topic, subscriber) + id + ".json"
}
