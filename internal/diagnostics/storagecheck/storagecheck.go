// Package storagecheck exercises a storage backend with the operations the
// agent relies on: listing, create-only writes, reads, compare-and-swap
// updates and deletes.
package storagecheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/leasewire/internal/storage"
	"pkt.systems/leasewire/internal/uuidv7"
)

// Namespace holds the probe objects. Probes are removed by the final check.
const Namespace = "leasewire-diagnostics"

// DefaultTimeout bounds one Run.
const DefaultTimeout = 15 * time.Second

// Result captures the outcome of a verification run.
type Result struct {
	Provider         string
	Location         string
	Endpoint         string
	Insecure         bool
	CredentialSource string
	AccessKey        string
	HasSecret        bool
	Checks           []CheckResult
}

// Passed reports whether every check succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of one step.
type CheckResult struct {
	Name string
	Err  error
}

// Check is a named step run before the generic backend checks.
type Check struct {
	Name string
	Run  func(context.Context) error
}

// Run executes pre in order, then the backend checks, and records every
// outcome on result. A failed step does not stop later ones.
func Run(ctx context.Context, backend storage.Backend, result Result, pre ...Check) Result {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	run := func(name string, fn func(context.Context) error) {
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: fn(ctx)})
	}
	for _, c := range pre {
		run(c.Name, c.Run)
	}

	key := "probe/" + uuidv7.NewString()
	payload := []byte(`{"probe":1}`)
	updated := []byte(`{"probe":2}`)
	var etag string

	run("ListObjects", func(ctx context.Context) error {
		_, err := backend.ListObjects(ctx, Namespace, storage.ListOptions{Limit: 1})
		return err
	})
	run("CreateObject", func(ctx context.Context) error {
		info, err := backend.PutObject(ctx, Namespace, key, bytes.NewReader(payload), storage.PutObjectOptions{
			IfNotExists: true,
			ContentType: storage.ContentTypeOctetStream,
		})
		if err != nil {
			return err
		}
		etag = info.ETag
		return nil
	})
	run("RejectDuplicateCreate", func(ctx context.Context) error {
		_, err := backend.PutObject(ctx, Namespace, key, bytes.NewReader(payload), storage.PutObjectOptions{IfNotExists: true})
		if errors.Is(err, storage.ErrExists) || errors.Is(err, storage.ErrCASMismatch) {
			return nil
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("create-only write replaced an existing object")
	})
	run("ReadObject", func(ctx context.Context) error {
		data, _, err := storage.ReadAll(ctx, backend, Namespace, key)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, payload) {
			return fmt.Errorf("read %d bytes that differ from the %d written", len(data), len(payload))
		}
		return nil
	})
	run("ConditionalUpdate", func(ctx context.Context) error {
		if etag == "" {
			return fmt.Errorf("no etag from create")
		}
		_, err := backend.PutObject(ctx, Namespace, key, bytes.NewReader(updated), storage.PutObjectOptions{ExpectedETag: etag})
		return err
	})
	run("RejectStaleUpdate", func(ctx context.Context) error {
		if etag == "" {
			return fmt.Errorf("no etag from create")
		}
		_, err := backend.PutObject(ctx, Namespace, key, bytes.NewReader(payload), storage.PutObjectOptions{ExpectedETag: etag})
		if errors.Is(err, storage.ErrCASMismatch) {
			return nil
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("write with a stale etag succeeded")
	})
	run("DeleteObject", func(ctx context.Context) error {
		if err := backend.DeleteObject(ctx, Namespace, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
			return err
		}
		_, err := backend.GetObject(ctx, Namespace, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("object still readable after delete")
	})
	return result
}
