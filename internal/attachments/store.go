package attachments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/formcore/internal/canon"
	"github.com/roach88/formcore/internal/logging"
	"github.com/roach88/formcore/internal/model"
)

// File is one named payload to store.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Store maps (form id, name) pairs onto content-addressed blobs.
type Store struct {
	backend  Backend
	maxBytes int64
	parallel int
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes rejects payloads larger than n with ErrTooLarge. Zero disables the limit.
func WithMaxBytes(n int64) Option { return func(s *Store) { s.maxBytes = n } }

// WithParallelism bounds concurrent uploads in Stage.
func WithParallelism(n int) Option { return func(s *Store) { s.parallel = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New returns a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, parallel: 4}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s
}

func blobKey(hash string) string { return "blob/" + hash }

func metaPrefix(formID string) string { return "meta/" + url.PathEscape(formID) + "/" }

func metaKey(formID, name string) string { return metaPrefix(formID) + url.PathEscape(name) }

func refPrefix(hash string) string { return "ref/" + hash + "/" }

func refKey(hash, formID, name string) string {
	return refPrefix(hash) + url.PathEscape(formID) + "/" + url.PathEscape(name)
}

// CheckSize returns ErrTooLarge when n exceeds the configured limit.
func (s *Store) CheckSize(name string, n int) error {
	if s.maxBytes > 0 && int64(n) > s.maxBytes {
		return fmt.Errorf("%s is %d bytes, limit %d: %w", name, n, s.maxBytes, ErrTooLarge)
	}
	return nil
}

func stagePrefix(stageID string) string { return "stage/" + url.PathEscape(stageID) + "/" }

func stageKey(stageID, name string) string { return stagePrefix(stageID) + url.PathEscape(name) }

func stageRefKey(hash, stageID, name string) string {
	return refPrefix(hash) + "~stage/" + url.PathEscape(stageID) + "/" + url.PathEscape(name)
}

func newRef(name string, data []byte, contentType string) model.AttachmentRef {
	return model.AttachmentRef{Name: name, Key: canon.BlobKey(data), ContentType: contentType, Length: int64(len(data))}
}

// Stage writes files as blobs held by stageID until Unstage. The hold is
// recorded before each blob is written. The returned refs carry the file
// names and are in files order. Any failure fails the whole call.
func (s *Store) Stage(ctx context.Context, stageID string, files []File) ([]model.AttachmentRef, error) {
	for _, f := range files {
		if err := s.CheckSize(f.Name, len(f.Data)); err != nil {
			return nil, err
		}
	}

	refs := make([]model.AttachmentRef, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for i, f := range files {
		g.Go(func() error {
			ref := newRef(f.Name, f.Data, f.ContentType)
			data, err := json.Marshal(ref)
			if err != nil {
				return fmt.Errorf("encode attachment ref: %w", err)
			}
			if err := s.backend.Put(gctx, stageKey(stageID, f.Name), data, "application/json"); err != nil {
				return fmt.Errorf("stage %s: %w", f.Name, err)
			}
			if err := s.backend.Put(gctx, stageRefKey(ref.Key, stageID, f.Name), nil, ""); err != nil {
				return fmt.Errorf("stage %s: %w", f.Name, err)
			}
			if err := s.backend.Put(gctx, blobKey(ref.Key), f.Data, f.ContentType); err != nil {
				return fmt.Errorf("%s: put blob: %w", f.Name, err)
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

// Unstage drops every hold of stageID. Blobs no longer referenced are
// removed. Unstaging an unknown or released stage is a no-op.
func (s *Store) Unstage(ctx context.Context, stageID string) error {
	keys, err := s.backend.List(ctx, stagePrefix(stageID))
	if err != nil {
		return fmt.Errorf("list stage %s: %w", stageID, err)
	}
	for _, k := range keys {
		ref, err := s.metaAt(ctx, k)
		if err != nil {
			return fmt.Errorf("unstage %s: %w", stageID, err)
		}
		if err := s.release(ctx, stageRefKey(ref.Key, stageID, ref.Name), ref); err != nil {
			return fmt.Errorf("unstage %s: %w", stageID, err)
		}
		if err := s.backend.Delete(ctx, k); err != nil {
			return fmt.Errorf("unstage %s: %w", stageID, err)
		}
	}
	return nil
}

// Link names ref as formID's attachment name, replacing any previous link.
func (s *Store) Link(ctx context.Context, formID, name string, ref model.AttachmentRef) error {
	ref.Name = name
	if old, err := s.meta(ctx, formID, name); err == nil && old.Key != ref.Key {
		if err := s.unlink(ctx, formID, old); err != nil {
			return err
		}
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode attachment ref: %w", err)
	}
	if err := s.backend.Put(ctx, refKey(ref.Key, formID, name), nil, ""); err != nil {
		return fmt.Errorf("link %s/%s: %w", formID, name, err)
	}
	if err := s.backend.Put(ctx, metaKey(formID, name), data, "application/json"); err != nil {
		return fmt.Errorf("link %s/%s: %w", formID, name, err)
	}
	return nil
}

// Store writes data and links it as formID's attachment name.
func (s *Store) Store(ctx context.Context, formID, name string, data []byte, contentType string) (model.AttachmentRef, error) {
	if err := s.CheckSize(name, len(data)); err != nil {
		return model.AttachmentRef{}, err
	}
	ref := newRef(name, data, contentType)
	if err := s.backend.Put(ctx, refKey(ref.Key, formID, name), nil, ""); err != nil {
		return model.AttachmentRef{}, fmt.Errorf("link %s/%s: %w", formID, name, err)
	}
	if err := s.backend.Put(ctx, blobKey(ref.Key), data, contentType); err != nil {
		return model.AttachmentRef{}, fmt.Errorf("put blob: %w", err)
	}
	if err := s.Link(ctx, formID, name, ref); err != nil {
		return model.AttachmentRef{}, err
	}
	return ref, nil
}

// Read returns the bytes of formID's attachment name.
func (s *Store) Read(ctx context.Context, formID, name string) ([]byte, error) {
	ref, err := s.meta(ctx, formID, name)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", formID, name, err)
	}
	data, err := s.backend.Get(ctx, blobKey(ref.Key))
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", formID, name, err)
	}
	return data, nil
}

// List returns formID's attachment refs ordered by name.
func (s *Store) List(ctx context.Context, formID string) ([]model.AttachmentRef, error) {
	keys, err := s.backend.List(ctx, metaPrefix(formID))
	if err != nil {
		return nil, fmt.Errorf("list attachments of %s: %w", formID, err)
	}
	refs := make([]model.AttachmentRef, 0, len(keys))
	for _, k := range keys {
		ref, err := s.metaAt(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("list attachments of %s: %w", formID, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Delete unlinks names from formID, or every attachment when names is empty.
// Blobs no longer referenced by any form are removed. Missing names are ignored.
func (s *Store) Delete(ctx context.Context, formID string, names ...string) error {
	var refs []model.AttachmentRef
	if len(names) == 0 {
		all, err := s.List(ctx, formID)
		if err != nil {
			return err
		}
		refs = all
	} else {
		for _, name := range names {
			ref, err := s.meta(ctx, formID, name)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("delete %s/%s: %w", formID, name, err)
			}
			refs = append(refs, ref)
		}
	}

	for _, ref := range refs {
		if err := s.unlink(ctx, formID, ref); err != nil {
			return err
		}
		if err := s.backend.Delete(ctx, metaKey(formID, ref.Name)); err != nil {
			return fmt.Errorf("delete %s/%s: %w", formID, ref.Name, err)
		}
	}
	return nil
}

func (s *Store) unlink(ctx context.Context, formID string, ref model.AttachmentRef) error {
	if err := s.release(ctx, refKey(ref.Key, formID, ref.Name), ref); err != nil {
		return fmt.Errorf("unlink %s/%s: %w", formID, ref.Name, err)
	}
	return nil
}

// release deletes the ref marker at key and the blob behind it once no
// marker is left. A marker that appears while the blob is being removed
// gets the blob written back.
func (s *Store) release(ctx context.Context, key string, ref model.AttachmentRef) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return err
	}
	remaining, err := s.backend.List(ctx, refPrefix(ref.Key))
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}

	data, err := s.backend.Get(ctx, blobKey(ref.Key))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, blobKey(ref.Key)); err != nil {
		return fmt.Errorf("delete blob %s: %w", ref.Key, err)
	}
	remaining, err = s.backend.List(ctx, refPrefix(ref.Key))
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		if err := s.backend.Put(ctx, blobKey(ref.Key), data, ref.ContentType); err != nil {
			return fmt.Errorf("restore blob %s: %w", ref.Key, err)
		}
		s.logger.Debug("blob restored", "key", ref.Key)
		return nil
	}
	s.logger.Debug("blob released", "key", ref.Key)
	return nil
}

func (s *Store) meta(ctx context.Context, formID, name string) (model.AttachmentRef, error) {
	return s.metaAt(ctx, metaKey(formID, name))
}

func (s *Store) metaAt(ctx context.Context, key string) (model.AttachmentRef, error) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return model.AttachmentRef{}, err
	}
	var ref model.AttachmentRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return model.AttachmentRef{}, fmt.Errorf("decode %s: %w", strings.TrimPrefix(key, "meta/"), err)
	}
	return ref, nil
}
