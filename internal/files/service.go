package files

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"atelier/api/internal/store"
	"atelier/api/internal/util"
)

type metadataStore interface {
	InsertChatFile(context.Context, store.ChatFile) (store.ChatFile, error)
	GetChatFile(context.Context, string) (store.ChatFile, error)
	GetChatFileByStorageID(context.Context, string) (store.ChatFile, error)
	DeleteChatFile(context.Context, string) error
}

// Ref is a client-supplied file reference: by metadata id, or by storage
// handle. Either field may be absent.
type Ref struct {
	ID        string `json:"id"`
	StorageID string `json:"storage_id"`
}

type Limits struct {
	MaxFilesPerMessage int
	MaxFileSizeBytes   int64
}

type Service struct {
	meta   metadataStore
	blobs  BlobStore
	limits Limits
}

func NewService(meta metadataStore, blobs BlobStore, limits Limits) *Service {
	return &Service{meta: meta, blobs: blobs, limits: limits}
}

func (s *Service) Limits() Limits { return s.limits }

// Upload stores one file: blob first, optional thumbnail, then metadata.
// Size and count limits are validated by the caller against Limits so
// the whole batch is rejected before any blob is written.
func (s *Service) Upload(ctx context.Context, filename, contentType string, data []byte, uploadedBy string) (store.ChatFile, error) {
	storageID := util.NewID("blob")
	if err := s.blobs.Put(ctx, storageID, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return store.ChatFile{}, fmt.Errorf("store blob: %w", err)
	}

	var thumbnailID *string
	if isImage(contentType) {
		if thumb, err := deriveThumbnail(data); err != nil {
			log.Printf("files: thumbnail for %s not derived: %v", filename, err)
		} else {
			id := storageID + "_thumb"
			if err := s.blobs.Put(ctx, id, bytes.NewReader(thumb), int64(len(thumb)), "image/jpeg"); err != nil {
				log.Printf("files: store thumbnail for %s: %v", filename, err)
			} else {
				thumbnailID = &id
			}
		}
	}

	file, err := s.meta.InsertChatFile(ctx, store.ChatFile{
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		StorageID:   storageID,
		ThumbnailID: thumbnailID,
		UploadedBy:  uploadedBy,
		UploadDate:  time.Now().UTC(),
	})
	if err != nil {
		return store.ChatFile{}, err
	}
	return file, nil
}

// Get returns file metadata and a reader over the blob.
func (s *Service) Get(ctx context.Context, fileID string) (store.ChatFile, io.ReadCloser, error) {
	file, err := s.meta.GetChatFile(ctx, fileID)
	if err != nil {
		return store.ChatFile{}, nil, err
	}
	blob, err := s.blobs.Get(ctx, file.StorageID)
	if err != nil {
		return store.ChatFile{}, nil, err
	}
	return file, blob, nil
}

// GetThumbnail returns the derived thumbnail blob, or store.ErrNotFound
// when none was derived.
func (s *Service) GetThumbnail(ctx context.Context, fileID string) (store.ChatFile, io.ReadCloser, error) {
	file, err := s.meta.GetChatFile(ctx, fileID)
	if err != nil {
		return store.ChatFile{}, nil, err
	}
	if file.ThumbnailID == nil {
		return store.ChatFile{}, nil, store.ErrNotFound
	}
	blob, err := s.blobs.Get(ctx, *file.ThumbnailID)
	if err != nil {
		return store.ChatFile{}, nil, err
	}
	return file, blob, nil
}

// Delete removes blob, thumbnail and metadata. Blob removal failures are
// logged; the metadata record is the source of truth for existence.
func (s *Service) Delete(ctx context.Context, fileID string) error {
	file, err := s.meta.GetChatFile(ctx, fileID)
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, file.StorageID); err != nil {
		log.Printf("files: delete blob %s: %v", file.StorageID, err)
	}
	if file.ThumbnailID != nil {
		if err := s.blobs.Delete(ctx, *file.ThumbnailID); err != nil {
			log.Printf("files: delete thumbnail %s: %v", *file.ThumbnailID, err)
		}
	}
	return s.meta.DeleteChatFile(ctx, fileID)
}

// Metadata returns the stored record without touching the blob store.
func (s *Service) Metadata(ctx context.Context, fileID string) (store.ChatFile, error) {
	return s.meta.GetChatFile(ctx, fileID)
}

// Resolve looks a client-supplied reference up by id, then by storage
// handle. Absence is reported, never raised: message append proceeds
// with the references that resolved.
func (s *Service) Resolve(ctx context.Context, ref Ref) (store.ChatFile, bool) {
	if ref.ID != "" {
		if file, err := s.meta.GetChatFile(ctx, ref.ID); err == nil {
			return file, true
		}
	}
	if ref.StorageID != "" {
		if file, err := s.meta.GetChatFileByStorageID(ctx, ref.StorageID); err == nil {
			return file, true
		}
	}
	return store.ChatFile{}, false
}
