package queue

import (
	"context"

	"github.com/ZJHSteven/smartclass-downloader/pkg/models"
)

// Downloader is the blocking transfer collaborator. Download returns nil on
// success; transfer-shaped failures make the owning task eligible for its
// fallback URL.
//
//go:generate mockgen -source=interfaces.go -destination=mocks/mock_interfaces.go -package=mocks
type Downloader interface {
	Download(ctx context.Context, url, name string, onProgress func(loaded, total int64)) error
	SupportsCancel() bool
}

// MetadataResolver resolves a lecture id into its metadata.
type MetadataResolver interface {
	Resolve(ctx context.Context, lectureID string) (*models.LectureMetadata, error)
}

// Store is the persistence surface the queue writes through. Every call is
// best-effort: a failing store degrades the queue to in-memory operation,
// it never fails a task. A nil Store is valid.
type Store interface {
	EnqueueLecture(ref *models.LectureRef) error
	DequeueLecture(lectureID string) error
	CreateTask(task *models.DownloadTask) error
	UpdateTask(task *models.DownloadTask) error
}
