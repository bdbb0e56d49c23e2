package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ZJHSteven/smartclass-downloader/internal/capture"
	"github.com/ZJHSteven/smartclass-downloader/internal/downloader"
	"github.com/ZJHSteven/smartclass-downloader/internal/queue/mocks"
	"github.com/ZJHSteven/smartclass-downloader/pkg/models"
)

const (
	keyedURL = "https://tmuvod.smartclass.cn/rec/a/VGA.mp4?authKey=k1"
	bareURL  = "https://tmuvod.smartclass.cn/rec/a/VGA.mp4"
)

func singleSegmentMeta() *models.LectureMetadata {
	return &models.LectureMetadata{
		CourseName:    "Physiology",
		ClassRoomName: "Room2",
		Teachers:      []models.TeacherInfo{{Name: "Zhang"}},
		StartTime:     "2025-12-12 08:00:00",
		StopTime:      "2025-12-12 08:45:00",
		Segments: []models.SegmentDescriptor{
			{PlayFileURI: "https://tmuvod.smartclass.cn/rec/a/content.html?authKey=k1"},
		},
	}
}

func lectureRef(id string) *models.LectureRef {
	return &models.LectureRef{
		ID:       id,
		PageURL:  "https://tmu.smartclass.cn/PlayPages/Video.aspx?NewID=" + id,
		Filename: id + ".mp4",
	}
}

func waitForTerminal(t *testing.T, q *Queue, wantTasks int) []models.DownloadTask {
	t.Helper()
	require.Eventually(t, func() bool {
		tasks := q.Tasks()
		if len(tasks) < wantTasks {
			return false
		}
		for _, task := range tasks {
			if !task.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return q.Tasks()
}

func TestQueueEnqueueDedup(t *testing.T) {
	q := New(nil, nil, nil, nil, Options{}, nil)

	require.True(t, q.Enqueue(lectureRef("id-1")))
	require.False(t, q.Enqueue(lectureRef("id-1")))
	require.True(t, q.Enqueue(lectureRef("id-2")))
	require.Equal(t, 2, q.Depth())

	require.False(t, q.Enqueue(nil))
	require.False(t, q.Enqueue(&models.LectureRef{}))
	require.Equal(t, 2, q.Depth())
}

func TestQueueDownloadsLecture(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)

	resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(singleSegmentMeta(), nil)
	dl.EXPECT().
		Download(gomock.Any(), keyedURL, "2025-12-12_Physiology_Zhang_Room2_08-00-08-45.mp4", gomock.Any()).
		Return(nil)

	q := New(resolver, dl, nil, nil, Options{}, nil)
	q.Enqueue(lectureRef("id-1"))
	q.tick(context.Background())

	tasks := waitForTerminal(t, q, 1)
	require.Len(t, tasks, 1)
	require.Equal(t, models.StatusDone, tasks[0].Status)
	require.Equal(t, keyedURL, tasks[0].PrimaryURL)
	require.Equal(t, bareURL, tasks[0].FallbackURL)
	require.NotNil(t, tasks[0].CompletedAt)
	require.Equal(t, 0, q.Inflight())
}

func TestQueueFallbackExactlyOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)

	resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(singleSegmentMeta(), nil)
	primary := dl.EXPECT().
		Download(gomock.Any(), keyedURL, gomock.Any(), gomock.Any()).
		Return(&downloader.TransferError{URL: keyedURL, Err: errors.New("403")}).
		Times(1)
	dl.EXPECT().
		Download(gomock.Any(), bareURL, gomock.Any(), gomock.Any()).
		Return(nil).
		Times(1).
		After(primary)

	q := New(resolver, dl, nil, nil, Options{}, nil)
	q.Enqueue(lectureRef("id-1"))
	q.tick(context.Background())

	tasks := waitForTerminal(t, q, 1)
	require.Equal(t, models.StatusDone, tasks[0].Status)
}

func TestQueueFallbackFailureFailsTask(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)

	resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(singleSegmentMeta(), nil)
	dl.EXPECT().
		Download(gomock.Any(), keyedURL, gomock.Any(), gomock.Any()).
		Return(&downloader.TransferError{URL: keyedURL, Err: errors.New("403")})
	dl.EXPECT().
		Download(gomock.Any(), bareURL, gomock.Any(), gomock.Any()).
		Return(&downloader.TimeoutError{URL: bareURL, Idle: time.Minute})

	q := New(resolver, dl, nil, nil, Options{}, nil)
	q.Enqueue(lectureRef("id-1"))
	q.tick(context.Background())

	tasks := waitForTerminal(t, q, 1)
	require.Equal(t, models.StatusFailed, tasks[0].Status)
	require.Contains(t, tasks[0].ErrorMessage, "stalled")
}

func TestQueueNonTransferErrorSkipsFallback(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)

	resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(singleSegmentMeta(), nil)
	// A single attempt only: cancellation must not burn the fallback
	dl.EXPECT().
		Download(gomock.Any(), keyedURL, gomock.Any(), gomock.Any()).
		Return(context.Canceled).
		Times(1)

	q := New(resolver, dl, nil, nil, Options{}, nil)
	q.Enqueue(lectureRef("id-1"))
	q.tick(context.Background())

	tasks := waitForTerminal(t, q, 1)
	require.Equal(t, models.StatusFailed, tasks[0].Status)
}

func TestQueueMultiSegmentLecture(t *testing.T) {
	meta := singleSegmentMeta()
	meta.Segments = append(meta.Segments, models.SegmentDescriptor{
		PlayFileURI: "https://tmuvod.smartclass.cn/rec/b/content.html?authKey=k2",
	})

	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)

	resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(meta, nil)
	dl.EXPECT().
		Download(gomock.Any(), keyedURL, "2025-12-12_Physiology_Zhang_Room2_08-00-08-45_seg1.mp4", gomock.Any()).
		Return(nil)
	dl.EXPECT().
		Download(gomock.Any(), "https://tmuvod.smartclass.cn/rec/b/VGA.mp4?authKey=k2", "2025-12-12_Physiology_Zhang_Room2_08-00-08-45_seg2.mp4", gomock.Any()).
		Return(nil)

	q := New(resolver, dl, nil, nil, Options{}, nil)
	q.Enqueue(lectureRef("id-1"))
	q.tick(context.Background())

	tasks := waitForTerminal(t, q, 2)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		require.Equal(t, models.StatusDone, task.Status)
		require.Equal(t, "id-1", task.LectureID)
	}
	require.NotEqual(t, tasks[0].Filename, tasks[1].Filename)
}

func TestQueueUnusableSegmentsFailLecture(t *testing.T) {
	meta := singleSegmentMeta()
	meta.Segments = []models.SegmentDescriptor{{PlayFileURI: "not-a-descriptor"}}

	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)

	resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(meta, nil)

	q := New(resolver, dl, nil, nil, Options{}, nil)
	q.Enqueue(lectureRef("id-1"))
	q.tick(context.Background())

	tasks := waitForTerminal(t, q, 1)
	require.Equal(t, models.StatusFailed, tasks[0].Status)
	require.Equal(t, 0, q.Inflight())
}

func TestQueueConcurrencyLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)

	release := make(chan struct{})
	resolver.EXPECT().Resolve(gomock.Any(), gomock.Any()).Return(singleSegmentMeta(), nil).Times(3)
	dl.EXPECT().
		Download(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string, func(int64, int64)) error {
			<-release
			return nil
		}).
		Times(3)

	q := New(resolver, dl, nil, nil, Options{Concurrency: 2}, nil)
	for i := range 3 {
		q.Enqueue(lectureRef(fmt.Sprintf("id-%d", i)))
	}

	ctx := context.Background()
	q.tick(ctx)
	q.tick(ctx)
	q.tick(ctx) // no free slot: must be a no-op

	require.Eventually(t, func() bool { return q.Inflight() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, q.Depth())

	close(release)
	require.Eventually(t, func() bool { return q.Inflight() == 0 }, time.Second, 5*time.Millisecond)

	q.tick(ctx)
	waitForTerminal(t, q, 3)
	require.Equal(t, 0, q.Depth())
}

func TestQueueCaptureFallbackHandoff(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)
	sink := capture.NewSink(nil)

	captured := "https://tmuvod.smartclass.cn/captured/VGA.mp4?authKey=live"
	resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(nil, errors.New("metadata endpoint down"))
	dl.EXPECT().
		Download(gomock.Any(), captured, "id-1.mp4", gomock.Any()).
		Return(nil)

	q := New(resolver, dl, sink, nil, Options{CaptureFallback: true, SinkWait: 5 * time.Second}, nil)
	q.Enqueue(lectureRef("id-1"))
	q.tick(context.Background())

	// The media URL shows up on the wire while the handoff is waiting
	go func() {
		time.Sleep(100 * time.Millisecond)
		sink.Add(captured, "request")
	}()

	tasks := waitForTerminal(t, q, 1)
	require.Equal(t, models.StatusDone, tasks[0].Status)
	require.Equal(t, captured, tasks[0].PrimaryURL)
	require.Equal(t, "https://tmuvod.smartclass.cn/captured/VGA.mp4", tasks[0].FallbackURL)
	require.Equal(t, 0, q.Inflight())
}

func TestQueueCaptureFallbackNeverReusesDownloadedURL(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)
	sink := capture.NewSink(nil)

	// Lecture A resolves normally; the tap records its transfer URL.
	resolver.EXPECT().Resolve(gomock.Any(), "id-a").Return(singleSegmentMeta(), nil)
	dl.EXPECT().
		Download(gomock.Any(), keyedURL, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, url, _ string, _ func(int64, int64)) error {
			sink.Add(url, "request")
			return nil
		})

	// Lecture B's metadata fails; its handoff must not latch onto A's URL.
	resolver.EXPECT().Resolve(gomock.Any(), "id-b").Return(nil, errors.New("metadata endpoint down"))

	q := New(resolver, dl, sink, nil, Options{CaptureFallback: true, SinkWait: 400 * time.Millisecond}, nil)
	ctx := context.Background()

	q.Enqueue(lectureRef("id-a"))
	q.tick(ctx)
	waitForTerminal(t, q, 1)
	require.Equal(t, 1, sink.Len())

	q.Enqueue(lectureRef("id-b"))
	q.tick(ctx)

	tasks := waitForTerminal(t, q, 2)
	require.Equal(t, models.StatusDone, tasks[0].Status)
	require.Equal(t, models.StatusFailed, tasks[1].Status)
	require.Contains(t, tasks[1].ErrorMessage, "no media URL captured")
	require.NotEqual(t, keyedURL, tasks[1].PrimaryURL)
}

func TestQueueDequeuesFailedLectures(t *testing.T) {
	newStore := func(ctrl *gomock.Controller) *mocks.MockStore {
		store := mocks.NewMockStore(ctrl)
		store.EXPECT().EnqueueLecture(gomock.Any()).Return(nil)
		store.EXPECT().CreateTask(gomock.Any()).DoAndReturn(func(task *models.DownloadTask) error {
			task.ID = 1
			return nil
		})
		store.EXPECT().UpdateTask(gomock.Any()).Return(nil).AnyTimes()
		return store
	}

	t.Run("metadata failure without fallback", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		resolver := mocks.NewMockMetadataResolver(ctrl)
		store := newStore(ctrl)

		resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(nil, errors.New("metadata endpoint down"))
		// The row must go: otherwise every restart re-enqueues and re-fails it
		store.EXPECT().DequeueLecture("id-1").Return(nil)

		q := New(resolver, mocks.NewMockDownloader(ctrl), nil, store, Options{}, nil)
		q.Enqueue(lectureRef("id-1"))
		q.tick(context.Background())

		tasks := waitForTerminal(t, q, 1)
		require.Equal(t, models.StatusFailed, tasks[0].Status)
	})

	t.Run("handoff window expired", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		resolver := mocks.NewMockMetadataResolver(ctrl)
		store := newStore(ctrl)

		resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(nil, errors.New("metadata endpoint down"))
		store.EXPECT().DequeueLecture("id-1").Return(nil)

		sink := capture.NewSink(nil)
		q := New(resolver, mocks.NewMockDownloader(ctrl), sink, store,
			Options{CaptureFallback: true, SinkWait: 400 * time.Millisecond}, nil)
		q.Enqueue(lectureRef("id-1"))
		q.tick(context.Background())

		tasks := waitForTerminal(t, q, 1)
		require.Equal(t, models.StatusFailed, tasks[0].Status)
	})

	t.Run("no usable segments", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		resolver := mocks.NewMockMetadataResolver(ctrl)
		store := newStore(ctrl)

		meta := singleSegmentMeta()
		meta.Segments = []models.SegmentDescriptor{{PlayFileURI: "not-a-descriptor"}}
		resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(meta, nil)
		store.EXPECT().DequeueLecture("id-1").Return(nil)

		q := New(resolver, mocks.NewMockDownloader(ctrl), nil, store, Options{}, nil)
		q.Enqueue(lectureRef("id-1"))
		q.tick(context.Background())

		tasks := waitForTerminal(t, q, 1)
		require.Equal(t, models.StatusFailed, tasks[0].Status)
	})
}

func TestQueueCaptureFallbackTimesOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)
	sink := capture.NewSink(nil)

	resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(nil, errors.New("metadata endpoint down"))

	q := New(resolver, dl, sink, nil, Options{CaptureFallback: true, SinkWait: 400 * time.Millisecond}, nil)
	q.Enqueue(lectureRef("id-1"))
	q.tick(context.Background())

	tasks := waitForTerminal(t, q, 1)
	require.Equal(t, models.StatusFailed, tasks[0].Status)
	require.Contains(t, tasks[0].ErrorMessage, "no media URL captured")
	require.Equal(t, 0, q.Inflight())
}

func TestQueueMetadataFailureWithoutFallback(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)

	resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(nil, errors.New("metadata endpoint down"))

	q := New(resolver, dl, nil, nil, Options{CaptureFallback: false}, nil)
	q.Enqueue(lectureRef("id-1"))
	q.tick(context.Background())

	tasks := waitForTerminal(t, q, 1)
	require.Equal(t, models.StatusFailed, tasks[0].Status)
	require.Contains(t, tasks[0].ErrorMessage, "metadata resolution failed")
	require.Equal(t, 0, q.Inflight())
}

func TestQueueRunSchedulesFromTicker(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)

	resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(singleSegmentMeta(), nil)
	dl.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	q := New(resolver, dl, nil, nil, Options{TickInterval: 10 * time.Millisecond}, nil)
	q.Enqueue(lectureRef("id-1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	waitForTerminal(t, q, 1)
	require.Equal(t, 0, q.Depth())
}

func TestQueuePersistsThroughStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)
	store := mocks.NewMockStore(ctrl)

	resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(singleSegmentMeta(), nil)
	dl.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	store.EXPECT().EnqueueLecture(gomock.Any()).Return(nil)
	store.EXPECT().CreateTask(gomock.Any()).DoAndReturn(func(task *models.DownloadTask) error {
		task.ID = 7
		return nil
	})
	store.EXPECT().UpdateTask(gomock.Any()).Return(nil).MinTimes(1)
	store.EXPECT().DequeueLecture("id-1").Return(nil)

	q := New(resolver, dl, nil, store, Options{}, nil)
	q.Enqueue(lectureRef("id-1"))
	q.tick(context.Background())

	tasks := waitForTerminal(t, q, 1)
	require.Equal(t, int64(7), tasks[0].ID)
	require.Equal(t, models.StatusDone, tasks[0].Status)
}

func TestQueueStoreFailuresAreNotTaskFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockMetadataResolver(ctrl)
	dl := mocks.NewMockDownloader(ctrl)
	store := mocks.NewMockStore(ctrl)

	storageErr := errors.New("disk full")
	resolver.EXPECT().Resolve(gomock.Any(), "id-1").Return(singleSegmentMeta(), nil)
	dl.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	store.EXPECT().EnqueueLecture(gomock.Any()).Return(storageErr)
	store.EXPECT().CreateTask(gomock.Any()).Return(storageErr)
	store.EXPECT().DequeueLecture("id-1").Return(storageErr)

	q := New(resolver, dl, nil, store, Options{}, nil)
	q.Enqueue(lectureRef("id-1"))
	q.tick(context.Background())

	tasks := waitForTerminal(t, q, 1)
	require.Equal(t, models.StatusDone, tasks[0].Status)
	require.Negative(t, tasks[0].ID)
}
