package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/TIANLI0/WearKit/config"
	"github.com/TIANLI0/WearKit/model"
)

func testPipelineConfig() *config.PipelineConfig {
	return &config.PipelineConfig{
		OutputSize:      64,
		DilateKernel:    5,
		ErodeKernel:     5,
		FacePadding:     4,
		GarmentBorder:   4,
		RansacThreshold: 5.0,
		QueueSize:       8,
		MaxRetries:      1,
	}
}

func colorMat(rows, cols int) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(90, 120, 150, 0), rows, cols, gocv.MatTypeCV8UC3)
}

type fakeSegmenter struct {
	mu       sync.Mutex
	calls    []time.Time
	faceBBox *model.BBox
	err      error
}

func (f *fakeSegmenter) Segment(_ context.Context, person *gocv.Mat) (*Segmentation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	rows := person.Rows()
	cols := person.Cols()

	clothing := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8U)
	for y := rows / 2; y < rows; y++ {
		for x := cols / 4; x < cols*3/4; x++ {
			clothing.SetUCharAt(y, x, 255)
		}
	}

	body := clothing.Clone()
	face := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8U)
	labels := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8U)

	return &Segmentation{
		ClothingMask: clothing,
		BodyMask:     body,
		FaceMask:     face,
		FaceBBox:     f.faceBBox,
		LabelMap:     labels,
	}, nil
}

type fakePoser struct{}

func (f *fakePoser) ExtractPose(_ context.Context, person *gocv.Mat) (gocv.Mat, error) {
	return gocv.NewMatWithSize(person.Rows(), person.Cols(), gocv.MatTypeCV8UC3), nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *fakeGenerator) Generate(_ context.Context, composite, _, _ *gocv.Mat,
	_ []float32, _ GenerateParams) (gocv.Mat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return gocv.Mat{}, fmt.Errorf("synthesis backend crashed")
	}
	return composite.Clone(), nil
}

type fakeReleaser struct {
	mu    sync.Mutex
	count int
}

func (f *fakeReleaser) ReleaseMemory(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}

func (f *fakeReleaser) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// recordingStore 记录每次写入的进度值，用于校验单调性
type recordingStore struct {
	*MemoryJobStore
	mu       sync.Mutex
	progress map[string][]int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		MemoryJobStore: NewMemoryJobStore(),
		progress:       make(map[string][]int),
	}
}

func (s *recordingStore) Put(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	s.progress[job.ID] = append(s.progress[job.ID], job.Progress)
	s.mu.Unlock()
	return s.MemoryJobStore.Put(ctx, job)
}

// recordingSink 记录交付时间
type recordingSink struct {
	mu     sync.Mutex
	stored []time.Time
}

func (s *recordingSink) Store(_ context.Context, _ string, _ *gocv.Mat) (*model.JobResult, error) {
	s.mu.Lock()
	s.stored = append(s.stored, time.Now())
	s.mu.Unlock()
	return &model.JobResult{Inline: "token"}, nil
}

func newTestOrchestrator(cfg *config.PipelineConfig, gen *fakeGenerator,
	rel *fakeReleaser, store JobStore, sink ResultSink, faceBBox *model.BBox) *PipelineOrchestrator {
	collab := Collaborators{
		Segmenter: &fakeSegmenter{faceBBox: faceBBox},
		Poser:     &fakePoser{},
		Generator: gen,
		Releaser:  rel,
	}
	return NewPipelineOrchestrator(cfg, collab, Capabilities{}, TierFull,
		store, sink)
}

func TestRunSyncSuccess(t *testing.T) {
	store := newRecordingStore()
	rel := &fakeReleaser{}
	orch := newTestOrchestrator(testPipelineConfig(), &fakeGenerator{}, rel,
		store, &recordingSink{}, &model.BBox{X1: 20, Y1: 4, X2: 44, Y2: 24})

	job, err := orch.RunSync(context.Background(), colorMat(64, 64), colorMat(64, 64), model.CategoryUpper)
	require.NoError(t, err)

	assert.Equal(t, model.StatusSucceeded, job.Status)
	assert.Equal(t, model.StageDone, job.Stage)
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, job.Result)
	assert.Equal(t, 1, job.Attempt)

	// 成功路径恰好释放一次显存
	assert.Equal(t, 1, rel.calls())
}

func TestProgressMonotonic(t *testing.T) {
	store := newRecordingStore()
	orch := newTestOrchestrator(testPipelineConfig(), &fakeGenerator{}, &fakeReleaser{},
		store, &recordingSink{}, nil)

	job, err := orch.RunSync(context.Background(), colorMat(64, 64), colorMat(64, 64), model.CategoryUpper)
	require.NoError(t, err)
	require.Equal(t, model.StatusSucceeded, job.Status)

	seq := store.progress[job.ID]
	require.NotEmpty(t, seq)
	for i := 1; i < len(seq); i++ {
		assert.GreaterOrEqual(t, seq[i], seq[i-1])
	}
	assert.Equal(t, 100, seq[len(seq)-1])
}

func TestRetryOnceThenSucceed(t *testing.T) {
	store := newRecordingStore()
	rel := &fakeReleaser{}
	gen := &fakeGenerator{failures: 1}
	orch := newTestOrchestrator(testPipelineConfig(), gen, rel, store, &recordingSink{}, nil)

	job, err := orch.RunSync(context.Background(), colorMat(64, 64), colorMat(64, 64), model.CategoryUpper)
	require.NoError(t, err)

	assert.Equal(t, model.StatusSucceeded, job.Status)
	assert.Equal(t, 2, job.Attempt)
	// 失败与成功各释放一次
	assert.Equal(t, 2, rel.calls())
}

func TestSecondFailureIsTerminal(t *testing.T) {
	store := newRecordingStore()
	rel := &fakeReleaser{}
	gen := &fakeGenerator{failures: 10}
	orch := newTestOrchestrator(testPipelineConfig(), gen, rel, store, &recordingSink{}, nil)

	job, err := orch.RunSync(context.Background(), colorMat(64, 64), colorMat(64, 64), model.CategoryUpper)
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, job.ID, job.Error.JobID)
	assert.Contains(t, job.Error.Message, "synthesis")
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, 2, rel.calls())
}

func TestNoRetryWhenDisabled(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.MaxRetries = 0
	rel := &fakeReleaser{}
	gen := &fakeGenerator{failures: 10}
	orch := newTestOrchestrator(cfg, gen, rel, newRecordingStore(), &recordingSink{}, nil)

	job, err := orch.RunSync(context.Background(), colorMat(64, 64), colorMat(64, 64), model.CategoryUpper)
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, job.Status)
	assert.Equal(t, 1, gen.calls)
	// 失败终态恰好释放一次
	assert.Equal(t, 1, rel.calls())
}

func TestBackToBackJobsRunSequentially(t *testing.T) {
	store := newRecordingStore()
	sink := &recordingSink{}
	seg := &fakeSegmenter{}
	collab := Collaborators{
		Segmenter: seg,
		Poser:     &fakePoser{},
		Generator: &fakeGenerator{},
		Releaser:  &fakeReleaser{},
	}
	orch := NewPipelineOrchestrator(testPipelineConfig(), collab, Capabilities{},
		TierFull, store, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.Start(ctx)

	job1, err := orch.Submit(ctx, colorMat(64, 64), colorMat(64, 64), model.CategoryUpper)
	require.NoError(t, err)
	job2, err := orch.Submit(ctx, colorMat(64, 64), colorMat(64, 64), model.CategoryFull)
	require.NoError(t, err)

	waitTerminal(t, store, job1.ID)
	waitTerminal(t, store, job2.ID)

	require.Len(t, seg.calls, 2)
	require.Len(t, sink.stored, 2)
	// 第二个任务的首阶段必须晚于第一个任务的终态
	assert.True(t, !seg.calls[1].Before(sink.stored[0]))
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.QueueSize = 0
	orch := newTestOrchestrator(cfg, &fakeGenerator{}, &fakeReleaser{},
		newRecordingStore(), &recordingSink{}, nil)

	// worker未启动且队列容量为0，入队必然失败
	_, err := orch.Submit(context.Background(), colorMat(64, 64), colorMat(64, 64), model.CategoryUpper)
	assert.Error(t, err)
}

func TestRunSyncRejectsEmptyInput(t *testing.T) {
	store := newRecordingStore()
	orch := newTestOrchestrator(testPipelineConfig(), &fakeGenerator{}, &fakeReleaser{},
		store, &recordingSink{}, nil)

	empty := gocv.NewMat()
	garment := colorMat(64, 64)
	_, err := orch.RunSync(context.Background(), empty, garment, model.CategoryUpper)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
	// 校验失败不建任务
	assert.Empty(t, store.progress)
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	orch := newTestOrchestrator(testPipelineConfig(), &fakeGenerator{}, &fakeReleaser{},
		newRecordingStore(), &recordingSink{}, nil)

	person := colorMat(64, 64)
	empty := gocv.NewMat()
	_, err := orch.Submit(context.Background(), person, empty, model.CategoryUpper)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
}

func waitTerminal(t *testing.T, store JobStore, id string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		if job != nil && job.Terminal() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", id)
}
