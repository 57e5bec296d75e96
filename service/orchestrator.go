package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/TIANLI0/WearKit/config"
	"github.com/TIANLI0/WearKit/model"
	"github.com/TIANLI0/WearKit/utils"
)

// 失败元数据的异常类别
const (
	errKindCollaborator = "collaborator_error"
	errKindPipeline     = "pipeline_error"
)

// 生成步骤的类别相关提示词
var categoryPrompts = map[model.GarmentCategory]string{
	model.CategoryUpper: "a person wearing the upper garment, photorealistic, high resolution, studio lighting, fashion photography, 8k",
	model.CategoryLower: "a person wearing the lower garment, photorealistic, high resolution, studio lighting, fashion photography, 8k",
	model.CategoryFull:  "a person wearing the full-body garment, photorealistic, high resolution, studio lighting, fashion photography, 8k",
}

const negativePrompt = "deformed, blurry, bad anatomy, ugly, duplicate, artifacts, low quality, watermark, text"

// pipelineTask 队列中的一次试穿任务及其解码后的输入
type pipelineTask struct {
	job     *model.Job
	person  gocv.Mat
	garment gocv.Mat
}

// PipelineOrchestrator 串联五个逻辑阶段，维护任务进度与失败策略。
// 加速器是排他单例：队列由单个worker串行消费，决不并发执行两条流水线。
type PipelineOrchestrator struct {
	cfg      *config.PipelineConfig
	collab   Collaborators
	caps     Capabilities
	tier     ResourceTier
	store    JobStore
	sink     ResultSink
	identity *IdentityMask
	warper   *GeometricWarpEngine
	blender  *CompositorBlendEngine
	queue    chan *pipelineTask

	// execMu 保证同一加速器上决不并发执行两条流水线
	execMu sync.Mutex
}

func NewPipelineOrchestrator(
	cfg *config.PipelineConfig,
	collab Collaborators,
	caps Capabilities,
	tier ResourceTier,
	store JobStore,
	sink ResultSink,
) *PipelineOrchestrator {
	return &PipelineOrchestrator{
		cfg:      cfg,
		collab:   collab,
		caps:     caps,
		tier:     tier,
		store:    store,
		sink:     sink,
		identity: NewIdentityMask(cfg.FacePadding),
		warper:   NewGeometricWarpEngine(cfg.GarmentBorder, cfg.RansacThreshold),
		blender:  NewCompositorBlendEngine(cfg.ErodeKernel, cfg.FacePadding),
		queue:    make(chan *pipelineTask, cfg.QueueSize),
	}
}

// Start 启动单worker消费循环，ctx取消时停止接收新任务
func (o *PipelineOrchestrator) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case task := <-o.queue:
				o.process(ctx, task)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Submit 创建任务并入队，立刻返回任务记录；队列满视为资源耗尽
func (o *PipelineOrchestrator) Submit(ctx context.Context, person, garment gocv.Mat, category model.GarmentCategory) (*model.Job, error) {
	if err := validateInputs(person, garment); err != nil {
		person.Close()
		garment.Close()
		return nil, err
	}
	job := o.newJob(category)
	if err := o.store.Put(ctx, job); err != nil {
		person.Close()
		garment.Close()
		return nil, err
	}

	select {
	case o.queue <- &pipelineTask{job: job, person: person, garment: garment}:
		return job, nil
	default:
		person.Close()
		garment.Close()
		job.Status = model.StatusFailed
		job.Error = &model.JobError{Kind: errKindPipeline, Message: "job queue full", JobID: job.ID}
		job.UpdatedAt = time.Now()
		_ = o.store.Put(ctx, job)
		return nil, fmt.Errorf("job queue full")
	}
}

// RunSync 同步执行一次完整流水线并返回终态任务记录。
// 与worker共用同一条队列，保证单加速器上的排他性。
func (o *PipelineOrchestrator) RunSync(ctx context.Context, person, garment gocv.Mat, category model.GarmentCategory) (*model.Job, error) {
	if err := validateInputs(person, garment); err != nil {
		person.Close()
		garment.Close()
		return nil, err
	}
	job := o.newJob(category)
	if err := o.store.Put(ctx, job); err != nil {
		person.Close()
		garment.Close()
		return nil, err
	}

	task := &pipelineTask{job: job, person: person, garment: garment}
	o.process(ctx, task)
	return job, nil
}

// validateInputs 入队前的最后校验，空图不建任务、不重试
func validateInputs(person, garment gocv.Mat) error {
	if person.Empty() {
		return fmt.Errorf("person image is empty: %w", model.ErrInvalidInput)
	}
	if garment.Empty() {
		return fmt.Errorf("garment image is empty: %w", model.ErrInvalidInput)
	}
	return nil
}

func (o *PipelineOrchestrator) newJob(category model.GarmentCategory) *model.Job {
	now := time.Now()
	return &model.Job{
		ID:        utils.NewJobID(),
		Status:    model.StatusQueued,
		Stage:     model.StageQueued,
		Progress:  0,
		Category:  string(category),
		Attempt:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// process 执行任务，失败时允许整条流水线从QUEUED自动重试一次
func (o *PipelineOrchestrator) process(ctx context.Context, task *pipelineTask) {
	o.execMu.Lock()
	defer o.execMu.Unlock()
	defer task.person.Close()
	defer task.garment.Close()

	job := task.job
	maxAttempts := o.cfg.MaxRetries + 1

	for {
		start := time.Now()
		err := o.runAttempt(ctx, job, &task.person, &task.garment)
		if err == nil {
			utils.Logger.Info("pipeline complete",
				zap.String("job_id", job.ID),
				zap.Int("attempt", job.Attempt),
				zap.Duration("duration", time.Since(start)))
			return
		}

		utils.Logger.Error("pipeline attempt failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Error(err))

		if job.Attempt >= maxAttempts {
			job.Status = model.StatusFailed
			job.Error = failureMetadata(err, job.ID)
			job.UpdatedAt = time.Now()
			o.putJob(ctx, job)
			return
		}

		// 回到QUEUED重跑整条流水线
		job.Attempt++
		job.Status = model.StatusQueued
		job.Stage = model.StageQueued
		job.Progress = 0
		job.UpdatedAt = time.Now()
		o.putJob(ctx, job)
	}
}

// runAttempt 单次完整流水线。无论成败，瞬态显存释放恰好执行一次。
func (o *PipelineOrchestrator) runAttempt(ctx context.Context, job *model.Job, person, garment *gocv.Mat) (err error) {
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if o.collab.Releaser == nil {
			return
		}
		if rerr := o.collab.Releaser.ReleaseMemory(ctx); rerr != nil {
			utils.Logger.Warn("accelerator memory release failed",
				zap.String("job_id", job.ID), zap.Error(rerr))
		}
	}
	defer release()

	job.Status = model.StatusRunning

	// 1. 分割
	o.setStage(ctx, job, model.StageSegmenting)
	seg, err := o.collab.Segmenter.Segment(ctx, person)
	if err != nil {
		return fmt.Errorf("segmentation: %w", err)
	}
	defer seg.Close()

	dilated := DilateMask(&seg.ClothingMask, o.cfg.DilateKernel)
	defer dilated.Close()

	// 优先使用高精度检测框，分割推导的框兜底
	candidates := []*model.BBox{nil, seg.FaceBBox}
	if o.caps.FaceLocator && o.collab.FaceLoc != nil {
		if bbox, found, lerr := o.collab.FaceLoc.Locate(ctx, person); lerr == nil && found {
			candidates[0] = bbox
		}
	}

	replaceMask, protected := o.identity.Apply(&dilated, candidates)
	defer replaceMask.Close()
	if !protected {
		utils.Logger.Warn("no face bbox available, identity unprotected",
			zap.String("job_id", job.ID))
	}

	// 2. 姿态
	o.setStage(ctx, job, model.StagePosing)
	pose, err := o.collab.Poser.ExtractPose(ctx, person)
	if err != nil {
		return fmt.Errorf("pose extraction: %w", err)
	}
	defer pose.Close()

	// 3. 几何对齐
	o.setStage(ctx, job, model.StageWarping)
	warp := o.warper.Warp(garment, &replaceMask, o.cfg.OutputSize)
	defer warp.Close()
	utils.Logger.Info("garment warped",
		zap.String("job_id", job.ID),
		zap.String("method", warp.Method))

	// 4. 生成合成
	o.setStage(ctx, job, model.StageSynthesizing)
	composite := CompositeReference(person, &warp.Warped, &warp.Mask)
	defer composite.Close()

	var embedding []float32
	if o.caps.FaceEmbed && o.collab.Embedder != nil {
		if vec, found, eerr := o.collab.Embedder.Embed(ctx, person); eerr == nil && found {
			embedding = vec
		} else if eerr != nil {
			// 可选协作方出错只降级，不失败
			utils.Logger.Warn("face embedding unavailable, skipping identity conditioning",
				zap.String("job_id", job.ID), zap.Error(eerr))
		}
	}

	params := GenerateParams{
		Category:       model.GarmentCategory(job.Category),
		Prompt:         categoryPrompts[model.GarmentCategory(job.Category)],
		NegativePrompt: negativePrompt,
		MemorySaving:   o.tier == TierConstrained,
	}

	generated, err := o.collab.Generator.Generate(ctx, &composite, &replaceMask, &pose, embedding, params)
	if err != nil {
		return fmt.Errorf("synthesis: %w", err)
	}
	defer generated.Close()

	// 受限档位下不尝试精修
	if o.caps.Refinement && o.collab.Refiner != nil && o.tier == TierFull {
		refined, rerr := o.collab.Refiner.Refine(ctx, &generated)
		if rerr != nil {
			utils.Logger.Warn("refinement skipped",
				zap.String("job_id", job.ID), zap.Error(rerr))
		} else {
			generated.Close()
			generated = refined
		}
	}

	// 5. 融合
	o.setStage(ctx, job, model.StageBlending)
	var faceBBox *model.BBox
	for _, c := range candidates {
		if c != nil && !c.Empty() {
			faceBBox = c
			break
		}
	}
	blend := o.blender.Blend(person, &generated, &seg.ClothingMask, faceBBox)
	defer blend.Image.Close()
	if !blend.SeamlessUsed {
		utils.Logger.Info("blend used alpha compositing",
			zap.String("job_id", job.ID))
	}

	// 融合完成、交付之前释放瞬态显存；单worker串行处理多任务，显存不能累积
	release()

	// 交付结果
	result, err := o.sink.Store(ctx, job.ID, &blend.Image)
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}

	job.Status = model.StatusSucceeded
	job.Result = result
	o.setStage(ctx, job, model.StageDone)
	return nil
}

// setStage 推进阶段并上报单调递增的进度
func (o *PipelineOrchestrator) setStage(ctx context.Context, job *model.Job, stage model.Stage) {
	job.Stage = stage
	if p, ok := model.StageProgress[stage]; ok && p > job.Progress {
		job.Progress = p
	}
	job.UpdatedAt = time.Now()
	o.putJob(ctx, job)

	utils.Logger.Info("stage transition",
		zap.String("job_id", job.ID),
		zap.String("stage", string(stage)),
		zap.Int("progress", job.Progress))
}

func (o *PipelineOrchestrator) putJob(ctx context.Context, job *model.Job) {
	if err := o.store.Put(ctx, job); err != nil {
		utils.Logger.Warn("failed to persist job state",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}

// failureMetadata 从错误构造结构化失败元数据
func failureMetadata(err error, jobID string) *model.JobError {
	kind := errKindPipeline
	if errors.Is(err, model.ErrCollaboratorUnavailable) {
		kind = errKindCollaborator
	}
	return &model.JobError{
		Kind:    kind,
		Message: err.Error(),
		JobID:   jobID,
	}
}
