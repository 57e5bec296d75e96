package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/TIANLI0/WearKit/config"
	"github.com/TIANLI0/WearKit/model"
	"github.com/TIANLI0/WearKit/service"
	"github.com/TIANLI0/WearKit/utils"
)

type TryOnHandler struct {
	cfg          *config.Config
	orchestrator *service.PipelineOrchestrator
	store        service.JobStore
	redisService *service.RedisService
}

func NewTryOnHandler(cfg *config.Config, orch *service.PipelineOrchestrator,
	store service.JobStore, redis *service.RedisService) *TryOnHandler {
	return &TryOnHandler{
		cfg:          cfg,
		orchestrator: orch,
		store:        store,
		redisService: redis,
	}
}

// Submit 提交一次试穿任务
func (h *TryOnHandler) Submit(c *gin.Context) {
	personMat, ok := h.readImage(c, "person_image")
	if !ok {
		return
	}
	garmentMat, ok := h.readImage(c, "garment_image")
	if !ok {
		personMat.Close()
		return
	}

	category, ok := model.NormalizeCategory(c.DefaultPostForm("garment_category", "upper"))
	if !ok {
		personMat.Close()
		garmentMat.Close()
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "不支持的服装类别，仅支持 upper/lower/full",
		})
		return
	}

	size := h.cfg.Pipeline.OutputSize
	person := utils.ResizeToSquare(personMat, size)
	garment := utils.ResizeToSquare(garmentMat, size)
	personMat.Close()
	garmentMat.Close()

	if h.cfg.Server.Sync {
		job, err := h.orchestrator.RunSync(c.Request.Context(), person, garment, category)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, model.ErrInvalidInput) {
				status = http.StatusBadRequest
			}
			c.JSON(status, model.ErrorResponse{
				Success: false,
				Message: "任务执行失败",
				Error:   err.Error(),
			})
			return
		}
		if job.Status == model.StatusFailed {
			c.JSON(http.StatusInternalServerError, model.TryOnResponse{
				Success: false,
				Message: "任务执行失败",
				JobID:   job.ID,
				Job:     job,
			})
			return
		}
		c.JSON(http.StatusOK, model.TryOnResponse{
			Success: true,
			Message: "处理成功",
			JobID:   job.ID,
			Job:     job,
		})
		return
	}

	job, err := h.orchestrator.Submit(c.Request.Context(), person, garment, category)
	if err != nil {
		if errors.Is(err, model.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, model.ErrorResponse{
				Success: false,
				Message: "输入图片无效",
				Error:   err.Error(),
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, model.ErrorResponse{
			Success: false,
			Message: "处理队列已满，请稍后重试",
			Error:   err.Error(),
		})
		return
	}

	utils.Logger.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.String("category", string(category)))

	c.JSON(http.StatusAccepted, model.TryOnResponse{
		Success: true,
		Message: "任务已入队",
		JobID:   job.ID,
	})
}

// Status 轮询任务状态
func (h *TryOnHandler) Status(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "任务ID缺失",
		})
		return
	}

	job, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, model.ErrorResponse{
				Success: false,
				Message: "任务不存在或已过期",
			})
			return
		}
		utils.Logger.Error("failed to get job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Success: false,
			Message: "查询失败",
			Error:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, model.JobStatusResponse{
		Success:  true,
		Status:   job.Status,
		Stage:    job.Stage,
		Progress: job.Progress,
		Result:   job.Result,
		Error:    job.Error,
	})
}

// Result 按任务ID取回结果图片
func (h *TryOnHandler) Result(c *gin.Context) {
	id := c.Param("id")

	job, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Success: false,
			Message: "任务不存在或已过期",
		})
		return
	}
	if job.Status != model.StatusSucceeded || job.Result == nil {
		c.JSON(http.StatusConflict, model.ErrorResponse{
			Success: false,
			Message: "任务尚未成功完成",
		})
		return
	}

	if job.Result.Locator == "" {
		c.JSON(http.StatusOK, gin.H{"success": true, "inline": job.Result.Inline})
		return
	}

	data, err := h.redisService.GetResult(c.Request.Context(), job.Result.Locator)
	if err != nil || data == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Success: false,
			Message: "结果已过期",
		})
		return
	}

	c.Data(http.StatusOK, "image/png", data)
}

// readImage 读取并校验一个上传图片字段，失败时已写入响应
func (h *TryOnHandler) readImage(c *gin.Context, field string) (gocv.Mat, bool) {
	file, err := c.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: fmt.Sprintf("请上传图片文件 %s", field),
			Error:   err.Error(),
		})
		return gocv.Mat{}, false
	}

	// 验证文件大小
	if file.Size > h.cfg.Upload.MaxSize {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: fmt.Sprintf("文件大小超过限制 (%d MB)", h.cfg.Upload.MaxSize/(1024*1024)),
		})
		return gocv.Mat{}, false
	}

	// 验证文件类型
	contentType := file.Header.Get("Content-Type")
	if !h.isAllowedType(contentType) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "不支持的文件类型，仅支持 JPEG/PNG/WebP",
		})
		return gocv.Mat{}, false
	}

	data, err := readAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "读取上传文件失败",
			Error:   err.Error(),
		})
		return gocv.Mat{}, false
	}

	img, err := utils.DecodeImage(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "图片解码失败",
			Error:   err.Error(),
		})
		return gocv.Mat{}, false
	}

	utils.Logger.Debug("image received",
		zap.String("field", field),
		zap.Int64("size", file.Size),
		zap.String("md5", utils.BytesMD5(data)))
	return img, true
}

func (h *TryOnHandler) isAllowedType(contentType string) bool {
	for _, allowed := range h.cfg.Upload.AllowedTypes {
		if strings.EqualFold(contentType, allowed) {
			return true
		}
	}
	return false
}

func readAll(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
