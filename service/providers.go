package service

import (
	"context"

	"gocv.io/x/gocv"

	"github.com/TIANLI0/WearKit/model"
)

// Segmentation 人体解析结果
type Segmentation struct {
	ClothingMask gocv.Mat
	BodyMask     gocv.Mat
	FaceMask     gocv.Mat
	FaceBBox     *model.BBox
	LabelMap     gocv.Mat
}

func (s *Segmentation) Close() {
	s.ClothingMask.Close()
	s.BodyMask.Close()
	s.FaceMask.Close()
	s.LabelMap.Close()
}

// GenerateParams 生成步骤的调用参数
type GenerateParams struct {
	Category       model.GarmentCategory
	Prompt         string
	NegativePrompt string
	// MemorySaving 受限档位下要求托管方启用省显存执行
	MemorySaving bool
}

// SegmentationProvider 语义分割：衣物/身体/面部掩码与标签图
type SegmentationProvider interface {
	Segment(ctx context.Context, person *gocv.Mat) (*Segmentation, error)
}

// PoseProvider 姿态关键点可视化图，尺寸与输入一致
type PoseProvider interface {
	ExtractPose(ctx context.Context, person *gocv.Mat) (gocv.Mat, error)
}

// FaceLocator 高精度人脸检测器，可选；返回的found为false是合法结果
type FaceLocator interface {
	Locate(ctx context.Context, person *gocv.Mat) (*model.BBox, bool, error)
}

// FaceEmbedder 人脸特征向量提取，可选；缺失不允许导致流水线失败
type FaceEmbedder interface {
	Embed(ctx context.Context, person *gocv.Mat) ([]float32, bool, error)
}

// GenerativeSynthesizer 生成式纹理合成。不假设其尊重掩码边界。
type GenerativeSynthesizer interface {
	Generate(ctx context.Context, composite, mask, conditioning *gocv.Mat,
		identityEmbedding []float32, params GenerateParams) (gocv.Mat, error)
}

// RefinementStage 可选的质量精修，纯增强、可跳过
type RefinementStage interface {
	Refine(ctx context.Context, img *gocv.Mat) (gocv.Mat, error)
}

// MemoryReleaser 托管方的瞬态显存释放，仅允许在任务之间调用
type MemoryReleaser interface {
	ReleaseMemory(ctx context.Context) error
}

// AcceleratorInfo 托管方上报的加速器信息
type AcceleratorInfo interface {
	VRAMCapacityMB(ctx context.Context) (int, error)
}

// Capabilities 启动时探测一次的可选能力开关，随配置线程化传递，
// 取代运行期的动态依赖探测
type Capabilities struct {
	FaceLocator bool
	FaceEmbed   bool
	Refinement  bool
}

// Collaborators 流水线的全部外部协作方，由宿主进程显式构造并注入编排器，
// 取代进程级全局模型注册表
type Collaborators struct {
	Segmenter SegmentationProvider
	Poser     PoseProvider
	FaceLoc   FaceLocator
	Embedder  FaceEmbedder
	Generator GenerativeSynthesizer
	Refiner   RefinementStage
	Releaser  MemoryReleaser
}
