package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/TIANLI0/WearKit/config"
	"github.com/TIANLI0/WearKit/model"
	"github.com/TIANLI0/WearKit/utils"
)

// ModelHostClient 推理边车的HTTP客户端，实现全部协作方接口。
// 图像以base64 PNG在JSON里传输。
type ModelHostClient struct {
	baseURL string
	client  *http.Client
}

func NewModelHostClient(cfg *config.ModelHostConfig) *ModelHostClient {
	return &ModelHostClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type imagePayload struct {
	Image string `json:"image"`
}

type segmentResponse struct {
	ClothingMask string      `json:"clothing_mask"`
	BodyMask     string      `json:"body_mask"`
	FaceMask     string      `json:"face_mask"`
	FaceBBox     *model.BBox `json:"face_bbox,omitempty"`
	LabelMap     string      `json:"label_map"`
}

type bboxResponse struct {
	BBox *model.BBox `json:"bbox,omitempty"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding,omitempty"`
}

type generateRequest struct {
	Composite      string    `json:"composite"`
	Mask           string    `json:"mask"`
	Conditioning   string    `json:"conditioning"`
	Embedding      []float32 `json:"identity_embedding,omitempty"`
	Category       string    `json:"garment_category"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt"`
	MemorySaving   bool      `json:"memory_saving"`
}

type infoResponse struct {
	VRAMCapacityMB int `json:"vram_capacity_mb"`
}

// Segment 调用 /segment
func (m *ModelHostClient) Segment(ctx context.Context, person *gocv.Mat) (*Segmentation, error) {
	img, err := utils.EncodePNGBase64(*person)
	if err != nil {
		return nil, err
	}

	var resp segmentResponse
	if err := m.post(ctx, "/segment", imagePayload{Image: img}, &resp); err != nil {
		return nil, err
	}

	clothing, err := decodeGray(resp.ClothingMask)
	if err != nil {
		return nil, fmt.Errorf("bad clothing mask: %w", err)
	}
	body, err := decodeGray(resp.BodyMask)
	if err != nil {
		clothing.Close()
		return nil, fmt.Errorf("bad body mask: %w", err)
	}
	face, err := decodeGray(resp.FaceMask)
	if err != nil {
		clothing.Close()
		body.Close()
		return nil, fmt.Errorf("bad face mask: %w", err)
	}
	labels, err := decodeGray(resp.LabelMap)
	if err != nil {
		clothing.Close()
		body.Close()
		face.Close()
		return nil, fmt.Errorf("bad label map: %w", err)
	}

	return &Segmentation{
		ClothingMask: clothing,
		BodyMask:     body,
		FaceMask:     face,
		FaceBBox:     resp.FaceBBox,
		LabelMap:     labels,
	}, nil
}

// ExtractPose 调用 /pose
func (m *ModelHostClient) ExtractPose(ctx context.Context, person *gocv.Mat) (gocv.Mat, error) {
	img, err := utils.EncodePNGBase64(*person)
	if err != nil {
		return gocv.Mat{}, err
	}

	var resp imagePayload
	if err := m.post(ctx, "/pose", imagePayload{Image: img}, &resp); err != nil {
		return gocv.Mat{}, err
	}
	return decodeColor(resp.Image)
}

// Locate 调用 /face；404视为检测器未部署
func (m *ModelHostClient) Locate(ctx context.Context, person *gocv.Mat) (*model.BBox, bool, error) {
	img, err := utils.EncodePNGBase64(*person)
	if err != nil {
		return nil, false, err
	}

	var resp bboxResponse
	if err := m.post(ctx, "/face", imagePayload{Image: img}, &resp); err != nil {
		if isUnavailable(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if resp.BBox == nil {
		return nil, false, nil
	}
	return resp.BBox, true, nil
}

// Embed 调用 /embed；404视为嵌入器未部署
func (m *ModelHostClient) Embed(ctx context.Context, person *gocv.Mat) ([]float32, bool, error) {
	img, err := utils.EncodePNGBase64(*person)
	if err != nil {
		return nil, false, err
	}

	var resp embedResponse
	if err := m.post(ctx, "/embed", imagePayload{Image: img}, &resp); err != nil {
		if isUnavailable(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(resp.Embedding) == 0 {
		return nil, false, nil
	}
	return resp.Embedding, true, nil
}

// Generate 调用 /generate
func (m *ModelHostClient) Generate(ctx context.Context, composite, mask, conditioning *gocv.Mat,
	identityEmbedding []float32, params GenerateParams) (gocv.Mat, error) {

	compB64, err := utils.EncodePNGBase64(*composite)
	if err != nil {
		return gocv.Mat{}, err
	}
	maskB64, err := utils.EncodePNGBase64(*mask)
	if err != nil {
		return gocv.Mat{}, err
	}
	condB64, err := utils.EncodePNGBase64(*conditioning)
	if err != nil {
		return gocv.Mat{}, err
	}

	req := generateRequest{
		Composite:      compB64,
		Mask:           maskB64,
		Conditioning:   condB64,
		Embedding:      identityEmbedding,
		Category:       string(params.Category),
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		MemorySaving:   params.MemorySaving,
	}

	var resp imagePayload
	if err := m.post(ctx, "/generate", req, &resp); err != nil {
		return gocv.Mat{}, err
	}
	return decodeColor(resp.Image)
}

// Refine 调用 /refine
func (m *ModelHostClient) Refine(ctx context.Context, img *gocv.Mat) (gocv.Mat, error) {
	b64, err := utils.EncodePNGBase64(*img)
	if err != nil {
		return gocv.Mat{}, err
	}

	var resp imagePayload
	if err := m.post(ctx, "/refine", imagePayload{Image: b64}, &resp); err != nil {
		return gocv.Mat{}, err
	}
	return decodeColor(resp.Image)
}

// ReleaseMemory 调用 /release，要求托管方释放瞬态显存
func (m *ModelHostClient) ReleaseMemory(ctx context.Context) error {
	return m.post(ctx, "/release", struct{}{}, nil)
}

// VRAMCapacityMB 调用 /info 查询加速器显存容量
func (m *ModelHostClient) VRAMCapacityMB(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/info", nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("model host /info returned %d", resp.StatusCode)
	}

	var info infoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return 0, err
	}
	return info.VRAMCapacityMB, nil
}

// ProbeCapabilities 启动时探测一次可选端点的可用性
func (m *ModelHostClient) ProbeCapabilities(ctx context.Context) Capabilities {
	caps := Capabilities{
		FaceLocator: m.endpointExists(ctx, "/face"),
		FaceEmbed:   m.endpointExists(ctx, "/embed"),
		Refinement:  m.endpointExists(ctx, "/refine"),
	}
	utils.Logger.Info("model host capabilities probed",
		zap.Bool("face_locator", caps.FaceLocator),
		zap.Bool("face_embed", caps.FaceEmbed),
		zap.Bool("refinement", caps.Refinement))
	return caps
}

func (m *ModelHostClient) endpointExists(ctx context.Context, path string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, m.baseURL+path, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode != http.StatusNotFound
}

func (m *ModelHostClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("model host %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("model host %s: %w", path, model.ErrCollaboratorUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model host %s returned %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isUnavailable(err error) bool {
	return errors.Is(err, model.ErrCollaboratorUnavailable)
}

func decodeGray(b64 string) (gocv.Mat, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return gocv.Mat{}, err
	}
	img, err := gocv.IMDecode(data, gocv.IMReadGrayScale)
	if err != nil {
		return gocv.Mat{}, err
	}
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("decoded mask is empty")
	}
	return img, nil
}

func decodeColor(b64 string) (gocv.Mat, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return gocv.Mat{}, err
	}
	return utils.DecodeImage(data)
}
