package service

import (
	"image"

	"gocv.io/x/gocv"

	"github.com/TIANLI0/WearKit/model"
	"github.com/TIANLI0/WearKit/utils"
)

// BlendResult 融合结果；SeamlessUsed为false表示泊松克隆失败，走了直接alpha合成
type BlendResult struct {
	Image        gocv.Mat
	SeamlessUsed bool
}

// CompositorBlendEngine 负责把生成内容融回原图：
// 边界无缝克隆、面部羽化还原、直方图光照匹配。
type CompositorBlendEngine struct {
	erodeKernel int
	facePadding int
}

func NewCompositorBlendEngine(erodeKernel, facePadding int) *CompositorBlendEngine {
	return &CompositorBlendEngine{
		erodeKernel: erodeKernel,
		facePadding: facePadding,
	}
}

// Blend 执行完整融合流程。faceBBox为nil时跳过面部还原。
// 面部还原是独立于掩码硬排除的第二道身份保护，不假设生成步骤尊重掩码边界。
func (e *CompositorBlendEngine) Blend(original, generated, clothingMask *gocv.Mat, faceBBox *model.BBox) BlendResult {
	// 1. 腐蚀掩码把融合接缝拉到名义边缘内侧几个像素
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse,
		image.Point{X: e.erodeKernel, Y: e.erodeKernel})
	defer kernel.Close()

	eroded := gocv.NewMat()
	defer eroded.Close()
	gocv.ErodeWithParams(*clothingMask, &eroded, kernel, image.Point{X: -1, Y: -1},
		2, int(gocv.BorderConstant))

	var blended gocv.Mat
	seamless := false

	if gocv.CountNonZero(eroded) > 0 {
		blended, seamless = e.seamlessClone(original, generated, &eroded)
		if !seamless {
			utils.Logger.Warn("seamless clone failed, falling back to alpha compositing")
			blended = alphaComposite(original, generated, clothingMask)
		}
	} else {
		blended = alphaComposite(original, generated, clothingMask)
	}

	// 2. 面部安全网：把原图面部像素用径向羽化场贴回合成结果
	if faceBBox != nil && !faceBBox.Empty() {
		e.restoreFace(&blended, original, *faceBBox)
	}

	// 3. 逐通道直方图匹配，消除生成引入的光照偏移
	matched := MatchHistogram(&blended, original)
	blended.Close()

	return BlendResult{Image: matched, SeamlessUsed: seamless}
}

// seamlessClone 在画布中心锚点做梯度域无缝克隆；求解失败时返回false
func (e *CompositorBlendEngine) seamlessClone(original, generated, mask *gocv.Mat) (gocv.Mat, bool) {
	center := image.Point{X: original.Cols() / 2, Y: original.Rows() / 2}

	blended := gocv.NewMat()
	gocv.SeamlessClone(*generated, *original, *mask, center, &blended, gocv.NormalClone)

	if blended.Empty() {
		blended.Close()
		return gocv.Mat{}, false
	}
	return blended, true
}

// restoreFace 从外扩矩形重新取出原图像素，构造归一化的羽化alpha场后贴回
func (e *CompositorBlendEngine) restoreFace(blended *gocv.Mat, original *gocv.Mat, bbox model.BBox) {
	padded := PadClip(bbox, e.facePadding, original.Cols(), original.Rows())
	r := padded.Rect()
	if r.Empty() {
		return
	}

	fw := r.Dx()
	fh := r.Dy()

	// 平滑的均匀场，核尺寸约为区域的四分之一，截到51并保证为奇数
	feather := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(1, 0, 0, 0), fh, fw, gocv.MatTypeCV32F)
	defer feather.Close()

	kw := min(fw/4*2+1, 51)
	kh := min(fh/4*2+1, 51)
	gocv.GaussianBlur(feather, &feather, image.Point{X: kw, Y: kh}, 0, 0, gocv.BorderDefault)

	_, maxVal, _, _ := gocv.MinMaxIdx(feather)
	if maxVal <= 0 {
		return
	}
	feather.DivideFloat(float32(maxVal))

	faceRegion := original.Region(r)
	defer faceRegion.Close()
	blendRegion := blended.Region(r)
	defer blendRegion.Close()

	for y := 0; y < fh; y++ {
		for x := 0; x < fw; x++ {
			a := float64(feather.GetFloatAt(y, x))
			for c := 0; c < 3; c++ {
				orig := float64(faceRegion.GetUCharAt(y, x*3+c))
				gen := float64(blendRegion.GetUCharAt(y, x*3+c))
				blendRegion.SetUCharAt(y, x*3+c, uint8(orig*a+gen*(1-a)+0.5))
			}
		}
	}
}

// alphaComposite 用二值掩码直接把生成像素覆盖到原图
func alphaComposite(original, generated, mask *gocv.Mat) gocv.Mat {
	out := original.Clone()
	generated.CopyToWithMask(&out, *mask)
	return out
}

// CompositeReference 把变形后的衣物贴进人物图的掩码区域，作为生成步骤的参考底图
func CompositeReference(person, warped, mask *gocv.Mat) gocv.Mat {
	out := person.Clone()
	warped.CopyToWithMask(&out, *mask)
	return out
}

// MatchHistogram 把src的每个通道通过累积分布查找表匹配到ref的通道直方图
func MatchHistogram(src, ref *gocv.Mat) gocv.Mat {
	srcChannels := gocv.Split(*src)
	refChannels := gocv.Split(*ref)
	defer func() {
		for i := range srcChannels {
			srcChannels[i].Close()
			refChannels[i].Close()
		}
	}()

	outChannels := make([]gocv.Mat, len(srcChannels))
	for c := range srcChannels {
		lut := buildMatchLUT(&srcChannels[c], &refChannels[c])

		out := gocv.NewMat()
		gocv.LUT(srcChannels[c], lut, &out)
		lut.Close()
		outChannels[c] = out
	}

	matched := gocv.NewMat()
	gocv.Merge(outChannels, &matched)
	for i := range outChannels {
		outChannels[i].Close()
	}
	return matched
}

// buildMatchLUT 由两条归一化CDF插值出 0..255 的映射表
func buildMatchLUT(src, ref *gocv.Mat) gocv.Mat {
	srcCDF := channelCDF(src)
	refCDF := channelCDF(ref)

	lut := gocv.NewMatWithSize(1, 256, gocv.MatTypeCV8U)
	j := 0
	for v := 0; v < 256; v++ {
		q := srcCDF[v]
		for j < 255 && refCDF[j] < q {
			j++
		}
		mapped := float64(j)
		if j > 0 && refCDF[j] > q {
			// 在相邻两级之间线性插值
			lo, hi := refCDF[j-1], refCDF[j]
			if hi > lo {
				mapped = float64(j-1) + (q-lo)/(hi-lo)
			}
		}
		lut.SetUCharAt(0, v, uint8(mapped+0.5))
	}
	return lut
}

// channelCDF 计算单通道的归一化累积直方图
func channelCDF(ch *gocv.Mat) [256]float64 {
	hist := gocv.NewMat()
	defer hist.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	gocv.CalcHist([]gocv.Mat{*ch}, []int{0}, mask, &hist, []int{256}, []float64{0, 256}, false)

	var cdf [256]float64
	sum := 0.0
	for i := 0; i < 256; i++ {
		sum += float64(hist.GetFloatAt(i, 0))
		cdf[i] = sum
	}
	if sum > 0 {
		for i := range cdf {
			cdf[i] /= sum
		}
	}
	return cdf
}
