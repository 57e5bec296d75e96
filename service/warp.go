package service

import (
	"image"
	"image/color"
	"math"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/TIANLI0/WearKit/model"
	"github.com/TIANLI0/WearKit/utils"
)

// 几何对齐最终采用的方法
const (
	WarpMethodTPS        = "tps"
	WarpMethodHomography = "homography"
	WarpMethodResize     = "resize"
)

// WarpResult 几何对齐结果；Method记录实际走到的分支，调用方据此打日志
type WarpResult struct {
	Warped gocv.Mat
	Mask   gocv.Mat
	Method string
}

func (r *WarpResult) Close() {
	r.Warped.Close()
	r.Mask.Close()
}

// GeometricWarpEngine 负责将衣物图像对齐到人物的衣物区域：
// 先用四角单应变换做粗对齐，再用薄板样条位移场做非刚性细化。
type GeometricWarpEngine struct {
	garmentBorder   int
	ransacThreshold float64
}

func NewGeometricWarpEngine(garmentBorder int, ransacThreshold float64) *GeometricWarpEngine {
	return &GeometricWarpEngine{
		garmentBorder:   garmentBorder,
		ransacThreshold: ransacThreshold,
	}
}

// Warp 将衣物图像变形到放置掩码指示的区域，输出目标尺寸的画布。
// 任一边界框为空时返回直接缩放的衣物图，属于定义好的回退而非错误。
func (e *GeometricWarpEngine) Warp(garment, placementMask *gocv.Mat, targetSize int) WarpResult {
	resized := gocv.NewMat()
	gocv.Resize(*garment, &resized, image.Point{X: targetSize, Y: targetSize}, 0, 0, gocv.InterpolationLinear)

	maskResized := gocv.NewMat()
	gocv.Resize(*placementMask, &maskResized, image.Point{X: targetSize, Y: targetSize}, 0, 0, gocv.InterpolationLinear)
	gocv.Threshold(maskResized, &maskResized, 127, 255, gocv.ThresholdBinary)

	garmentMask := e.garmentContentMask(targetSize)
	defer garmentMask.Close()

	srcBBox := MaskBBox(&garmentMask)
	dstBBox := MaskBBox(&maskResized)

	if srcBBox == nil || dstBBox == nil {
		utils.Logger.Warn("no valid bounding box, returning resized garment")
		return WarpResult{Warped: resized, Mask: maskResized, Method: WarpMethodResize}
	}

	coarse, ok := e.homographyWarp(&resized, *srcBBox, *dstBBox, targetSize)
	if !ok {
		utils.Logger.Warn("homography estimation degenerate, returning resized garment")
		return WarpResult{Warped: resized, Mask: maskResized, Method: WarpMethodResize}
	}
	resized.Close()

	refined, ok := e.tpsRefine(&coarse, *srcBBox, *dstBBox)
	if !ok {
		// 薄板样条退化时静默回退到单应结果
		return WarpResult{Warped: coarse, Mask: maskResized, Method: WarpMethodHomography}
	}
	coarse.Close()

	return WarpResult{Warped: refined, Mask: maskResized, Method: WarpMethodTPS}
}

// garmentContentMask 构造衣物图自身的内容掩码：整幅为前景，四周留边置零
func (e *GeometricWarpEngine) garmentContentMask(size int) gocv.Mat {
	b := e.garmentBorder
	if 2*b >= size {
		// 边缘吃掉整幅图，内容框为空
		return gocv.NewMatWithSize(size, size, gocv.MatTypeCV8U)
	}
	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), size, size, gocv.MatTypeCV8U)
	if b <= 0 {
		return mask
	}
	ZeroRect(&mask, model.BBox{X1: 0, Y1: 0, X2: size, Y2: b})
	ZeroRect(&mask, model.BBox{X1: 0, Y1: size - b, X2: size, Y2: size})
	ZeroRect(&mask, model.BBox{X1: 0, Y1: 0, X2: b, Y2: size})
	ZeroRect(&mask, model.BBox{X1: size - b, Y1: 0, X2: size, Y2: size})
	return mask
}

// homographyWarp 用RANSAC估计四角对应的透视变换并重采样
func (e *GeometricWarpEngine) homographyWarp(img *gocv.Mat, src, dst model.BBox, targetSize int) (gocv.Mat, bool) {
	srcPts := bboxCorners(src)
	dstPts := bboxCorners(dst)

	srcMat := gocv.NewMatWithSize(4, 1, gocv.MatTypeCV64FC2)
	defer srcMat.Close()
	dstMat := gocv.NewMatWithSize(4, 1, gocv.MatTypeCV64FC2)
	defer dstMat.Close()

	for i := 0; i < 4; i++ {
		srcMat.SetDoubleAt(i, 0, srcPts[i][0])
		srcMat.SetDoubleAt(i, 1, srcPts[i][1])
		dstMat.SetDoubleAt(i, 0, dstPts[i][0])
		dstMat.SetDoubleAt(i, 1, dstPts[i][1])
	}

	inliers := gocv.NewMat()
	defer inliers.Close()

	// 使用RANSAC而非最小二乘以容忍分割边缘噪声
	h := gocv.FindHomography(srcMat, &dstMat, gocv.HomograpyMethodRANSAC,
		e.ransacThreshold, &inliers, 2000, 0.995)
	defer h.Close()

	if h.Empty() {
		return gocv.Mat{}, false
	}

	warped := gocv.NewMat()
	gocv.WarpPerspective(*img, &warped, h, image.Point{X: targetSize, Y: targetSize})
	return warped, true
}

// tpsRefine 用八个边界控制点拟合薄板样条位移场并重采样单应结果。
// 拟合方向为目标到源的逆映射，直接作为Remap的采样坐标。
func (e *GeometricWarpEngine) tpsRefine(img *gocv.Mat, src, dst model.BBox) (gocv.Mat, bool) {
	srcCtrl := boundaryControlPoints(src)
	dstCtrl := boundaryControlPoints(dst)

	spline, err := solveThinPlateSpline(dstCtrl, srcCtrl)
	if err != nil {
		utils.Logger.Debug("thin plate spline solve failed, keeping homography result",
			zap.Error(err))
		return gocv.Mat{}, false
	}

	rows := img.Rows()
	cols := img.Cols()

	mapX := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)
	defer mapX.Close()
	mapY := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)
	defer mapY.Close()

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			sy, sx := spline.At(float64(y), float64(x))
			mapX.SetFloatAt(y, x, float32(sx))
			mapY.SetFloatAt(y, x, float32(sy))
		}
	}

	warped := gocv.NewMat()
	gocv.Remap(*img, &warped, &mapX, &mapY, gocv.InterpolationLinear,
		gocv.BorderConstant, color.RGBA{})
	return warped, true
}

// bboxCorners 边界框四角，(x,y)顺序供单应估计使用
func bboxCorners(b model.BBox) [4][2]float64 {
	x1, y1 := float64(b.X1), float64(b.Y1)
	x2, y2 := float64(b.X2), float64(b.Y2)
	return [4][2]float64{
		{x1, y1}, {x2, y1}, {x2, y2}, {x1, y2},
	}
}

// boundaryControlPoints 边界框的四角加四条边中点，(row,col)顺序
func boundaryControlPoints(b model.BBox) [8][2]float64 {
	x1, y1 := float64(b.X1), float64(b.Y1)
	x2, y2 := float64(b.X2), float64(b.Y2)
	xm := (x1 + x2) / 2
	ym := (y1 + y2) / 2
	return [8][2]float64{
		{y1, x1}, {y1, xm}, {y1, x2},
		{ym, x2}, {y2, x2},
		{y2, xm}, {y2, x1},
		{ym, x1},
	}
}

// thinPlateSpline 稀疏对应点插值出的平滑位移场
type thinPlateSpline struct {
	control [8][2]float64
	// 两个输出通道各自的权重: 8个径向基系数 + 3个仿射系数
	wy [11]float64
	wx [11]float64
}

// solveThinPlateSpline 求解薄板样条系数。
// 线性方程组 [K P; P^T 0] · w = v 由gonum求解；矩阵奇异时返回错误。
func solveThinPlateSpline(from, to [8][2]float64) (*thinPlateSpline, error) {
	const n = 8
	a := mat.NewDense(n+3, n+3, nil)
	rhs := mat.NewDense(n+3, 2, nil)

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, tpsKernel(from[i][0]-from[j][0], from[i][1]-from[j][1]))
		}
		a.Set(i, n, 1)
		a.Set(i, n+1, from[i][0])
		a.Set(i, n+2, from[i][1])
		a.Set(n, i, 1)
		a.Set(n+1, i, from[i][0])
		a.Set(n+2, i, from[i][1])

		rhs.Set(i, 0, to[i][0])
		rhs.Set(i, 1, to[i][1])
	}

	var sol mat.Dense
	if err := sol.Solve(a, rhs); err != nil {
		return nil, err
	}

	tps := &thinPlateSpline{control: from}
	for i := 0; i < n+3; i++ {
		tps.wy[i] = sol.At(i, 0)
		tps.wx[i] = sol.At(i, 1)
	}
	return tps, nil
}

// At 求位移场在 (row,col) 处的取值
func (t *thinPlateSpline) At(y, x float64) (float64, float64) {
	const n = 8
	oy := t.wy[n] + t.wy[n+1]*y + t.wy[n+2]*x
	ox := t.wx[n] + t.wx[n+1]*y + t.wx[n+2]*x
	for i := 0; i < n; i++ {
		u := tpsKernel(y-t.control[i][0], x-t.control[i][1])
		oy += t.wy[i] * u
		ox += t.wx[i] * u
	}
	return oy, ox
}

// tpsKernel 薄板样条径向基 U(r) = r^2·log(r)
func tpsKernel(dy, dx float64) float64 {
	r2 := dy*dy + dx*dx
	if r2 == 0 {
		return 0
	}
	return 0.5 * r2 * math.Log(r2)
}
