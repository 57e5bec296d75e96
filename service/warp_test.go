package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/TIANLI0/WearKit/model"
)

func newGarment(t *testing.T, rows, cols int) gocv.Mat {
	t.Helper()
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(40, 80, 120, 0), rows, cols, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { img.Close() })
	return img
}

func TestWarpEmptyPlacementMaskFallsBackToResize(t *testing.T) {
	garment := newGarment(t, 128, 128)
	mask := newMask(t, 128, 128)

	engine := NewGeometricWarpEngine(10, 5.0)
	result := engine.Warp(&garment, &mask, 64)
	defer result.Close()

	assert.Equal(t, WarpMethodResize, result.Method)
	assert.Equal(t, 64, result.Warped.Rows())
	assert.Equal(t, 64, result.Warped.Cols())
	assert.Equal(t, 64, result.Mask.Rows())
	assert.Equal(t, 64, result.Mask.Cols())
}

func TestWarpDegenerateGarmentBorderFallsBackToResize(t *testing.T) {
	garment := newGarment(t, 64, 64)
	mask := newMask(t, 64, 64)
	fillRect(&mask, model.BBox{X1: 10, Y1: 10, X2: 50, Y2: 50}, 255)

	// 边框吃掉整幅图时衣物内容框为空
	engine := NewGeometricWarpEngine(40, 5.0)
	result := engine.Warp(&garment, &mask, 64)
	defer result.Close()

	assert.Equal(t, WarpMethodResize, result.Method)
}

func TestWarpAlignsGarmentToPlacement(t *testing.T) {
	garment := newGarment(t, 256, 256)
	mask := newMask(t, 256, 256)
	fillRect(&mask, model.BBox{X1: 60, Y1: 80, X2: 200, Y2: 220}, 255)

	engine := NewGeometricWarpEngine(10, 5.0)
	result := engine.Warp(&garment, &mask, 256)
	defer result.Close()

	require.Contains(t, []string{WarpMethodTPS, WarpMethodHomography}, result.Method)
	assert.Equal(t, 256, result.Warped.Rows())
	assert.Equal(t, 256, result.Warped.Cols())

	// 放置区域中心应落有衣物像素
	center := result.Warped.GetVecbAt(150, 130)
	assert.NotEqual(t, uint8(0), center[2])
}

func TestSolveThinPlateSplineIdentity(t *testing.T) {
	pts := boundaryControlPoints(model.BBox{X1: 10, Y1: 20, X2: 90, Y2: 120})

	spline, err := solveThinPlateSpline(pts, pts)
	require.NoError(t, err)

	for _, p := range [][2]float64{{20, 10}, {70, 50}, {120, 90}, {55, 33}} {
		y, x := spline.At(p[0], p[1])
		assert.InDelta(t, p[0], y, 1e-6)
		assert.InDelta(t, p[1], x, 1e-6)
	}
}

func TestSolveThinPlateSplineTranslation(t *testing.T) {
	src := boundaryControlPoints(model.BBox{X1: 0, Y1: 0, X2: 100, Y2: 100})
	var dst [8][2]float64
	for i, p := range src {
		dst[i] = [2]float64{p[0] + 15, p[1] - 7}
	}

	spline, err := solveThinPlateSpline(src, dst)
	require.NoError(t, err)

	y, x := spline.At(50, 50)
	assert.InDelta(t, 65.0, y, 1e-6)
	assert.InDelta(t, 43.0, x, 1e-6)
}

func TestSolveThinPlateSplineDegenerate(t *testing.T) {
	// 所有控制点重合，方程组奇异
	var src, dst [8][2]float64
	for i := range src {
		src[i] = [2]float64{50, 50}
		dst[i] = [2]float64{60, 60}
	}

	_, err := solveThinPlateSpline(src, dst)
	assert.Error(t, err)
}

func TestBoundaryControlPoints(t *testing.T) {
	pts := boundaryControlPoints(model.BBox{X1: 0, Y1: 0, X2: 100, Y2: 200})

	assert.Equal(t, [2]float64{0, 0}, pts[0])
	assert.Equal(t, [2]float64{0, 50}, pts[1])
	assert.Equal(t, [2]float64{0, 100}, pts[2])
	assert.Equal(t, [2]float64{100, 100}, pts[3])
	assert.Equal(t, [2]float64{200, 100}, pts[4])
	assert.Equal(t, [2]float64{200, 50}, pts[5])
	assert.Equal(t, [2]float64{200, 0}, pts[6])
	assert.Equal(t, [2]float64{100, 0}, pts[7])
}
