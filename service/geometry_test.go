package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/TIANLI0/WearKit/model"
)

func newMask(t *testing.T, rows, cols int) gocv.Mat {
	t.Helper()
	mask := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8U)
	t.Cleanup(func() { mask.Close() })
	return mask
}

func fillRect(mask *gocv.Mat, b model.BBox, value uint8) {
	for y := b.Y1; y < b.Y2; y++ {
		for x := b.X1; x < b.X2; x++ {
			mask.SetUCharAt(y, x, value)
		}
	}
}

func TestMaskBBoxEmpty(t *testing.T) {
	mask := newMask(t, 64, 64)
	assert.Nil(t, MaskBBox(&mask))
}

func TestMaskBBoxCoversForeground(t *testing.T) {
	mask := newMask(t, 64, 64)
	fillRect(&mask, model.BBox{X1: 10, Y1: 20, X2: 30, Y2: 40}, 255)

	bbox := MaskBBox(&mask)
	require.NotNil(t, bbox)
	assert.Equal(t, 10, bbox.X1)
	assert.Equal(t, 20, bbox.Y1)
	assert.Equal(t, 30, bbox.X2)
	assert.Equal(t, 40, bbox.Y2)
}

func TestMaskBBoxIgnoresLowValues(t *testing.T) {
	mask := newMask(t, 32, 32)
	fillRect(&mask, model.BBox{X1: 0, Y1: 0, X2: 32, Y2: 32}, 100)
	assert.Nil(t, MaskBBox(&mask))
}

func TestPadClip(t *testing.T) {
	b := model.BBox{X1: 100, Y1: 100, X2: 300, Y2: 300}
	padded := PadClip(b, 30, 1024, 1024)
	assert.Equal(t, model.BBox{X1: 70, Y1: 70, X2: 330, Y2: 330}, padded)
}

func TestPadClipClampsToBounds(t *testing.T) {
	b := model.BBox{X1: 5, Y1: 5, X2: 1020, Y2: 1020}
	padded := PadClip(b, 30, 1024, 1024)
	assert.Equal(t, model.BBox{X1: 0, Y1: 0, X2: 1024, Y2: 1024}, padded)
}

func TestZeroRect(t *testing.T) {
	mask := newMask(t, 64, 64)
	fillRect(&mask, model.BBox{X1: 0, Y1: 0, X2: 64, Y2: 64}, 255)

	ZeroRect(&mask, model.BBox{X1: 10, Y1: 10, X2: 20, Y2: 20})

	assert.Equal(t, uint8(0), mask.GetUCharAt(15, 15))
	assert.Equal(t, uint8(0), mask.GetUCharAt(10, 10))
	assert.Equal(t, uint8(0), mask.GetUCharAt(19, 19))
	assert.Equal(t, uint8(255), mask.GetUCharAt(20, 20))
	assert.Equal(t, uint8(255), mask.GetUCharAt(9, 9))
	assert.Equal(t, uint8(255), mask.GetUCharAt(40, 40))
}

func TestZeroRectOutsideBounds(t *testing.T) {
	mask := newMask(t, 32, 32)
	fillRect(&mask, model.BBox{X1: 0, Y1: 0, X2: 32, Y2: 32}, 255)

	// 完全在画布之外的矩形不改变掩码
	ZeroRect(&mask, model.BBox{X1: 100, Y1: 100, X2: 200, Y2: 200})
	assert.Equal(t, 32*32, gocv.CountNonZero(mask))
}

func TestDilateMaskGrows(t *testing.T) {
	mask := newMask(t, 64, 64)
	fillRect(&mask, model.BBox{X1: 30, Y1: 30, X2: 34, Y2: 34}, 255)
	before := gocv.CountNonZero(mask)

	dilated := DilateMask(&mask, 5)
	defer dilated.Close()

	assert.Greater(t, gocv.CountNonZero(dilated), before)
}
