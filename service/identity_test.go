package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/TIANLI0/WearKit/model"
)

func TestIdentityMaskNoCandidates(t *testing.T) {
	mask := newMask(t, 64, 64)
	fillRect(&mask, model.BBox{X1: 0, Y1: 0, X2: 64, Y2: 64}, 255)

	im := NewIdentityMask(30)
	out, protected := im.Apply(&mask, nil)
	defer out.Close()

	assert.False(t, protected)
	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(mask, out, &diff)
	assert.Zero(t, gocv.CountNonZero(diff))
}

func TestIdentityMaskNilAndEmptyCandidatesSkipped(t *testing.T) {
	mask := newMask(t, 64, 64)
	fillRect(&mask, model.BBox{X1: 0, Y1: 0, X2: 64, Y2: 64}, 255)

	im := NewIdentityMask(0)
	out, protected := im.Apply(&mask, []*model.BBox{nil, {X1: 10, Y1: 10, X2: 10, Y2: 20}})
	defer out.Close()

	assert.False(t, protected)
	assert.Equal(t, 64*64, gocv.CountNonZero(out))
}

func TestIdentityMaskZeroesProtectedRect(t *testing.T) {
	mask := gocv.NewMatWithSize(1024, 1024, gocv.MatTypeCV8U)
	defer mask.Close()
	fillRect(&mask, model.BBox{X1: 0, Y1: 0, X2: 1024, Y2: 1024}, 255)

	im := NewIdentityMask(30)
	out, protected := im.Apply(&mask, []*model.BBox{{X1: 100, Y1: 100, X2: 300, Y2: 300}})
	defer out.Close()

	require.True(t, protected)

	// 外扩30后受保护矩形为 (70,70)-(330,330)
	assert.Equal(t, uint8(0), out.GetUCharAt(70, 70))
	assert.Equal(t, uint8(0), out.GetUCharAt(200, 200))
	assert.Equal(t, uint8(0), out.GetUCharAt(329, 329))
	assert.Equal(t, uint8(255), out.GetUCharAt(69, 69))
	assert.Equal(t, uint8(255), out.GetUCharAt(330, 330))
	assert.Equal(t, uint8(255), out.GetUCharAt(500, 500))

	zeroed := 1024*1024 - gocv.CountNonZero(out)
	assert.Equal(t, 260*260, zeroed)
}

func TestIdentityMaskCandidatePriority(t *testing.T) {
	mask := newMask(t, 100, 100)
	fillRect(&mask, model.BBox{X1: 0, Y1: 0, X2: 100, Y2: 100}, 255)

	precise := &model.BBox{X1: 10, Y1: 10, X2: 20, Y2: 20}
	fallback := &model.BBox{X1: 50, Y1: 50, X2: 90, Y2: 90}

	im := NewIdentityMask(0)
	out, protected := im.Apply(&mask, []*model.BBox{precise, fallback})
	defer out.Close()

	require.True(t, protected)
	// 只有第一个非空候选框被置零
	assert.Equal(t, uint8(0), out.GetUCharAt(15, 15))
	assert.Equal(t, uint8(255), out.GetUCharAt(70, 70))
}

func TestIdentityMaskDoesNotMutateInput(t *testing.T) {
	mask := newMask(t, 64, 64)
	fillRect(&mask, model.BBox{X1: 0, Y1: 0, X2: 64, Y2: 64}, 255)

	im := NewIdentityMask(5)
	out, _ := im.Apply(&mask, []*model.BBox{{X1: 10, Y1: 10, X2: 30, Y2: 30}})
	defer out.Close()

	assert.Equal(t, 64*64, gocv.CountNonZero(mask))
}
