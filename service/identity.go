package service

import (
	"gocv.io/x/gocv"

	"github.com/TIANLI0/WearKit/model"
)

// IdentityMask 负责从替换掩码中硬排除面部区域。
// 这是身份保护的第一道防线：生成步骤无论自身行为如何都无法触碰被排除的像素。
type IdentityMask struct {
	padding int
}

func NewIdentityMask(padding int) *IdentityMask {
	return &IdentityMask{padding: padding}
}

// Apply 按优先级选取第一个非空候选框，外扩裁剪后置零掩码内的像素。
// 返回的protected为false表示没有可用的面部框，掩码原样返回，由调用方记录降级。
func (im *IdentityMask) Apply(mask *gocv.Mat, candidates []*model.BBox) (gocv.Mat, bool) {
	out := mask.Clone()

	var chosen *model.BBox
	for _, c := range candidates {
		if c != nil && !c.Empty() {
			chosen = c
			break
		}
	}
	if chosen == nil {
		return out, false
	}

	padded := PadClip(*chosen, im.padding, mask.Cols(), mask.Rows())
	ZeroRect(&out, padded)

	return out, true
}
