package service

import (
	"image"

	"gocv.io/x/gocv"

	"github.com/TIANLI0/WearKit/model"
)

// MaskBBox 计算掩码非零区域的边界框；掩码为空时返回nil
func MaskBBox(mask *gocv.Mat) *model.BBox {
	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(*mask, &binary, 127, 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(binary, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	if contours.Size() == 0 {
		return nil
	}

	var union image.Rectangle
	for i := 0; i < contours.Size(); i++ {
		r := gocv.BoundingRect(contours.At(i))
		if i == 0 {
			union = r
		} else {
			union = union.Union(r)
		}
	}

	return &model.BBox{
		X1: union.Min.X,
		Y1: union.Min.Y,
		X2: union.Max.X,
		Y2: union.Max.Y,
	}
}

// PadClip 外扩边界框并裁剪到画布范围内
func PadClip(b model.BBox, padding, width, height int) model.BBox {
	return model.BBox{
		X1: max(0, b.X1-padding),
		Y1: max(0, b.Y1-padding),
		X2: min(width, b.X2+padding),
		Y2: min(height, b.Y2+padding),
	}
}

// DilateMask 用椭圆核膨胀掩码，扩大生成步骤的可替换区域
func DilateMask(mask *gocv.Mat, kernelSize int) gocv.Mat {
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: kernelSize, Y: kernelSize})
	defer kernel.Close()

	dilated := gocv.NewMat()
	gocv.Dilate(*mask, &dilated, kernel)
	return dilated
}

// ZeroRect 将掩码中矩形区域内的像素全部置零
func ZeroRect(mask *gocv.Mat, b model.BBox) {
	r := b.Rect().Intersect(image.Rect(0, 0, mask.Cols(), mask.Rows()))
	if r.Empty() {
		return
	}
	region := mask.Region(r)
	defer region.Close()
	region.SetTo(gocv.NewScalar(0, 0, 0, 0))
}
