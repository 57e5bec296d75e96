package utils

import (
	"encoding/base64"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// DecodeImage 解码上传的图片字节为BGR Mat
func DecodeImage(data []byte) (gocv.Mat, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to decode image: %w", err)
	}
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("decoded image is empty")
	}
	return img, nil
}

// EncodePNG 将Mat编码为PNG字节
func EncodePNG(img gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(".png", img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	defer buf.Close()

	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}

// EncodePNGBase64 将Mat编码为base64 PNG字符串
func EncodePNGBase64(img gocv.Mat) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ResizeToSquare 保持长宽比缩放并用白底填充为 size x size 正方形
func ResizeToSquare(img gocv.Mat, size int) gocv.Mat {
	width := img.Cols()
	height := img.Rows()

	scale := float64(size) / float64(max(width, height))
	// 极端长宽比下取整可能得到0，夹到1避免Resize断言
	newWidth := max(int(float64(width)*scale), 1)
	newHeight := max(int(float64(height)*scale), 1)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Point{X: newWidth, Y: newHeight}, 0, 0, gocv.InterpolationArea)

	square := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), size, size, img.Type())
	xOff := (size - newWidth) / 2
	yOff := (size - newHeight) / 2

	roi := square.Region(image.Rect(xOff, yOff, xOff+newWidth, yOff+newHeight))
	defer roi.Close()
	resized.CopyTo(&roi)

	return square
}
