package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/blackjack/webcam"
)

// jpegQuality は非圧縮フォーマットをJPEGに変換するときの品質
const jpegQuality = 85

// encodeJPEG はデバイスから読み出したバッファをJPEGに揃える
func encodeJPEG(format webcam.PixelFormat, data []byte, width, height int) ([]byte, error) {
	switch format {
	case fourcc("MJPG"):
		// MJPEGはそのままJPEGとして扱える。バッファはドライバに返すのでコピーする
		frame := make([]byte, len(data))
		copy(frame, data)
		return frame, nil
	case fourcc("YUYV"):
		return yuyvToJPEG(data, width, height)
	case fourcc("GREY"):
		return greyToJPEG(data, width, height)
	default:
		return nil, fmt.Errorf("変換できないピクセルフォーマット: 0x%08x", uint32(format))
	}
}

// yuyvToJPEG はYUYV(4:2:2)バッファをJPEGに変換する
func yuyvToJPEG(data []byte, width, height int) ([]byte, error) {
	if len(data) < width*height*2 {
		return nil, fmt.Errorf("YUYVバッファが短すぎます: %d < %d", len(data), width*height*2)
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := data[y*width*2:]
		for x := 0; x < width; x += 2 {
			i := x * 2
			img.Y[y*img.YStride+x] = row[i]
			img.Y[y*img.YStride+x+1] = row[i+2]
			ci := y*img.CStride + x/2
			img.Cb[ci] = row[i+1]
			img.Cr[ci] = row[i+3]
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// greyToJPEG は8bitグレースケールバッファをJPEGに変換する
func greyToJPEG(data []byte, width, height int) ([]byte, error) {
	if len(data) < width*height {
		return nil, fmt.Errorf("GREYバッファが短すぎます: %d < %d", len(data), width*height)
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+width], data[y*width:(y+1)*width])
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
