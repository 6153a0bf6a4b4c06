package camera

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// applyTransform はJPEGフレームに向き補正をかけて再エンコードする
func applyTransform(frame RawFrame, t Transform) (RawFrame, error) {
	if t.IsIdentity() {
		return frame, nil
	}

	img, err := imaging.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return frame, fmt.Errorf("フレームのデコードに失敗: %w", err)
	}

	var out image.Image = img
	// imaging の回転は反時計回りなので時計回りの角度に読み替える
	switch ((t.Rotate % 360) + 360) % 360 {
	case 90:
		out = imaging.Rotate270(out)
	case 180:
		out = imaging.Rotate180(out)
	case 270:
		out = imaging.Rotate90(out)
	}
	if t.FlipH {
		out = imaging.FlipH(out)
	}
	if t.FlipV {
		out = imaging.FlipV(out)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return frame, fmt.Errorf("フレームのエンコードに失敗: %w", err)
	}

	bounds := out.Bounds()
	return RawFrame{
		Data:   buf.Bytes(),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// ValidRotation は回転角度が対応している値かを返す
func ValidRotation(deg int) bool {
	switch deg {
	case 0, 90, 180, 270:
		return true
	}
	return false
}
