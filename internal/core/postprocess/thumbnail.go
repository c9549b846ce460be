package postprocess

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/muesli/smartcrop"
	smartcropimaging "github.com/muesli/smartcrop/nfnt"
)

// resizeLongestSide shrinks img so its longest side is maxSide pixels,
// using Lanczos resampling (§4.4: "generate a thumbnail... saved... with
// Lanczos resampling"). Images already at or under maxSide on both axes are
// returned unchanged.
func resizeLongestSide(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return img
	}
	if w >= h {
		return imaging.Resize(img, maxSide, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, maxSide, imaging.Lanczos)
}

// frame applies the configured Mode's cropping strategy before resize
// (§4.4's face-aware variants). ModePlain returns img unchanged; ModeFaceCrop
// and ModeFaceBoost try face detection first and fall back to a
// content-aware smartcrop window, mirroring the teacher's
// FittedFaceCropImgDir/FittedFaceBoostImgDir split (see DESIGN.md).
func (p *Processor) frame(img image.Image) image.Image {
	switch p.mode {
	case ModeFaceCrop:
		return p.frameFaceCrop(img)
	case ModeFaceBoost:
		return p.frameFaceBoost(img)
	default:
		return img
	}
}

func (p *Processor) frameFaceCrop(img image.Image) image.Image {
	if p.faceModel != nil {
		if box, ok := p.faceModel.DetectBestFace(img); ok {
			return cropAroundBox(img, box)
		}
	}
	return smartCrop(img)
}

// frameFaceBoost biases the crop window toward the detected face's region
// without hard-cropping to it: it still runs smartcrop over the full frame,
// but only when no face is found, preferring the looser face-centric crop
// otherwise so more of the surrounding scene survives than face-crop mode
// keeps.
func (p *Processor) frameFaceBoost(img image.Image) image.Image {
	if p.faceModel != nil {
		if box, ok := p.faceModel.DetectBestFace(img); ok {
			return cropAroundBox(img, expandBox(box, img.Bounds(), 1.6))
		}
	}
	return smartCrop(img)
}

// cropAroundBox crops img to a square-ish window centered on box, clamped
// to img's bounds.
func cropAroundBox(img image.Image, box image.Rectangle) image.Image {
	return imaging.Crop(img, box.Intersect(img.Bounds()))
}

// expandBox grows box by factor around its center, clamped to bounds.
func expandBox(box image.Rectangle, bounds image.Rectangle, factor float64) image.Rectangle {
	cx := (box.Min.X + box.Max.X) / 2
	cy := (box.Min.Y + box.Max.Y) / 2
	hw := int(float64(box.Dx()) * factor / 2)
	hh := int(float64(box.Dy()) * factor / 2)
	r := image.Rect(cx-hw, cy-hh, cx+hw, cy+hh)
	return r.Intersect(bounds)
}

// smartCrop picks a salient-region crop window via muesli/smartcrop and
// returns the cropped image, falling back to the original on any analyzer
// error (smartcrop can fail on degenerate tiny images).
func smartCrop(img image.Image) image.Image {
	analyzer := smartcrop.NewAnalyzer(smartcropimaging.NewDefaultResizer())
	b := img.Bounds()
	targetW, targetH := b.Dx(), b.Dy()
	if targetW > targetH {
		targetH = targetW * 3 / 4
	} else {
		targetW = targetH * 3 / 4
	}
	rect, err := analyzer.FindBestCrop(img, targetW, targetH)
	if err != nil {
		return img
	}
	return imaging.Crop(img, rect)
}
