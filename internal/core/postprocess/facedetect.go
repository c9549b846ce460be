package postprocess

import (
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"

	"github.com/kabegame/kabegame/internal/kerrors"
)

// qualityThreshold discards low-confidence detections (knees, elbows, busy
// textures) that pigo's cascade sometimes reports as faces.
const qualityThreshold = 20.0

// expandFactor grows the raw detection (pigo tends to find only the
// eyes/nose/mouth "core") so the crop includes forehead and chin.
const expandFactor = 1.5

// pigoDetector is the concrete FaceDetector backing ModeFaceCrop/ModeFaceBoost,
// grounded on the teacher's smartImageProcessor.findBestFace: grayscale the
// image, run the cascade, cluster overlapping detections, and keep the
// largest one above the quality threshold.
type pigoDetector struct {
	classifier *pigo.Pigo
}

// LoadPigoDetector unpacks a pigo cascade file (e.g. "facefinder") from disk
// and returns a FaceDetector backed by it. Callers that have no cascade file
// available should simply pass a nil FaceDetector to postprocess.New instead
// of calling this — ModeFaceCrop/ModeFaceBoost fall back to plain smartcrop
// whenever faceModel is nil.
func LoadPigoDetector(cascadePath string) (FaceDetector, error) {
	data, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, kerrors.New(kerrors.KindFilesystem, "postprocess.LoadPigoDetector", err)
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, kerrors.New(kerrors.KindInvalidInput, "postprocess.LoadPigoDetector", err)
	}
	return &pigoDetector{classifier: classifier}, nil
}

// DetectBestFace implements FaceDetector.
func (d *pigoDetector) DetectBestFace(img image.Image) (image.Rectangle, bool) {
	pixels := pigo.RgbToGrayscale(img)
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	minDimension := width
	if height < minDimension {
		minDimension = height
	}

	params := pigo.CascadeParams{
		MinSize:     int(float64(minDimension) * 0.05),
		MaxSize:     minDimension,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   height,
			Cols:   width,
			Dim:    width,
		},
	}

	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, 0.2)

	var best pigo.Detection
	found := false
	for _, det := range dets {
		if det.Q <= qualityThreshold {
			continue
		}
		if !found || det.Scale > best.Scale {
			best = det
			found = true
		}
	}
	if !found {
		return image.Rectangle{}, false
	}

	expanded := int(float64(best.Scale) * expandFactor)
	box := image.Rect(
		best.Col-expanded/2, best.Row-expanded/2,
		best.Col+expanded/2, best.Row+expanded/2,
	).Intersect(bounds)
	return box, true
}
