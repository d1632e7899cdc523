package calibration

import (
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// DefaultPath is where the CLI keeps the fitted model.
const DefaultPath = "quadrant-calibration.json"

// Record is the persisted form of a Model. The camera matrix is row-major.
type Record struct {
	CameraMatrix           []float64 `json:"cameraMatrix"`
	DistortionCoefficients []float64 `json:"distortionCoefficients"`
	RMSError               float64   `json:"rmsError"`
	ImageWidth             int       `json:"imageWidth,omitempty"`
	ImageHeight            int       `json:"imageHeight,omitempty"`
	FittedAt               time.Time `json:"fittedAt,omitempty"`
}

func (m *Model) Record() Record {
	return Record{
		CameraMatrix:           append([]float64(nil), m.camera.RawMatrix().Data...),
		DistortionCoefficients: m.Distortion(),
		RMSError:               m.rms,
		ImageWidth:             m.imageSize.X,
		ImageHeight:            m.imageSize.Y,
	}
}

func (r Record) Model() (*Model, error) {
	return NewModel(r.CameraMatrix, r.DistortionCoefficients, r.RMSError, image.Pt(r.ImageWidth, r.ImageHeight))
}

// Save writes the model to path, replacing any previous calibration only
// once the new record is fully written.
func Save(path string, m *Model) error {
	if m == nil {
		return pkgerrors.New("model is nil")
	}

	rec := m.Record()
	rec.FittedAt = time.Now().UTC()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode calibration")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return pkgerrors.Wrapf(err, "failed to create %s", dir)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return pkgerrors.Wrapf(err, "failed to replace %s", path)
	}

	return nil
}

// Load reads a model saved by Save. A missing file is not an error: it
// returns a nil model, which undistorts as a pass-through.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pkgerrors.Wrapf(err, "failed to read %s", path)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to decode %s", path)
	}

	m, err := rec.Model()
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "invalid calibration in %s", path)
	}
	return m, nil
}
