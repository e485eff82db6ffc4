// Package imageio reads and writes the volumes a study works on: NIfTI-1
// files (plain or gzip compressed) and directories of DICOM slices.
package imageio

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"diffspect/internal/models"
)

// IsNifti reports whether the path names a NIfTI file
func IsNifti(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

// Load reads a volume from a NIfTI file or a DICOM directory
func Load(path string, logger *zap.Logger) (*models.Volume, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to access %s: %w", path, err)
	}
	if info.IsDir() {
		v, err := LoadDicomSeries(path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load DICOM series %s: %w", path, err)
		}
		v.Description = filepath.Base(path)
		return v, nil
	}
	if !IsNifti(path) {
		return nil, fmt.Errorf("unsupported image file %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	v, err := ReadNifti(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	v.Description = filepath.Base(path)
	if v.Frames > 1 {
		logger.Warn("Image has several frames, using the first",
			zap.String("file", path),
			zap.Int("frames", v.Frames))
	}
	logger.Debug("Loaded image", zap.String("file", path), zap.Stringer("volume", v))
	return v, nil
}

// Save writes v as NIfTI, compressed when the name ends in .gz
func Save(path string, v *models.Volume) error {
	if !IsNifti(path) {
		return fmt.Errorf("unsupported output file %s: expected .nii or .nii.gz", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		err = WriteNiftiGz(f, v)
	} else {
		err = WriteNifti(f, v)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return f.Close()
}

// Codec stores volumes as gzip compressed NIfTI-1 blobs
type Codec struct{}

// EncodeImage serializes v
func (Codec) EncodeImage(v *models.Volume) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteNiftiGz(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeImage parses data produced by EncodeImage
func (Codec) DecodeImage(data []byte) (*models.Volume, error) {
	return ReadNifti(bytes.NewReader(data))
}
