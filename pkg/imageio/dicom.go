package imageio

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"go.uber.org/zap"

	"diffspect/internal/models"
)

// LoadDicomSeries reads every DICOM file in dir, orders the slices along
// the scan axis and stacks them into a volume.
func LoadDicomSeries(dir string, logger *zap.Logger) (*models.Volume, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	// Step 1: Parse every file that looks like DICOM
	var slices []*models.Slice
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		slice, err := readDicomSlice(path)
		if err != nil {
			logger.Debug("Skipping file", zap.String("file", path), zap.Error(err))
			continue
		}
		slices = append(slices, slice)
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("no DICOM slices found in %s", dir)
	}

	// Step 2: Order along the scan axis
	sort.SliceStable(slices, func(i, j int) bool {
		if slices[i].Position != slices[j].Position {
			return slices[i].Position < slices[j].Position
		}
		return slices[i].Index < slices[j].Index
	})

	// Step 3: Stack
	first := slices[0]
	spacingZ := first.Thickness
	if len(slices) > 1 {
		if d := slices[1].Position - first.Position; d > 0 {
			spacingZ = d
		}
	}
	if spacingZ <= 0 {
		spacingZ = 1
	}

	v := models.NewVolume(first.Width, first.Height, len(slices),
		[3]float64{first.PixelSpacing[1], first.PixelSpacing[0], spacingZ})
	v.Origin[2] = first.Position
	plane := first.Width * first.Height
	for z, s := range slices {
		if s.Width != first.Width || s.Height != first.Height {
			return nil, fmt.Errorf("slice %s is %dx%d, expected %dx%d",
				s.Filename, s.Width, s.Height, first.Width, first.Height)
		}
		copy(v.Data[z*plane:(z+1)*plane], s.Pixels)
	}

	logger.Info("Loaded DICOM series",
		zap.String("dir", dir),
		zap.Int("slices", len(slices)),
		zap.Stringer("volume", v))
	return v, nil
}

// readDicomSlice parses one file into a rescaled slice
func readDicomSlice(path string) (*models.Slice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, err
	}

	rows, err := intTag(ds, tag.Rows)
	if err != nil {
		return nil, err
	}
	cols, err := intTag(ds, tag.Columns)
	if err != nil {
		return nil, err
	}

	slice := &models.Slice{
		Width:        cols,
		Height:       rows,
		Filename:     filepath.Base(path),
		Thickness:    floatTag(ds, tag.SliceThickness, 0, 1),
		PixelSpacing: [2]float64{floatTag(ds, tag.PixelSpacing, 0, 1), floatTag(ds, tag.PixelSpacing, 1, 1)},
	}
	if n, err := intTag(ds, tag.InstanceNumber); err == nil {
		slice.Index = n
	}
	slice.Position = floatTag(ds, tag.ImagePositionPatient, 2, float64(slice.Index)*slice.Thickness)

	pixelElem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no pixel data: %w", err)
	}
	info := dicom.MustGetPixelDataInfo(pixelElem.Value)
	if len(info.Frames) == 0 {
		return nil, fmt.Errorf("no frames in pixel data")
	}
	fr := info.Frames[0]
	if fr.Encapsulated {
		return nil, fmt.Errorf("encapsulated pixel data is not supported")
	}

	raw, err := nativeSamples(fr, rows*cols)
	if err != nil {
		return nil, err
	}

	signed := false
	if rep, err := intTag(ds, tag.PixelRepresentation); err == nil && rep == 1 {
		signed = true
	}
	bits := 16
	if b, err := intTag(ds, tag.BitsAllocated); err == nil {
		bits = b
	}
	slope := floatTag(ds, tag.RescaleSlope, 0, 1)
	intercept := floatTag(ds, tag.RescaleIntercept, 0, 0)

	slice.Pixels = make([]float64, rows*cols)
	for i, sample := range raw {
		value := float64(sample)
		if signed && bits < 64 && sample >= 1<<(bits-1) {
			value -= float64(uint64(1) << bits)
		}
		slice.Pixels[i] = value*slope + intercept
	}
	return slice, nil
}

// nativeSamples returns the first sample of each pixel as unsigned values
func nativeSamples(fr *frame.Frame, n int) ([]uint64, error) {
	out := make([]uint64, n)
	switch nf := fr.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		if len(nf.RawData) < n {
			return nil, fmt.Errorf("short pixel data")
		}
		for i := range out {
			out[i] = uint64(nf.RawData[i])
		}
	case *frame.NativeFrame[uint16]:
		if len(nf.RawData) < n {
			return nil, fmt.Errorf("short pixel data")
		}
		for i := range out {
			out[i] = uint64(nf.RawData[i])
		}
	case *frame.NativeFrame[uint32]:
		if len(nf.RawData) < n {
			return nil, fmt.Errorf("short pixel data")
		}
		for i := range out {
			out[i] = uint64(nf.RawData[i])
		}
	default:
		return nil, fmt.Errorf("unsupported native frame %T", fr.NativeData)
	}
	return out, nil
}

func intTag(ds dicom.Dataset, t tag.Tag) (int, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, err
	}
	switch elem.Value.ValueType() {
	case dicom.Ints:
		values := dicom.MustGetInts(elem.Value)
		if len(values) > 0 {
			return values[0], nil
		}
	case dicom.Strings:
		values := dicom.MustGetStrings(elem.Value)
		if len(values) > 0 {
			return strconv.Atoi(strings.TrimSpace(values[0]))
		}
	}
	return 0, fmt.Errorf("tag %v has no integer value", t)
}

// floatTag reads one entry of a decimal string tag, falling back to def
func floatTag(ds dicom.Dataset, t tag.Tag, index int, def float64) float64 {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return def
	}
	switch elem.Value.ValueType() {
	case dicom.Strings:
		values := dicom.MustGetStrings(elem.Value)
		if index < len(values) {
			if f, err := strconv.ParseFloat(strings.TrimSpace(values[index]), 64); err == nil {
				return f
			}
		}
	case dicom.Floats:
		values := elem.Value.GetValue().([]float64)
		if index < len(values) {
			return values[index]
		}
	}
	return def
}
