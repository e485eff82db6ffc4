package imageio

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"diffspect/internal/models"
)

// NIfTI-1 datatype codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352
)

// ErrNotNifti is returned when a stream does not carry a NIfTI-1 header
var ErrNotNifti = errors.New("not a NIfTI-1 image")

// niftiHeader is the on-disk NIfTI-1 header. Field order and sizes follow
// nifti1.h so the struct can be decoded with binary.Read.
type niftiHeader struct {
	SizeOfHdr      int32
	DataTypeUnused [10]byte
	DbName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte

	Dim        [8]int16
	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16
	DataType   int16
	BitPix     int16
	SliceStart int16
	PixDim     [8]float32
	VoxOffset  float32
	SclSlope   float32
	SclInter   float32
	SliceEnd   int16
	SliceCode  byte
	XYZTUnits  byte
	CalMax     float32
	CalMin     float32
	SliceDur   float32
	TOffset    float32
	GLMax      int32
	GLMin      int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

// readHeader decodes the header, trying little endian first
func readHeader(raw []byte) (*niftiHeader, binary.ByteOrder, error) {
	if len(raw) < niftiHeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes is shorter than a header", ErrNotNifti, len(raw))
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		h := &niftiHeader{}
		if err := binary.Read(bytes.NewReader(raw[:niftiHeaderSize]), order, h); err != nil {
			return nil, nil, fmt.Errorf("failed to decode NIfTI header: %w", err)
		}
		if h.SizeOfHdr != niftiHeaderSize {
			continue
		}
		if h.Dim[0] < 1 || h.Dim[0] > 7 {
			return nil, nil, fmt.Errorf("%w: dim[0]=%d", ErrNotNifti, h.Dim[0])
		}
		if h.Magic != [4]byte{'n', '+', '1', 0} {
			return nil, nil, fmt.Errorf("%w: only single file images are supported", ErrNotNifti)
		}
		return h, order, nil
	}
	return nil, nil, fmt.Errorf("%w: bad header size", ErrNotNifti)
}

func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case dtUint8, dtInt8:
		return 1, nil
	case dtInt16, dtUint16:
		return 2, nil
	case dtInt32, dtUint32, dtFloat32:
		return 4, nil
	case dtFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
}

// ReadNifti decodes a NIfTI-1 image. Gzip compressed streams are detected
// by their magic bytes. Only the first frame of 4D images is kept.
func ReadNifti(r io.Reader) (*models.Volume, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("failed to decompress image: %w", err)
		}
	}

	h, order, err := readHeader(raw)
	if err != nil {
		return nil, err
	}

	// Step 1: Geometry
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < int(h.Dim[0]); i++ {
		dims[i] = int(h.Dim[i+1])
	}
	frames := 1
	if h.Dim[0] >= 4 && h.Dim[4] > 1 {
		frames = int(h.Dim[4])
	}
	spacing := [3]float64{1, 1, 1}
	for i := 0; i < 3; i++ {
		if s := math.Abs(float64(h.PixDim[i+1])); s > 0 {
			spacing[i] = s
		}
	}

	v := models.NewVolume(dims[0], dims[1], dims[2], spacing)
	v.Frames = frames
	switch {
	case h.SFormCode > 0:
		v.Origin = [3]float64{float64(h.SRowX[3]), float64(h.SRowY[3]), float64(h.SRowZ[3])}
	case h.QFormCode > 0:
		v.Origin = [3]float64{float64(h.QOffsetX), float64(h.QOffsetY), float64(h.QOffsetZ)}
	}

	// Step 2: Voxel data
	size, err := bytesPerVoxel(h.DataType)
	if err != nil {
		return nil, err
	}
	offset := int(h.VoxOffset)
	if offset < niftiVoxOffset {
		offset = niftiVoxOffset
	}
	n := v.Len()
	if len(raw) < offset+n*size {
		return nil, fmt.Errorf("truncated NIfTI data: need %d bytes, have %d", offset+n*size, len(raw))
	}
	data := raw[offset:]

	for i := 0; i < n; i++ {
		b := data[i*size:]
		switch h.DataType {
		case dtUint8:
			v.Data[i] = float64(b[0])
		case dtInt8:
			v.Data[i] = float64(int8(b[0]))
		case dtInt16:
			v.Data[i] = float64(int16(order.Uint16(b)))
		case dtUint16:
			v.Data[i] = float64(order.Uint16(b))
		case dtInt32:
			v.Data[i] = float64(int32(order.Uint32(b)))
		case dtUint32:
			v.Data[i] = float64(order.Uint32(b))
		case dtFloat32:
			v.Data[i] = float64(math.Float32frombits(order.Uint32(b)))
		case dtFloat64:
			v.Data[i] = math.Float64frombits(order.Uint64(b))
		}
	}

	// Step 3: Intensity scaling
	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		slope, inter := float64(h.SclSlope), float64(h.SclInter)
		for i := range v.Data {
			v.Data[i] = v.Data[i]*slope + inter
		}
	}

	return v, nil
}

// WriteNifti encodes v as an uncompressed single file NIfTI-1 image with
// float32 voxels.
func WriteNifti(w io.Writer, v *models.Volume) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("cannot write image: %w", err)
	}

	h := &niftiHeader{
		SizeOfHdr: niftiHeaderSize,
		Regular:   'r',
		DataType:  dtFloat32,
		BitPix:    32,
		VoxOffset: niftiVoxOffset,
		SclSlope:  1,
		XYZTUnits: 2, // mm
		QFormCode: 1,
		SFormCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(v.Width), int16(v.Height), int16(v.Depth), 1, 1, 1, 1}
	spacing := v.Spacing()
	h.PixDim = [8]float32{1, float32(spacing[0]), float32(spacing[1]), float32(spacing[2]), 1, 1, 1, 1}
	h.QOffsetX, h.QOffsetY, h.QOffsetZ = float32(v.Origin[0]), float32(v.Origin[1]), float32(v.Origin[2])
	h.SRowX = [4]float32{float32(spacing[0]), 0, 0, float32(v.Origin[0])}
	h.SRowY = [4]float32{0, float32(spacing[1]), 0, float32(v.Origin[1])}
	h.SRowZ = [4]float32{0, 0, float32(spacing[2]), float32(v.Origin[2])}
	copy(h.Descrip[:], v.Description)

	var buf bytes.Buffer
	buf.Grow(niftiVoxOffset + 4*v.Len())
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("failed to encode NIfTI header: %w", err)
	}
	// Empty extension flag
	buf.Write([]byte{0, 0, 0, 0})

	var word [4]byte
	for _, value := range v.Data {
		binary.LittleEndian.PutUint32(word[:], math.Float32bits(float32(value)))
		buf.Write(word[:])
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}

// WriteNiftiGz encodes v as a gzip compressed NIfTI-1 image
func WriteNiftiGz(w io.Writer, v *models.Volume) error {
	zw := gzip.NewWriter(w)
	if err := WriteNifti(zw, v); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}
