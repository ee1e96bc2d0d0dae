// Package tensor provides the buffer adapters the dispatch layer wraps
// around a host framework's tensors: element type, device placement, and
// raw byte access for host-resident data.
package tensor

import (
	"fmt"
	"unsafe"
)

// DType identifies the element type of a buffer.
type DType int

const (
	Float32 DType = iota
	Float64
	Int32
	Int64
)

// Size returns the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	}
	panic(fmt.Sprintf("unknown dtype %d", int(d)))
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// DeviceID identifies where a buffer lives. Non-negative values are
// accelerator indices.
type DeviceID int

// CPUDevice is the sentinel device for host-resident buffers.
const CPUDevice DeviceID = -1

func (d DeviceID) String() string {
	if d == CPUDevice {
		return "cpu"
	}
	return fmt.Sprintf("accelerator:%d", int(d))
}

// Tensor is the adapter around a framework buffer.
type Tensor interface {
	// Data returns the raw bytes of a host-resident buffer. Accelerator
	// buffers return nil; device memory is never exposed outside its
	// device context.
	Data() []byte
	ByteSize() int
	NumElements() int
	DType() DType
	Device() DeviceID
}

// HostTensor is a host-memory buffer backed by a Go slice.
type HostTensor struct {
	dtype DType
	data  []byte
}

var _ Tensor = (*HostTensor)(nil)

// NewHostTensor allocates a zeroed host tensor.
func NewHostTensor(dtype DType, numElements int) *HostTensor {
	return &HostTensor{
		dtype: dtype,
		data:  make([]byte, numElements*dtype.Size()),
	}
}

// FromFloat32 builds a host tensor holding a copy of values.
func FromFloat32(values []float32) *HostTensor {
	t := NewHostTensor(Float32, len(values))
	copy(t.Float32s(), values)
	return t
}

// FromFloat64 builds a host tensor holding a copy of values.
func FromFloat64(values []float64) *HostTensor {
	t := NewHostTensor(Float64, len(values))
	copy(t.Float64s(), values)
	return t
}

// FromInt64 builds a host tensor holding a copy of values.
func FromInt64(values []int64) *HostTensor {
	t := NewHostTensor(Int64, len(values))
	copy(t.Int64s(), values)
	return t
}

func (t *HostTensor) Data() []byte     { return t.data }
func (t *HostTensor) ByteSize() int    { return len(t.data) }
func (t *HostTensor) DType() DType     { return t.dtype }
func (t *HostTensor) Device() DeviceID { return CPUDevice }

func (t *HostTensor) NumElements() int {
	return len(t.data) / t.dtype.Size()
}

// Float32s returns the buffer viewed as float32 elements.
// Panics if the dtype does not match.
func (t *HostTensor) Float32s() []float32 {
	t.mustBe(Float32)
	return float32View(t.data)
}

// Float64s returns the buffer viewed as float64 elements.
// Panics if the dtype does not match.
func (t *HostTensor) Float64s() []float64 {
	t.mustBe(Float64)
	return float64View(t.data)
}

// Int32s returns the buffer viewed as int32 elements.
// Panics if the dtype does not match.
func (t *HostTensor) Int32s() []int32 {
	t.mustBe(Int32)
	return int32View(t.data)
}

// Int64s returns the buffer viewed as int64 elements.
// Panics if the dtype does not match.
func (t *HostTensor) Int64s() []int64 {
	t.mustBe(Int64)
	return int64View(t.data)
}

func (t *HostTensor) mustBe(dtype DType) {
	if t.dtype != dtype {
		panic(fmt.Sprintf("tensor is %v, requested view as %v", t.dtype, dtype))
	}
}

func float32View(data []byte) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(data))), len(data)/4)
}

func float64View(data []byte) []float64 {
	return unsafe.Slice((*float64)(unsafe.Pointer(unsafe.SliceData(data))), len(data)/8)
}

func int32View(data []byte) []int32 {
	return unsafe.Slice((*int32)(unsafe.Pointer(unsafe.SliceData(data))), len(data)/4)
}

func int64View(data []byte) []int64 {
	return unsafe.Slice((*int64)(unsafe.Pointer(unsafe.SliceData(data))), len(data)/8)
}
