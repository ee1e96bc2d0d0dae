package tensor

import "github.com/pkg/errors"

// AddInto accumulates src into dst element-wise. Both tensors must be
// host-resident with matching dtype and element count.
func AddInto(dst, src Tensor) error {
	if err := checkHostPair(dst, src); err != nil {
		return err
	}
	n := dst.NumElements()
	switch dst.DType() {
	case Float32:
		d, s := float32View(dst.Data()), float32View(src.Data())
		for i := 0; i < n; i++ {
			d[i] += s[i]
		}
	case Float64:
		d, s := float64View(dst.Data()), float64View(src.Data())
		for i := 0; i < n; i++ {
			d[i] += s[i]
		}
	case Int32:
		d, s := int32View(dst.Data()), int32View(src.Data())
		for i := 0; i < n; i++ {
			d[i] += s[i]
		}
	case Int64:
		d, s := int64View(dst.Data()), int64View(src.Data())
		for i := 0; i < n; i++ {
			d[i] += s[i]
		}
	default:
		return errors.Errorf("unsupported dtype %v", dst.DType())
	}
	return nil
}

// DivScalar divides every element of a host-resident tensor in place.
// Integral dtypes use truncating division, matching the host framework's
// in-place division on integral tensors.
func DivScalar(t Tensor, divisor int) error {
	if divisor == 0 {
		return errors.New("division by zero")
	}
	if t.Device() != CPUDevice || t.Data() == nil {
		return errors.Errorf("DivScalar needs a host-resident tensor, got device %v", t.Device())
	}
	n := t.NumElements()
	switch t.DType() {
	case Float32:
		d := float32View(t.Data())
		for i := 0; i < n; i++ {
			d[i] /= float32(divisor)
		}
	case Float64:
		d := float64View(t.Data())
		for i := 0; i < n; i++ {
			d[i] /= float64(divisor)
		}
	case Int32:
		d := int32View(t.Data())
		for i := 0; i < n; i++ {
			d[i] /= int32(divisor)
		}
	case Int64:
		d := int64View(t.Data())
		for i := 0; i < n; i++ {
			d[i] /= int64(divisor)
		}
	default:
		return errors.Errorf("unsupported dtype %v", t.DType())
	}
	return nil
}

func checkHostPair(dst, src Tensor) error {
	if dst.Device() != CPUDevice || src.Device() != CPUDevice {
		return errors.New("both tensors must be host-resident")
	}
	if dst.DType() != src.DType() {
		return errors.Errorf("dtype mismatch: %v vs %v", dst.DType(), src.DType())
	}
	if dst.NumElements() != src.NumElements() {
		return errors.Errorf("element count mismatch: %d vs %d", dst.NumElements(), src.NumElements())
	}
	return nil
}
