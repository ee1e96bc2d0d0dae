package pushpull

import (
	"github.com/distml/pushpull/pkg/engine"
	"github.com/distml/pushpull/pkg/tensor"
)

// ResolveDevice returns the execution device owning t: tensor.CPUDevice
// for host memory, otherwise the accelerator index. Pure metadata read.
func ResolveDevice(t tensor.Tensor) tensor.DeviceID {
	return t.Device()
}

// RecordReady captures the synchronization point after which prior device
// work on t has finished and the engine may read the buffer. Without an
// accelerator runtime in the process there is no pending device work, so
// the signal has already fired; the engine still gates on it.
func RecordReady(t tensor.Tensor) engine.ReadySignal {
	return engine.Immediate()
}
