package engine

import "fmt"

// Stage is one step in the pipeline an operation traverses inside the
// engine.
type Stage int

const (
	StageReduce Stage = iota
	StageCoordinateReduce
	StageCopyDeviceToHost
	StagePush
	StagePull
	StageCopyHostToDevice
	StageCoordinateBroadcast
	StageBroadcast
)

func (s Stage) String() string {
	switch s {
	case StageReduce:
		return "reduce"
	case StageCoordinateReduce:
		return "coordinate-reduce"
	case StageCopyDeviceToHost:
		return "copy-d2h"
	case StagePush:
		return "push"
	case StagePull:
		return "pull"
	case StageCopyHostToDevice:
		return "copy-h2d"
	case StageCoordinateBroadcast:
		return "coordinate-broadcast"
	case StageBroadcast:
		return "broadcast"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}
