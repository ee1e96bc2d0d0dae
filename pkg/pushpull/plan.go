package pushpull

import "github.com/distml/pushpull/pkg/engine"

// PlanStages builds the ordered pipeline an operation traverses. The root
// reduces and broadcasts; on a distributed job the reduced value takes
// the host push/pull hop through the parameter tier in between.
// Non-root workers rendezvous with the root through coordination stages
// on both sides, whatever the topology.
//
// Role and topology are static for a job but cheap to read, so the plan
// is rebuilt per call rather than cached.
func PlanStages(isRoot, isDistributed bool) []engine.Stage {
	if !isRoot {
		return []engine.Stage{
			engine.StageCoordinateReduce,
			engine.StageReduce,
			engine.StageCoordinateBroadcast,
			engine.StageBroadcast,
		}
	}
	stages := []engine.Stage{engine.StageReduce}
	if isDistributed {
		stages = append(stages,
			engine.StageCopyDeviceToHost,
			engine.StagePush,
			engine.StagePull,
			engine.StageCopyHostToDevice,
		)
	}
	return append(stages, engine.StageBroadcast)
}
