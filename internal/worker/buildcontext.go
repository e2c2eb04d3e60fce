package worker

import (
	"github.com/jamiebuilds/ClusterRunner/internal/projecttype"
	"github.com/jamiebuilds/ClusterRunner/internal/singleusecoin"
)

// buildContext is created per build and replaces any previous context.
// It is owned exclusively by the Worker's current-build group, mutated
// only by setup and teardown paths.
type buildContext struct {
	buildID           int
	projectType       projecttype.ProjectType
	teardownCoin      *singleusecoin.Coin
	baseExecutorIndex int
}

func newBuildContext(buildID int, pt projecttype.ProjectType, baseExecutorIndex int) *buildContext {
	return &buildContext{
		buildID:           buildID,
		projectType:       pt,
		teardownCoin:      singleusecoin.New(),
		baseExecutorIndex: baseExecutorIndex,
	}
}
