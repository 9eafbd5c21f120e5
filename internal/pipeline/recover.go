package pipeline

import (
	"errors"

	"broadlistening/internal/core"
	"broadlistening/internal/workspace"
)

// RecoverStatus rebuilds a run's status from its workspace. The persisted
// status.json wins; when it is missing or unreadable the status is derived
// from which stage outputs are present.
func RecoverStatus(ws *workspace.Workspace) (core.Status, error) {
	var st core.Status
	err := ws.ReadJSON(workspace.StatusFile, &st)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, workspace.ErrArtifactMissing) && !errors.Is(err, workspace.ErrCorruptArtifact) {
		return core.Status{}, err
	}

	st = core.Status{State: core.RunCompleted}
	for _, stage := range core.Stages {
		missing := false
		for _, name := range StageOutputs(stage) {
			if !ws.Exists(name) {
				missing = true
				break
			}
		}
		if missing {
			st.State = core.RunRunning
			st.Stage = stage
			break
		}
		st.Completed = append(st.Completed, core.CompletedStage{Stage: stage})
	}
	return st, nil
}
