package session

import "github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"

// transitions lists the forward edges of the lifecycle. Failed and Cancelled
// are reachable from every non-terminal phase and are not listed.
var transitions = map[uploadtypes.Phase][]uploadtypes.Phase{
	uploadtypes.PhaseIdle:                {uploadtypes.PhaseAcquiringCredential},
	uploadtypes.PhaseAcquiringCredential: {uploadtypes.PhasePlanning, uploadtypes.PhaseTransferring},
	uploadtypes.PhasePlanning:            {uploadtypes.PhaseTransferring},
	uploadtypes.PhaseTransferring:        {uploadtypes.PhaseAcquiringCredential, uploadtypes.PhaseFinalizing},
	uploadtypes.PhaseFinalizing:          {uploadtypes.PhaseCompleted},
}

// CanTransition reports whether a session may move from one phase to another.
func CanTransition(from, to uploadtypes.Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == uploadtypes.PhaseFailed || to == uploadtypes.PhaseCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
