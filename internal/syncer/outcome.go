package syncer

import (
	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/metadata"
)

// State is the orchestrator's position in a sync run.
type State string

const (
	StateIdle                  State = "IDLE"
	StateValidatingSession     State = "VALIDATING_SESSION"
	StateReconcilingQueue      State = "RECONCILING_QUEUE"
	StateUploadingAttachments  State = "UPLOADING_ATTACHMENTS"
	StateSyncing               State = "SYNCING"
	StateApplyingPushResults   State = "APPLYING_PUSH_RESULTS"
	StateApplyingPulledChanges State = "APPLYING_PULLED_CHANGES"
	StateAdvancingWatermarks   State = "ADVANCING_WATERMARKS"
	StateFailed                State = "FAILED"
)

// Status classifies a finished run for the trigger host.
type Status string

const (
	// StatusSuccess means the run completed; nothing needs to be retried by the host.
	StatusSuccess Status = "success"
	// StatusRetry means a transient failure; the host should schedule another attempt.
	StatusRetry Status = "retry"
	// StatusFailure means the attempt budget is spent; the host should stop retrying.
	StatusFailure Status = "failure"
)

// Outcome reports what one sync run did.
type Outcome struct {
	Status  Status
	Attempt int
	Reason  string

	Reconciled        int
	Pushed            int
	FailedOperations  int
	RolledBack        int
	Pulled            int
	Skipped           int
	Conflicted        []entities.EntityType
	AttachmentsFailed int
	// FollowUp is set when operations were still due after a successful run.
	FollowUp bool
}

// Successful reports whether the host can consider the data in sync.
func (o Outcome) Successful() bool {
	return o.Status == StatusSuccess
}

// StatusReport is the observable sync state of one user.
type StatusReport struct {
	State              State
	PendingOperations  int64
	FailedOperations   int64
	PendingAttachments int64
	Types              []metadata.SyncMetadata
}
