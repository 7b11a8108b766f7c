package guard

// Operation is the closed set of sensitive operations the guard reviews.
// Each variant has exactly one handler; the dispatch switch in Validate is
// exhaustive over these types.
type Operation interface {
	isOperation()
	Kind() string
}

// CreateRecord covers creating a handoff or similar narrative record.
type CreateRecord struct {
	WorkItemID string
	RecordKind string
	Narrative  map[string]string
}

// CreateArtifactFile covers writing a file-like artifact to a path.
type CreateArtifactFile struct {
	WorkItemID string
	TargetPath string
}

// CheckDuplicate asks whether an open record already exists for the pair.
type CheckDuplicate struct {
	WorkItemID string
	RecordKind string
}

// CheckStoreCompliance verifies the required tables exist.
type CheckStoreCompliance struct{}

// Comprehensive runs every applicable check for a pending record creation.
type Comprehensive struct {
	WorkItemID string
	RecordKind string
	TargetPath string
	Narrative  map[string]string
}

func (CreateRecord) isOperation()         {}
func (CreateArtifactFile) isOperation()   {}
func (CheckDuplicate) isOperation()       {}
func (CheckStoreCompliance) isOperation() {}
func (Comprehensive) isOperation()        {}

func (CreateRecord) Kind() string         { return "create-record" }
func (CreateArtifactFile) Kind() string   { return "create-artifact-file" }
func (CheckDuplicate) Kind() string       { return "check-duplicate" }
func (CheckStoreCompliance) Kind() string { return "check-store-compliance" }
func (Comprehensive) Kind() string        { return "comprehensive" }
