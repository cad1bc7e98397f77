package domain

import "time"

// ActivityCard is one statement of work submitted by a panelist
type ActivityCard struct {
	ID        string    `json:"id"`
	RawText   string    `json:"raw_text"`
	GroupID   string    `json:"group_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ClusterStrength labels a cluster by its member count
type ClusterStrength string

const (
	StrengthStable ClusterStrength = "stable"
	StrengthWeak   ClusterStrength = "weak"
)

// Cluster is a candidate grouping of activity cards
type Cluster struct {
	ClusterID      string          `json:"cluster_id"`
	MemberIDs      []string        `json:"member_ids"`
	SuggestedTitle string          `json:"suggested_title"`
	Strength       ClusterStrength `json:"strength"`
}

// PerformanceCriterion is the measurable outcome of a work step
type PerformanceCriterion struct {
	Verb      string `json:"verb"`
	Object    string `json:"object"`
	Qualifier string `json:"qualifier"`
	PCText    string `json:"pc_text"`
}

// WorkStep is an atomic action within a work activity
type WorkStep struct {
	WSCode               string                `json:"ws_code"`
	WSText               string                `json:"ws_text"`
	PerformanceCriterion *PerformanceCriterion `json:"performance_criterion,omitempty"`
}

// WorkActivity groups work steps within a competency unit
type WorkActivity struct {
	WACode    string     `json:"wa_code"`
	WATitle   string     `json:"wa_title"`
	WorkSteps []WorkStep `json:"work_steps"`
}

// CompetencyUnit is a top-level certifiable skill area
type CompetencyUnit struct {
	CUCode         string         `json:"cu_code"`
	CUTitle        string         `json:"cu_title"`
	CUDescription  string         `json:"cu_description,omitempty"`
	WorkActivities []WorkActivity `json:"work_activities"`
}

// DocStatus is the lifecycle state of a CP document version
type DocStatus string

const (
	StatusDraft  DocStatus = "DRAFT"
	StatusLocked DocStatus = "LOCKED"
)

// IssueLevel separates blocking from advisory findings
type IssueLevel string

const (
	LevelError   IssueLevel = "ERROR"
	LevelWarning IssueLevel = "WARNING"
)

// Issue is one validator finding
type Issue struct {
	Level   IssueLevel `json:"level"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Path    string     `json:"path,omitempty"`
}

// ValidationResult is the outcome of a structural validation run
type ValidationResult struct {
	Passed    bool      `json:"passed"`
	Issues    []Issue   `json:"issues"`
	CheckedAt time.Time `json:"checked_at"`
}

// ErrorCount returns the number of ERROR-level issues
func (v ValidationResult) ErrorCount() int {
	n := 0
	for _, is := range v.Issues {
		if is.Level == LevelError {
			n++
		}
	}
	return n
}

// Audit records who touched a document version and when
type Audit struct {
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
	LockedBy   string     `json:"locked_by,omitempty"`
	LockID     string     `json:"lock_id,omitempty"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
	UnlockedBy string     `json:"unlocked_by,omitempty"`
}

// CPDocument is one version of a competency profile for a (session, CU) pair
type CPDocument struct {
	SessionID      string           `json:"session_id"`
	CUCode         string           `json:"cu_code"`
	CUTitle        string           `json:"cu_title"`
	CUDescription  string           `json:"cu_description,omitempty"`
	Language       string           `json:"language"`
	Version        int              `json:"version"`
	Status         DocStatus        `json:"status"`
	WorkActivities []WorkActivity   `json:"work_activities"`
	Validation     ValidationResult `json:"validation"`
	Audit          Audit            `json:"audit"`
}

// Unit returns the CU shape of the document
func (d CPDocument) Unit() CompetencyUnit {
	return CompetencyUnit{
		CUCode:         d.CUCode,
		CUTitle:        d.CUTitle,
		CUDescription:  d.CUDescription,
		WorkActivities: d.WorkActivities,
	}
}

// ReferenceCURecord is an externally sourced competency unit
type ReferenceCURecord struct {
	CUCode        string `json:"cu_code"`
	CUTitle       string `json:"cu_title"`
	CUDescription string `json:"cu_description"`
	SourceRef     string `json:"source_ref"`
}

// CatalogProgress marks how far a catalog build has advanced
type CatalogProgress struct {
	LastPage   int       `json:"last_page"`
	TotalCount int       `json:"total_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Confidence is a discrete band derived from a similarity score
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
	ConfidenceNone   Confidence = "NONE"
)

// Decision is the accept/reject outcome of a match
type Decision string

const (
	DecisionMatch   Decision = "MATCH"
	DecisionNoMatch Decision = "NO_MATCH"
)

// MatchInput identifies the local CU a match result belongs to
type MatchInput struct {
	CUCode  string `json:"cu_code"`
	CUTitle string `json:"cu_title"`
}

// MatchCandidate is one ranked catalog entry
type MatchCandidate struct {
	CUCode  string  `json:"cu_code"`
	CUTitle string  `json:"cu_title"`
	Score   float64 `json:"score"`
}

// MatchResult ranks the reference catalog against one local CU
type MatchResult struct {
	InputCU    MatchInput       `json:"input_cu"`
	Candidates []MatchCandidate `json:"candidates"`
	BestScore  float64          `json:"best_score"`
	Confidence Confidence       `json:"confidence"`
	Decision   Decision         `json:"decision"`
}
