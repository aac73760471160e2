package models

import (
	"time"

	"gorm.io/datatypes"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // kcidb.flush.failed, kcidb.submission
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

const (
	KindIssue    = "issue"
	KindCheckout = "checkout"
	KindBuild    = "build"
	KindTest     = "test"
	KindIncident = "incident"
)

// Kinds lists record kinds in storage write order.
var Kinds = []string{KindIssue, KindCheckout, KindBuild, KindTest, KindIncident}

// KCIDB records. JSON tags follow the KCIDB I/O schema; FieldTimestamp is
// assigned by the ingester when the record is built.

type Issue struct {
	FieldTimestamp time.Time      `json:"_timestamp" gorm:"column:field_timestamp;not null"`
	ID             string         `json:"id" gorm:"primaryKey;column:id"`
	Version        int64          `json:"version" gorm:"primaryKey;autoIncrement:false;column:version"`
	Origin         string         `json:"origin" gorm:"column:origin;index"`
	ReportURL      *string        `json:"report_url,omitempty" gorm:"column:report_url"`
	ReportSubject  *string        `json:"report_subject,omitempty" gorm:"column:report_subject"`
	CulpritCode    *bool          `json:"culprit_code,omitempty" gorm:"column:culprit_code"`
	CulpritTool    *bool          `json:"culprit_tool,omitempty" gorm:"column:culprit_tool"`
	CulpritHarness *bool          `json:"culprit_harness,omitempty" gorm:"column:culprit_harness"`
	Comment        *string        `json:"comment,omitempty" gorm:"column:comment"`
	Categories     datatypes.JSON `json:"categories,omitempty" gorm:"column:categories"`
	Misc           datatypes.JSON `json:"misc,omitempty" gorm:"column:misc"`
}

func (Issue) TableName() string { return "issues" }

type Checkout struct {
	FieldTimestamp         time.Time      `json:"_timestamp" gorm:"column:field_timestamp;not null"`
	ID                     string         `json:"id" gorm:"primaryKey;column:id"`
	Origin                 string         `json:"origin" gorm:"column:origin;index"`
	TreeName               *string        `json:"tree_name,omitempty" gorm:"column:tree_name;index"`
	GitRepositoryURL       *string        `json:"git_repository_url,omitempty" gorm:"column:git_repository_url"`
	GitRepositoryBranch    *string        `json:"git_repository_branch,omitempty" gorm:"column:git_repository_branch"`
	GitRepositoryBranchTip *bool          `json:"git_repository_branch_tip,omitempty" gorm:"column:git_repository_branch_tip"`
	GitCommitHash          *string        `json:"git_commit_hash,omitempty" gorm:"column:git_commit_hash;index"`
	GitCommitName          *string        `json:"git_commit_name,omitempty" gorm:"column:git_commit_name"`
	GitCommitMessage       *string        `json:"git_commit_message,omitempty" gorm:"column:git_commit_message"`
	GitCommitTags          datatypes.JSON `json:"git_commit_tags,omitempty" gorm:"column:git_commit_tags"`
	PatchsetFiles          datatypes.JSON `json:"patchset_files,omitempty" gorm:"column:patchset_files"`
	PatchsetHash           *string        `json:"patchset_hash,omitempty" gorm:"column:patchset_hash"`
	MessageID              *string        `json:"message_id,omitempty" gorm:"column:message_id"`
	Comment                *string        `json:"comment,omitempty" gorm:"column:comment"`
	StartTime              *time.Time     `json:"start_time,omitempty" gorm:"column:start_time"`
	Contacts               datatypes.JSON `json:"contacts,omitempty" gorm:"column:contacts"`
	LogURL                 *string        `json:"log_url,omitempty" gorm:"column:log_url"`
	LogExcerpt             *string        `json:"log_excerpt,omitempty" gorm:"column:log_excerpt"`
	Valid                  *bool          `json:"valid,omitempty" gorm:"column:valid"`
	OriginBuildsFinishTime *time.Time     `json:"origin_builds_finish_time,omitempty" gorm:"column:origin_builds_finish_time"`
	OriginTestsFinishTime  *time.Time     `json:"origin_tests_finish_time,omitempty" gorm:"column:origin_tests_finish_time"`
	Misc                   datatypes.JSON `json:"misc,omitempty" gorm:"column:misc"`
}

func (Checkout) TableName() string { return "checkouts" }

type Build struct {
	FieldTimestamp time.Time      `json:"_timestamp" gorm:"column:field_timestamp;not null"`
	ID             string         `json:"id" gorm:"primaryKey;column:id"`
	CheckoutID     string         `json:"checkout_id" gorm:"column:checkout_id;index"`
	Origin         string         `json:"origin" gorm:"column:origin;index"`
	Comment        *string        `json:"comment,omitempty" gorm:"column:comment"`
	StartTime      *time.Time     `json:"start_time,omitempty" gorm:"column:start_time"`
	Duration       *float64       `json:"duration,omitempty" gorm:"column:duration"`
	Architecture   *string        `json:"architecture,omitempty" gorm:"column:architecture"`
	Command        *string        `json:"command,omitempty" gorm:"column:command"`
	Compiler       *string        `json:"compiler,omitempty" gorm:"column:compiler"`
	InputFiles     datatypes.JSON `json:"input_files,omitempty" gorm:"column:input_files"`
	OutputFiles    datatypes.JSON `json:"output_files,omitempty" gorm:"column:output_files"`
	ConfigName     *string        `json:"config_name,omitempty" gorm:"column:config_name"`
	ConfigURL      *string        `json:"config_url,omitempty" gorm:"column:config_url"`
	LogURL         *string        `json:"log_url,omitempty" gorm:"column:log_url"`
	LogExcerpt     *string        `json:"log_excerpt,omitempty" gorm:"column:log_excerpt"`
	Status         *string        `json:"status,omitempty" gorm:"column:status"`
	Misc           datatypes.JSON `json:"misc,omitempty" gorm:"column:misc"`
}

func (Build) TableName() string { return "builds" }

type TestEnvironment struct {
	Comment    *string        `json:"comment,omitempty"`
	Compatible datatypes.JSON `json:"compatible,omitempty"`
	Misc       datatypes.JSON `json:"misc,omitempty"`
}

type TestNumber struct {
	Value  *float64 `json:"value,omitempty"`
	Unit   *string  `json:"unit,omitempty"`
	Prefix *string  `json:"prefix,omitempty"`
}

// Test keeps the nested KCIDB environment and number objects for JSON and
// stores them flattened into columns; call Flatten after decoding.
type Test struct {
	FieldTimestamp time.Time        `json:"_timestamp" gorm:"column:field_timestamp;not null"`
	ID             string           `json:"id" gorm:"primaryKey;column:id"`
	BuildID        string           `json:"build_id" gorm:"column:build_id;index"`
	Origin         string           `json:"origin" gorm:"column:origin;index"`
	Path           *string          `json:"path,omitempty" gorm:"column:path"`
	Comment        *string          `json:"comment,omitempty" gorm:"column:comment"`
	LogURL         *string          `json:"log_url,omitempty" gorm:"column:log_url"`
	LogExcerpt     *string          `json:"log_excerpt,omitempty" gorm:"column:log_excerpt"`
	Status         *string          `json:"status,omitempty" gorm:"column:status"`
	StartTime      *time.Time       `json:"start_time,omitempty" gorm:"column:start_time"`
	Duration       *float64         `json:"duration,omitempty" gorm:"column:duration"`
	OutputFiles    datatypes.JSON   `json:"output_files,omitempty" gorm:"column:output_files"`
	Misc           datatypes.JSON   `json:"misc,omitempty" gorm:"column:misc"`
	Environment    *TestEnvironment `json:"environment,omitempty" gorm:"-"`
	Number         *TestNumber      `json:"number,omitempty" gorm:"-"`

	EnvironmentComment    *string        `json:"-" gorm:"column:environment_comment"`
	EnvironmentCompatible datatypes.JSON `json:"-" gorm:"column:environment_compatible"`
	EnvironmentMisc       datatypes.JSON `json:"-" gorm:"column:environment_misc"`
	NumberValue           *float64       `json:"-" gorm:"column:number_value"`
	NumberUnit            *string        `json:"-" gorm:"column:number_unit"`
	NumberPrefix          *string        `json:"-" gorm:"column:number_prefix"`
}

func (Test) TableName() string { return "tests" }

func (t *Test) Flatten() {
	if env := t.Environment; env != nil {
		t.EnvironmentComment = env.Comment
		t.EnvironmentCompatible = env.Compatible
		t.EnvironmentMisc = env.Misc
	}
	if num := t.Number; num != nil {
		t.NumberValue = num.Value
		t.NumberUnit = num.Unit
		t.NumberPrefix = num.Prefix
	}
}

type Incident struct {
	FieldTimestamp time.Time      `json:"_timestamp" gorm:"column:field_timestamp;not null"`
	ID             string         `json:"id" gorm:"primaryKey;column:id"`
	Origin         string         `json:"origin" gorm:"column:origin;index"`
	IssueID        string         `json:"issue_id" gorm:"column:issue_id;index"`
	IssueVersion   int64          `json:"issue_version" gorm:"column:issue_version"`
	BuildID        *string        `json:"build_id,omitempty" gorm:"column:build_id;index"`
	TestID         *string        `json:"test_id,omitempty" gorm:"column:test_id;index"`
	Present        *bool          `json:"present,omitempty" gorm:"column:present"`
	Comment        *string        `json:"comment,omitempty" gorm:"column:comment"`
	Misc           datatypes.JSON `json:"misc,omitempty" gorm:"column:misc"`
}

func (Incident) TableName() string { return "incidents" }

// Derived tables refreshed on every flush.

type TreeHead struct {
	Origin              string     `gorm:"primaryKey;column:origin"`
	TreeName            string     `gorm:"primaryKey;column:tree_name"`
	GitRepositoryURL    string     `gorm:"primaryKey;column:git_repository_url"`
	GitRepositoryBranch string     `gorm:"primaryKey;column:git_repository_branch"`
	CheckoutID          string     `gorm:"column:checkout_id"`
	GitCommitHash       *string    `gorm:"column:git_commit_hash"`
	StartTime           *time.Time `gorm:"column:start_time"`
	UpdatedAt           time.Time  `gorm:"column:updated_at"`
}

func (TreeHead) TableName() string { return "tree_heads" }

type CheckoutTestSummary struct {
	CheckoutID string    `gorm:"primaryKey;column:checkout_id"`
	PassTests  int64     `gorm:"column:pass_tests"`
	FailTests  int64     `gorm:"column:fail_tests"`
	SkipTests  int64     `gorm:"column:skip_tests"`
	ErrorTests int64     `gorm:"column:error_tests"`
	MissTests  int64     `gorm:"column:miss_tests"`
	DoneTests  int64     `gorm:"column:done_tests"`
	NullTests  int64     `gorm:"column:null_tests"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (CheckoutTestSummary) TableName() string { return "checkout_test_summaries" }

// AllTables returns the models managed by migrations.
func AllTables() []interface{} {
	return []interface{}{
		&Issue{}, &Checkout{}, &Build{}, &Test{}, &Incident{},
		&TreeHead{}, &CheckoutTestSummary{},
	}
}
