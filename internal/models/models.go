package models

import (
	"time"
)

// Repository is a GitHub repository tracked by the pipeline.
// GithubID is the canonical deduplication key; ID is the locally
// generated stable identifier.
type Repository struct {
	ID                 string     `json:"id" db:"id"`
	GithubID           int64      `json:"github_id" db:"github_id"`
	FullName           string     `json:"full_name" db:"full_name"`
	Name               string     `json:"name" db:"name"`
	Description        *string    `json:"description" db:"description"`
	URL                *string    `json:"url" db:"url"`
	Stars              int        `json:"stars" db:"stars"`
	Forks              int        `json:"forks" db:"forks"`
	Watchers           int        `json:"watchers" db:"watchers"`
	OpenIssues         int        `json:"open_issues" db:"open_issues"`
	Size               int64      `json:"size" db:"size"`
	Language           *string    `json:"language" db:"language"`
	License            *string    `json:"license" db:"license"`
	DefaultBranch      string     `json:"default_branch" db:"default_branch"`
	IsFork             bool       `json:"is_fork" db:"is_fork"`
	IsArchived         bool       `json:"is_archived" db:"is_archived"`
	ActivityLevel      string     `json:"activity_level" db:"activity_level"`
	LastPushedAt       *time.Time `json:"last_pushed_at" db:"last_pushed_at"`
	OwnerID            *string    `json:"owner_id" db:"owner_id"`
	OwnerGithubID      *int64     `json:"owner_github_id" db:"owner_github_id"`
	IsEnriched         bool       `json:"is_enriched" db:"is_enriched"`
	EnrichmentAttempts int        `json:"enrichment_attempts" db:"enrichment_attempts"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// Activity levels derived from commit frequency.
const (
	ActivityHigh   = "high"
	ActivityMedium = "medium"
	ActivityLow    = "low"
)

// Contributor is a GitHub user (or a placeholder for one). Username is
// nullable: anonymous and email-only authors are stored as placeholders
// keyed by their upstream id until enrichment fills the profile.
type Contributor struct {
	ID                  string     `json:"id" db:"id"`
	GithubID            int64      `json:"github_id" db:"github_id"`
	Username            *string    `json:"username" db:"username"`
	Name                *string    `json:"name" db:"name"`
	AvatarURL           *string    `json:"avatar_url" db:"avatar_url"`
	Bio                 *string    `json:"bio" db:"bio"`
	Company             *string    `json:"company" db:"company"`
	Blog                *string    `json:"blog" db:"blog"`
	Location            *string    `json:"location" db:"location"`
	Twitter             *string    `json:"twitter" db:"twitter"`
	Followers           int        `json:"followers" db:"followers"`
	PublicRepos         int        `json:"public_repos" db:"public_repos"`
	ImpactScore         float64    `json:"impact_score" db:"impact_score"`
	Role                string     `json:"role" db:"role"`
	TopLanguages        JSONText   `json:"top_languages" db:"top_languages"`
	Organizations       JSONText   `json:"organizations" db:"organizations"`
	FirstContributionAt *time.Time `json:"first_contribution_at" db:"first_contribution_at"`
	LastContributionAt  *time.Time `json:"last_contribution_at" db:"last_contribution_at"`
	CommitsCount        int        `json:"commits_count" db:"commits_count"`
	MergedPRsCount      int        `json:"merged_prs_count" db:"merged_prs_count"`
	RejectedPRsCount    int        `json:"rejected_prs_count" db:"rejected_prs_count"`
	ReviewsCount        int        `json:"reviews_count" db:"reviews_count"`
	IsPlaceholder       bool       `json:"is_placeholder" db:"is_placeholder"`
	IsBot               bool       `json:"is_bot" db:"is_bot"`
	IsEnriched          bool       `json:"is_enriched" db:"is_enriched"`
	EnrichmentAttempts  int        `json:"enrichment_attempts" db:"enrichment_attempts"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// MergeRequest states. GitHub reports open/closed plus a merged flag;
// the processor folds those into three states.
const (
	MRStateOpen   = "open"
	MRStateClosed = "closed"
	MRStateMerged = "merged"
)

// MergeRequest is a pull request, unique per (repository github id, number).
type MergeRequest struct {
	ID                 string     `json:"id" db:"id"`
	GithubID           int64      `json:"github_id" db:"github_id"`
	Number             int        `json:"number" db:"number"`
	RepositoryID       string     `json:"repository_id" db:"repository_id"`
	RepositoryGithubID int64      `json:"repository_github_id" db:"repository_github_id"`
	AuthorID           string     `json:"author_id" db:"author_id"`
	AuthorGithubID     int64      `json:"author_github_id" db:"author_github_id"`
	Title              string     `json:"title" db:"title"`
	Description        *string    `json:"description" db:"description"`
	State              string     `json:"state" db:"state"`
	IsDraft            bool       `json:"is_draft" db:"is_draft"`
	OpenedAt           time.Time  `json:"opened_at" db:"opened_at"`
	LastActivityAt     *time.Time `json:"last_activity_at" db:"last_activity_at"`
	ClosedAt           *time.Time `json:"closed_at" db:"closed_at"`
	MergedAt           *time.Time `json:"merged_at" db:"merged_at"`
	MergedBy           *string    `json:"merged_by" db:"merged_by"`
	CommitsCount       int        `json:"commits_count" db:"commits_count"`
	Additions          int        `json:"additions" db:"additions"`
	Deletions          int        `json:"deletions" db:"deletions"`
	ChangedFiles       int        `json:"changed_files" db:"changed_files"`
	ReviewsCount       int        `json:"reviews_count" db:"reviews_count"`
	CommentsCount      int        `json:"comments_count" db:"comments_count"`
	ComplexityScore    float64    `json:"complexity_score" db:"complexity_score"`
	ReviewTimeHours    *float64   `json:"review_time_hours" db:"review_time_hours"`
	CycleTimeHours     *float64   `json:"cycle_time_hours" db:"cycle_time_hours"`
	Labels             JSONText   `json:"labels" db:"labels"`
	SourceBranch       string     `json:"source_branch" db:"source_branch"`
	TargetBranch       string     `json:"target_branch" db:"target_branch"`
	IsEnriched         bool       `json:"is_enriched" db:"is_enriched"`
	CommitsSynced      bool       `json:"commits_synced" db:"commits_synced"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// CommitSyncTask is one merge request awaiting its commit fetch,
// joined with the repository name the upstream calls need. The flag
// behind it lives in the database, so a run that dies mid-stage leaves
// its remaining work visible to the next one.
type CommitSyncTask struct {
	MergeRequestID string `json:"merge_request_id" db:"merge_request_id"`
	GithubID       int64  `json:"github_id" db:"github_id"`
	Number         int    `json:"number" db:"number"`
	RepositoryID   string `json:"repository_id" db:"repository_id"`
	RepoGithubID   int64  `json:"repo_github_id" db:"repo_github_id"`
	RepoFullName   string `json:"repo_full_name" db:"repo_full_name"`
}

// File change statuses reported by the upstream commit files API.
const (
	FileStatusAdded    = "added"
	FileStatusModified = "modified"
	FileStatusDeleted  = "deleted"
	FileStatusRenamed  = "renamed"
)

// Commit is file-grained: one row per (sha, repository, filename). A
// commit touching N files yields N rows; aggregations over logical
// commits must COUNT(DISTINCT sha).
type Commit struct {
	ID                   string     `json:"id" db:"id"`
	SHA                  string     `json:"sha" db:"sha"`
	RepositoryID         string     `json:"repository_id" db:"repository_id"`
	RepositoryGithubID   int64      `json:"repository_github_id" db:"repository_github_id"`
	ContributorID        *string    `json:"contributor_id" db:"contributor_id"`
	ContributorGithubID  *int64     `json:"contributor_github_id" db:"contributor_github_id"`
	MergeRequestID       *string    `json:"merge_request_id" db:"merge_request_id"`
	MergeRequestGithubID *int64     `json:"merge_request_github_id" db:"merge_request_github_id"`
	Message              string     `json:"message" db:"message"`
	CommittedAt          *time.Time `json:"committed_at" db:"committed_at"`
	ParentShas           JSONText   `json:"parent_shas" db:"parent_shas"`
	Filename             string     `json:"filename" db:"filename"`
	FileStatus           string     `json:"file_status" db:"file_status"`
	Additions            int        `json:"additions" db:"additions"`
	Deletions            int        `json:"deletions" db:"deletions"`
	Patch                *string    `json:"patch" db:"patch"`
	ComplexityScore      float64    `json:"complexity_score" db:"complexity_score"`
	IsMergeCommit        bool       `json:"is_merge_commit" db:"is_merge_commit"`
	IsEnriched           bool       `json:"is_enriched" db:"is_enriched"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// ContributorRepository aggregates activity per (contributor, repository).
type ContributorRepository struct {
	ID                  string     `json:"id" db:"id"`
	ContributorID       string     `json:"contributor_id" db:"contributor_id"`
	RepositoryID        string     `json:"repository_id" db:"repository_id"`
	CommitsCount        int        `json:"commits_count" db:"commits_count"`
	PRsOpened           int        `json:"prs_opened" db:"prs_opened"`
	PRsMerged           int        `json:"prs_merged" db:"prs_merged"`
	ReviewsCount        int        `json:"reviews_count" db:"reviews_count"`
	IssuesOpened        int        `json:"issues_opened" db:"issues_opened"`
	LinesAdded          int        `json:"lines_added" db:"lines_added"`
	LinesRemoved        int        `json:"lines_removed" db:"lines_removed"`
	FirstContributionAt *time.Time `json:"first_contribution_at" db:"first_contribution_at"`
	LastContributionAt  *time.Time `json:"last_contribution_at" db:"last_contribution_at"`
}

// ContributorRanking is an append-only scoring snapshot. Previous rows
// are retained for trend analysis.
type ContributorRanking struct {
	ID                       string    `json:"id" db:"id"`
	ContributorID            string    `json:"contributor_id" db:"contributor_id"`
	TotalScore               float64   `json:"total_score" db:"total_score"`
	CodeVolumeScore          float64   `json:"code_volume_score" db:"code_volume_score"`
	CodeEfficiencyScore      float64   `json:"code_efficiency_score" db:"code_efficiency_score"`
	CommitImpactScore        float64   `json:"commit_impact_score" db:"commit_impact_score"`
	CollaborationScore       float64   `json:"collaboration_score" db:"collaboration_score"`
	RepoPopularityScore      float64   `json:"repo_popularity_score" db:"repo_popularity_score"`
	RepoInfluenceScore       float64   `json:"repo_influence_score" db:"repo_influence_score"`
	FollowersScore           float64   `json:"followers_score" db:"followers_score"`
	ProfileCompletenessScore float64   `json:"profile_completeness_score" db:"profile_completeness_score"`
	RawMetrics               JSONText  `json:"raw_metrics" db:"raw_metrics"`
	RankPosition             int       `json:"rank_position" db:"rank_position"`
	CalculatedAt             time.Time `json:"calculated_at" db:"calculated_at"`
}

// RankingMetrics is the raw scoring input aggregated per contributor,
// produced by the store for the ranking processor.
type RankingMetrics struct {
	ContributorID       string  `json:"contributor_id" db:"contributor_id"`
	Followers           int     `json:"followers" db:"followers"`
	ReviewsCount        int     `json:"reviews_count" db:"reviews_count"`
	ProfileFields       int     `json:"profile_fields" db:"profile_fields"`
	LinesAdded          int     `json:"lines_added" db:"lines_added"`
	LinesRemoved        int     `json:"lines_removed" db:"lines_removed"`
	CommitsCount        int     `json:"commits_count" db:"commits_count"`
	StarsSum            int     `json:"stars_sum" db:"stars_sum"`
	InfluenceRaw        float64 `json:"influence_raw" db:"influence_raw"`
	AvgCommitComplexity float64 `json:"avg_commit_complexity" db:"avg_commit_complexity"`
	FilesTouched        int     `json:"files_touched" db:"files_touched"`
}

// RawPayload is a fetched-but-unprocessed upstream JSON blob. LockedBy
// scopes in-progress rows to a run so a crashed run's rows unlock on
// the next dequeue sweep.
type RawPayload struct {
	ID        int64     `json:"id" db:"id"`
	Kind      string    `json:"kind" db:"kind"`
	Payload   JSONText  `json:"payload" db:"payload"`
	Processed bool      `json:"processed" db:"processed"`
	LockedBy  *string   `json:"locked_by" db:"locked_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Raw payload kinds.
const (
	RawKindPullRequest = "pull_request"
	RawKindRepository  = "repository"
)

// Pipeline status values.
const (
	StatusIdle      = "idle"
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusError     = "error"
)

// Run completion statuses recorded in history.
const (
	RunStatusStarted   = "started"
	RunStatusCompleted = "completed"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// PipelineStatus is the long-lived singleton row per pipeline type.
type PipelineStatus struct {
	PipelineType string     `json:"pipeline_type" db:"pipeline_type"`
	Status       string     `json:"status" db:"status"`
	IsRunning    bool       `json:"is_running" db:"is_running"`
	LastRun      *time.Time `json:"last_run" db:"last_run"`
	NextRun      *time.Time `json:"next_run" db:"next_run"`
	LastError    *string    `json:"last_error" db:"last_error"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// PipelineSchedule binds a pipeline type to a stored cron expression.
type PipelineSchedule struct {
	ID           string    `json:"id" db:"id"`
	PipelineType string    `json:"pipeline_type" db:"pipeline_type"`
	CronExpr     string    `json:"cron_expr" db:"cron_expr"`
	Active       bool      `json:"active" db:"active"`
	Parameters   JSONText  `json:"parameters" db:"parameters"`
	Description  string    `json:"description" db:"description"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// PipelineHistory is the append-only run log.
type PipelineHistory struct {
	ID             int64      `json:"id" db:"id"`
	PipelineType   string     `json:"pipeline_type" db:"pipeline_type"`
	RunID          string     `json:"run_id" db:"run_id"`
	Status         string     `json:"status" db:"status"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at" db:"completed_at"`
	ItemsProcessed int        `json:"items_processed" db:"items_processed"`
	ErrorMessage   *string    `json:"error_message" db:"error_message"`
}

// SitemapMetadata tracks enumeration progress per indexable entity type.
type SitemapMetadata struct {
	EntityType  string    `json:"entity_type" db:"entity_type"`
	CurrentPage int       `json:"current_page" db:"current_page"`
	URLCount    int       `json:"url_count" db:"url_count"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// Checkpoint is a persisted stage cursor, written after each committed
// batch so restarts resume instead of re-fetching.
type Checkpoint struct {
	PipelineType string    `json:"pipeline_type" db:"pipeline_type"`
	Stage        string    `json:"stage" db:"stage"`
	Cursor       string    `json:"cursor" db:"cursor"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// AuditEntry records a control API mutation.
type AuditEntry struct {
	ID        int64     `json:"id" db:"id"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"`
	Before    JSONText  `json:"before" db:"before"`
	After     JSONText  `json:"after" db:"after"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ETagEntry is a persisted conditional-request validator.
type ETagEntry struct {
	ResourceKey  string    `json:"resource_key" db:"resource_key"`
	ETag         string    `json:"etag" db:"etag"`
	LastModified string    `json:"last_modified" db:"last_modified"`
	Body         []byte    `json:"-" db:"body"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// EntityCounts is the control API counts payload.
type EntityCounts struct {
	Repositories  int `json:"repositories" db:"repositories"`
	MergeRequests int `json:"merge_requests" db:"merge_requests"`
	Contributors  int `json:"contributors" db:"contributors"`
	Commits       int `json:"commits" db:"commits"`
}
