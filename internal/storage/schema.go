package storage

// A migration is applied once, in version order, inside its own
// transaction. Never edit an applied migration; add a new one.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "core_entities",
		SQL: `
		CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			github_id INTEGER NOT NULL UNIQUE,
			full_name TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT,
			url TEXT,
			stars INTEGER NOT NULL DEFAULT 0,
			forks INTEGER NOT NULL DEFAULT 0,
			watchers INTEGER NOT NULL DEFAULT 0,
			open_issues INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			language TEXT,
			license TEXT,
			default_branch TEXT NOT NULL DEFAULT 'main',
			is_fork INTEGER NOT NULL DEFAULT 0,
			is_archived INTEGER NOT NULL DEFAULT 0,
			activity_level TEXT NOT NULL DEFAULT 'low',
			last_pushed_at DATETIME,
			owner_id TEXT REFERENCES contributors(id),
			owner_github_id INTEGER,
			is_enriched INTEGER NOT NULL DEFAULT 0,
			enrichment_attempts INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS contributors (
			id TEXT PRIMARY KEY,
			github_id INTEGER NOT NULL UNIQUE,
			username TEXT,
			name TEXT,
			avatar_url TEXT,
			bio TEXT,
			company TEXT,
			blog TEXT,
			location TEXT,
			twitter TEXT,
			followers INTEGER NOT NULL DEFAULT 0,
			public_repos INTEGER NOT NULL DEFAULT 0,
			impact_score REAL NOT NULL DEFAULT 0,
			role TEXT NOT NULL DEFAULT '',
			top_languages TEXT NOT NULL DEFAULT '[]',
			organizations TEXT NOT NULL DEFAULT '[]',
			first_contribution_at DATETIME,
			last_contribution_at DATETIME,
			commits_count INTEGER NOT NULL DEFAULT 0,
			merged_prs_count INTEGER NOT NULL DEFAULT 0,
			rejected_prs_count INTEGER NOT NULL DEFAULT 0,
			reviews_count INTEGER NOT NULL DEFAULT 0,
			is_placeholder INTEGER NOT NULL DEFAULT 0,
			is_bot INTEGER NOT NULL DEFAULT 0,
			is_enriched INTEGER NOT NULL DEFAULT 0,
			enrichment_attempts INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS merge_requests (
			id TEXT PRIMARY KEY,
			github_id INTEGER NOT NULL,
			number INTEGER NOT NULL,
			repository_id TEXT NOT NULL REFERENCES repositories(id),
			repository_github_id INTEGER NOT NULL,
			author_id TEXT NOT NULL REFERENCES contributors(id),
			author_github_id INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT,
			state TEXT NOT NULL DEFAULT 'open',
			is_draft INTEGER NOT NULL DEFAULT 0,
			opened_at DATETIME NOT NULL,
			last_activity_at DATETIME,
			closed_at DATETIME,
			merged_at DATETIME,
			merged_by TEXT,
			commits_count INTEGER NOT NULL DEFAULT 0,
			additions INTEGER NOT NULL DEFAULT 0,
			deletions INTEGER NOT NULL DEFAULT 0,
			changed_files INTEGER NOT NULL DEFAULT 0,
			reviews_count INTEGER NOT NULL DEFAULT 0,
			comments_count INTEGER NOT NULL DEFAULT 0,
			complexity_score REAL NOT NULL DEFAULT 0,
			review_time_hours REAL,
			cycle_time_hours REAL,
			labels TEXT NOT NULL DEFAULT '[]',
			source_branch TEXT NOT NULL DEFAULT '',
			target_branch TEXT NOT NULL DEFAULT '',
			is_enriched INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (repository_github_id, number)
		);

		CREATE TABLE IF NOT EXISTS commits (
			id TEXT PRIMARY KEY,
			sha TEXT NOT NULL,
			repository_id TEXT NOT NULL REFERENCES repositories(id),
			repository_github_id INTEGER NOT NULL,
			contributor_id TEXT REFERENCES contributors(id),
			contributor_github_id INTEGER,
			merge_request_id TEXT REFERENCES merge_requests(id),
			merge_request_github_id INTEGER,
			message TEXT NOT NULL DEFAULT '',
			committed_at DATETIME,
			parent_shas TEXT NOT NULL DEFAULT '[]',
			filename TEXT NOT NULL,
			file_status TEXT NOT NULL DEFAULT 'modified',
			additions INTEGER NOT NULL DEFAULT 0,
			deletions INTEGER NOT NULL DEFAULT 0,
			patch TEXT,
			complexity_score REAL NOT NULL DEFAULT 0,
			is_merge_commit INTEGER NOT NULL DEFAULT 0,
			is_enriched INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (sha, repository_github_id, filename)
		);

		CREATE TABLE IF NOT EXISTS contributor_repositories (
			id TEXT PRIMARY KEY,
			contributor_id TEXT NOT NULL REFERENCES contributors(id),
			repository_id TEXT NOT NULL REFERENCES repositories(id),
			commits_count INTEGER NOT NULL DEFAULT 0,
			prs_opened INTEGER NOT NULL DEFAULT 0,
			prs_merged INTEGER NOT NULL DEFAULT 0,
			reviews_count INTEGER NOT NULL DEFAULT 0,
			issues_opened INTEGER NOT NULL DEFAULT 0,
			lines_added INTEGER NOT NULL DEFAULT 0,
			lines_removed INTEGER NOT NULL DEFAULT 0,
			first_contribution_at DATETIME,
			last_contribution_at DATETIME,
			UNIQUE (contributor_id, repository_id)
		);

		CREATE TABLE IF NOT EXISTS contributor_rankings (
			id TEXT PRIMARY KEY,
			contributor_id TEXT NOT NULL REFERENCES contributors(id),
			total_score REAL NOT NULL DEFAULT 0,
			code_volume_score REAL NOT NULL DEFAULT 0,
			code_efficiency_score REAL NOT NULL DEFAULT 0,
			commit_impact_score REAL NOT NULL DEFAULT 0,
			collaboration_score REAL NOT NULL DEFAULT 0,
			repo_popularity_score REAL NOT NULL DEFAULT 0,
			repo_influence_score REAL NOT NULL DEFAULT 0,
			followers_score REAL NOT NULL DEFAULT 0,
			profile_completeness_score REAL NOT NULL DEFAULT 0,
			raw_metrics TEXT NOT NULL DEFAULT '{}',
			rank_position INTEGER NOT NULL DEFAULT 0,
			calculated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS raw_payloads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			locked_by TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_repositories_github_id ON repositories(github_id);
		CREATE INDEX IF NOT EXISTS idx_contributors_github_id ON contributors(github_id);
		CREATE INDEX IF NOT EXISTS idx_merge_requests_repo ON merge_requests(repository_id);
		CREATE INDEX IF NOT EXISTS idx_merge_requests_author ON merge_requests(author_id);
		CREATE INDEX IF NOT EXISTS idx_commits_sha ON commits(sha);
		CREATE INDEX IF NOT EXISTS idx_commits_repo ON commits(repository_id);
		CREATE INDEX IF NOT EXISTS idx_commits_contributor ON commits(contributor_id);
		CREATE INDEX IF NOT EXISTS idx_rankings_contributor ON contributor_rankings(contributor_id, calculated_at);
		CREATE INDEX IF NOT EXISTS idx_raw_payloads_pending ON raw_payloads(kind, processed, id);
		`,
	},
	{
		Version: 2,
		Name:    "pipeline_control",
		SQL: `
		CREATE TABLE IF NOT EXISTS pipeline_status (
			pipeline_type TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'idle',
			is_running INTEGER NOT NULL DEFAULT 0,
			last_run DATETIME,
			next_run DATETIME,
			last_error TEXT,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pipeline_schedules (
			id TEXT PRIMARY KEY,
			pipeline_type TEXT NOT NULL UNIQUE,
			cron_expr TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			parameters TEXT NOT NULL DEFAULT '{}',
			description TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pipeline_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_type TEXT NOT NULL,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			items_processed INTEGER NOT NULL DEFAULT 0,
			error_message TEXT
		);

		CREATE TABLE IF NOT EXISTS sitemap_metadata (
			entity_type TEXT PRIMARY KEY,
			current_page INTEGER NOT NULL DEFAULT 0,
			url_count INTEGER NOT NULL DEFAULT 0,
			last_updated DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_type_started ON pipeline_history(pipeline_type, started_at DESC);
		`,
	},
	{
		Version: 3,
		Name:    "checkpoints_audit_etags",
		SQL: `
		CREATE TABLE IF NOT EXISTS checkpoints (
			pipeline_type TEXT NOT NULL,
			stage TEXT NOT NULL,
			cursor TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (pipeline_type, stage)
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			before TEXT NOT NULL DEFAULT 'null',
			after TEXT NOT NULL DEFAULT 'null',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS etag_cache (
			resource_key TEXT PRIMARY KEY,
			etag TEXT NOT NULL DEFAULT '',
			last_modified TEXT NOT NULL DEFAULT '',
			body BLOB,
			updated_at DATETIME NOT NULL
		);
		`,
	},
	{
		Version: 4,
		Name:    "merge_request_commit_sync",
		SQL: `
		ALTER TABLE merge_requests ADD COLUMN commits_synced INTEGER NOT NULL DEFAULT 0;
		CREATE INDEX IF NOT EXISTS idx_merge_requests_commit_sync ON merge_requests(commits_synced);
		`,
	},
}

// criticalTables maps required tables to required columns. The gate
// runs after migrations: a partial schema must fail loudly instead of
// degrading into NULL-swallowing upserts.
var criticalTables = map[string][]string{
	"repositories":   {"id", "github_id", "full_name", "stars", "owner_id", "enrichment_attempts"},
	"contributors":   {"id", "github_id", "username", "is_placeholder", "enrichment_attempts"},
	"merge_requests": {"id", "github_id", "number", "repository_github_id", "author_id", "state", "commits_synced"},
	"commits":        {"id", "sha", "repository_github_id", "filename", "file_status"},
	"raw_payloads":   {"id", "kind", "payload", "processed", "locked_by"},
	"pipeline_status": {
		"pipeline_type", "status", "is_running", "last_run", "updated_at",
	},
	"pipeline_schedules": {"pipeline_type", "cron_expr", "active", "parameters"},
	"pipeline_history":   {"pipeline_type", "run_id", "status", "started_at"},
	"sitemap_metadata":   {"entity_type", "current_page", "url_count"},
	"checkpoints":        {"pipeline_type", "stage", "cursor"},
}
