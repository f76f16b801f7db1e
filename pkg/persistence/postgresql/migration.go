package postgresql

// migrations returns the engine schema, versioned for the sqlbase migration
// manager.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS executions (
				id TEXT PRIMARY KEY,
				process_instance_id TEXT NOT NULL,
				process_definition_id TEXT NOT NULL,
				parent_id TEXT NOT NULL DEFAULT '',
				current_activity_id TEXT NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT FALSE,
				is_concurrent BOOLEAN NOT NULL DEFAULT FALSE,
				is_scope BOOLEAN NOT NULL DEFAULT FALSE,
				child_ids JSONB NOT NULL DEFAULT '[]',
				variables JSONB NOT NULL DEFAULT '{}',
				revision INTEGER NOT NULL DEFAULT 1,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_executions_process_instance
				ON executions (process_instance_id);
			CREATE INDEX IF NOT EXISTS idx_executions_parent
				ON executions (parent_id);

			CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				execution_id TEXT NOT NULL DEFAULT '',
				process_instance_id TEXT NOT NULL DEFAULT '',
				process_definition_id TEXT NOT NULL DEFAULT '',
				due_date TIMESTAMP WITH TIME ZONE,
				retries INTEGER NOT NULL DEFAULT 3,
				lock_owner TEXT NOT NULL DEFAULT '',
				lock_expiration_time TIMESTAMP WITH TIME ZONE,
				exception_message TEXT NOT NULL DEFAULT '',
				exception_stacktrace TEXT NOT NULL DEFAULT '',
				handler_type TEXT NOT NULL,
				handler_config TEXT NOT NULL DEFAULT '',
				repeat TEXT NOT NULL DEFAULT '',
				suspended BOOLEAN NOT NULL DEFAULT FALSE,
				revision INTEGER NOT NULL DEFAULT 1,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_jobs_acquisition
				ON jobs (suspended, retries, due_date, lock_expiration_time);
			CREATE INDEX IF NOT EXISTS idx_jobs_process_instance
				ON jobs (process_instance_id);

			CREATE TABLE IF NOT EXISTS deployments (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				resources JSONB NOT NULL DEFAULT '{}',
				deploy_time TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_deployments_name
				ON deployments (name, deploy_time);

			CREATE TABLE IF NOT EXISTS process_definitions (
				id TEXT PRIMARY KEY,
				key TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				version INTEGER NOT NULL,
				deployment_id TEXT NOT NULL,
				graph JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_definitions_key_version
				ON process_definitions (key, version);
		`,
	}
}
