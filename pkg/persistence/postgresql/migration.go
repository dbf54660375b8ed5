package postgresql

// migrations returns the schema migrations keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				workflow_version VARCHAR(255) NOT NULL DEFAULT '',
				sequence_number BIGINT NOT NULL,
				type VARCHAR(32) NOT NULL,
				graph JSONB,
				status VARCHAR(32) NOT NULL,
				inputs JSONB,
				outputs JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				total_tokens BIGINT NOT NULL DEFAULT 0,
				total_steps INTEGER NOT NULL DEFAULT 0,
				exceptions_count INTEGER NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				elapsed_time DOUBLE PRECISION NOT NULL DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow_id
				ON workflow_executions(workflow_id, sequence_number);

			CREATE TABLE IF NOT EXISTS node_executions (
				id VARCHAR(255) PRIMARY KEY,
				node_execution_id VARCHAR(255) NOT NULL,
				workflow_id VARCHAR(255) NOT NULL,
				workflow_run_id VARCHAR(255),
				node_index INTEGER NOT NULL,
				predecessor_node_id VARCHAR(255),
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(64) NOT NULL,
				title VARCHAR(255) NOT NULL DEFAULT '',
				inputs JSONB,
				process_data JSONB,
				outputs JSONB,
				status VARCHAR(32) NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				elapsed_time DOUBLE PRECISION NOT NULL DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_node_executions_run
				ON node_executions(workflow_run_id, node_execution_id);
			CREATE INDEX IF NOT EXISTS idx_node_executions_run_status
				ON node_executions(workflow_run_id, status);

			CREATE TABLE IF NOT EXISTS workflow_pauses (
				id VARCHAR(255) PRIMARY KEY,
				workflow_run_id VARCHAR(255) NOT NULL,
				owner_user_id VARCHAR(255) NOT NULL,
				state_object_key VARCHAR(512) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				resumed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_pauses_active_run
				ON workflow_pauses(workflow_run_id) WHERE resumed_at IS NULL;

			CREATE TABLE IF NOT EXISTS draft_variables (
				id VARCHAR(255) PRIMARY KEY,
				node_id VARCHAR(255) NOT NULL,
				node_execution_id VARCHAR(255) NOT NULL,
				enclosing_id VARCHAR(255),
				process_data JSONB,
				outputs JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (node_id, node_execution_id)
			);

			CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(255) PRIMARY KEY,
				task_id VARCHAR(255) NOT NULL,
				conversation_id VARCHAR(255),
				workflow_run_id VARCHAR(255),
				answer TEXT NOT NULL DEFAULT '',
				usage JSONB,
				files JSONB,
				status VARCHAR(32),
				error TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
	}
}
