package storage

// schema creates the four record kinds. The partial unique indexes carry the
// "one current definition per code" and "one pending task per instance" rules.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_definitions (
		id            BIGINT PRIMARY KEY,
		code          TEXT        NOT NULL,
		name          TEXT        NOT NULL,
		description   TEXT        NOT NULL DEFAULT '',
		business_type TEXT        NOT NULL,
		version       INT         NOT NULL,
		status        TEXT        NOT NULL,
		is_current    BOOLEAN     NOT NULL DEFAULT FALSE,
		steps         JSONB       NOT NULL,
		created_by    BIGINT      NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		revision      BIGINT      NOT NULL,
		UNIQUE (code, version),
		CHECK (NOT is_current OR status = 'published')
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS workflow_definitions_current
		ON workflow_definitions (code) WHERE is_current`,
	`CREATE TABLE IF NOT EXISTS workflow_instances (
		id                 BIGINT PRIMARY KEY,
		definition_id      BIGINT      NOT NULL REFERENCES workflow_definitions (id),
		workflow_name      TEXT        NOT NULL,
		business_type      TEXT        NOT NULL,
		business_id        BIGINT      NOT NULL,
		status             TEXT        NOT NULL,
		current_step_index INT         NOT NULL,
		variables          JSONB       NOT NULL DEFAULT '{}',
		initiator_id       BIGINT      NOT NULL,
		priority           INT         NOT NULL,
		start_time         TIMESTAMPTZ NOT NULL,
		end_time           TIMESTAMPTZ,
		expected_end_time  TIMESTAMPTZ NOT NULL,
		reason             TEXT        NOT NULL DEFAULT '',
		outcome            TEXT        NOT NULL DEFAULT '',
		revision           BIGINT      NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_instances_status ON workflow_instances (status)`,
	`CREATE INDEX IF NOT EXISTS workflow_instances_business ON workflow_instances (business_type, business_id)`,
	`CREATE TABLE IF NOT EXISTS workflow_tasks (
		id                BIGINT PRIMARY KEY,
		instance_id       BIGINT      NOT NULL REFERENCES workflow_instances (id),
		step_index        INT         NOT NULL,
		name              TEXT        NOT NULL,
		kind              TEXT        NOT NULL,
		status            TEXT        NOT NULL,
		assignee_id       BIGINT      NOT NULL,
		priority          INT         NOT NULL,
		create_time       TIMESTAMPTZ NOT NULL,
		complete_time     TIMESTAMPTZ,
		expected_end_time TIMESTAMPTZ NOT NULL,
		decision          TEXT        NOT NULL DEFAULT '',
		comment           TEXT        NOT NULL DEFAULT '',
		variables         JSONB       NOT NULL DEFAULT '{}',
		revision          BIGINT      NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS workflow_tasks_one_pending
		ON workflow_tasks (instance_id) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS workflow_tasks_inbox ON workflow_tasks (assignee_id, status, create_time)`,
	`CREATE TABLE IF NOT EXISTS workflow_history (
		instance_id BIGINT      NOT NULL REFERENCES workflow_instances (id),
		sequence_no BIGINT      NOT NULL,
		event_id    TEXT        NOT NULL,
		kind        TEXT        NOT NULL,
		task_id     BIGINT      NOT NULL DEFAULT 0,
		actor_id    BIGINT      NOT NULL DEFAULT 0,
		ts          TIMESTAMPTZ NOT NULL,
		payload     JSONB       NOT NULL,
		PRIMARY KEY (instance_id, sequence_no)
	)`,
}
