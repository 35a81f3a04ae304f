package sqlstore

var tableNames = []string{
	"clients",
	"users",
	"user_notifications",
	"flows",
	"flow_requests",
	"flow_responses",
	"flow_results",
	"flow_log_entries",
	"scheduled_flows",
	"client_messages",
	"flow_processing_requests",
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		client_id {{key}} NOT NULL,
		data {{blob}} NOT NULL,
		PRIMARY KEY (client_id)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		username {{key}} NOT NULL,
		data {{blob}} NOT NULL,
		PRIMARY KEY (username)
	)`,
	`CREATE TABLE IF NOT EXISTS user_notifications (
		username {{key}} NOT NULL,
		seq {{bigint}} NOT NULL,
		data {{blob}} NOT NULL,
		PRIMARY KEY (username, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS flows (
		client_id {{key}} NOT NULL,
		flow_id {{key}} NOT NULL,
		parent_flow_id {{key}} NOT NULL DEFAULT '',
		create_time {{bigint}} NOT NULL,
		lease_owner {{key}} NOT NULL DEFAULT '',
		lease_deadline {{bigint}} NOT NULL DEFAULT 0,
		data {{blob}} NOT NULL,
		PRIMARY KEY (client_id, flow_id){{flows_index}}
	)`,
	`CREATE TABLE IF NOT EXISTS flow_requests (
		client_id {{key}} NOT NULL,
		flow_id {{key}} NOT NULL,
		request_id {{bigint}} NOT NULL,
		data {{blob}} NOT NULL,
		PRIMARY KEY (client_id, flow_id, request_id)
	)`,
	`CREATE TABLE IF NOT EXISTS flow_responses (
		client_id {{key}} NOT NULL,
		flow_id {{key}} NOT NULL,
		request_id {{bigint}} NOT NULL,
		response_id {{bigint}} NOT NULL,
		data {{blob}} NOT NULL,
		PRIMARY KEY (client_id, flow_id, request_id, response_id)
	)`,
	`CREATE TABLE IF NOT EXISTS flow_results (
		client_id {{key}} NOT NULL,
		flow_id {{key}} NOT NULL,
		seq {{bigint}} NOT NULL,
		data {{blob}} NOT NULL,
		PRIMARY KEY (client_id, flow_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS flow_log_entries (
		client_id {{key}} NOT NULL,
		flow_id {{key}} NOT NULL,
		seq {{bigint}} NOT NULL,
		data {{blob}} NOT NULL,
		PRIMARY KEY (client_id, flow_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_flows (
		client_id {{key}} NOT NULL,
		creator {{key}} NOT NULL,
		scheduled_flow_id {{key}} NOT NULL,
		create_time {{bigint}} NOT NULL,
		data {{blob}} NOT NULL,
		PRIMARY KEY (client_id, creator, scheduled_flow_id)
	)`,
	`CREATE TABLE IF NOT EXISTS client_messages (
		client_id {{key}} NOT NULL,
		seq {{bigint}} NOT NULL,
		data {{blob}} NOT NULL,
		PRIMARY KEY (client_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS flow_processing_requests (
		partition_id {{bigint}} NOT NULL,
		client_id {{key}} NOT NULL,
		flow_id {{key}} NOT NULL,
		delivery_time {{bigint}} NOT NULL,
		data {{blob}} NOT NULL,
		PRIMARY KEY (partition_id, client_id, flow_id, delivery_time)
	)`,
}
