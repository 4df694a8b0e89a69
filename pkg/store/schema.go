package store

import "context"

// Migrate creates the operational schema. Statements are idempotent and
// valid for both PostgreSQL and SQLite.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS companies (
		id TEXT PRIMARY KEY,
		rut_digits BIGINT NOT NULL,
		rut_dv TEXT NOT NULL,
		business_name TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		mobile_phone TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		electronic_biller BOOLEAN NOT NULL DEFAULT FALSE,
		currency TEXT NOT NULL DEFAULT 'CLP',
		notify_email BOOLEAN NOT NULL DEFAULT TRUE,
		notify_chat BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_companies_rut ON companies (rut_digits, rut_dv)`,

	`CREATE TABLE IF NOT EXISTS taxpayers (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL UNIQUE REFERENCES companies(id) ON DELETE CASCADE,
		rut_digits BIGINT NOT NULL,
		rut_dv TEXT NOT NULL,
		tax_id TEXT NOT NULL,
		razon_social TEXT NOT NULL DEFAULT '',
		sii_raw_data TEXT NOT NULL DEFAULT '{}',
		data_source TEXT NOT NULL DEFAULT '',
		last_sii_sync TIMESTAMP,
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		setting_procesos TEXT NOT NULL DEFAULT '{}',
		segment_id TEXT,
		activity_start TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sii_credentials (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		rut_digits BIGINT NOT NULL,
		rut_dv TEXT NOT NULL,
		encrypted_password TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_verified TIMESTAMP,
		verification_failures INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_credentials_company_user ON sii_credentials (company_id, user_id)`,

	`CREATE TABLE IF NOT EXISTS document_types (
		code INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		is_dte BOOLEAN NOT NULL DEFAULT TRUE,
		requires_recipient BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		issuer_digits BIGINT NOT NULL,
		issuer_dv TEXT NOT NULL,
		issuer_name TEXT NOT NULL DEFAULT '',
		issuer_address TEXT NOT NULL DEFAULT '',
		issuer_activity TEXT NOT NULL DEFAULT '',
		recipient_digits BIGINT NOT NULL DEFAULT 0,
		recipient_dv TEXT NOT NULL DEFAULT '',
		recipient_name TEXT NOT NULL DEFAULT '',
		recipient_address TEXT NOT NULL DEFAULT '',
		recipient_activity TEXT NOT NULL DEFAULT '',
		type_code INTEGER NOT NULL REFERENCES document_types(code),
		folio BIGINT NOT NULL,
		issue_date TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		net_amount NUMERIC(15,2) NOT NULL DEFAULT 0,
		tax_amount NUMERIC(15,2) NOT NULL DEFAULT 0,
		exempt_amount NUMERIC(15,2) NOT NULL DEFAULT 0,
		total_amount NUMERIC(15,2) NOT NULL DEFAULT 0,
		raw_data TEXT NOT NULL DEFAULT '{}',
		sii_track_id TEXT NOT NULL DEFAULT '',
		reference_folio BIGINT NOT NULL DEFAULT 0,
		reference_folio_type INTEGER NOT NULL DEFAULT 0,
		reference_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_documents_key ON documents (issuer_digits, issuer_dv, type_code, folio)`,
	`CREATE INDEX IF NOT EXISTS ix_documents_issuer ON documents (issuer_digits, issuer_dv)`,
	`CREATE INDEX IF NOT EXISTS ix_documents_issue_date ON documents (issue_date)`,
	`CREATE INDEX IF NOT EXISTS ix_documents_status ON documents (status)`,
	`CREATE INDEX IF NOT EXISTS ix_documents_company ON documents (company_id)`,

	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		rut_digits BIGINT NOT NULL,
		rut_dv TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		is_client BOOLEAN NOT NULL DEFAULT FALSE,
		is_provider BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_contacts_company_rut ON contacts (company_id, rut_digits, rut_dv)`,

	`CREATE TABLE IF NOT EXISTS tax_form_templates (
		id TEXT PRIMARY KEY,
		form_code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		form_structure TEXT NOT NULL DEFAULT '{}',
		validation_rules TEXT NOT NULL DEFAULT '{}',
		calculation_rules TEXT NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tax_forms (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		template_id TEXT NOT NULL REFERENCES tax_form_templates(id),
		issuer_digits BIGINT NOT NULL DEFAULT 0,
		issuer_dv TEXT NOT NULL DEFAULT '',
		tax_period TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER,
		status TEXT NOT NULL,
		due_date TIMESTAMP,
		submission_date TIMESTAMP,
		total_tax_due NUMERIC(15,2) NOT NULL DEFAULT 0,
		total_paid NUMERIC(15,2) NOT NULL DEFAULT 0,
		balance_due NUMERIC(15,2) NOT NULL DEFAULT 0,
		sii_folio TEXT NOT NULL DEFAULT '',
		sii_response TEXT NOT NULL DEFAULT '{}',
		details_extracted BOOLEAN NOT NULL DEFAULT FALSE,
		details_extracted_at TIMESTAMP,
		details_extraction_method TEXT NOT NULL DEFAULT '',
		details_data TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_tax_forms_key ON tax_forms (company_id, template_id, sii_folio)`,
	`CREATE INDEX IF NOT EXISTS ix_tax_forms_legacy ON tax_forms (issuer_digits, issuer_dv, template_id, tax_period)`,

	`CREATE TABLE IF NOT EXISTS company_segments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		segment_type TEXT NOT NULL DEFAULT '',
		criteria TEXT NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS process_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '1.0.0',
		process_type TEXT NOT NULL,
		status TEXT NOT NULL,
		recurrence_type TEXT NOT NULL DEFAULT 'none',
		recurrence_config TEXT NOT NULL DEFAULT '{}',
		template_config TEXT NOT NULL DEFAULT '{}',
		available_variables TEXT NOT NULL DEFAULT '[]',
		default_values TEXT NOT NULL DEFAULT '{}',
		usage_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS process_template_tasks (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL REFERENCES process_templates(id) ON DELETE CASCADE,
		execution_order INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		is_optional BOOLEAN NOT NULL DEFAULT FALSE,
		can_run_parallel BOOLEAN NOT NULL DEFAULT FALSE,
		due_date_offset_days INTEGER,
		due_date_from_previous BOOLEAN NOT NULL DEFAULT FALSE,
		absolute_due_date TIMESTAMP,
		estimated_hours NUMERIC(6,2) NOT NULL DEFAULT 0,
		depends_on TEXT NOT NULL DEFAULT '[]',
		task_config TEXT NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS process_assignment_rules (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL REFERENCES process_templates(id) ON DELETE CASCADE,
		segment_id TEXT NOT NULL REFERENCES company_segments(id) ON DELETE CASCADE,
		priority INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		auto_apply BOOLEAN NOT NULL DEFAULT TRUE,
		conditions TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS processes (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		issuer_digits BIGINT NOT NULL DEFAULT 0,
		issuer_dv TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		process_type TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TIMESTAMP,
		due_date TIMESTAMP,
		completed_at TIMESTAMP,
		assigned_to TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
		recurrence_type TEXT NOT NULL DEFAULT 'none',
		recurrence_config TEXT NOT NULL DEFAULT '{}',
		is_template BOOLEAN NOT NULL DEFAULT FALSE,
		parent_process_id TEXT,
		template_id TEXT,
		config_data TEXT NOT NULL DEFAULT '{}',
		period TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_processes_company_status ON processes (company_id, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_processes_period ON processes (company_id, process_type, period) WHERE period <> ''`,
	`CREATE INDEX IF NOT EXISTS ix_processes_due ON processes (due_date)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		issuer_digits BIGINT NOT NULL DEFAULT 0,
		issuer_dv TEXT NOT NULL DEFAULT '',
		assigned_to TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'normal',
		status TEXT NOT NULL,
		due_date TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		progress_percentage INTEGER NOT NULL DEFAULT 0,
		estimated_minutes INTEGER NOT NULL DEFAULT 0,
		actual_minutes INTEGER NOT NULL DEFAULT 0,
		task_data TEXT NOT NULL DEFAULT '{}',
		result_data TEXT NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS process_tasks (
		id TEXT PRIMARY KEY,
		process_id TEXT NOT NULL REFERENCES processes(id) ON DELETE CASCADE,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		execution_order INTEGER NOT NULL,
		is_optional BOOLEAN NOT NULL DEFAULT FALSE,
		can_run_parallel BOOLEAN NOT NULL DEFAULT FALSE,
		execution_conditions TEXT NOT NULL DEFAULT '{}',
		context_data TEXT NOT NULL DEFAULT '{}',
		due_date_offset_days INTEGER,
		due_date_from_previous BOOLEAN NOT NULL DEFAULT FALSE,
		absolute_due_date TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_process_tasks ON process_tasks (process_id, task_id)`,

	`CREATE TABLE IF NOT EXISTS process_executions (
		id TEXT PRIMARY KEY,
		process_id TEXT NOT NULL REFERENCES processes(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		execution_context TEXT NOT NULL DEFAULT '{}',
		current_step INTEGER NOT NULL DEFAULT 0,
		total_steps INTEGER NOT NULL DEFAULT 0,
		completed_steps INTEGER NOT NULL DEFAULT 0,
		failed_steps INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		error_count INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS sii_sync_logs (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
		issuer_digits BIGINT NOT NULL DEFAULT 0,
		issuer_dv TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		sync_type TEXT NOT NULL,
		status TEXT NOT NULL,
		user_email TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		sync_data TEXT NOT NULL DEFAULT '{}',
		documents_processed INTEGER NOT NULL DEFAULT 0,
		documents_created INTEGER NOT NULL DEFAULT 0,
		documents_updated INTEGER NOT NULL DEFAULT 0,
		errors_count INTEGER NOT NULL DEFAULT 0,
		progress_percentage INTEGER NOT NULL DEFAULT 0,
		completed_at TIMESTAMP,
		error_message TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}
