package logger

const (
	FieldJobID          = "job_id"
	FieldJobType        = "job_type"
	FieldProvider       = "provider"
	FieldOrganizationID = "organization_id"
	FieldMessageID      = "message_id"
	FieldAttempt        = "attempt"
	FieldInstance       = "instance"
	FieldAction         = "action"
	FieldCount          = "count"
	FieldDurationMS     = "duration_ms"
	FieldError          = "error"
	FieldBackend        = "backend"
	FieldTask           = "task"
)
