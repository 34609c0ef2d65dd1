package apierr

// Code is a machine-readable error code returned in API responses.
type Code string

// Common errors.
const (
	CodeInvalidRequestBody Code = "INVALID_REQUEST_BODY"
	CodeInvalidID          Code = "INVALID_ID"
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeDatabaseNotReady   Code = "DATABASE_NOT_READY"
	CodeQueueUnavailable   Code = "QUEUE_UNAVAILABLE"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
)

// Run errors.
const (
	CodeRunNotFound     Code = "RUN_NOT_FOUND"
	CodeInvalidCorrID   Code = "INVALID_CORRID"
	CodeInvalidWindow   Code = "INVALID_WINDOW"
	CodeInvalidMode     Code = "INVALID_MODE"
	CodeNoDatasets      Code = "NO_DATASETS"
	CodeRunCreateFailed Code = "RUN_CREATE_FAILED"
	CodeRunListFailed   Code = "RUN_LIST_FAILED"
)

// Schedule errors.
const (
	CodeScheduleNotFound     Code = "SCHEDULE_NOT_FOUND"
	CodeInvalidCronExpr      Code = "INVALID_CRON_EXPRESSION"
	CodeScheduleCreateFailed Code = "SCHEDULE_CREATE_FAILED"
	CodeScheduleUpdateFailed Code = "SCHEDULE_UPDATE_FAILED"
	CodeScheduleDeleteFailed Code = "SCHEDULE_DELETE_FAILED"
	CodeScheduleListFailed   Code = "SCHEDULE_LIST_FAILED"
)

// Gold layer errors.
const (
	CodeGoldQueryFailed Code = "GOLD_QUERY_FAILED"
)

// Admin errors.
const (
	CodeConfirmRequired Code = "CONFIRM_REQUIRED"
	CodePurgeFailed     Code = "PURGE_FAILED"
)
