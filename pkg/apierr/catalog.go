package apierr

import "net/http"

// --- Common ---

func InvalidRequestBody() *Error {
	return New(CodeInvalidRequestBody, http.StatusBadRequest, "Invalid request body")
}

func InvalidID(entity string) *Error {
	return New(CodeInvalidID, http.StatusBadRequest, "Invalid "+entity+" ID")
}

func InternalError(cause error) *Error {
	return Wrap(CodeInternalError, http.StatusInternalServerError, "Internal server error", cause)
}

func DatabaseNotReady() *Error {
	return New(CodeDatabaseNotReady, http.StatusServiceUnavailable, "Database not ready")
}

func QueueUnavailable() *Error {
	return New(CodeQueueUnavailable, http.StatusServiceUnavailable, "Message broker unavailable")
}

func StorageUnavailable() *Error {
	return New(CodeStorageUnavailable, http.StatusServiceUnavailable, "Object storage unavailable")
}

// --- Run ---

func RunNotFound() *Error {
	return New(CodeRunNotFound, http.StatusNotFound, "Run not found")
}

func InvalidCorrID() *Error {
	return New(CodeInvalidCorrID, http.StatusBadRequest, "Invalid correlation ID")
}

func InvalidWindow(cause error) *Error {
	return Wrap(CodeInvalidWindow, http.StatusBadRequest, "Invalid extraction window", cause)
}

func InvalidMode() *Error {
	return New(CodeInvalidMode, http.StatusBadRequest, "mode must be one of: streaming, backfill")
}

func NoDatasets() *Error {
	return New(CodeNoDatasets, http.StatusBadRequest, "At least one dataset is required")
}

func RunCreateFailed(cause error) *Error {
	return Wrap(CodeRunCreateFailed, http.StatusInternalServerError, "Failed to create run", cause)
}

func RunListFailed(cause error) *Error {
	return Wrap(CodeRunListFailed, http.StatusInternalServerError, "Failed to list runs", cause)
}

// --- Schedule ---

func ScheduleNotFound() *Error {
	return New(CodeScheduleNotFound, http.StatusNotFound, "Schedule not found")
}

func InvalidCronExpr(cause error) *Error {
	return Wrap(CodeInvalidCronExpr, http.StatusBadRequest, "Invalid cron expression", cause)
}

func ScheduleCreateFailed(cause error) *Error {
	return Wrap(CodeScheduleCreateFailed, http.StatusInternalServerError, "Failed to create schedule", cause)
}

func ScheduleUpdateFailed(cause error) *Error {
	return Wrap(CodeScheduleUpdateFailed, http.StatusInternalServerError, "Failed to update schedule", cause)
}

func ScheduleDeleteFailed(cause error) *Error {
	return Wrap(CodeScheduleDeleteFailed, http.StatusInternalServerError, "Failed to delete schedule", cause)
}

func ScheduleListFailed(cause error) *Error {
	return Wrap(CodeScheduleListFailed, http.StatusInternalServerError, "Failed to list schedules", cause)
}

// --- Gold ---

func GoldQueryFailed(cause error) *Error {
	return Wrap(CodeGoldQueryFailed, http.StatusInternalServerError, "Failed to query gold layer", cause)
}

// --- Admin ---

func ConfirmRequired(expected string) *Error {
	return New(CodeConfirmRequired, http.StatusBadRequest, "Destructive operation requires confirm="+expected)
}

func PurgeFailed(cause error) *Error {
	return Wrap(CodePurgeFailed, http.StatusInternalServerError, "Failed to purge run artifacts", cause)
}
