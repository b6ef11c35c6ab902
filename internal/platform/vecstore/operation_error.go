package vecstore

import "fmt"

type OperationErrorCode string

const (
	OperationErrorValidation   OperationErrorCode = "validation"
	OperationErrorNotFound     OperationErrorCode = "not_found"
	OperationErrorWriteFailed  OperationErrorCode = "write_failed"
	OperationErrorQueryFailed  OperationErrorCode = "query_failed"
	OperationErrorDecodeFailed OperationErrorCode = "decode_failed"
)

type OperationError struct {
	Code      OperationErrorCode
	Operation string
	Message   string
	Err       error
}

func (e *OperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vecstore %s: %s: %s: %v", e.Operation, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("vecstore %s: %s: %s", e.Operation, e.Code, e.Message)
}

func (e *OperationError) Unwrap() error { return e.Err }

func opErr(op string, code OperationErrorCode, message string, err error) *OperationError {
	return &OperationError{Code: code, Operation: op, Message: message, Err: err}
}
