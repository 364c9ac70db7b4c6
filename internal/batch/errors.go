package batch

import "errors"

// ジョブ単位の失敗コード
const (
	CodeInputUnreadable   = "INPUT_UNREADABLE"
	CodeArchiveFailed     = "ARCHIVE_FAILED"
	CodeResultWriteFailed = "RESULT_WRITE_FAILED"
	CodeStoreCommitFailed = "STORE_COMMIT_FAILED"
	CodeInterrupted       = "INTERRUPTED"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error はジョブを failed に遷移させる失敗を表します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// asError は任意のエラーを *Error に変換します。
func asError(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return newError(CodeInternal, "unexpected internal error", err)
}
