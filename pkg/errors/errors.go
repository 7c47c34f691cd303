package errors

import (
	"fmt"
)

var ErrRecordNotFound = fmt.Errorf("record not found")
var ErrRelatedRecordNotFound = fmt.Errorf("related record not found")
var ErrRecordAlreadyExists = fmt.Errorf("record already exists")
var ErrSchema = fmt.Errorf("schema error")
var ErrModelNotDefined = fmt.Errorf("model not defined")
var ErrOperationNotAllowed = fmt.Errorf("operation not allowed")
var ErrQueryExpressionParse = fmt.Errorf("query expression parse error")
var ErrTransformNotAllowed = fmt.Errorf("transform not allowed")
var ErrNetwork = fmt.Errorf("network error")
var ErrClient = fmt.Errorf("client error")
var ErrServer = fmt.Errorf("server error")
var ErrQueueEmpty = fmt.Errorf("queue empty")
var ErrQueueBusy = fmt.Errorf("queue busy")

type brokerError struct {
	description string
	target      error
}

func (e brokerError) Error() string        { return e.description }
func (e brokerError) Is(target error) bool { return target == e.target }

// Description returns the display string of any error created by this
// package, or the plain Error() text for foreign errors.
func Description(err error) string {
	return err.Error()
}

func NewRecordNotFound(recordType, id string) error {
	return &brokerError{
		description: fmt.Sprintf("record %s:%s not found", recordType, id),
		target:      ErrRecordNotFound,
	}
}

func NewRelatedRecordNotFound(recordType, id, relationship string) error {
	return &brokerError{
		description: fmt.Sprintf("record related through %s:%s/%s not found", recordType, id, relationship),
		target:      ErrRelatedRecordNotFound,
	}
}

func NewRecordAlreadyExists(recordType, id string) error {
	return &brokerError{
		description: fmt.Sprintf("record %s:%s already exists", recordType, id),
		target:      ErrRecordAlreadyExists,
	}
}

func NewSchemaError(msg string) error {
	return &brokerError{
		description: msg,
		target:      ErrSchema,
	}
}

func NewModelNotDefined(recordType string) error {
	return &brokerError{
		description: fmt.Sprintf("model %s is not defined in the schema", recordType),
		target:      ErrModelNotDefined,
	}
}

func NewOperationNotAllowed(msg string) error {
	return &brokerError{
		description: msg,
		target:      ErrOperationNotAllowed,
	}
}

func NewQueryExpressionParseError(msg string) error {
	return &brokerError{
		description: msg,
		target:      ErrQueryExpressionParse,
	}
}

func NewTransformNotAllowed(msg string) error {
	return &brokerError{
		description: msg,
		target:      ErrTransformNotAllowed,
	}
}

func NewQueueEmptyError(queueName string) error {
	return &brokerError{
		description: fmt.Sprintf("queue %s is empty", queueName),
		target:      ErrQueueEmpty,
	}
}

func NewQueueBusyError(queueName string) error {
	return &brokerError{
		description: fmt.Sprintf("queue %s is busy processing a task", queueName),
		target:      ErrQueueBusy,
	}
}

// NetworkError carries the transport-level reason a request never
// produced a response.
func NewNetworkError(description string) error {
	return &brokerError{
		description: description,
		target:      ErrNetwork,
	}
}

// ClientError and ServerError carry the HTTP status of a failed remote
// call together with whatever error document the server returned.

type ResponseError struct {
	brokerError
	StatusCode int
	Body       []byte
}

func NewClientError(statusCode int, body []byte) error {
	return &ResponseError{
		brokerError: brokerError{
			description: fmt.Sprintf("client error %d", statusCode),
			target:      ErrClient,
		},
		StatusCode: statusCode,
		Body:       body,
	}
}

func NewServerError(statusCode int, body []byte) error {
	return &ResponseError{
		brokerError: brokerError{
			description: fmt.Sprintf("server error %d", statusCode),
			target:      ErrServer,
		},
		StatusCode: statusCode,
		Body:       body,
	}
}
