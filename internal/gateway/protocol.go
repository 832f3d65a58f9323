package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dokzlo13/serialgate/internal/device"
)

// Remote endpoints.
const (
	PathNewSession = "/newsession"
	PathFetch      = "/fetch"
	PathSetOnline  = "/setonline"
	PathSetState   = "/setstate"
)

var (
	// ErrStatus is wrapped by every non-200 response error.
	ErrStatus = errors.New("unexpected response status")
	// ErrDecode is wrapped when a response body cannot be decoded.
	ErrDecode = errors.New("could not decode response")
)

// TaskType discriminates remote tasks.
type TaskType string

const (
	TaskPower TaskType = "POWER"
	TaskSpeed TaskType = "SPEED"
	TaskMode  TaskType = "MODE"
)

// Task is a remote-issued intent. Only the field matching Type is meaningful.
type Task struct {
	Type  TaskType
	IsOn  bool
	Speed int32
	Mode  device.Mode
}

type rawTask struct {
	Type  string          `json:"type"`
	IsOn  *bool           `json:"is_on"`
	Speed *int32          `json:"speed"`
	Mode  json.RawMessage `json:"mode"`
}

// decodeTask decodes one element of the tasks array.
func decodeTask(data json.RawMessage) (Task, error) {
	var raw rawTask
	if err := json.Unmarshal(data, &raw); err != nil {
		return Task{}, err
	}

	task := Task{Type: TaskType(strings.ToUpper(raw.Type))}
	switch task.Type {
	case TaskPower:
		if raw.IsOn == nil {
			return Task{}, errors.New("power task without is_on")
		}
		task.IsOn = *raw.IsOn
	case TaskSpeed:
		if raw.Speed == nil {
			return Task{}, errors.New("speed task without speed")
		}
		task.Speed = *raw.Speed
	case TaskMode:
		if len(raw.Mode) == 0 {
			return Task{}, errors.New("mode task without mode")
		}
		if err := json.Unmarshal(raw.Mode, &task.Mode); err != nil {
			return Task{}, err
		}
	default:
		return Task{}, fmt.Errorf("unknown task type %q", raw.Type)
	}
	return task, nil
}

// ErrorBody is the decoded form of a non-200 response.
// Recognized is false when the body did not carry an "error" field.
type ErrorBody struct {
	Recognized bool
	Code       string
}

func decodeErrorBody(body []byte) ErrorBody {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Error) == 0 || string(payload.Error) == "null" {
		return ErrorBody{}
	}

	var code string
	if err := json.Unmarshal(payload.Error, &code); err != nil {
		code = string(payload.Error)
	}
	return ErrorBody{Recognized: true, Code: code}
}

// StatusError describes a non-200 response.
type StatusError struct {
	Path   string
	Status int
	Body   ErrorBody
}

func (e *StatusError) Error() string {
	if e.Body.Recognized {
		return fmt.Sprintf("%s: code %d/%s", e.Path, e.Status, e.Body.Code)
	}
	return fmt.Sprintf("%s: code %d/could not decode gateway error", e.Path, e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrStatus
}

type baseRequest struct {
	Password  string `json:"password"`
	Timestamp int64  `json:"timestamp"`
}

type setOnlineRequest struct {
	baseRequest
	IsOnline bool `json:"is_online"`
}

type setStateRequest struct {
	baseRequest
	State device.Snapshot `json:"state"`
}

type newSessionResponse struct {
	Password *string `json:"password"`
}

type fetchResponse struct {
	Tasks json.RawMessage `json:"tasks"`
}
