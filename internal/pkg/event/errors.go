package event

import (
	"errors"
	"fmt"
)

// ErrDecode 是所有解码失败的哨兵错误。
var ErrDecode = errors.New("event decode failed")

// DecodeError 描述一条无法解码的消息（毒消息）。
type DecodeError struct {
	Topic  string
	Key    string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s message (key %q): %s: %v", e.Topic, e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s message (key %q): %s", e.Topic, e.Key, e.Reason)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
