package mq

import (
	"errors"
	"fmt"
)

var (
	ErrPublishUnavailable = errors.New("broker unavailable")
	ErrPublishTimeout     = errors.New("publish timed out")
)

type PublishErrorKind int

const (
	PublishUnavailable PublishErrorKind = iota
	PublishTimeout
	PublishFailed
)

func (k PublishErrorKind) String() string {
	switch k {
	case PublishUnavailable:
		return "unavailable"
	case PublishTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

// PublishError 表示一次发布没有被 broker 确认。
type PublishError struct {
	Kind  PublishErrorKind
	Topic string
	Key   string
	Err   error
}

func (e *PublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("publish to %s (key %q) %s: %v", e.Topic, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("publish to %s (key %q) %s", e.Topic, e.Key, e.Kind)
}

func (e *PublishError) Is(target error) bool {
	switch target {
	case ErrPublishUnavailable:
		return e.Kind == PublishUnavailable
	case ErrPublishTimeout:
		return e.Kind == PublishTimeout
	}
	return false
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
