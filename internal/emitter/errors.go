package emitter

import "errors"

var (
	// ErrNoTimestamps 要求还原时序，但抓包里没有时间戳
	ErrNoTimestamps = errors.New("input does not support timestamps")

	// ErrAmbiguousDevice wrapper 模式下无法自动确定唯一的 VID/PID
	ErrAmbiguousDevice = errors.New("failed to guess vid/pid")

	// ErrUnknownTarget 不支持的输出目标
	ErrUnknownTarget = errors.New("unknown target")
)
