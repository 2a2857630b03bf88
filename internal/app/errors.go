package app

import "errors"

var (
	ErrProfileLoadFailed = errors.New("subscription profile load failed")
	ErrSubscribeFailed   = errors.New("initial subscribe failed")
	ErrWatcherFailed     = errors.New("profile watcher failed")
)
