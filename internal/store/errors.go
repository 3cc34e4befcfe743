package store

import "errors"

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotClaimable = errors.New("job is not claimable")

	ErrSessionNotFound     = errors.New("coding session not found")
	ErrSessionNotPausable  = errors.New("session is not in a pausable state")
	ErrSessionNotResumable = errors.New("session is not paused")

	ErrSuiteNotFound = errors.New("test suite not found")
)
