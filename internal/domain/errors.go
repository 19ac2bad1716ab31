package domain

import "errors"

var (
	// ErrAccountNotFound is returned when a login references a user without a bonus account.
	ErrAccountNotFound = errors.New("bonus account not found")
	// ErrInvalidBonusInput signals a caller handed an absent bonus total to event construction.
	ErrInvalidBonusInput = errors.New("invalid bonus input")
	// ErrPublishFailed wraps a broker rejection, timeout or broken channel on publish.
	ErrPublishFailed = errors.New("bonus event publish failed")
)
