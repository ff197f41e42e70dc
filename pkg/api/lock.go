package api

import "time"

// Lock proves single-instance ownership of a scheduled job until ExpiresAt
type Lock struct {
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	JobName    string    `json:"job_name"`
	LockID     string    `json:"lock_id"`
	InstanceID string    `json:"instance_id"`
}

// Expired reports whether the lock is no longer valid at now
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Owns reports whether other identifies the same acquisition
func (l *Lock) Owns(other *Lock) bool {
	return other != nil && l.LockID == other.LockID &&
		l.InstanceID == other.InstanceID
}
