package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/addrsync/internal/lock"
	"github.com/addrsync/internal/model"
)

// LockStatus reports the execution lock of a job type.
func (s *Service) LockStatus(typ string) (*lock.Status, error) {
	jt, err := model.ParseJobType(typ)
	if err != nil {
		return nil, err
	}
	return s.locks.Inspect(string(jt))
}

// ClearedLock is the outcome of ClearLock.
type ClearedLock struct {
	Lock          *lock.Status `json:"lock"`
	AbandonedJobs []int64      `json:"abandoned_jobs"`
}

// ClearLock removes a stale lock left by a dead process and fails the
// jobs it left running. A lock that is actually held is refused.
func (s *Service) ClearLock(ctx context.Context, typ string) (*ClearedLock, error) {
	jt, err := model.ParseJobType(typ)
	if err != nil {
		return nil, err
	}
	st, err := s.locks.Clear(string(jt))
	if err != nil {
		return nil, err
	}
	ids, err := s.jobs.AbandonRunning(ctx, jt, "abandoned: execution lock cleared by operator")
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"lock": jt, "stale": st.Stale, "abandoned": ids}).Warn("execution lock cleared")
	return &ClearedLock{Lock: st, AbandonedJobs: ids}, nil
}
