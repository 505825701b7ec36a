// Package review implements the escalation workflow for flagged sessions:
// flagged -> warn -> restrict -> ban, one step at a time, with a durable
// append-only action history behind every transition.
package review

import (
	"context"
	"errors"
	"time"

	"pitwatch/pkg/models"
)

// Errors returned by escalation stores.
var (
	ErrNotFound          = errors.New("flagged session not found")
	ErrAlreadyFlagged    = errors.New("session already flagged")
	ErrInvalidTransition = errors.New("invalid escalation transition")
)

// ladder is the only legal escalation order. Ban is terminal.
var ladder = []models.ReviewStatus{
	models.StatusFlagged,
	models.StatusWarn,
	models.StatusRestrict,
	models.StatusBan,
}

// NextAction returns the only action applicable from the given status.
// It returns false when the status is terminal or unknown.
func NextAction(current models.ReviewStatus) (models.ReviewStatus, bool) {
	for i, s := range ladder {
		if s == current {
			if i+1 >= len(ladder) {
				return "", false
			}
			return ladder[i+1], true
		}
	}
	return "", false
}

// ValidStatus reports whether s names a known escalation state.
func ValidStatus(s models.ReviewStatus) bool {
	for _, v := range ladder {
		if v == s {
			return true
		}
	}
	return false
}

// applyTransition advances a session by one step. It mutates the session in
// place on success, appending to history and updating the status.
func applyTransition(s *models.FlaggedSession, action models.ReviewStatus, reviewerID string, now time.Time) error {
	next, ok := NextAction(s.Status)
	if !ok || next != action {
		return ErrInvalidTransition
	}
	s.Status = action
	s.History = append(s.History, models.ActionEntry{
		Action:     action,
		Timestamp:  now,
		ReviewerID: reviewerID,
	})
	return nil
}

// ListQuery selects a page of flagged sessions. Page is 1-based; an empty
// Status matches every session.
type ListQuery struct {
	Page     int
	PageSize int
	Status   models.ReviewStatus
}

func (q ListQuery) normalize() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 20
	}
	return q
}

// ListResult is one page of flagged sessions in creation order.
type ListResult struct {
	Sessions []models.FlaggedSession `json:"sessions"`
	Total    int                     `json:"total"`
	Page     int                     `json:"page"`
	PageSize int                     `json:"pageSize"`
}

// Store is the durable escalation store. Flag rejects an existing session
// with ErrAlreadyFlagged; ApplyAction rejects anything but the single next
// rung with ErrInvalidTransition.
type Store interface {
	Flag(ctx context.Context, session models.FlaggedSession) error
	ApplyAction(ctx context.Context, sessionID string, action models.ReviewStatus, reviewerID string) (models.FlaggedSession, error)
	Get(ctx context.Context, sessionID string) (models.FlaggedSession, error)
	List(ctx context.Context, q ListQuery) (ListResult, error)
	History(ctx context.Context, sessionID string) ([]models.ActionEntry, error)
	Close() error
}
