package reconcile

import (
	"fmt"
	"time"
)

// Summary holds the counts of one entity pass
type Summary struct {
	Entity              string        `json:"entity"`
	Total               int           `json:"total"`
	Created             int           `json:"created"`
	Updated             int           `json:"updated"`
	Failed              int           `json:"failed"`
	Duplicates          int           `json:"duplicates"`
	SkippedInactive     int           `json:"skipped_inactive"`
	SkippedIncompatible int           `json:"skipped_incompatible"`
	Deleted             int64         `json:"deleted"`
	Duration            time.Duration `json:"duration"`
}

// Succeeded is the number of records written
func (s *Summary) Succeeded() int {
	return s.Created + s.Updated
}

// Partial reports whether some but not all records were written
func (s *Summary) Partial() bool {
	return s.Failed > 0 && s.Succeeded() > 0
}

func (s *Summary) String() string {
	return fmt.Sprintf("%s: %d new, %d updated, %d failed, %d inactive, %d incompatible (%s)",
		s.Entity, s.Created, s.Updated, s.Failed, s.SkippedInactive, s.SkippedIncompatible, s.Duration.Round(time.Millisecond))
}
