package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Job is one rebuild pass of a search folder.
type Job struct {
	ID        string
	StoreID   int64
	FolderID  int64
	StartTime time.Time

	// Scanned counts candidate objects examined, Added the result rows
	// written.
	Scanned atomic.Int64
	Added   atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

func newJob(storeID, folderID int64) *Job {
	return &Job{
		ID:        uuid.NewString(),
		StoreID:   storeID,
		FolderID:  folderID,
		StartTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// stop cancels the job and waits for its worker to exit.
func (j *Job) stop() {
	if j.cancel != nil {
		j.cancel()
	}
	<-j.done
}
