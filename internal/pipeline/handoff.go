// Package pipeline runs one backup execution as a producer/consumer chain:
// the scanner fills the file table, the prefetcher packs pending files into
// bounded groups, the compressor archives each group into the staging area,
// and the mover carries finished archives to tape. Progress lives in the
// store, so a crashed execution resumes where it stopped.
package pipeline

import "github.com/tapevault/tapevault/internal/models"

// batchQueueSize bounds how far the prefetcher may run ahead of the
// compressor. Two batches keep the compressor busy without staging
// unbounded file metadata in memory.
const batchQueueSize = 2

// batch is one prefetcher hand-off. EOF marks the end of the stream; no
// batches follow it.
type batch struct {
	Groups []models.FileGroup
	LastID int64
	EOF    bool
}

func newBatchQueue() chan batch {
	return make(chan batch, batchQueueSize)
}
