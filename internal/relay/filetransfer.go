package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipsync/relay/internal/protocol"
	"github.com/clipsync/relay/internal/session"
)

// HandleFileMeta creates a FileRecord and mirrors it to the other side, or
// rejects it with a targeted error frame (spec.md §4.6 "file_meta"). The
// capacity/size checks and the insert share one critical section: pc and
// app run independent read loops (internal/wsconn.Serve), so a check and
// insert split across two lock acquisitions would let two concurrent
// file_meta frames both pass admission and push the session over
// MAX_SIMULTANEOUS_FILES (spec.md §5, §8 "at most MAX_SIMULTANEOUS_FILES").
func (e *Engine) HandleFileMeta(sess *session.Session, role session.Role, senderConn session.Conn, frame protocol.Inbound) {
	if frame.FileID == "" || frame.FileName == "" || frame.TotalChunks <= 0 {
		senderConn.SafeSend(protocol.NewError(e.fileMetaErrorMessage(ErrInvalidFileMeta)))
		return
	}

	effectiveSize := int64(frame.TotalChunks) * e.cfg.ChunkSize
	if frame.TotalSize != nil {
		effectiveSize = *frame.TotalSize
	}

	now := e.now()

	var admitErr error
	var other session.Conn

	sess.Lock()
	switch {
	case sess.NonCompletedFileCount() >= e.cfg.MaxSimultaneousFiles:
		admitErr = ErrTooManyFiles
	case effectiveSize >= e.cfg.MaxFileSize:
		admitErr = ErrFileTooLarge
	default:
		sess.Files[frame.FileID] = &session.FileRecord{
			FileID:       frame.FileID,
			Name:         frame.FileName,
			TotalChunks:  frame.TotalChunks,
			TotalSize:    frame.TotalSize,
			SenderType:   role,
			ReceivedMap:  make(map[int]struct{}),
			Status:       session.FileSending,
			CreatedAt:    now,
			LastActivity: now,
		}
		sess.Touch(now)
		other = connIfBound(sess.Slots[role.Other()])
	}
	sess.Unlock()

	if admitErr != nil {
		senderConn.SafeSend(protocol.NewError(e.fileMetaErrorMessage(admitErr)))
		return
	}

	if other != nil {
		other.SafeSend(protocol.NewFileMeta(frame.FileID, frame.FileName, frame.TotalChunks, frame.TotalSize))
	}
}

// fileMetaErrorMessage renders a sentinel error from the admission check in
// HandleFileMeta into the user-facing message an error frame carries,
// mirroring the teacher's mapServiceError translation from sentinel error
// to response body.
func (e *Engine) fileMetaErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrTooManyFiles):
		return fmt.Sprintf("Too many simultaneous file transfers. Maximum is %d", e.cfg.MaxSimultaneousFiles)
	case errors.Is(err, ErrFileTooLarge):
		maxMB := e.cfg.MaxFileSize / (1024 * 1024)
		return fmt.Sprintf("File too large. Maximum size is %dMB", maxMB)
	default:
		return "Invalid file meta"
	}
}

// HandleFileChunk forwards one chunk to the receiver, retrying transient
// send failures with linear backoff before pausing the transfer (spec.md
// §4.6 "file_chunk").
func (e *Engine) HandleFileChunk(sess *session.Session, role session.Role, frame protocol.Inbound) {
	now := e.now()

	sess.Lock()
	f := sess.Files[frame.FileID]
	if f == nil {
		sess.Unlock()
		return
	}
	if f.Status == session.FilePaused {
		sess.Unlock()
		return
	}
	if _, dup := f.ReceivedMap[frame.ChunkIndex]; dup {
		sess.Unlock()
		return
	}

	receiver := connIfBound(sess.Slots[role.Other()])
	if receiver == nil || !receiver.Open() {
		f.Status = session.FilePaused
		f.LastActivity = now
		sess.Unlock()
		slog.Info("file paused: receiver unavailable", "pair_id", sess.PairID, "file_id", frame.FileID)
		e.broadcastBoth(sess, protocol.NewFilePaused(frame.FileID, "Receiver unavailable"))
		return
	}
	f.LastActivity = now
	sess.Touch(now)
	totalChunks := f.TotalChunks
	sess.Unlock()

	msg := protocol.NewFileChunk(frame.FileID, frame.ChunkIndex, totalChunks, frame.Data)

	var sendErr error
	for attempt := 1; attempt <= e.cfg.ChunkRetryLimit; attempt++ {
		if sendErr = receiver.TrySend(msg); sendErr == nil {
			return
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}

	slog.Warn("chunk relay exhausted retries, pausing", "pair_id", sess.PairID, "file_id", frame.FileID, "chunk", frame.ChunkIndex, "error", sendErr)

	sess.Lock()
	if f := sess.Files[frame.FileID]; f != nil && f.Status != session.FileCompleted {
		f.Status = session.FilePaused
		f.LastActivity = e.now()
	}
	sess.Unlock()

	e.broadcastBoth(sess, protocol.NewFilePaused(frame.FileID, "Relay failed"))
}

// HandleFileChunkAck records the receiver's acknowledgement, unblocks the
// sender's window, reports progress, and completes the transfer once every
// chunk is in (spec.md §4.6 "file_chunk_ack", "ack causality", "completion
// law"). role is the acknowledging (receiver) side.
func (e *Engine) HandleFileChunkAck(sess *session.Session, role session.Role, frame protocol.Inbound) {
	now := e.now()

	sess.Lock()
	f := sess.Files[frame.FileID]
	if f == nil {
		sess.Unlock()
		return
	}
	f.ReceivedMap[frame.ChunkIndex] = struct{}{}
	f.LastActivity = now
	sess.Touch(now)

	received := f.ReceivedChunks()
	total := f.TotalChunks
	justCompleted := received == total && f.Status != session.FileCompleted
	if justCompleted {
		f.Status = session.FileCompleted
	}

	sender := connIfBound(sess.Slots[role.Other()])
	receiver := connIfBound(sess.Slots[role])
	sess.Unlock()

	if sender != nil {
		sender.SafeSend(protocol.NewFileChunkAck(frame.FileID, frame.ChunkIndex))
	}
	if receiver != nil {
		receiver.SafeSend(protocol.NewFileProgress(frame.FileID, received, total))
	}

	if justCompleted {
		slog.Info("file transfer complete", "pair_id", sess.PairID, "file_id", frame.FileID)
		e.broadcastBoth(sess, protocol.NewFileComplete(frame.FileID))
		e.armCleanup(sess, frame.FileID)
	}
}

// HandleFileComplete forwards an informational file_complete frame; the
// authoritative completion signal is the ack-driven path above (spec.md
// §4.6 "file_complete").
func (e *Engine) HandleFileComplete(sess *session.Session, role session.Role, frame protocol.Inbound) {
	sess.Lock()
	other := connIfBound(sess.Slots[role.Other()])
	sess.Unlock()

	if other != nil {
		other.SafeSend(protocol.NewFileComplete(frame.FileID))
	}
}

// HandlePauseFile sets a file to paused unconditionally and notifies both
// sides (spec.md §4.6 "pause_file").
func (e *Engine) HandlePauseFile(sess *session.Session, frame protocol.Inbound) {
	now := e.now()

	sess.Lock()
	f := sess.Files[frame.FileID]
	if f == nil {
		sess.Unlock()
		return
	}
	f.Status = session.FilePaused
	f.LastActivity = now
	sess.Unlock()

	e.broadcastBoth(sess, protocol.NewFilePaused(frame.FileID, ""))
}

// HandleResumeFile resumes a non-completed file and immediately nudges the
// sender with the current missing-chunk set (spec.md §4.6 "resume_file",
// "resume law").
func (e *Engine) HandleResumeFile(sess *session.Session, frame protocol.Inbound) {
	now := e.now()

	sess.Lock()
	f := sess.Files[frame.FileID]
	if f == nil || f.Status == session.FileCompleted {
		sess.Unlock()
		return
	}
	f.Status = session.FileSending
	f.LastActivity = now
	missing := f.MissingChunks()
	senderRole := f.SenderType
	senderConn := connIfBound(sess.Slots[senderRole])
	sess.Unlock()

	e.broadcastBoth(sess, protocol.NewFileResumed(frame.FileID))
	if senderConn != nil {
		senderConn.SafeSend(protocol.NewFileMissingChunks(frame.FileID, missing))
	}
}

// HandleRequestChunks forwards a receiver's explicit re-request to the
// sender (spec.md §4.6 "request_chunks").
func (e *Engine) HandleRequestChunks(sess *session.Session, role session.Role, frame protocol.Inbound) {
	sess.Lock()
	f := sess.Files[frame.FileID]
	if f == nil {
		sess.Unlock()
		return
	}
	sender := connIfBound(sess.Slots[role.Other()])
	sess.Unlock()

	if sender == nil {
		return
	}

	entries := protocol.ParseMissingChunks(frame.Chunks)
	indices := make([]int, 0, len(entries))
	for _, entry := range entries {
		indices = append(indices, entry.ChunkIndex)
	}
	if len(indices) == 0 {
		// Nothing usable parsed out of Chunks; nothing to forward.
		return
	}
	sender.SafeSend(protocol.NewFileMissingChunks(frame.FileID, indices))
}

// HandleMissingChunks handles a sender's follow-up file_missing_chunks
// frame: object elements with chunkIndex+data are forwarded to the
// receiver as ordinary file_chunk frames; bare integer elements are
// dropped per spec.md §9 open question (a).
func (e *Engine) HandleMissingChunks(sess *session.Session, role session.Role, frame protocol.Inbound) {
	entries := protocol.ParseMissingChunks(frame.Chunks)

	sess.Lock()
	f := sess.Files[frame.FileID]
	if f == nil {
		sess.Unlock()
		return
	}
	receiver := connIfBound(sess.Slots[role.Other()])
	totalChunks := f.TotalChunks
	sess.Unlock()

	for _, entry := range entries {
		if !entry.HasData {
			slog.Debug("dropping bare index in file_missing_chunks", "pair_id", sess.PairID, "file_id", frame.FileID, "chunk", entry.ChunkIndex)
			continue
		}
		if receiver != nil {
			receiver.SafeSend(protocol.NewFileChunk(frame.FileID, entry.ChunkIndex, totalChunks, entry.Data))
		}
	}
}

// armCleanup schedules a FileRecord's removal FILE_CLEANUP_TIMEOUT after
// completion (spec.md §3 "FileRecord lifecycle").
func (e *Engine) armCleanup(sess *session.Session, fileID string) {
	time.AfterFunc(e.cfg.FileCleanupTimeout, func() {
		sess.Lock()
		if f := sess.Files[fileID]; f != nil && f.Status == session.FileCompleted {
			delete(sess.Files, fileID)
		}
		sess.Unlock()
	})
}
