package relay

import (
	"testing"

	"github.com/clipsync/relay/internal/protocol"
	"github.com/clipsync/relay/internal/session"
)

func bindBoth(sess *session.Session) (pc, app *fakeConn) {
	pc, app = newFakeConn(), newFakeConn()
	sess.Slots[session.RolePC] = &session.Slot{Conn: pc, DeviceName: "PC"}
	sess.Slots[session.RoleApp] = &session.Slot{Conn: app, DeviceName: "Phone"}
	return pc, app
}

func TestHandleFileMetaRejectsInvalidShape(t *testing.T) {
	e := New(testConfig())
	sess := newTestSession()
	sender, _ := bindBoth(sess)

	e.HandleFileMeta(sess, session.RolePC, sender, protocol.Inbound{FileID: "", FileName: "a.txt", TotalChunks: 1})

	if len(sender.sent) != 1 {
		t.Fatalf("expected one error frame, got %d", len(sender.sent))
	}
	if _, ok := sender.sent[0].(protocol.Error); !ok {
		t.Errorf("expected an Error frame, got %T", sender.sent[0])
	}
	if len(sess.Files) != 0 {
		t.Error("expected no FileRecord to be created for invalid meta")
	}
}

func TestHandleFileMetaRejectsTooManyFiles(t *testing.T) {
	e := New(testConfig())
	sess := newTestSession()
	sender, _ := bindBoth(sess)

	sess.Files["f1"] = &session.FileRecord{FileID: "f1", Status: session.FileSending}
	sess.Files["f2"] = &session.FileRecord{FileID: "f2", Status: session.FileSending}

	e.HandleFileMeta(sess, session.RolePC, sender, protocol.Inbound{FileID: "f3", FileName: "a.txt", TotalChunks: 1})

	if len(sess.Files) != 2 {
		t.Fatalf("expected capacity check to reject the third file, have %d", len(sess.Files))
	}
	errFrame, ok := sender.sent[len(sender.sent)-1].(protocol.Error)
	if !ok || errFrame.Message == "" {
		t.Fatalf("expected a capacity error frame, got %+v", sender.sent)
	}
}

func TestHandleFileMetaRejectsOversizedFile(t *testing.T) {
	cfg := testConfig()
	e := New(cfg)
	sess := newTestSession()
	sender, _ := bindBoth(sess)

	hugeSize := cfg.MaxFileSize + 1
	e.HandleFileMeta(sess, session.RolePC, sender, protocol.Inbound{
		FileID: "f1", FileName: "a.txt", TotalChunks: 1, TotalSize: &hugeSize,
	})

	if len(sess.Files) != 0 {
		t.Error("expected oversized file to be rejected")
	}
}

// TestHandleFileMetaRejectsFileExactlyAtSizeLimit exercises spec.md §8's
// worked example: totalChunks*chunkSize lands exactly on MAX_FILE_SIZE,
// and is still rejected (the size check is inclusive of the boundary).
func TestHandleFileMetaRejectsFileExactlyAtSizeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 65536
	cfg.MaxFileSize = 5 * 1024 * 1024 * 1024
	e := New(cfg)
	sess := newTestSession()
	sender, _ := bindBoth(sess)

	const totalChunks = 81920 // 81920 * 65536 == 5 GiB, exactly MaxFileSize

	e.HandleFileMeta(sess, session.RolePC, sender, protocol.Inbound{
		FileID: "f1", FileName: "a.txt", TotalChunks: totalChunks,
	})

	if len(sess.Files) != 0 {
		t.Fatal("expected a file exactly at the size limit to be rejected")
	}
	errFrame, ok := sender.sent[len(sender.sent)-1].(protocol.Error)
	if !ok {
		t.Fatalf("expected an error frame, got %+v", sender.sent)
	}
	const want = "File too large. Maximum size is 5120MB"
	if errFrame.Message != want {
		t.Errorf("expected message %q, got %q", want, errFrame.Message)
	}
}

func TestHandleFileMetaAdmitsAndMirrorsToOtherSide(t *testing.T) {
	e := New(testConfig())
	sess := newTestSession()
	sender, receiver := bindBoth(sess)

	e.HandleFileMeta(sess, session.RolePC, sender, protocol.Inbound{FileID: "f1", FileName: "a.txt", TotalChunks: 3})

	f, ok := sess.Files["f1"]
	if !ok {
		t.Fatal("expected a FileRecord to be created")
	}
	if f.Status != session.FileSending || f.SenderType != session.RolePC {
		t.Errorf("unexpected FileRecord state: %+v", f)
	}

	if len(receiver.sent) != 1 {
		t.Fatalf("expected the receiver to get the mirrored file_meta, got %d frames", len(receiver.sent))
	}
	if _, ok := receiver.sent[0].(protocol.FileMeta); !ok {
		t.Errorf("expected a FileMeta frame, got %T", receiver.sent[0])
	}
}

func TestHandleFileChunkForwardsAndSuppressesDuplicates(t *testing.T) {
	e := New(testConfig())
	sess := newTestSession()
	_, receiver := bindBoth(sess)
	sess.Files["f1"] = &session.FileRecord{
		FileID: "f1", TotalChunks: 3, SenderType: session.RolePC,
		ReceivedMap: make(map[int]struct{}), Status: session.FileSending,
	}

	e.HandleFileChunk(sess, session.RolePC, protocol.Inbound{FileID: "f1", ChunkIndex: 0, Data: "aaa"})
	if len(receiver.sent) != 1 {
		t.Fatalf("expected 1 chunk forwarded, got %d", len(receiver.sent))
	}

	sess.Files["f1"].ReceivedMap[0] = struct{}{}
	e.HandleFileChunk(sess, session.RolePC, protocol.Inbound{FileID: "f1", ChunkIndex: 0, Data: "aaa"})
	if len(receiver.sent) != 1 {
		t.Errorf("expected duplicate chunk to be suppressed, got %d sends", len(receiver.sent))
	}
}

func TestHandleFileChunkPausesWhenReceiverUnbound(t *testing.T) {
	e := New(testConfig())
	sess := newTestSession()
	sess.Slots[session.RolePC] = &session.Slot{Conn: newFakeConn(), DeviceName: "PC"}
	sess.Files["f1"] = &session.FileRecord{
		FileID: "f1", TotalChunks: 3, SenderType: session.RolePC,
		ReceivedMap: make(map[int]struct{}), Status: session.FileSending,
	}

	e.HandleFileChunk(sess, session.RolePC, protocol.Inbound{FileID: "f1", ChunkIndex: 0, Data: "aaa"})

	if sess.Files["f1"].Status != session.FilePaused {
		t.Errorf("expected file to pause when receiver is unbound, got status %q", sess.Files["f1"].Status)
	}
}

func TestHandleFileChunkRetriesThenPausesOnPersistentFailure(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkRetryLimit = 2
	e := New(cfg)
	sess := newTestSession()
	sess.Slots[session.RolePC] = &session.Slot{Conn: newFakeConn(), DeviceName: "PC"}
	receiver := newFakeConn()
	receiver.trySendFails = 99
	sess.Slots[session.RoleApp] = &session.Slot{Conn: receiver, DeviceName: "Phone"}
	sess.Files["f1"] = &session.FileRecord{
		FileID: "f1", TotalChunks: 3, SenderType: session.RolePC,
		ReceivedMap: make(map[int]struct{}), Status: session.FileSending,
	}

	e.HandleFileChunk(sess, session.RolePC, protocol.Inbound{FileID: "f1", ChunkIndex: 0, Data: "aaa"})

	if receiver.trySendCalls != cfg.ChunkRetryLimit {
		t.Errorf("expected %d TrySend attempts, got %d", cfg.ChunkRetryLimit, receiver.trySendCalls)
	}
	if sess.Files["f1"].Status != session.FilePaused {
		t.Error("expected file to be paused after exhausting retries")
	}
}

func TestHandleFileChunkAckDrivesCompletion(t *testing.T) {
	e := New(testConfig())
	sess := newTestSession()
	sender, receiver := bindBoth(sess)
	sess.Files["f1"] = &session.FileRecord{
		FileID: "f1", TotalChunks: 2, SenderType: session.RolePC,
		ReceivedMap: map[int]struct{}{0: {}}, Status: session.FileSending,
	}

	// App is the receiver acking chunk 1, completing the transfer.
	e.HandleFileChunkAck(sess, session.RoleApp, protocol.Inbound{FileID: "f1", ChunkIndex: 1})

	if sess.Files["f1"].Status != session.FileCompleted {
		t.Fatalf("expected file to complete once all chunks acked, got %q", sess.Files["f1"].Status)
	}

	foundComplete := false
	for _, v := range sender.sent {
		if _, ok := v.(protocol.FileComplete); ok {
			foundComplete = true
		}
	}
	if !foundComplete {
		t.Error("expected sender to receive a file_complete frame")
	}
	_ = receiver
}

func TestHandleResumeFileSendsMissingChunksToSender(t *testing.T) {
	e := New(testConfig())
	sess := newTestSession()
	sender, _ := bindBoth(sess)
	sess.Files["f1"] = &session.FileRecord{
		FileID: "f1", TotalChunks: 4, SenderType: session.RolePC,
		ReceivedMap: map[int]struct{}{0: {}, 2: {}}, Status: session.FilePaused,
	}

	e.HandleResumeFile(sess, protocol.Inbound{FileID: "f1"})

	if sess.Files["f1"].Status != session.FileSending {
		t.Fatalf("expected resume to set status sending, got %q", sess.Files["f1"].Status)
	}

	var missing protocol.FileMissingChunks
	found := false
	for _, v := range sender.sent {
		if m, ok := v.(protocol.FileMissingChunks); ok {
			missing = m
			found = true
		}
	}
	if !found {
		t.Fatal("expected sender to receive a file_missing_chunks frame")
	}
	if len(missing.Chunks) != 2 || missing.Chunks[0] != 1 || missing.Chunks[1] != 3 {
		t.Errorf("unexpected missing chunk set: %v", missing.Chunks)
	}
}

func TestHandleDisconnectPausesOnlySenderFiles(t *testing.T) {
	e := New(testConfig())
	sess := newTestSession()
	bindBoth(sess)
	sess.Files["sentByPC"] = &session.FileRecord{FileID: "sentByPC", SenderType: session.RolePC, Status: session.FileSending}
	sess.Files["sentByApp"] = &session.FileRecord{FileID: "sentByApp", SenderType: session.RoleApp, Status: session.FileSending}

	e.HandleDisconnect(sess, session.RolePC)

	if sess.Files["sentByPC"].Status != session.FilePaused {
		t.Error("expected the disconnecting sender's file to pause")
	}
	if sess.Files["sentByApp"].Status != session.FileSending {
		t.Error("expected the other side's outbound file to be untouched by a sender disconnect")
	}
}
