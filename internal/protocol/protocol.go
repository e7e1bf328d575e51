// Package protocol defines the length-delimited JSON wire format exchanged
// over a ClipSync duplex connection after authentication (spec.md §6).
package protocol

import (
	"bytes"
	"encoding/json"
)

// Frame kinds, spec.md §6 wire format table.
const (
	TypeStatus            = "status"
	TypeError             = "error"
	TypeExpired           = "expired"
	TypePeerDisconnected  = "peer_disconnected"
	TypeClipboard         = "clipboard"
	TypeFileMeta          = "file_meta"
	TypeFileChunk         = "file_chunk"
	TypeFileChunkAck      = "file_chunk_ack"
	TypeFileProgress      = "file_progress"
	TypeFileComplete      = "file_complete"
	TypeFilePaused        = "file_paused"
	TypeFileResumed       = "file_resumed"
	TypePauseFile         = "pause_file"
	TypeResumeFile        = "resume_file"
	TypeRequestChunks     = "request_chunks"
	TypeFileMissingChunks = "file_missing_chunks"
)

// Inbound is the generic shape of a frame read from a connection. Every
// field that isn't relevant to a given Type is simply left zero; handlers
// validate only the fields their message kind needs (spec.md §4.4, §9
// "model type as a tagged variant... treat schema failure as a dropped
// frame").
type Inbound struct {
	Type string `json:"type"`

	// clipboard
	Content string `json:"content,omitempty"`

	// file_meta / file_chunk / file_chunk_ack / file_complete /
	// pause_file / resume_file / request_chunks
	FileID      string `json:"fileId,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	TotalSize   *int64 `json:"totalSize,omitempty"`
	ChunkIndex  int    `json:"chunkIndex,omitempty"`
	Data        string `json:"data,omitempty"`

	// request_chunks / file_missing_chunks (C->S direction): either bare
	// chunk indices or {chunkIndex, data} objects (spec.md §4.6).
	Chunks []json.RawMessage `json:"chunks,omitempty"`
}

// MissingChunkEntry is one element of an inbound file_missing_chunks
// frame's chunks array when the sender follows up with chunk data. Bare
// integer elements (no "chunkIndex"/"data") decode with HasData false and
// are dropped per spec.md §9 open question (a).
type MissingChunkEntry struct {
	ChunkIndex int
	Data       string
	HasData    bool
}

// ParseMissingChunks decodes a chunks array from an inbound
// file_missing_chunks or request_chunks frame into index+optional-data
// pairs. Elements that are neither a bare number nor a {chunkIndex,data}
// object are dropped (they fail both decode attempts below).
func ParseMissingChunks(raw []json.RawMessage) []MissingChunkEntry {
	out := make([]MissingChunkEntry, 0, len(raw))
	for _, r := range raw {
		// encoding/json accepts a literal null into an int without error,
		// so it has to be rejected explicitly.
		if bytes.Equal(bytes.TrimSpace(r), []byte("null")) {
			continue
		}
		var bare int
		if err := json.Unmarshal(r, &bare); err == nil {
			out = append(out, MissingChunkEntry{ChunkIndex: bare})
			continue
		}
		var obj struct {
			ChunkIndex int    `json:"chunkIndex"`
			Data       string `json:"data"`
		}
		if err := json.Unmarshal(r, &obj); err == nil && obj.Data != "" {
			out = append(out, MissingChunkEntry{ChunkIndex: obj.ChunkIndex, Data: obj.Data, HasData: true})
			continue
		}
		// Neither shape matched; silently dropped.
	}
	return out
}

// --- Outbound frame constructors (S->C) ---
// Each returns a value ready to pass to a connection's safe-send, matching
// the field shapes in spec.md §6.

type Status struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewStatus(message string) Status {
	return Status{Type: TypeStatus, Message: message}
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

type Expired struct {
	Type string `json:"type"`
}

func NewExpired() Expired {
	return Expired{Type: TypeExpired}
}

type PeerDisconnected struct {
	Type    string `json:"type"`
	Side    string `json:"side"`
	Message string `json:"message"`
}

func NewPeerDisconnected(side, message string) PeerDisconnected {
	return PeerDisconnected{Type: TypePeerDisconnected, Side: side, Message: message}
}

type Clipboard struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Content string `json:"content"`
}

func NewClipboard(from, content string) Clipboard {
	return Clipboard{Type: TypeClipboard, From: from, Content: content}
}

type FileMeta struct {
	Type        string `json:"type"`
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	TotalChunks int    `json:"totalChunks"`
	TotalSize   *int64 `json:"totalSize,omitempty"`
}

func NewFileMeta(fileID, fileName string, totalChunks int, totalSize *int64) FileMeta {
	return FileMeta{Type: TypeFileMeta, FileID: fileID, FileName: fileName, TotalChunks: totalChunks, TotalSize: totalSize}
}

type FileChunk struct {
	Type        string `json:"type"`
	FileID      string `json:"fileId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        string `json:"data"`
}

func NewFileChunk(fileID string, chunkIndex, totalChunks int, data string) FileChunk {
	return FileChunk{Type: TypeFileChunk, FileID: fileID, ChunkIndex: chunkIndex, TotalChunks: totalChunks, Data: data}
}

type FileChunkAck struct {
	Type       string `json:"type"`
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
}

func NewFileChunkAck(fileID string, chunkIndex int) FileChunkAck {
	return FileChunkAck{Type: TypeFileChunkAck, FileID: fileID, ChunkIndex: chunkIndex}
}

type FileProgress struct {
	Type           string `json:"type"`
	FileID         string `json:"fileId"`
	ReceivedChunks int    `json:"receivedChunks"`
	TotalChunks    int    `json:"totalChunks"`
}

func NewFileProgress(fileID string, received, total int) FileProgress {
	return FileProgress{Type: TypeFileProgress, FileID: fileID, ReceivedChunks: received, TotalChunks: total}
}

type FileComplete struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
}

func NewFileComplete(fileID string) FileComplete {
	return FileComplete{Type: TypeFileComplete, FileID: fileID}
}

type FilePaused struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
	Reason string `json:"reason,omitempty"`
}

func NewFilePaused(fileID, reason string) FilePaused {
	return FilePaused{Type: TypeFilePaused, FileID: fileID, Reason: reason}
}

type FileResumed struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
}

func NewFileResumed(fileID string) FileResumed {
	return FileResumed{Type: TypeFileResumed, FileID: fileID}
}

type FileMissingChunks struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
	Chunks []int  `json:"chunks"`
}

func NewFileMissingChunks(fileID string, chunks []int) FileMissingChunks {
	return FileMissingChunks{Type: TypeFileMissingChunks, FileID: fileID, Chunks: chunks}
}
