// Package wire defines the messages exchanged between pprofit and its remote
// workers and the frame codec that carries them.
package wire

import (
	"errors"
	"fmt"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
)

// Type is the "msg" tag of an envelope.
type Type string

const (
	StartUploadChannel   Type = "START_UPLOAD_CHANNEL"
	StartDownloadChannel Type = "START_DOWNLOAD_CHANNEL"
	StartCleanupChannel  Type = "START_CLEANUP_CHANNEL"
	StartChannel         Type = "START_CHANNEL"
	StartQueueChannel    Type = "START_QUEUE_CHANNEL"

	Ready     Type = "READY"
	Busy      Type = "BUSY"
	Error     Type = "ERROR"
	KeepAlive Type = "KEEP_ALIVE"

	Mkdir        Type = "MKDIR"
	Mkdirs       Type = "MKDIRS"
	Upload       Type = "UPLOAD"
	Uploaded     Type = "UPLOADED"
	List         Type = "LIST"
	DownloadFile Type = "DOWNLOAD_FILE"

	Lock     Type = "LOCK"
	Locked   Type = "LOCKED"
	Unlock   Type = "UNLOCK"
	Unlocked Type = "UNLOCKED"
	Flush    Type = "FLUSH"
	Flushed  Type = "FLUSHED"

	JobStart      Type = "JOB_START"
	JobStartError Type = "JOB_START_ERROR"
	JobEnd        Type = "JOB_END"
	JobKill       Type = "JOB_KILL"
	ReadyQuery    Type = "READY_QUERY"

	QSub    Type = "QSUB"
	QSelect Type = "QSELECT"
	QRls    Type = "QRLS"
	QDel    Type = "QDEL"

	MkTemp Type = "MKTEMP"
	Check  Type = "CHECK"
)

// File types reported by LIST.
const (
	FileTypeFile = 1
	FileTypeDir  = 2
)

// ErrorCode is the (category, code) pair carried by ERROR envelopes.
type ErrorCode struct {
	_msgpack struct{} `msgpack:",as_array"`
	Category string
	Code     string
}

// FileEntry is one element of a LIST reply.
type FileEntry struct {
	RemotePath string `msgpack:"remote_path"`
	Type       int    `msgpack:"type"`
	Mode       uint32 `msgpack:"mode"`
}

// Dialect identifies a queueing system flavour. It is sent by queue workers in
// their READY reply.
type Dialect struct {
	Flavour         string   `msgpack:"flavour"`
	ArrayFlag       string   `msgpack:"array_flag"`
	ArrayIDVariable string   `msgpack:"array_id_variable"`
	QdelForceFlags  []string `msgpack:"qdel_force_flags"`
}

// Msg is the envelope for every message. Type selects which of the optional
// fields are meaningful.
type Msg struct {
	Type          Type   `msgpack:"msg"`
	ChannelID     string `msgpack:"channel_id,omitempty"`
	ID            string `msgpack:"id,omitempty"`
	TransactionID string `msgpack:"transaction_id,omitempty"`

	RemotePath        string      `msgpack:"remote_path,omitempty"`
	RemotePaths       []string    `msgpack:"remote_paths,omitempty"`
	Mode              uint32      `msgpack:"mode,omitempty"`
	FileData          []byte      `msgpack:"file_data,omitempty"`
	Files             []FileEntry `msgpack:"files,omitempty"`
	PathAlreadyExists bool        `msgpack:"path_already_exists,omitempty"`
	Readable          bool        `msgpack:"readable,omitempty"`
	Writable          bool        `msgpack:"writable,omitempty"`

	Reason    string     `msgpack:"reason,omitempty"`
	ErrorCode *ErrorCode `msgpack:"error_code,omitempty"`
	ExcMsg    string     `msgpack:"exc_msg,omitempty"`
	Key       string     `msgpack:"key,omitempty"`
	MsgType   string     `msgpack:"mtype,omitempty"`

	JobID           string  `msgpack:"job_id,omitempty"`
	JobPath         string  `msgpack:"job_path,omitempty"`
	PID             int     `msgpack:"pid,omitempty"`
	ReturnCode      *int    `msgpack:"returncode,omitempty"`
	Killed          bool    `msgpack:"killed,omitempty"`
	Shell           string  `msgpack:"shell,omitempty"`
	HardkillTimeout float64 `msgpack:"hardkill_timeout,omitempty"`

	Jobs        []string `msgpack:"jobs,omitempty"`
	JobIDs      []string `msgpack:"job_ids,omitempty"`
	HeaderLines []string `msgpack:"header_lines,omitempty"`
	Force       bool     `msgpack:"force,omitempty"`
	Dialect     *Dialect `msgpack:"dialect,omitempty"`
}

// Paths returns the path list of a LOCK or UNLOCK request, which may carry a
// single remote_path or a remote_paths list.
func (m *Msg) Paths() []string {
	if len(m.RemotePaths) > 0 {
		return m.RemotePaths
	}
	if m.RemotePath != "" {
		return []string{m.RemotePath}
	}
	return nil
}

// NewError builds an ERROR envelope.
func NewError(channelID string, cat perr.Category, code perr.Code, reason string) *Msg {
	return &Msg{
		Type:      Error,
		ChannelID: channelID,
		Reason:    reason,
		ErrorCode: &ErrorCode{Category: string(cat), Code: string(code)},
	}
}

// IsError reports whether m is an ERROR envelope with the given code pair.
func (m *Msg) IsError(cat perr.Category, code perr.Code) bool {
	if m.Type != Error || m.ErrorCode == nil {
		return false
	}
	return m.ErrorCode.Category == string(cat) && m.ErrorCode.Code == string(code)
}

// Err converts an ERROR or JOB_START_ERROR envelope to a Go error. Other
// envelopes yield nil.
func (m *Msg) Err() error {
	switch m.Type {
	case Error:
		reason := m.Reason
		if reason == "" {
			reason = "remote error"
		}
		if m.ExcMsg != "" {
			reason = fmt.Sprintf("%s: %s", reason, m.ExcMsg)
		}
		if m.ErrorCode == nil {
			return perr.New(perr.CategoryException, perr.CodeUnknown, errors.New(reason))
		}
		return perr.New(perr.Category(m.ErrorCode.Category), perr.Code(m.ErrorCode.Code), errors.New(reason))
	case JobStartError:
		return errors.New(m.Reason)
	}
	return nil
}

func (m *Msg) String() string {
	switch {
	case m.ID != "":
		return fmt.Sprintf("%s(id=%s, remote_path=%q)", m.Type, m.ID, m.RemotePath)
	case m.JobID != "":
		return fmt.Sprintf("%s(job_id=%s)", m.Type, m.JobID)
	case m.TransactionID != "":
		return fmt.Sprintf("%s(transaction_id=%s)", m.Type, m.TransactionID)
	}
	return fmt.Sprintf("%s(channel_id=%s)", m.Type, m.ChannelID)
}
