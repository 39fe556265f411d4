package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// expectStart reads the channel's start message. A message of another type
// is answered with ERROR(MSGERROR, UNEXPECTED_MSG).
func expectStart(ctx context.Context, conn *Conn, want wire.Type) (*wire.Msg, bool) {
	m, ok := conn.Receive(ctx)
	if !ok {
		return nil, false
	}
	if m.Type != want {
		reply := wire.NewError(m.ChannelID, perr.CategoryMsg, perr.CodeUnexpectedMsg,
			fmt.Sprintf("expected %s, got %s", want, m.Type))
		_ = conn.Send(reply)
		return nil, false
	}
	return m, true
}

// childPath resolves p against root. Relative paths are joined to root;
// absolute paths must already lie under it. The cleaned result is returned
// with false when it escapes root.
func childPath(root, p string) (string, bool) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p, false
	}
	return p, true
}

// errorFor builds an ERROR reply to request m.
func errorFor(channelID string, m *wire.Msg, cat perr.Category, code perr.Code, reason string) *wire.Msg {
	reply := wire.NewError(channelID, cat, code, reason)
	reply.ID = m.ID
	reply.TransactionID = m.TransactionID
	reply.RemotePath = m.RemotePath
	return reply
}

func notChild(channelID string, m *wire.Msg, root string) *wire.Msg {
	return errorFor(channelID, m, perr.CategoryPath, perr.CodeNotChild,
		fmt.Sprintf("path %q is not a child of %q", m.RemotePath, root))
}

func missingKey(channelID string, m *wire.Msg, key string) *wire.Msg {
	reply := errorFor(channelID, m, perr.CategoryMsg, perr.CodeKeyError, fmt.Sprintf("message missing key %q", key))
	reply.Key = key
	return reply
}

func unknownType(channelID string, m *wire.Msg) *wire.Msg {
	reply := errorFor(channelID, m, perr.CategoryMsg, perr.CodeUnknownMsgType, fmt.Sprintf("unknown message type %q", m.Type))
	reply.MsgType = string(m.Type)
	return reply
}

// echo returns a KEEP_ALIVE reply.
func echo(channelID string, m *wire.Msg) *wire.Msg {
	cp := *m
	cp.ChannelID = channelID
	return &cp
}
