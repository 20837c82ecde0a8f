package gearman

import "github.com/sirupsen/logrus"

// commandHandler is the state shared by the three role-specific handlers
// (client/worker/admin) described in spec.md §4: a reference to the
// Connection it drives and a logger. Each role embeds this and dispatches
// incoming frames through a static switch over opcodes (the admin role
// over its pending command's reply kind) — no reflection, per spec.md §9's
// "polymorphic handlers" note.
//
// encodeData/decodeData are the overridable transform spec.md §4.D names
// (identity by default): a caller may install its own pair, e.g. to
// compress or serialize job payloads at the handler boundary, without
// touching the wire codec itself.
type commandHandler struct {
	conn *Connection
	log  *logrus.Entry

	encodeData func([]byte) []byte
	decodeData func([]byte) []byte
}

func newCommandHandler(conn *Connection, log *logrus.Entry) commandHandler {
	if log == nil {
		log = logrus.NewEntry(silentLogger())
	}
	return commandHandler{conn: conn, log: log, encodeData: identityCodec, decodeData: identityCodec}
}

func identityCodec(b []byte) []byte { return b }
