package gearman

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// readChunkSize bounds a single read_data_from_socket() call, per spec.md
// §4.B's "reads up to a fixed chunk (implementation choice, e.g. 8 KiB)".
const readChunkSize = 8 * 1024

// outgoingCommand is one queued frame awaiting serialization. isText
// distinguishes the admin channel's line-oriented frames from every other
// opcode's binary frame.
type outgoingCommand struct {
	opcode  Opcode
	args    Args
	isText  bool
	rawText string
}

// Connection is a single TCP (optionally TLS) link to one Gearman server,
// matching spec.md §3's Connection data model: host/port, optional TLS
// material, connectedness, and the three buffers/FIFOs that the codec and
// the manager's event loop drain and fill.
type Connection struct {
	ID uuid.UUID

	Host string
	Port int

	Keyfile  string
	Certfile string
	CACerts  string
	UseSSL   bool

	DialTimeout time.Duration

	// Textual selects the admin channel's line-oriented framing instead of
	// the binary header framing every other role uses. It is fixed for the
	// lifetime of the connection by whichever manager owns it.
	Textual bool

	conn      net.Conn
	reader    *bufio.Reader
	connected bool

	outgoingBuffer   bytes.Buffer
	outgoingCommands []outgoingCommand
	incomingBuffer   bytes.Buffer

	log *logrus.Entry
}

// NewConnection validates the all-or-none SSL rule (spec.md §3: "use_ssl is
// true iff all three of keyfile/certfile/ca_certs are set") and returns an
// unconnected Connection.
func NewConnection(host string, port int, keyfile, certfile, caCerts string, log *logrus.Entry) (*Connection, error) {
	if host == "" {
		return nil, newGearmanError("connection requires a non-empty host")
	}

	sslFieldsSet := 0
	for _, v := range []string{keyfile, certfile, caCerts} {
		if v != "" {
			sslFieldsSet++
		}
	}
	if sslFieldsSet != 0 && sslFieldsSet != 3 {
		return nil, newGearmanError("keyfile, certfile, and ca_certs must be all set or all empty")
	}

	if log == nil {
		log = logrus.NewEntry(silentLogger())
	}

	return &Connection{
		ID:          uuid.New(),
		Host:        host,
		Port:        port,
		Keyfile:     keyfile,
		Certfile:    certfile,
		CACerts:     caCerts,
		UseSSL:      sslFieldsSet == 3,
		DialTimeout: 5 * time.Second,
		log:         log,
	}, nil
}

// Connected reports whether the socket is currently established.
func (c *Connection) Connected() bool { return c.connected }

// HasOutgoingData reports whether there is anything left to flush to the
// socket — the manager consults this to decide whether to register
// write-readiness interest with the poller (spec.md §4.C).
func (c *Connection) HasOutgoingData() bool {
	return c.outgoingBuffer.Len() > 0 || len(c.outgoingCommands) > 0
}

// Connect establishes the socket if not already connected, applying TLS
// wrapping iff UseSSL. Failures raise ConnectionError and leave
// connected=false.
func (c *Connection) Connect() error {
	if c.connected {
		return nil
	}

	addr := net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
	rawConn, err := net.DialTimeout("tcp", addr, c.DialTimeout)
	if err != nil {
		return c.throwException("failed to connect", err)
	}

	if c.UseSSL {
		tlsConn, err := c.wrapTLS(rawConn)
		if err != nil {
			_ = rawConn.Close()
			return c.throwException("TLS handshake failed", err)
		}
		c.conn = tlsConn
	} else {
		c.conn = rawConn
	}

	c.reader = bufio.NewReaderSize(c.conn, readChunkSize)
	c.connected = true
	c.log.WithFields(logrus.Fields{"host": c.Host, "port": c.Port}).Debug("gearman: connection established")
	return nil
}

func (c *Connection) wrapTLS(raw net.Conn) (*tls.Conn, error) {
	cert, err := tls.LoadX509KeyPair(c.Certfile, c.Keyfile)
	if err != nil {
		return nil, err
	}

	caPEM, err := os.ReadFile(c.CACerts)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, newGearmanError("ca_certs file %q contained no usable certificates", c.CACerts)
	}

	tlsConn := tls.Client(raw, &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   c.Host,
	})
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// Fileno returns the OS-level descriptor backing this connection's socket.
func (c *Connection) Fileno() (int, error) {
	if c.conn == nil {
		return 0, newConnectionError("no socket set", nil)
	}

	var sc syscall.Conn
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		sc, _ = tlsConn.NetConn().(syscall.Conn)
	} else {
		sc, _ = c.conn.(syscall.Conn)
	}
	if sc == nil {
		return 0, newConnectionError("connection does not expose a file descriptor", nil)
	}

	rawConn, err := sc.SyscallConn()
	if err != nil {
		return 0, newConnectionError("fileno", err)
	}

	var fd int
	ctrlErr := rawConn.Control(func(descriptor uintptr) { fd = int(descriptor) })
	if ctrlErr != nil {
		return 0, newConnectionError("fileno", ctrlErr)
	}
	return fd, nil
}

// SendCommand appends a binary-framed command to the outgoing FIFO. It does
// not touch the socket.
func (c *Connection) SendCommand(opcode Opcode, args Args) {
	c.outgoingCommands = append(c.outgoingCommands, outgoingCommand{opcode: opcode, args: args})
}

// SendTextCommand appends a text-framed admin command line to the outgoing
// FIFO. rawText should not include the trailing newline; it is added at
// serialization time.
func (c *Connection) SendTextCommand(rawText string) {
	c.outgoingCommands = append(c.outgoingCommands, outgoingCommand{opcode: OpTextCommand, isText: true, rawText: rawText})
}

// SendCommandsToBuffer drains the outgoing FIFO, packing each command via
// the codec and concatenating the result onto outgoingBuffer.
func (c *Connection) SendCommandsToBuffer() error {
	for _, cmd := range c.outgoingCommands {
		if cmd.isText {
			c.outgoingBuffer.WriteString(packTextCommand(cmd.rawText) + "\n")
			continue
		}

		packed, err := packBinaryCommand(cmd.opcode, cmd.args, false)
		if err != nil {
			return err
		}
		c.outgoingBuffer.Write(packed)
	}
	c.outgoingCommands = c.outgoingCommands[:0]
	return nil
}

// SendDataToSocket writes as much of outgoingBuffer as the socket accepts,
// then trims the buffer.
func (c *Connection) SendDataToSocket() error {
	if c.outgoingBuffer.Len() == 0 {
		return nil
	}
	if !c.connected {
		return c.throwException("cannot write: not connected", nil)
	}

	n, err := c.conn.Write(c.outgoingBuffer.Bytes())
	if n > 0 {
		c.outgoingBuffer.Next(n)
	}
	if err != nil {
		return c.throwException("write failed", err)
	}
	return nil
}

// ReadDataFromSocket reads up to readChunkSize bytes into incomingBuffer.
// EOF is treated as connection loss.
func (c *Connection) ReadDataFromSocket() error {
	if !c.connected {
		return c.throwException("cannot read: not connected", nil)
	}

	chunk := make([]byte, readChunkSize)
	n, err := c.reader.Read(chunk)
	if n > 0 {
		c.incomingBuffer.Write(chunk[:n])
	}
	if err != nil {
		return c.throwException("read failed or connection closed", err)
	}
	return nil
}

// peekReadable reports whether at least one byte is available to read
// before deadline elapses, without consuming it — the primitive the Poller
// uses to implement read-readiness across many connections concurrently.
// A zero-value deadline blocks until data arrives or the connection errors.
func (c *Connection) peekReadable(deadline time.Time) (bool, error) {
	if !c.connected {
		return false, nil
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return false, err
	}
	_, err := c.reader.Peek(1)
	_ = c.conn.SetReadDeadline(time.Time{})

	if err == nil {
		return true, nil
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return false, nil
	}
	return false, err
}

// parsedFrame is one complete frame pulled out of incomingBuffer.
type parsedFrame struct {
	opcode Opcode
	args   Args
}

// ReadCommandsFromBuffer repeatedly invokes the codec against
// incomingBuffer, returning every complete frame it can extract and
// trimming consumed bytes as it goes. It stops (without error) when the
// codec reports "not enough data yet".
func (c *Connection) ReadCommandsFromBuffer() ([]parsedFrame, error) {
	var frames []parsedFrame

	for {
		buf := c.incomingBuffer.Bytes()
		if len(buf) == 0 {
			return frames, nil
		}

		var (
			opcode   Opcode
			args     Args
			consumed int
			err      error
		)

		if c.Textual {
			var textArgs map[string]string
			textArgs, consumed, err = parseTextCommand(buf)
			if textArgs != nil {
				opcode = OpTextCommand
				args = Args{"raw_text": []byte(textArgs["raw_text"])}
			}
		} else {
			opcode, args, consumed, err = parseBinaryCommand(buf, true)
		}

		if err != nil {
			return frames, err
		}
		if consumed == 0 {
			return frames, nil
		}

		c.incomingBuffer.Next(consumed)
		frames = append(frames, parsedFrame{opcode: opcode, args: args})
	}
}

// resetConnection closes the socket (ignoring errors), clears both buffers
// and the outgoing FIFO, and sets connected=false.
func (c *Connection) resetConnection() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.connected = false
	c.outgoingBuffer.Reset()
	c.incomingBuffer.Reset()
	c.outgoingCommands = nil
}

// throwException resets the connection and returns a ConnectionError.
func (c *Connection) throwException(message string, cause error) error {
	c.resetConnection()
	return newConnectionError(message, cause)
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
