package gearman

import (
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// hostSpec is one entry of the flexible host list every manager accepts:
// "host:port" strings, or a bare host (defaulting to DefaultPort).
type hostSpec struct {
	Host string
	Port int
}

// DefaultPort is the standard Gearman job server port.
const DefaultPort = 4730

// parseHostList turns a manager's flexible host-list argument into
// concrete hostSpecs. Entries may be "host:port" or a bare host name.
func parseHostList(hosts []string) ([]hostSpec, error) {
	if len(hosts) == 0 {
		return nil, newGearmanError("at least one host is required")
	}

	specs := make([]hostSpec, 0, len(hosts))
	for _, h := range hosts {
		host, port := h, DefaultPort
		for i := len(h) - 1; i >= 0; i-- {
			if h[i] == ':' {
				host = h[:i]
				parsed, err := strconv.Atoi(h[i+1:])
				if err != nil {
					return nil, newGearmanError("invalid host entry %q: %v", h, err)
				}
				port = parsed
				break
			}
		}
		if host == "" {
			return nil, newGearmanError("invalid host entry %q", h)
		}
		specs = append(specs, hostSpec{Host: host, Port: port})
	}
	return specs, nil
}

// manager is the shared skeleton behind ClientManager/WorkerManager/
// AdminManager: a set of Connections, the TLS material applied uniformly
// to all of them (spec.md §3's all-or-none rule), and the poll-drive-
// dispatch event loop that every role reuses verbatim, differing only in
// which commandHandler interprets each frame.
type manager struct {
	Connections []*Connection

	Keyfile  string
	Certfile string
	CACerts  string

	poller *Poller
	log    *logrus.Entry

	newBackOff func() backoff.BackOff
}

func newManager(specs []hostSpec, keyfile, certfile, caCerts string, log *logrus.Entry) (*manager, error) {
	if log == nil {
		log = logrus.NewEntry(silentLogger())
	}

	m := &manager{
		Keyfile:  keyfile,
		Certfile: certfile,
		CACerts:  caCerts,
		poller:   NewPoller(),
		log:      log,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}

	for _, spec := range specs {
		conn, err := NewConnection(spec.Host, spec.Port, keyfile, certfile, caCerts, log)
		if err != nil {
			return nil, err
		}
		m.Connections = append(m.Connections, conn)
	}
	return m, nil
}

// establishConnection connects conn if it is not already connected,
// retrying with backoff up to maxAttempts times.
func (m *manager) establishConnection(conn *Connection, maxAttempts int) error {
	if conn.Connected() {
		return nil
	}

	operation := func() error { return conn.Connect() }
	policy := backoff.WithMaxRetries(m.newBackOff(), uint64(maxAttempts-1))
	return backoff.Retry(operation, policy)
}

// pumpOnce drives exactly one iteration of the shared event loop: wait up
// to timeout for any connection to become read- or write-ready, flush
// queued outgoing frames, read and parse available incoming frames, and
// hand each to dispatch. spec.md §7 requires ConnectionError to be
// localized: a socket-level failure on one connection resets just that
// connection (onConnError, if non-nil, lets the caller detach its handler
// and recover any in-flight work) and the loop moves on to the others in
// the same iteration. ProtocolError and InvalidXState indicate a bug or a
// non-conforming peer, not a transient socket condition, so those are
// collected with go-multierror and surfaced to the caller of the
// high-level operation instead of being swallowed.
func (m *manager) pumpOnce(timeout time.Duration, dispatch func(conn *Connection, opcode Opcode, args Args) error, onConnError func(conn *Connection)) error {
	m.poller.entries = make(map[*Connection]*pollerEntry)
	for _, conn := range m.Connections {
		if !conn.Connected() {
			continue
		}
		m.poller.Register(conn, true, conn.HasOutgoingData())
	}

	readable, writable, errored := m.poller.Poll(timeout)

	var result *multierror.Error

	for conn := range writable {
		if err := conn.SendCommandsToBuffer(); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := conn.SendDataToSocket(); err != nil {
			if _, ok := err.(*ConnectionError); ok {
				if onConnError != nil {
					onConnError(conn)
				}
				continue
			}
			result = multierror.Append(result, err)
		}
	}

	for conn := range readable {
		if err := conn.ReadDataFromSocket(); err != nil {
			if _, ok := err.(*ConnectionError); ok {
				if onConnError != nil {
					onConnError(conn)
				}
				continue
			}
			result = multierror.Append(result, err)
			continue
		}
		frames, err := conn.ReadCommandsFromBuffer()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		for _, f := range frames {
			if err := dispatch(conn, f.opcode, f.args); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	for conn := range errored {
		conn.resetConnection()
		if onConnError != nil {
			onConnError(conn)
		}
	}

	return result.ErrorOrNil()
}
