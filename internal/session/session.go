// Package session implements the per-connection SOCKS5 state machine:
// method selection, optional username/password subnegotiation, the
// CONNECT request, and the reply/relay phase. It splits what used to be
// one monolithic handleConnection function into named state functions,
// one per state in the diagram below:
//
//	        ┌──────────────┐  client-filter deny ──► REPLY_NA ──► CLOSED
//	ACCEPT ─►  FILTER_SRC  │
//	        └──────┬───────┘
//	               ▼
//	        ┌──────────────┐  parse/version fail ──► REPLY_NA ──► CLOSED
//	        │  METHOD_SEL  │
//	        └──────┬───────┘
//	               │  auth enabled ∧ 0x02 ∈ methods → AUTH
//	               │  auth disabled ∧ 0x00 ∈ methods → REQUEST
//	               │  otherwise → REPLY_NA → CLOSED
//	               ▼
//	        ┌──────────────┐  verify fail/parse fail ──► STATUS_FAIL ──► CLOSED
//	        │     AUTH     │
//	        └──────┬───────┘ verify ok → STATUS_OK
//	               ▼
//	        ┌──────────────┐  unsupported CMD  → REPLY(COMMAND_NOT_SUPPORTED) → CLOSED
//	        │   REQUEST    │  unsupported ATYP → REPLY(ADDR_TYPE_NOT_SUPPORTED) → CLOSED
//	        └──────┬───────┘  target-filter deny, decode fail, connect fail → REPLY(SERVER_FAILURE) → CLOSED
//	               ▼
//	        ┌──────────────┐
//	        │   CONNECT    │ ─ upstream connected → REPLY(SUCCEEDED, bnd_addr, bnd_port)
//	        └──────┬───────┘
//	               ▼
//	        ┌──────────────┐ step returns Closed, or term signal set → CLOSED
//	        │    RELAY     │
//	        └──────────────┘
package session

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/cert-edf/procksy/internal/policy"
	"github.com/cert-edf/procksy/internal/socketio"
	"github.com/cert-edf/procksy/internal/wire"
)

// Params bundles the immutable, shared configuration a Session needs:
// buffer size, per-socket timeout, the two address filters, and the
// authenticator.
type Params struct {
	BufferSize    int
	SockTimeout   time.Duration
	ClientFilter  policy.AddressFilter
	TargetFilter  policy.AddressFilter
	Authenticator policy.Authenticator
}

// Handle drives one accepted connection through the full state machine.
// It owns client (and, once connected, the upstream socket) exclusively
// for the session's lifetime and guarantees both are closed on every exit
// path.
func Handle(ctx context.Context, client net.Conn, p Params) {
	defer client.Close()

	if err := socketio.SetTimeout(client, p.SockTimeout); err != nil {
		log.Printf("[session] failed to set socket timeout: %v", err)
		return
	}

	if !filterSource(client, p) {
		return
	}

	method, ok := selectMethod(client, p)
	if !ok {
		return
	}

	var username []byte
	if method == wire.MethodUserPassword {
		user, ok := authenticate(client, p)
		if !ok {
			return
		}
		username = user
	}

	handleRequest(ctx, client, p, username)
}

// filterSource implements the FILTER_SRC state: the client filter is
// checked against the peer IP only, before any client byte is read.
func filterSource(client net.Conn, p Params) bool {
	tcpAddr, ok := client.RemoteAddr().(*net.TCPAddr)
	if !ok {
		log.Printf("[session] peer address is not TCP: %v", client.RemoteAddr())
		return false
	}
	peerIP := tcpAddr.IP.String()
	if p.ClientFilter.IsAllowed(peerIP, nil) {
		return true
	}
	log.Printf("[session] action=denied client=%s", client.RemoteAddr())
	reply := wire.BuildServerMethodSelection(wire.ServerMethodSelection{Method: wire.MethodNoAcceptable})
	_ = socketio.SendAll(client, reply)
	return false
}

// selectMethod implements METHOD_SEL: reads the ClientMethodSelection
// frame and picks a method according to whether the authenticator is
// enabled.
func selectMethod(client net.Conn, p Params) (byte, bool) {
	header, n, err := socketio.RecvExact(client, 2)
	if err != nil {
		if n == 0 {
			log.Printf("[session] client connection closed before method selection")
			return 0, false
		}
		return 0, rejectMethod(client, "failed to read ClientMethodSelectionMessage header")
	}
	if header[0] != wire.VerSocks5 {
		return 0, rejectMethod(client, "ClientMethodSelectionMessage has unexpected version")
	}
	nmethods := int(header[1])
	methodsBuf, n, err := socketio.RecvExact(client, nmethods)
	if err != nil {
		if n == 0 && nmethods > 0 {
			log.Printf("[session] client connection closed mid ClientMethodSelectionMessage")
			return 0, false
		}
		return 0, rejectMethod(client, "failed to parse ClientMethodSelectionMessage")
	}
	msg, err := wire.ParseClientMethodSelection(append(header, methodsBuf...))
	if err != nil {
		return 0, rejectMethod(client, "failed to parse ClientMethodSelectionMessage")
	}

	if p.Authenticator.Enabled {
		if !containsMethod(msg.Methods, wire.MethodUserPassword) {
			log.Printf("[session] ClientMethodSelectionMessage is missing METHOD_UP_AUTH")
			return 0, rejectMethod(client, "")
		}
		if err := sendMethod(client, wire.MethodUserPassword); err != nil {
			return 0, false
		}
		log.Printf("[session] client=%s method=METHOD_UP_AUTH", client.RemoteAddr())
		return wire.MethodUserPassword, true
	}
	if containsMethod(msg.Methods, wire.MethodNoAuth) {
		if err := sendMethod(client, wire.MethodNoAuth); err != nil {
			return 0, false
		}
		log.Printf("[session] client=%s method=METHOD_NO_AUTH", client.RemoteAddr())
		return wire.MethodNoAuth, true
	}
	log.Printf("[session] ClientMethodSelectionMessage unsupported method")
	return 0, rejectMethod(client, "")
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

func sendMethod(client net.Conn, method byte) error {
	reply := wire.BuildServerMethodSelection(wire.ServerMethodSelection{Method: method})
	if err := socketio.SendAll(client, reply); err != nil {
		log.Printf("[session] failed to send ServerMethodSelectionMessage: %v", err)
		return err
	}
	return nil
}

// rejectMethod sends METHOD_NA and always returns false, so callers can
// `return 0, rejectMethod(...)`.
func rejectMethod(client net.Conn, logMsg string) bool {
	if logMsg != "" {
		log.Printf("[session] %s", logMsg)
	}
	_ = sendMethod(client, wire.MethodNoAcceptable)
	return false
}

// authenticate implements AUTH: reads the ClientBasicAuth frame and
// verifies the credentials, emitting ServerBasicAuthStatus either way.
func authenticate(client net.Conn, p Params) ([]byte, bool) {
	username, password, ok := readBasicAuth(client)
	if !ok {
		return nil, false
	}
	if !p.Authenticator.IsAllowed(username, password) {
		sendAuthStatus(client, wire.StatusFailure)
		return nil, false
	}
	sendAuthStatus(client, wire.StatusSuccess)
	return username, true
}

func readBasicAuth(client net.Conn) ([]byte, []byte, bool) {
	header, n, err := socketio.RecvExact(client, 2)
	if err != nil {
		if n == 0 {
			log.Printf("[session] client connection closed before basic auth")
			return nil, nil, false
		}
		return nil, nil, rejectAuth(client, "failed to read ClientBasicAuthMessage header")
	}
	if header[0] != wire.VerBasic {
		return nil, nil, rejectAuth(client, "ClientBasicAuthMessage has unexpected version")
	}
	ulen := int(header[1])
	uname, _, err := socketio.RecvExact(client, ulen)
	if err != nil {
		return nil, nil, rejectAuth(client, "failed to read ClientBasicAuthMessage username")
	}
	plenBuf, _, err := socketio.RecvExact(client, 1)
	if err != nil {
		return nil, nil, rejectAuth(client, "failed to read ClientBasicAuthMessage password length")
	}
	plen := int(plenBuf[0])
	passwd, _, err := socketio.RecvExact(client, plen)
	if err != nil {
		return nil, nil, rejectAuth(client, "failed to read ClientBasicAuthMessage password")
	}
	return uname, passwd, true
}

func sendAuthStatus(client net.Conn, status byte) {
	reply := wire.BuildServerBasicAuthStatus(wire.ServerBasicAuthStatus{Status: status})
	if err := socketio.SendAll(client, reply); err != nil {
		log.Printf("[session] failed to send ServerBasicAuthStatusMessage: %v", err)
	}
}

func rejectAuth(client net.Conn, logMsg string) bool {
	log.Printf("[session] %s", logMsg)
	sendAuthStatus(client, wire.StatusFailure)
	return false
}

// handleRequest implements REQUEST, CONNECT, and the transition into
// RELAY.
func handleRequest(ctx context.Context, client net.Conn, p Params, username []byte) {
	header, n, err := socketio.RecvExact(client, 4)
	if err != nil {
		if n == 0 {
			log.Printf("[session] client connection closed before request")
			return
		}
		sendServerFailure(client, "failed to read ClientRequestMessage header")
		return
	}
	if header[0] != wire.VerSocks5 || header[2] != 0x00 {
		sendServerFailure(client, "failed to parse ClientRequestMessage")
		return
	}
	cmd := header[1]
	atyp := header[3]

	dest, ok := readRequestAddr(client, atyp)
	if !ok {
		sendServerFailure(client, "failed to read ClientRequestMessage address")
		return
	}

	if cmd != wire.CmdConnect {
		log.Printf("[session] ClientRequestMessage command is not COMMAND_CONNECT")
		sendReply(client, wire.RepCommandNotSupported)
		return
	}
	if atyp != wire.AtypIPv4 && atyp != wire.AtypDomain {
		log.Printf("[session] ClientRequestMessage address type not supported")
		sendReply(client, wire.RepAddrTypeNotSupported)
		return
	}

	destHost := decodeDestHost(dest)
	destPortInt := int(dest.Port)
	if !p.TargetFilter.IsAllowed(destHost, &destPortInt) {
		log.Printf("[session] action=denied client=%s target=%s:%d", client.RemoteAddr(), destHost, dest.Port)
		sendReply(client, wire.RepServerFailure)
		return
	}
	log.Printf("[session] action=allowed client=%s target=%s:%d", client.RemoteAddr(), destHost, dest.Port)

	connectAndRelay(ctx, client, p, destHost, dest.Port, username)
}

// readRequestAddr consumes the ATYP-dependent address+port body of a
// ClientRequestMessage. It always consumes the bytes the client actually
// sent, even for an address type the engine will go on to reject, so the
// connection stays framed.
func readRequestAddr(client net.Conn, atyp byte) (wire.Addr, bool) {
	switch atyp {
	case wire.AtypIPv4:
		body, _, err := socketio.RecvExact(client, 4+2)
		if err != nil {
			return wire.Addr{}, false
		}
		var a wire.Addr
		a.Type = wire.AtypIPv4
		copy(a.IP[:4], body[:4])
		a.Port = beUint16(body[4:6])
		return a, true
	case wire.AtypIPv6:
		body, _, err := socketio.RecvExact(client, 16+2)
		if err != nil {
			return wire.Addr{}, false
		}
		var a wire.Addr
		a.Type = wire.AtypIPv6
		copy(a.IP[:16], body[:16])
		a.Port = beUint16(body[16:18])
		return a, true
	case wire.AtypDomain:
		lenBuf, _, err := socketio.RecvExact(client, 1)
		if err != nil {
			return wire.Addr{}, false
		}
		domainLen := int(lenBuf[0])
		body, _, err := socketio.RecvExact(client, domainLen+2)
		if err != nil {
			return wire.Addr{}, false
		}
		return wire.Addr{
			Type: wire.AtypDomain,
			Host: string(body[:domainLen]),
			Port: beUint16(body[domainLen : domainLen+2]),
		}, true
	default:
		// Unknown ATYP: nothing more can be read without knowing its
		// length. Treat as address-type-not-supported at the caller.
		return wire.Addr{Type: atyp}, true
	}
}

func beUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func decodeDestHost(a wire.Addr) string {
	if a.Type == wire.AtypDomain {
		return a.Host
	}
	return net.IP(a.IP[:4]).String()
}

func sendServerFailure(client net.Conn, logMsg string) {
	log.Printf("[session] %s", logMsg)
	sendReply(client, wire.RepServerFailure)
}

// sendReply sends a rejection reply with the semantically-null
// 0.0.0.0:0 bind address.
func sendReply(client net.Conn, rep byte) {
	if err := socketio.SendAll(client, wire.NullReply(rep)); err != nil {
		log.Printf("[session] failed to send ServerReplyMessage: %v", err)
	}
}

// connectAndRelay implements CONNECT and RELAY: dial the upstream, reply
// SUCCEEDED with the upstream socket's local bound address (not the
// requested target), then pump bytes until EOF, I/O failure, or the
// termination signal.
func connectAndRelay(ctx context.Context, client net.Conn, p Params, host string, port uint16, username []byte) {
	if len(username) > 0 {
		log.Printf("[session] action=connecting target=%s:%d user=%s", host, port, username)
	} else {
		log.Printf("[session] action=connecting target=%s:%d", host, port)
	}
	upstream, err := socketio.Dial(ctx, host, int(port), p.SockTimeout)
	if err != nil {
		log.Printf("[session] failed to connect to target %s:%d: %v", host, port, err)
		sendReply(client, wire.RepServerFailure)
		return
	}
	defer upstream.Close()

	boundAddr, ok := upstream.LocalAddr().(*net.TCPAddr)
	if !ok {
		sendReply(client, wire.RepServerFailure)
		return
	}
	var bind wire.Addr
	bind.Type = wire.AtypIPv4
	if v4 := boundAddr.IP.To4(); v4 != nil {
		copy(bind.IP[:4], v4)
	}
	bind.Port = uint16(boundAddr.Port)

	reply, err := wire.BuildServerReply(wire.ServerReply{Rep: wire.RepSucceeded, Bind: bind})
	if err != nil {
		log.Printf("[session] failed to build ServerReplyMessage: %v", err)
		return
	}
	if err := socketio.SendAll(client, reply); err != nil {
		log.Printf("[session] failed to send RESPONSE_SUCCEEDED to client: %v", err)
		return
	}
	log.Printf("[session] action=proxying client=%s target=%s:%d", client.RemoteAddr(), host, port)

	relay(ctx, client, upstream, p.BufferSize, p.SockTimeout)
}

// relay loops PumpStep calls until the context is cancelled or a pump
// step reports the connection closed. Each step renews the sockTimeout
// deadline on both sockets, so the timeout bounds each step's writes
// rather than the session as a whole.
func relay(ctx context.Context, client, upstream net.Conn, bufferSize int, sockTimeout time.Duration) {
	buf := make([]byte, bufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if socketio.SetTimeout(client, sockTimeout) != nil || socketio.SetTimeout(upstream, sockTimeout) != nil {
			return
		}
		result, err := socketio.PumpStep(client, upstream, buf, time.Second)
		if err != nil && !errors.Is(err, context.Canceled) {
			return
		}
		if result == socketio.Closed {
			return
		}
	}
}
