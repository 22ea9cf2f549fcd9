package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cert-edf/procksy/internal/policy"
)

func noneParams(t *testing.T) Params {
	t.Helper()
	return Params{
		BufferSize:    2048,
		SockTimeout:   2 * time.Second,
		ClientFilter:  policy.NewAddressFilter(policy.ModeNone, nil, ""),
		TargetFilter:  policy.NewAddressFilter(policy.ModeNone, nil, ""),
		Authenticator: policy.NewAuthenticator(false, nil),
	}
}

// dialSelf starts a tiny echo-ish listener and returns its loopback
// host/port, so S1 can exercise a real CONNECT/dial/relay without
// reaching the network.
func dialSelf(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

// serve starts one real TCP loopback connection handled by Handle, since
// filterSource needs a genuine *net.TCPAddr to check the peer IP (net.Pipe
// conns report a non-TCP address).
func serve(t *testing.T, p Params) (client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		Handle(ctx, conn, p)
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestS1NoAuthHappyPath(t *testing.T) {
	host, port := dialSelf(t)
	client := serve(t, noneParams(t))

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	resp := make([]byte, 2)
	_, err = readFull(client, resp)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, resp)

	hostIP := ipBytes(host)
	req := []byte{0x05, 0x01, 0x00, 0x01, hostIP[0], hostIP[1], hostIP[2], hostIP[3], byte(port >> 8), byte(port)}
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = readFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x05), reply[0])
	require.Equal(t, byte(0x00), reply[1], "expected REP=SUCCEEDED")
	require.Equal(t, byte(0x01), reply[3], "expected ATYP=IPv4")

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	echo := make([]byte, 4)
	_, err = readFull(client, echo)
	require.NoError(t, err)
	require.Equal(t, "ping", string(echo))
}

func TestS2AuthFailureClosesBeforeRequest(t *testing.T) {
	digest, err := policy.Hash([]byte("correct-horse"))
	require.NoError(t, err)
	p := noneParams(t)
	p.Authenticator = policy.NewAuthenticator(true, map[string]string{"alice": digest})
	client := serve(t, p)

	_, err = client.Write([]byte{0x05, 0x01, 0x02})
	require.NoError(t, err)
	resp := make([]byte, 2)
	_, err = readFull(client, resp)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x02}, resp)

	authMsg := append([]byte{0x01, 5}, []byte("alice")...)
	authMsg = append(authMsg, 3)
	authMsg = append(authMsg, []byte("bad")...)
	_, err = client.Write(authMsg)
	require.NoError(t, err)

	status := make([]byte, 2)
	_, err = readFull(client, status)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0xff}, status)

	// No ClientRequestMessage is ever read: the connection must now be closed.
	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err = client.Read(buf)
	require.Error(t, err)
}

func TestS3UnsupportedCommand(t *testing.T) {
	client := serve(t, noneParams(t))

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	sel := make([]byte, 2)
	_, err = readFull(client, sel)
	require.NoError(t, err)

	bindReq := []byte{0x05, 0x02, 0x00, 0x01, 8, 8, 8, 8, 0x00, 0x50}
	_, err = client.Write(bindReq)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = readFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, reply)
}

func TestS4IPv6Rejected(t *testing.T) {
	client := serve(t, noneParams(t))

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	sel := make([]byte, 2)
	_, err = readFull(client, sel)
	require.NoError(t, err)

	req := make([]byte, 0, 22)
	req = append(req, 0x05, 0x01, 0x00, 0x04)
	req = append(req, make([]byte, 16)...)
	req = append(req, 0x00, 0x50)
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = readFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x08), reply[1], "expected REP=ADDR_TYPE_NOT_SUPPORTED")
}

func TestS5TargetFilterDenial(t *testing.T) {
	p := noneParams(t)
	p.TargetFilter = policy.NewAddressFilter(policy.ModeDeny, []string{"evil.example:80"}, "")
	client := serve(t, p)

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	sel := make([]byte, 2)
	_, err = readFull(client, sel)
	require.NoError(t, err)

	domain := "evil.example"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	req = append(req, []byte(domain)...)
	req = append(req, 0x00, 0x50)
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = readFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), reply[1], "expected REP=SERVER_FAILURE")
}

func TestS6ClientFilterDenial(t *testing.T) {
	// The peer connects from loopback, which is never in the ALLOW list,
	// so every connection here is denied regardless of source port.
	p := noneParams(t)
	p.ClientFilter = policy.NewAddressFilter(policy.ModeAllow, []string{"203.0.113.9"}, "")
	client := serve(t, p)

	reply := make([]byte, 2)
	_, err := readFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0xff}, reply)
}

func ipBytes(host string) [4]byte {
	ip := net.ParseIP(host).To4()
	var out [4]byte
	copy(out[:], ip)
	return out
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
