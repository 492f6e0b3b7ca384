package mockdaemon

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"veilrpc/internal/logging"
)

func (d *Daemon) acceptSOCKS() {
	defer d.wg.Done()
	for {
		conn, err := d.socksLn.Accept()
		if err != nil {
			return
		}
		if !d.track(conn) {
			conn.Close()
			return
		}
		d.wg.Add(1)
		go d.serveSOCKS(conn)
	}
}

// serveSOCKS negotiates username/password SOCKS5, assigns a circuit keyed
// by the credential pair, and echoes stream bytes back to the client.
func (d *Daemon) serveSOCKS(conn net.Conn) {
	defer d.wg.Done()
	defer d.untrack(conn)

	username, password, err := readSocksAuth(conn)
	if err != nil {
		d.logger.Debug("socks handshake failed", logging.Error(err))
		return
	}
	d.assignCircuit(username, password)

	if err := readSocksConnect(conn); err != nil {
		d.logger.Debug("socks connect failed", logging.Error(err))
		return
	}
	// Succeed with an all-zero bound address, then echo.
	reply := []byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(reply); err != nil {
		return
	}
	io.Copy(conn, conn)
}

func (d *Daemon) assignCircuit(username, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := username + "\x00" + password
	circuit, ok := d.circuits[key]
	if !ok {
		circuit = len(d.circuits) + 1
		d.circuits[key] = circuit
	}
	if _, ok := d.streams[username]; ok {
		d.streams[username] = circuit
	}
}

func readSocksAuth(conn net.Conn) (username, password string, err error) {
	header := make([]byte, 2)
	if _, err = io.ReadFull(conn, header); err != nil {
		return "", "", err
	}
	if header[0] != 5 {
		return "", "", errors.New("not a socks5 greeting")
	}
	methods := make([]byte, header[1])
	if _, err = io.ReadFull(conn, methods); err != nil {
		return "", "", err
	}
	offered := false
	for _, m := range methods {
		if m == 2 {
			offered = true
		}
	}
	if !offered {
		conn.Write([]byte{5, 0xff})
		return "", "", errors.New("client did not offer username/password auth")
	}
	if _, err = conn.Write([]byte{5, 2}); err != nil {
		return "", "", err
	}

	if _, err = io.ReadFull(conn, header); err != nil {
		return "", "", err
	}
	if header[0] != 1 {
		return "", "", errors.New("bad username/password version")
	}
	user := make([]byte, header[1])
	if _, err = io.ReadFull(conn, user); err != nil {
		return "", "", err
	}
	plen := make([]byte, 1)
	if _, err = io.ReadFull(conn, plen); err != nil {
		return "", "", err
	}
	pass := make([]byte, plen[0])
	if _, err = io.ReadFull(conn, pass); err != nil {
		return "", "", err
	}
	if _, err = conn.Write([]byte{1, 0}); err != nil {
		return "", "", err
	}
	return string(user), string(pass), nil
}

func readSocksConnect(conn net.Conn) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return err
	}
	if header[0] != 5 || header[1] != 1 {
		return errors.New("expected a socks5 connect request")
	}
	var addrLen int
	switch header[3] {
	case 1:
		addrLen = 4
	case 4:
		addrLen = 16
	case 3:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return err
		}
		addrLen = int(l[0])
	default:
		return errors.New("unknown address type")
	}
	rest := make([]byte, addrLen+2)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return err
	}
	_ = binary.BigEndian.Uint16(rest[addrLen:])
	return nil
}
