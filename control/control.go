// Package control implements the tiny control-plane protocol: a TCP
// server that answers every connection with the YAML-encoded map of
// receiver ports to engine names, and the matching client fetch. A
// client-only benchmark run uses it to discover the remote receivers.
package control

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Server serves the port→name map until closed.
type Server struct {
	ln  net.Listener
	log *logrus.Logger
}

// Serve starts the control server on the given port.
func Serve(portNameMap map[uint16]string, port uint16, v6 bool, log *logrus.Logger) (*Server, error) {
	payload, err := yaml.Marshal(portNameMap)
	if err != nil {
		return nil, fmt.Errorf("encoding port map: %w", err)
	}

	network := "tcp4"
	if v6 {
		network = "tcp6"
	}
	ln, err := net.Listen(network, ":"+strconv.Itoa(int(port)))
	if err != nil {
		return nil, fmt.Errorf("control listen: %w", err)
	}

	s := &Server{ln: ln, log: log}
	go s.acceptLoop(payload)
	log.WithField("port", port).Info("control server listening")
	return s, nil
}

func (s *Server) acceptLoop(payload []byte) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Closed listener ends the loop.
			return
		}
		go func() {
			defer conn.Close()
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := conn.Write(payload); err != nil {
				s.log.WithError(err).Warn("control write failed")
			}
		}()
	}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting control connections.
func (s *Server) Close() error { return s.ln.Close() }

// FetchPortNameMap retrieves the receiver map from a control server.
func FetchPortNameMap(host string, port uint16, v6 bool) (map[uint16]string, error) {
	network := "tcp4"
	if v6 {
		network = "tcp6"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing control server: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("reading port map: %w", err)
	}

	m := make(map[uint16]string)
	if err := yaml.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("parsing port map: %w", err)
	}
	return m, nil
}
