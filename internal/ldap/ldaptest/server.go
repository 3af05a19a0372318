// Package ldaptest runs a minimal in-process directory for tests. It answers
// simple binds, base-object searches and unbinds, and counts the connections
// clients keep open.
package ldaptest

import (
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Server is a fake directory listening on a loopback port.
type Server struct {
	listener net.Listener

	// RejectAnonymous answers anonymous binds with inappropriateAuthentication.
	RejectAnonymous atomic.Bool

	mu      sync.Mutex
	entries map[string]map[string][]string
	conns   map[net.Conn]struct{}
	closed  bool
	binds   int
	wg      sync.WaitGroup
}

// NewServer starts a server that is stopped when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ldaptest: listen: %v", err)
	}

	s := &Server{
		listener: listener,
		entries:  make(map[string]map[string][]string),
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Go(s.serve)
	t.Cleanup(s.Close)

	return s
}

// Addr returns the "host:port" the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// AddEntry stores an entry returned by base-object searches on dn.
func (s *Server) AddEntry(dn string, attrs map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[dn] = attrs
}

// OpenConnections returns the number of client connections not yet closed.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Binds returns the number of bind requests answered.
func (s *Server) Binds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binds
}

// Close stops the listener and drops every client connection.
func (s *Server) Close() {
	_ = s.listener.Close()

	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Go(func() { s.handle(conn) })
	}
}

func (s *Server) handle(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		packet, err := ber.ReadPacket(conn)
		if err != nil || len(packet.Children) < 2 {
			return
		}

		msgID, _ := packet.Children[0].Value.(int64)
		op := packet.Children[1]

		var responses []*ber.Packet
		switch op.Tag {
		case ldap.ApplicationBindRequest:
			responses = []*ber.Packet{s.bind(msgID, op)}
		case ldap.ApplicationSearchRequest:
			responses = s.search(msgID, op)
		case ldap.ApplicationUnbindRequest:
			return
		default:
			responses = []*ber.Packet{result(msgID, ldap.ApplicationExtendedResponse, ldap.LDAPResultUnwillingToPerform, "unsupported operation")}
		}

		for _, r := range responses {
			if _, err := conn.Write(r.Bytes()); err != nil {
				return
			}
		}
	}
}

func (s *Server) bind(msgID int64, op *ber.Packet) *ber.Packet {
	s.mu.Lock()
	s.binds++
	s.mu.Unlock()

	name := ""
	if len(op.Children) > 1 {
		name, _ = op.Children[1].Value.(string)
	}

	if name == "" && s.RejectAnonymous.Load() {
		return result(msgID, ldap.ApplicationBindResponse, ldap.LDAPResultInappropriateAuthentication, "anonymous bind disallowed")
	}
	return result(msgID, ldap.ApplicationBindResponse, ldap.LDAPResultSuccess, "")
}

func (s *Server) search(msgID int64, op *ber.Packet) []*ber.Packet {
	if len(op.Children) < 8 {
		return []*ber.Packet{result(msgID, ldap.ApplicationSearchResultDone, ldap.LDAPResultProtocolError, "malformed search")}
	}

	baseDN, _ := op.Children[0].Value.(string)
	var wanted []string
	for _, a := range op.Children[7].Children {
		if name, ok := a.Value.(string); ok {
			wanted = append(wanted, name)
		}
	}

	// Root DSE reads always succeed with no entries.
	if baseDN == "" {
		return []*ber.Packet{result(msgID, ldap.ApplicationSearchResultDone, ldap.LDAPResultSuccess, "")}
	}

	s.mu.Lock()
	attrs, ok := s.entries[baseDN]
	s.mu.Unlock()
	if !ok {
		return []*ber.Packet{result(msgID, ldap.ApplicationSearchResultDone, ldap.LDAPResultNoSuchObject, "no such object")}
	}

	return []*ber.Packet{
		entry(msgID, baseDN, attrs, wanted),
		result(msgID, ldap.ApplicationSearchResultDone, ldap.LDAPResultSuccess, ""),
	}
}

func envelope(msgID int64) *ber.Packet {
	p := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, msgID, "MessageID"))
	return p
}

func result(msgID int64, app ber.Tag, code uint16, message string) *ber.Packet {
	p := envelope(msgID)
	r := ber.Encode(ber.ClassApplication, ber.TypeConstructed, app, nil, "Result")
	r.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(code), "resultCode"))
	r.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "matchedDN"))
	r.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, message, "diagnosticMessage"))
	p.AppendChild(r)
	return p
}

func entry(msgID int64, dn string, attrs map[string][]string, wanted []string) *ber.Packet {
	p := envelope(msgID)
	e := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationSearchResultEntry, nil, "Search Result Entry")
	e.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "objectName"))

	list := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attributes")
	for name, values := range attrs {
		if len(wanted) > 0 && !slices.Contains(wanted, name) {
			continue
		}
		attr := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attribute")
		attr.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, name, "type"))
		set := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "vals")
		for _, v := range values {
			set.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, v, "value"))
		}
		attr.AppendChild(set)
		list.AppendChild(attr)
	}
	e.AppendChild(list)
	p.AppendChild(e)
	return p
}
