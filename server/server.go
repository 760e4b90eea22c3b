package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/thenaterhood/dnschat/metrics"
	"github.com/thenaterhood/dnschat/models"
)

// Responder produces the reply to a prompt.
type Responder func(ctx context.Context, prompt string) (string, error)

// EchoResponder is the default responder for local development.
func EchoResponder(_ context.Context, prompt string) (string, error) {
	return "You asked: " + prompt, nil
}

type TxtServerConfig struct {
	// Addr to listen on for both udp and tcp, e.g. "127.0.0.1:5353".
	Addr      string
	Zone      string
	Logger    *slog.Logger
	Metrics   metrics.MetricsInterface
	Responder Responder
	// FragmentSize is the largest payload put in one TXT record.
	FragmentSize int
	// Timeout bounds a single Responder call.
	Timeout time.Duration
	TTL     uint32
}

// TxtServer answers TXT queries under a zone by treating the first label
// as a prompt.
type TxtServer struct {
	config    TxtServerConfig
	zone      string
	udpServer *dns.Server
	tcpServer *dns.Server
}

func NewTxtServer(config TxtServerConfig) *TxtServer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.DummyMetrics{}
	}
	if config.Responder == nil {
		config.Responder = EchoResponder
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Zone == "" {
		config.Zone = models.DefaultZone
	}

	server := &TxtServer{
		config: config,
		zone:   dns.Fqdn(strings.ToLower(config.Zone)),
	}

	handler := dns.HandlerFunc(server.handleDNSRequest)
	server.udpServer = &dns.Server{Net: "udp", Handler: handler}
	server.tcpServer = &dns.Server{Net: "tcp", Handler: handler}

	return server
}

// promptFromName extracts the label in front of the zone.
func (s *TxtServer) promptFromName(name string) (string, bool) {
	name = strings.ToLower(dns.Fqdn(name))
	if !strings.HasSuffix(name, "."+s.zone) {
		return "", false
	}

	label := strings.TrimSuffix(name, "."+s.zone)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}

	return strings.ReplaceAll(label, "-", " "), true
}

func (s *TxtServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	timer := s.config.Metrics.GetQueryTimer()
	defer s.config.Metrics.ObserveTimer(timer)

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	writeMsg := func() {
		if w.LocalAddr().Network() == "udp" && r.IsEdns0() == nil {
			m.Truncate(dns.MinMsgSize)
		}
		if err := w.WriteMsg(m); err != nil {
			s.config.Logger.Warn("failed to write dns response", "err", err)
		}
	}

	if r.Opcode != dns.OpcodeQuery || len(r.Question) != 1 {
		m.SetRcode(r, dns.RcodeNotImplemented)
		writeMsg()
		return
	}

	question := r.Question[0]
	prompt, ok := s.promptFromName(question.Name)
	if !ok {
		s.config.Logger.Debug("refusing query outside zone", "name", question.Name)
		m.SetRcode(r, dns.RcodeRefused)
		writeMsg()
		return
	}

	if question.Qtype != dns.TypeTXT {
		writeMsg()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	reply, err := s.config.Responder(ctx, prompt)
	if err != nil {
		s.config.Logger.Warn("responder failed", "prompt", prompt, "err", err)
		s.config.Metrics.IncQueriesFailed()
		m.SetRcode(r, dns.RcodeServerFailure)
		writeMsg()
		return
	}

	for _, record := range models.Fragment(reply, s.config.FragmentSize) {
		m.Answer = append(m.Answer, &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   question.Name,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassINET,
				Ttl:    s.config.TTL,
			},
			Txt: []string{record},
		})
	}

	s.config.Logger.Debug("answering prompt", "prompt", prompt, "records", len(m.Answer))
	s.config.Metrics.IncQueriesAnswered()
	writeMsg()
}

// Start binds udp and tcp on the same port and serves both until
// Shutdown.
func (s *TxtServer) Start() error {
	packetConn, err := net.ListenPacket("udp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on udp %s: %w", s.config.Addr, err)
	}

	listener, err := net.Listen("tcp", packetConn.LocalAddr().String())
	if err != nil {
		packetConn.Close()
		return fmt.Errorf("failed to listen on tcp %s: %w", packetConn.LocalAddr(), err)
	}

	s.udpServer.PacketConn = packetConn
	s.tcpServer.Listener = listener

	var ready sync.WaitGroup
	ready.Add(2)
	s.udpServer.NotifyStartedFunc = ready.Done
	s.tcpServer.NotifyStartedFunc = ready.Done

	for _, srv := range []*dns.Server{s.udpServer, s.tcpServer} {
		go func(srv *dns.Server) {
			s.config.Logger.Info("starting txt server", "net", srv.Net, "addr", s.Addr(), "zone", s.zone)
			if err := srv.ActivateAndServe(); err != nil {
				s.config.Logger.Error("txt server stopped", "net", srv.Net, "err", err)
			}
		}(srv)
	}

	ready.Wait()
	return nil
}

// Addr is the bound address, valid after Start.
func (s *TxtServer) Addr() string {
	if s.udpServer.PacketConn == nil {
		return s.config.Addr
	}
	return s.udpServer.PacketConn.LocalAddr().String()
}

func (s *TxtServer) Shutdown() error {
	return errors.Join(s.udpServer.Shutdown(), s.tcpServer.Shutdown())
}
