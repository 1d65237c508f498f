package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/media"
	"github.com/flowpbx/flowphone/internal/phone"
)

// Config configures the SIP user agent.
type Config struct {
	// Transport is "udp" or "tcp".
	Transport string
	// ListenAddr is the local signaling address, e.g. "0.0.0.0:5060".
	ListenAddr string
	// Hostname is the address placed in Via and Contact. When empty the
	// listen host is used, or the local address routed to the registrar.
	Hostname string
	// Registrar is host[:port] of the PBX. Defaults to the credentials
	// domain.
	Registrar string
	// Expiry is the requested registration lifetime in seconds.
	Expiry    int
	UserAgent string
	// AllowedSources limits which addresses may send new INVITEs.
	AllowedSources []string
	// Trace logs raw signaling: "off", "headers" or "full".
	Trace string
}

// UA is the phone's SIP user agent. It registers the line, places and
// receives calls and tracks dialogs itself. It implements phone.Transport.
type UA struct {
	cfg    Config
	media  *media.Manager
	acl    *SourceFilter
	guard  *ScanGuard
	logger *slog.Logger

	ua     *sipgo.UserAgent
	client *sipgo.Client
	srv    *sipgo.Server

	mu         sync.Mutex
	creds      phone.Credentials
	listener   phone.Listener
	hostname   string
	port       int
	started    bool
	closed     bool
	registered bool
	calls      map[string]*Call
	regCancel  context.CancelFunc

	wg sync.WaitGroup
}

var _ phone.Transport = (*UA)(nil)

// New validates cfg and creates a UA. Nothing is opened until Register.
func New(cfg Config, mediaMgr *media.Manager, logger *slog.Logger) (*UA, error) {
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	cfg.Transport = strings.ToLower(cfg.Transport)
	if cfg.Transport != "udp" && cfg.Transport != "tcp" {
		return nil, fmt.Errorf("unsupported sip transport %q", cfg.Transport)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:5060"
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 300
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "FlowPhone"
	}
	if mediaMgr == nil {
		return nil, errors.New("media manager is required")
	}

	acl, err := NewSourceFilter(cfg.AllowedSources)
	if err != nil {
		return nil, err
	}

	return &UA{
		cfg:    cfg,
		media:  mediaMgr,
		acl:    acl,
		guard:  NewScanGuard(logger),
		logger: logger.With("subsystem", "sip"),
		calls:  make(map[string]*Call),
	}, nil
}

// Register opens the signaling listener and registers the line. The
// registration keeps being refreshed, or retried with backoff, until Close.
func (u *UA) Register(ctx context.Context, creds phone.Credentials, l phone.Listener) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return phone.ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return errors.New("sip user agent already registered")
	}
	u.creds = creds
	u.listener = l
	u.mu.Unlock()

	if err := u.start(); err != nil {
		return fmt.Errorf("%w: %w", phone.ErrConnection, err)
	}

	u.logger.Info("registering line",
		"registrar", u.registrarHost(),
		"username", creds.Username,
		"transport", u.cfg.Transport,
		"expiry", u.cfg.Expiry,
	)

	granted, err := u.sendRegister(ctx, u.cfg.Expiry)
	if err == nil {
		u.mu.Lock()
		u.registered = true
		u.mu.Unlock()
		u.logger.Info("line registered", "expires_in", granted)
	}

	// The loop outlives the caller's context.
	loopCtx, cancel := context.WithCancel(context.Background())
	u.mu.Lock()
	u.regCancel = cancel
	u.mu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.registrationLoop(loopCtx, granted, err)
	}()

	return err
}

// start binds the listener and creates the sipgo stack.
func (u *UA) start() error {
	host, portStr, err := net.SplitHostPort(u.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("parsing listen address: %w", err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return fmt.Errorf("parsing listen port: %w", err)
	}

	var (
		serve  func(*sipgo.Server) error
		unbind func() error
		port   int
	)
	switch u.cfg.Transport {
	case "udp":
		conn, err := net.ListenPacket("udp", u.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listening on udp %s: %w", u.cfg.ListenAddr, err)
		}
		port = conn.LocalAddr().(*net.UDPAddr).Port
		serve = func(srv *sipgo.Server) error { return srv.ServeUDP(conn) }
		unbind = conn.Close
	case "tcp":
		ln, err := net.Listen("tcp", u.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listening on tcp %s: %w", u.cfg.ListenAddr, err)
		}
		port = ln.Addr().(*net.TCPAddr).Port
		serve = func(srv *sipgo.Server) error { return srv.ServeTCP(ln) }
		unbind = ln.Close
	}

	hostname := u.cfg.Hostname
	if hostname == "" {
		hostname = host
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			hostname = localAddrFor(u.registrarHost())
		}
	}

	enableTracing(u.logger, ParseTraceLevel(u.cfg.Trace))

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(u.cfg.UserAgent),
		sipgo.WithUserAgentHostname(hostname),
	)
	if err != nil {
		_ = unbind()
		return fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(u.logger))
	if err != nil {
		ua.Close()
		_ = unbind()
		return fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(u.logger))
	if err != nil {
		srv.Close()
		ua.Close()
		_ = unbind()
		return fmt.Errorf("creating sip client: %w", err)
	}

	u.mu.Lock()
	u.ua = ua
	u.srv = srv
	u.client = client
	u.hostname = hostname
	u.port = port
	u.started = true
	u.mu.Unlock()

	u.registerHandlers()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.logger.Info("sip listener starting",
			"transport", u.cfg.Transport,
			"addr", u.cfg.ListenAddr,
			"contact_host", hostname,
			"port", port,
		)
		if err := serve(srv); err != nil && !u.isClosed() {
			u.logger.Error("sip listener stopped", "error", err)
		}
	}()
	return nil
}

func (u *UA) registerHandlers() {
	u.srv.OnInvite(u.handleInvite)
	u.srv.OnAck(u.handleAck)
	u.srv.OnCancel(u.handleCancel)
	u.srv.OnBye(u.handleBye)
	u.srv.OnOptions(u.handleOptions)
	u.srv.OnNotify(u.handleNotify)
	u.srv.OnInfo(u.handleInfo)
}

// NewCall prepares an outbound call. target may be an extension, a
// user@host address or a full SIP URI.
func (u *UA) NewCall(target string) (phone.Call, error) {
	u.mu.Lock()
	started, closed := u.started, u.closed
	domain := u.creds.Domain
	u.mu.Unlock()
	if closed {
		return nil, phone.ErrClosed
	}
	if !started {
		return nil, phone.ErrNotReady
	}

	uri, err := targetURI(target, domain)
	if err != nil {
		return nil, err
	}
	return newOutboundCall(u, target, uri), nil
}

// Close stops the registration loop, unregisters the line and shuts the
// stack down. Calls still tracked are dropped without signaling.
func (u *UA) Close(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	cancel := u.regCancel
	registered := u.registered
	started := u.started
	calls := make([]*Call, 0, len(u.calls))
	for _, c := range u.calls {
		calls = append(calls, c)
	}
	u.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	for _, c := range calls {
		c.terminate()
	}
	u.media.StopAll()

	var err error
	if registered {
		if err = u.unregister(ctx); err != nil {
			u.logger.Warn("failed to unregister line", "error", err)
		} else {
			u.logger.Info("line unregistered")
		}
	}

	if started {
		u.client.Close()
		u.srv.Close()
		u.ua.Close()
	}
	u.wg.Wait()
	u.logger.Info("sip user agent stopped")
	return err
}

// ActiveCalls returns the number of calls with live signaling state.
func (u *UA) ActiveCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

// CleanupGuard forgets expired source blocks. It is called periodically by
// the owner of the UA.
func (u *UA) CleanupGuard() {
	u.guard.Cleanup()
}

// BlockedSources returns the number of addresses whose INVITEs are dropped.
func (u *UA) BlockedSources() int {
	return u.guard.BlockedCount()
}

func (u *UA) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

func (u *UA) credentials() phone.Credentials {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.creds
}

func (u *UA) registrarHost() string {
	if u.cfg.Registrar != "" {
		return u.cfg.Registrar
	}
	return u.credentials().Domain
}

func (u *UA) transportName() string {
	return strings.ToUpper(u.cfg.Transport)
}

// contactURI is the address other parties use to reach this phone.
func (u *UA) contactURI() sip.Uri {
	u.mu.Lock()
	defer u.mu.Unlock()
	uri := sip.Uri{
		Scheme: "sip",
		User:   u.creds.Username,
		Host:   u.hostname,
		Port:   u.port,
	}
	if u.cfg.Transport == "tcp" {
		uri.UriParams = sip.NewParams()
		uri.UriParams.Add("transport", "tcp")
	}
	return uri
}

func (u *UA) addCall(c *Call) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls[c.id] = c
}

func (u *UA) removeCall(c *Call) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.calls[c.id] == c {
		delete(u.calls, c.id)
	}
}

func (u *UA) lookupCall(req *sip.Request) *Call {
	cid := req.CallID()
	if cid == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[cid.Value()]
}

// callTerminated reports a remotely ended call to the listener.
func (u *UA) callTerminated(c *Call, err error) {
	u.mu.Lock()
	l := u.listener
	u.mu.Unlock()
	if l != nil {
		l.CallTerminated(c, err)
	}
}

// handleAck confirms an inbound dialog. A late offer answered in our 200 OK
// carries the remote answer in the ACK.
func (u *UA) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	c := u.lookupCall(req)
	if c == nil {
		u.logger.Debug("ack for unknown dialog", "source", req.Source())
		return
	}
	c.confirmed(req)
}

// handleBye ends a dialog at the remote party's request.
func (u *UA) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	c := u.lookupCall(req)
	if c == nil {
		u.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	u.respond(req, tx, 200, "OK")
	u.logger.Info("call ended by remote party",
		"call_id", c.id,
		"peer", c.peer,
	)
	if c.terminate() {
		u.callTerminated(c, nil)
	}
}

// handleCancel abandons an inbound invite that has not been answered.
func (u *UA) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	c := u.lookupCall(req)
	if c == nil {
		u.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	u.respond(req, tx, 200, "OK")
	if !c.cancelInvite() {
		return
	}
	u.logger.Info("incoming call cancelled by caller",
		"call_id", c.id,
		"peer", c.peer,
	)
	u.callTerminated(c, &phone.StatusError{Code: 487, Reason: "Request Terminated"})
}

// handleOptions answers keepalive pings from the PBX.
func (u *UA) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	if err := tx.Respond(res); err != nil {
		u.logger.Error("failed to respond to options", "error", err)
	}
}

// handleNotify feeds transfer progress into the dialog's REFER
// subscription.
func (u *UA) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	c := u.lookupCall(req)
	if c == nil {
		u.respond(req, tx, 481, "Subscription Does Not Exist")
		return
	}

	u.respond(req, tx, 200, "OK")

	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = h.Value()
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(event)), "refer") {
		u.logger.Debug("ignoring notify", "call_id", c.id, "event", event)
		return
	}

	terminated := false
	if h := req.GetHeader("Subscription-State"); h != nil {
		terminated = strings.HasPrefix(strings.ToLower(strings.TrimSpace(h.Value())), "terminated")
	}
	c.referProgress(req.Body(), terminated)
}

// handleInfo passes DTMF sent as SIP INFO to the media layer.
func (u *UA) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	if ct := req.ContentType(); ct != nil {
		digit, err := media.ParseInfoDigit(ct.Value(), req.Body())
		if err == nil {
			u.logger.Info("sip info dtmf received",
				"digit", digit,
				"call_id", callID,
			)
			u.media.Digit(callID, digit)
		} else {
			u.logger.Debug("sip info with unsupported body",
				"content_type", ct.Value(),
				"call_id", callID,
			)
		}
	}

	u.respond(req, tx, 200, "OK")
}

func (u *UA) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		u.logger.Error("failed to send response",
			"method", req.Method.String(),
			"code", code,
			"error", err,
		)
	}
}

const allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO, REFER, NOTIFY"

// targetURI turns a dial string into a request URI in domain.
func targetURI(target, domain string) (sip.Uri, error) {
	target = strings.TrimSpace(target)
	target = strings.TrimSuffix(strings.TrimPrefix(target, "<"), ">")
	if target == "" {
		return sip.Uri{}, errors.New("empty target")
	}

	s := target
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "sip:"), strings.HasPrefix(lower, "sips:"):
	case strings.Contains(s, "@"):
		s = "sip:" + s
	default:
		if domain == "" {
			return sip.Uri{}, fmt.Errorf("target %q has no domain", target)
		}
		s = "sip:" + s + "@" + domain
	}

	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("parsing target %q: %w", target, err)
	}
	if uri.Host == "" {
		return sip.Uri{}, fmt.Errorf("target %q has no host", target)
	}
	return uri, nil
}

// localAddrFor returns the local IP the kernel would route to host. It
// falls back to the loopback address.
func localAddrFor(host string) string {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "5060")
	}
	conn, err := net.Dial("udp", host)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
