// Package dispatcher implements the SMTP client state machine (C8): one
// dispatcher owns one TCP connection at a time and drives it through
// connect, EHLO, an optional STARTTLS/EHLO upgrade, optional AUTH PLAIN,
// and a pipelined MAIL/RCPT/DATA transaction, classifying the outcome
// into Delivery/TransientFailure/Bounce per §4.8. Grounded on the
// upstream rfc5321 client (wire protocol) and smtp_dispatcher (phase
// timeouts, response classification, connection reuse).
package dispatcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/relaycore/kumogo/internal/logging"
	"github.com/relaycore/kumogo/internal/metrics"
	"github.com/relaycore/kumogo/internal/mtaerr"
	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/policy"
	"github.com/relaycore/kumogo/internal/readyqueue"
	"github.com/relaycore/kumogo/internal/spool"
)

// Dialer abstracts net.Dialer for tests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Requeuer hands a transiently-failed message to the requeue coordinator
// (C9); dispatcher itself only classifies and logs the outcome.
type Requeuer interface {
	Requeue(ctx context.Context, msg *mtamsg.Message, resp policy.SMTPResponse) error
}

// DANELookup resolves a DANE/TLSA validation result for host, an external
// DNSSEC collaborator.
type DANELookup func(ctx context.Context, host string) (readyqueue.DANEResult, error)

// MTASTSLookup resolves a remote domain's MTA-STS policy, an external
// HTTPS-fetch collaborator.
type MTASTSLookup func(ctx context.Context, domain string) (readyqueue.MTASTSPolicy, error)

func noDANE(context.Context, string) (readyqueue.DANEResult, error) { return readyqueue.DANEResult{}, nil }
func noMTASTS(context.Context, string) (readyqueue.MTASTSPolicy, error) {
	return readyqueue.MTASTSPolicy{}, nil
}

// Dispatcher drives deliveries for one (site, source, pool) egress path,
// reusing one connection per peer across calls up to
// cfg.MaxDeliveriesPerConnection, matching the teacher's connection-pool
// idiom in spirit (one live resource per worker goroutine, recycled, not
// reopened per unit of work).
type Dispatcher struct {
	Site, Source, Pool string

	hooks     policy.Hooks
	sp        spool.Spool
	recordLog *logging.RecordLogger
	requeuer  Requeuer
	dialer    Dialer
	dane      DANELookup
	mtaSTS    MTASTSLookup
	delivered *metrics.Counter

	cfgTTL time.Duration

	mu        sync.Mutex
	cfg       policy.EgressPathConfig
	cfgLoaded bool
	cfgExpiry time.Time
	conns     map[string]*pooledConn
}

type pooledConn struct {
	client     *Client
	deliveries int
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

func WithRequeuer(r Requeuer) Option         { return func(d *Dispatcher) { d.requeuer = r } }
func WithDialer(dl Dialer) Option            { return func(d *Dispatcher) { d.dialer = dl } }
func WithDANELookup(f DANELookup) Option     { return func(d *Dispatcher) { d.dane = f } }
func WithMTASTSLookup(f MTASTSLookup) Option { return func(d *Dispatcher) { d.mtaSTS = f } }
func WithRecordLogger(rl *logging.RecordLogger) Option {
	return func(d *Dispatcher) { d.recordLog = rl }
}

// WithMetrics attaches the counter incremented once per 2xx delivery,
// so the admin /metrics surface reflects real delivery volume instead of
// a registered-but-static zero.
func WithMetrics(delivered *metrics.Counter) Option {
	return func(d *Dispatcher) { d.delivered = delivered }
}

// New constructs a Dispatcher for one egress path.
func New(site, source, pool string, hooks policy.Hooks, sp spool.Spool, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		Site: site, Source: source, Pool: pool,
		hooks:  hooks,
		sp:     sp,
		dialer: &net.Dialer{},
		dane:   noDANE,
		mtaSTS: noMTASTS,
		cfgTTL: 30 * time.Second,
		conns:  map[string]*pooledConn{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) resolveConfig(ctx context.Context) (policy.EgressPathConfig, error) {
	d.mu.Lock()
	if d.cfgLoaded && time.Now().Before(d.cfgExpiry) {
		cfg := d.cfg
		d.mu.Unlock()
		return cfg, nil
	}
	d.mu.Unlock()

	cfg, err := d.hooks.GetEgressPathConfig(ctx, d.Site, d.Source, d.Pool)
	if err != nil {
		return policy.EgressPathConfig{}, fmt.Errorf("dispatcher %s: get_egress_path_config: %w", d.Site, err)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.cfgExpiry = time.Now().Add(d.cfgTTL)
	d.cfgLoaded = true
	d.mu.Unlock()
	return cfg, nil
}

// Deliver implements readyqueue.DispatchFunc: connect (or reuse) to peer
// and drive one message through the SMTP transaction. A non-nil return
// means the delivery did not succeed and the ready queue's caller should
// treat it as a transient retry signal (the actual logging/spool/requeue
// decision has already been made inside Deliver by the time it returns).
func (d *Dispatcher) Deliver(ctx context.Context, peer string, msg *mtamsg.Message) error {
	cfg, err := d.resolveConfig(ctx)
	if err != nil {
		return err
	}
	to := newPhaseTimeouts(cfg)

	client, fresh, err := d.connection(ctx, peer, cfg, to)
	if err != nil {
		d.dropConnection(peer)
		return d.handleConnFatal(ctx, msg, peer, "connect", err)
	}
	_ = fresh

	sender := msg.Sender().String()
	recipient := msg.Recipient().String()
	body := msg.Body()

	deadline := time.Now().Add(to.MailFrom + to.RcptTo + to.Data)
	_ = client.Conn().SetDeadline(deadline)
	txn, err := client.SendMail(sender, recipient, body)
	if err != nil {
		d.dropConnection(peer)
		return d.handleConnFatal(ctx, msg, peer, "mail_transaction", err)
	}

	if txn.Mail.Code != 250 {
		return d.classifyAndFinish(ctx, msg, peer, txn.Mail)
	}
	if txn.Rcpt.Code != 250 {
		return d.classifyAndFinish(ctx, msg, peer, txn.Rcpt)
	}
	if txn.Data.Code != 354 {
		return d.classifyAndFinish(ctx, msg, peer, txn.Data)
	}

	_ = client.Conn().SetDeadline(time.Now().Add(to.DataDot))
	outcome := d.classifyAndFinish(ctx, msg, peer, txn.Final)

	d.mu.Lock()
	pc, ok := d.conns[peer]
	if ok {
		pc.deliveries++
		if cfg.MaxDeliveriesPerConnection > 0 && pc.deliveries >= cfg.MaxDeliveriesPerConnection {
			delete(d.conns, peer)
			go pc.client.Quit() //nolint:errcheck
			go pc.client.Close()
		}
	}
	d.mu.Unlock()

	return outcome
}

// connection returns a live client for peer, dialing and running the
// connect/EHLO/[STARTTLS->EHLO]/[AUTH] handshake if none is pooled yet.
func (d *Dispatcher) connection(ctx context.Context, peer string, cfg policy.EgressPathConfig, to phaseTimeouts) (*Client, bool, error) {
	d.mu.Lock()
	pc, ok := d.conns[peer]
	d.mu.Unlock()
	if ok {
		return pc.client, false, nil
	}

	client, err := d.handshake(ctx, peer, cfg, to)
	if err != nil {
		return nil, false, err
	}

	d.mu.Lock()
	d.conns[peer] = &pooledConn{client: client}
	d.mu.Unlock()
	return client, true, nil
}

func (d *Dispatcher) handshake(ctx context.Context, peer string, cfg policy.EgressPathConfig, to phaseTimeouts) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, to.Connect)
	defer cancel()
	conn, err := d.dialer.DialContext(dialCtx, "tcp", peer)
	if err != nil {
		return nil, wireErr("connect", err)
	}
	client := NewClient(conn, cfg.EHLODomain)

	_ = conn.SetDeadline(time.Now().Add(to.Connect))
	if _, err := client.ReadBanner(); err != nil {
		client.Close()
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(to.EHLO))
	if _, err := client.EHLO(cfg.EHLODomain); err != nil {
		client.Close()
		return nil, err
	}

	host, _, _ := net.SplitHostPort(peer)
	if host == "" {
		host = peer
	}
	mode, err := d.resolveTLSMode(ctx, cfg, host)
	if err != nil {
		client.Close()
		return nil, wireErr("tls_policy", err)
	}

	if mode == policy.TLSRequired || mode == policy.TLSRequiredInsecure || mode == policy.TLSOpportunistic || mode == policy.TLSOpportunisticInsecure {
		if client.HasCapability("STARTTLS") {
			_ = conn.SetDeadline(time.Now().Add(to.EHLO))
			insecure := mode == policy.TLSOpportunisticInsecure || mode == policy.TLSRequiredInsecure
			tlsErr := client.StartTLS(&tls.Config{ServerName: host, InsecureSkipVerify: insecure}) //nolint:gosec // insecure modes are an explicit policy choice (§4.7)
			if tlsErr != nil {
				if mode == policy.TLSRequired || mode == policy.TLSRequiredInsecure {
					client.Close()
					return nil, tlsErr
				}
				// Opportunistic: fall back to cleartext on the same
				// connection and re-issue EHLO either way, since the
				// capability set is only trustworthy right after the most
				// recent negotiation (TLS or not).
			}
			_ = conn.SetDeadline(time.Now().Add(to.EHLO))
			if _, err := client.EHLO(cfg.EHLODomain); err != nil {
				client.Close()
				return nil, err
			}
		} else if mode == policy.TLSRequired || mode == policy.TLSRequiredInsecure {
			client.Close()
			return nil, wireErr("tls_policy", fmt.Errorf("peer does not advertise STARTTLS"))
		}
	}

	if cfg.SMTPAuthPlainUsername != "" {
		_, tlsOn := client.TLSConnectionState()
		if tlsOn || cfg.AllowSMTPAuthPlainWithoutTLS {
			_ = conn.SetDeadline(time.Now().Add(to.EHLO))
			resp, err := client.AuthPlain(cfg.SMTPAuthPlainUsername, cfg.SMTPAuthPlainPassword)
			if err != nil {
				client.Close()
				return nil, err
			}
			if resp.Code != 235 {
				client.Close()
				return nil, fmt.Errorf("dispatcher: auth plain rejected: %s", resp)
			}
		}
	}

	return client, nil
}

func (d *Dispatcher) resolveTLSMode(ctx context.Context, cfg policy.EgressPathConfig, host string) (policy.TLSMode, error) {
	var dane readyqueue.DANEResult
	if cfg.EnableDANE {
		dane, _ = d.dane(ctx, host)
	}
	var sts readyqueue.MTASTSPolicy
	if cfg.EnableMTASTS {
		sts, _ = d.mtaSTS(ctx, host)
	}
	return readyqueue.ResolveTLSMode(cfg, host, dane, sts)
}

func (d *Dispatcher) dropConnection(peer string) {
	d.mu.Lock()
	pc, ok := d.conns[peer]
	if ok {
		delete(d.conns, peer)
	}
	d.mu.Unlock()
	if ok {
		pc.client.Close()
	}
}

func (d *Dispatcher) recipientContext(msg *mtamsg.Message) (domain, tenant, campaign, routingDomain string) {
	_, campaign, tenant, domain = msg.QueueNameParts()
	if v, ok, _ := msg.GetMeta("routing_domain"); ok {
		if s, ok := v.(string); ok {
			routingDomain = s
		}
	}
	return
}

// classifyAndFinish turns a final SMTP response into the §4.8 outcome:
// 2xx logs Delivery and removes the message from the spool; 4xx logs
// TransientFailure and hands the message to the requeue coordinator;
// 5xx logs Bounce and removes it from the spool. The
// SMTPClientRewriteDeliveryStatus hook runs first so policy can recode
// the response before it is classified/logged.
func (d *Dispatcher) classifyAndFinish(ctx context.Context, msg *mtamsg.Message, peer string, resp Response) error {
	smtpResp := policy.SMTPResponse{Code: resp.Code, Enhanced: resp.Enhanced, Message: resp.Message}
	domain, tenant, campaign, routingDomain := d.recipientContext(msg)

	if d.hooks != nil {
		if rewritten, err := d.hooks.SMTPClientRewriteDeliveryStatus(ctx, smtpResp, domain, tenant, campaign, routingDomain); err == nil && rewritten != nil {
			smtpResp = *rewritten
		}
	}

	queue, _, _, _ := msg.QueueNameParts()
	record := logging.Record{
		SpoolID:     msg.ID().String(),
		Sender:      msg.Sender().String(),
		Recipient:   msg.Recipient().String(),
		Queue:       queue,
		Site:        d.Site,
		Response:    smtpResp.Message,
		Code:        smtpResp.Code,
		NumAttempts: msg.NumAttempts(),
	}
	if tc, ok := peerTLSInfo(peer, d); ok {
		record.TLSInfo = tc
	}

	switch {
	case smtpResp.Code >= 200 && smtpResp.Code < 300:
		record.Kind = logging.Delivery
		d.log(record)
		if d.delivered != nil {
			d.delivered.Inc()
		}
		if d.sp != nil {
			_ = d.sp.Remove(ctx, msg.ID())
		}
		return nil
	case smtpResp.Code >= 400 && smtpResp.Code < 500:
		record.Kind = logging.TransientFailure
		d.log(record)
		if d.requeuer != nil {
			if err := d.requeuer.Requeue(ctx, msg, smtpResp); err != nil {
				return err
			}
		}
		return mtaerr.Transient(smtpResp.Code, smtpResp.Enhanced,
			fmt.Errorf("dispatcher: transient failure from %s: %s", peer, smtpResp.Message))
	default:
		record.Kind = logging.Bounce
		d.log(record)
		if d.sp != nil {
			_ = d.sp.Remove(ctx, msg.ID())
		}
		return nil
	}
}

// peerTLSInfo reports the peer's negotiated TLS cipher suite name, if any,
// purely for the persisted record's tls_info field.
func peerTLSInfo(peer string, d *Dispatcher) (string, bool) {
	d.mu.Lock()
	pc, ok := d.conns[peer]
	d.mu.Unlock()
	if !ok {
		return "", false
	}
	st, ok := pc.client.TLSConnectionState()
	if !ok {
		return "", false
	}
	return tls.CipherSuiteName(st.CipherSuite), true
}

func (d *Dispatcher) log(r logging.Record) {
	if d.recordLog != nil {
		_ = d.recordLog.Log(r)
	}
}

// handleConnFatal classifies a connection-level failure (dial error, I/O
// error, read/write timeout) as a transient failure and routes it to the
// requeue coordinator, since no SMTP response code was ever received.
func (d *Dispatcher) handleConnFatal(ctx context.Context, msg *mtamsg.Message, peer, phase string, err error) error {
	resp := policy.SMTPResponse{Code: 421, Enhanced: "4.4.2", Message: fmt.Sprintf("%s: %v", phase, err)}
	record := logging.Record{
		Kind:        logging.TransientFailure,
		SpoolID:     msg.ID().String(),
		Sender:      msg.Sender().String(),
		Recipient:   msg.Recipient().String(),
		Site:        d.Site,
		Response:    resp.Message,
		Code:        resp.Code,
		NumAttempts: msg.NumAttempts(),
	}
	d.log(record)
	if d.requeuer != nil {
		if rqErr := d.requeuer.Requeue(ctx, msg, resp); rqErr != nil {
			return rqErr
		}
	}
	return mtaerr.Transient(resp.Code, resp.Enhanced,
		fmt.Errorf("dispatcher: connection failure to %s during %s: %w", peer, phase, err))
}
