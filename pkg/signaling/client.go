package signaling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/errors"
)

// ClientConfig defines signaling client configuration
type ClientConfig struct {
	// ListenAddr is the UDP address the SIP server listens on
	ListenAddr string

	// AdvertiseHost and AdvertisePort go into From/Contact headers
	AdvertiseHost string
	AdvertisePort int

	// FromUser is the default caller identity when an invite carries none
	FromUser string

	// RTPPort is advertised in outbound SDP offers
	RTPPort int

	// InviteTimeout bounds how long an outbound INVITE may ring
	InviteTimeout time.Duration
}

// Client is the sipgo-backed signaling transport. It emits inbound legs
// through OnRing callbacks and originates outbound legs through Invite.
type Client struct {
	logger *logrus.Logger
	config ClientConfig

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	mu       sync.Mutex
	ringFns  map[int]func(Leg)
	nextRing int

	// pending maps Call-ID to live inbound calls so Answer, Decline,
	// CANCEL and BYE can find the originating transaction
	pending map[string]*inboundCall

	sdpSeq uint64
	closed bool
}

type inboundCall struct {
	leg *dialogLeg
	req *sip.Request
	tx  sip.ServerTransaction
}

// NewClient creates a signaling client and registers its SIP handlers.
// Listen must be called before any leg can arrive.
func NewClient(logger *logrus.Logger, config ClientConfig) (*Client, error) {
	if config.InviteTimeout <= 0 {
		config.InviteTimeout = 60 * time.Second
	}
	if config.AdvertisePort == 0 {
		config.AdvertisePort = 5060
	}
	if config.FromUser == "" {
		config.FromUser = "callbridge"
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, err
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, err
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:  logger,
		config:  config,
		ua:      ua,
		server:  server,
		client:  client,
		ringFns: make(map[int]func(Leg)),
		pending: make(map[string]*inboundCall),
	}
	c.setupHandlers()

	return c, nil
}

func (c *Client) setupHandlers() {
	c.server.OnRequest(sip.INVITE, c.handleInvite)
	c.server.OnRequest(sip.CANCEL, c.handleCancel)
	c.server.OnRequest(sip.BYE, c.handleBye)
	c.server.OnRequest(sip.ACK, func(req *sip.Request, tx sip.ServerTransaction) {})
	c.server.OnRequest(sip.OPTIONS, func(req *sip.Request, tx sip.ServerTransaction) {
		tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})
}

// Listen serves SIP on the configured address until ctx is cancelled.
func (c *Client) Listen(ctx context.Context) error {
	c.logger.WithField("address", c.config.ListenAddr).Info("Starting signaling listener")
	return c.server.ListenAndServe(ctx, "udp", c.config.ListenAddr)
}

// Close shuts the UA down; in-flight legs are terminated.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	pending := make([]*inboundCall, 0, len(c.pending))
	for _, call := range c.pending {
		pending = append(pending, call)
	}
	c.pending = make(map[string]*inboundCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.leg.setState(LegStateTerminated)
	}
	return c.ua.Close()
}

// OnRing registers a callback for inbound legs. The returned function
// removes the registration.
func (c *Client) OnRing(fn func(Leg)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextRing
	c.nextRing++
	c.ringFns[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.ringFns, id)
	}
}

// Invite originates an outbound leg. The returned leg is ringing; its
// state tracks the response flow in the background. A rejected request
// surfaces as an error and no leg is created.
func (c *Client) Invite(ctx context.Context, toNumber string, opts InviteOptions) (Leg, error) {
	fromUser := opts.FromNumber
	if fromUser == "" {
		fromUser = c.config.FromUser
	}

	callID := sip.GenerateTagN(16)

	offer, err := buildAudioOffer(c.config.AdvertiseHost, c.config.RTPPort, atomic.AddUint64(&c.sdpSeq, 1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build SDP offer")
	}

	invite := c.buildInvite(callID, toNumber, fromUser, opts.HomeCountryID, offer)

	leg := newDialogLeg(callID, DirectionOutbound, toNumber, requestHeaders(invite))

	tx, err := c.client.TransactionRequest(ctx, invite)
	if err != nil {
		return nil, errors.NewTransportRequest("signaling", err)
	}

	c.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"to":      toNumber,
	}).Info("Outbound INVITE sent")

	go c.watchInvite(leg, invite, tx)

	return leg, nil
}

// buildInvite constructs the outbound INVITE request.
func (c *Client) buildInvite(callID, toNumber, fromUser, homeCountryID string, body []byte) *sip.Request {
	requestURI := sip.Uri{
		Scheme: "sip",
		User:   toNumber,
		Host:   c.config.AdvertiseHost,
		Port:   c.config.AdvertisePort,
	}

	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", sip.GenerateTagN(10))
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: fromUser, Host: c.config.AdvertiseHost, Port: c.config.AdvertisePort},
		Params:  fromParams,
	})

	invite.AppendHeader(&sip.ToHeader{
		Address: requestURI,
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)

	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: c.config.FromUser, Host: c.config.AdvertiseHost, Port: c.config.AdvertisePort},
	})

	// Dial-plan hint for the far end's number normalization
	if homeCountryID != "" {
		invite.AppendHeader(sip.NewHeader("P-Home-Country-Id", homeCountryID))
	}

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(body)

	return invite
}

// buildAck constructs the ACK for a 2xx response. Per RFC 3261 13.2.2.4
// this is a new request outside the INVITE transaction, with the
// Request-URI taken from the Contact of the response.
func buildAck(invite *sip.Request, resp *sip.Response) *sip.Request {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	// To from the response carries the remote tag
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}

	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}

	if src := resp.Source(); src != "" {
		ack.SetDestination(src)
	}

	return ack
}

// watchInvite follows the outbound transaction until a final response.
func (c *Client) watchInvite(leg *dialogLeg, invite *sip.Request, tx sip.ClientTransaction) {
	logger := c.logger.WithField("call_id", leg.ID())

	timeout := time.NewTimer(c.config.InviteTimeout)
	defer timeout.Stop()
	defer tx.Terminate()

	for {
		select {
		case <-timeout.C:
			logger.Warn("Outbound INVITE timed out")
			leg.setState(LegStateTerminated)
			return

		case resp := <-tx.Responses():
			if resp == nil {
				leg.setState(LegStateTerminated)
				return
			}

			switch {
			case resp.StatusCode < 200:
				// Provisional; keep ringing

			case resp.StatusCode < 300:
				ack := buildAck(invite, resp)
				if err := c.client.WriteRequest(ack); err != nil {
					logger.WithError(err).Error("Failed to send ACK")
				}
				logger.Info("Outbound leg answered")
				leg.setState(LegStateAnswered)

			default:
				logger.WithField("status", resp.StatusCode).Info("Outbound INVITE rejected")
				leg.setState(LegStateTerminated)
				return
			}

		case <-tx.Done():
			if leg.State() != LegStateAnswered {
				leg.setState(LegStateTerminated)
			}
			return
		}
	}
}

// handleInvite processes inbound INVITEs and dispatches ring callbacks.
func (c *Client) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().String()
	logger := c.logger.WithField("call_id", callID)

	// Re-INVITEs carry a To tag; acknowledge without creating a leg
	toTag, _ := req.To().Params.Get("tag")
	if toTag != "" {
		tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
		logger.Debug("Acknowledged re-INVITE")
		return
	}

	remoteNumber := req.From().Address.User

	leg := newDialogLeg(callID, DirectionInbound, remoteNumber, requestHeaders(req))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		tx.Respond(sip.NewResponseFromRequest(req, 480, "Temporarily Unavailable", nil))
		return
	}
	c.pending[callID] = &inboundCall{leg: leg, req: req, tx: tx}
	fns := make([]func(Leg), 0, len(c.ringFns))
	for _, fn := range c.ringFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil))
	tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil))

	logger.WithField("from", remoteNumber).Info("Inbound leg ringing")

	for _, fn := range fns {
		fn(leg)
	}
}

// Answer accepts a ringing inbound leg with an SDP answer. The leg stays
// tracked so a later BYE still terminates it.
func (c *Client) Answer(leg Leg) error {
	c.mu.Lock()
	call, ok := c.pending[leg.ID()]
	c.mu.Unlock()

	if !ok {
		return errors.NewSessionNotFound(leg.ID())
	}

	answer, err := buildAudioOffer(c.config.AdvertiseHost, c.config.RTPPort, atomic.AddUint64(&c.sdpSeq, 1))
	if err != nil {
		return errors.Wrap(err, "failed to build SDP answer")
	}

	resp := sip.NewResponseFromRequest(call.req, 200, "OK", answer)
	contentType := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&contentType)
	resp.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: c.config.FromUser, Host: c.config.AdvertiseHost, Port: c.config.AdvertisePort},
	})

	if err := call.tx.Respond(resp); err != nil {
		return errors.NewTransportRequest("signaling", err)
	}

	call.leg.setState(LegStateAnswered)
	return nil
}

// Decline rejects a ringing inbound leg.
func (c *Client) Decline(leg Leg) error {
	c.mu.Lock()
	call, ok := c.pending[leg.ID()]
	if ok {
		delete(c.pending, leg.ID())
	}
	c.mu.Unlock()

	if !ok {
		return errors.NewSessionNotFound(leg.ID())
	}

	if err := call.tx.Respond(sip.NewResponseFromRequest(call.req, 486, "Busy Here", nil)); err != nil {
		return errors.NewTransportRequest("signaling", err)
	}

	call.leg.setState(LegStateTerminated)
	return nil
}

// handleCancel terminates a still-ringing inbound leg.
func (c *Client) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().String()

	c.mu.Lock()
	call, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
	}
	c.mu.Unlock()

	tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))

	if ok {
		call.tx.Respond(sip.NewResponseFromRequest(call.req, 487, "Request Terminated", nil))
		call.leg.setState(LegStateTerminated)
		c.logger.WithField("call_id", callID).Info("Inbound leg cancelled")
	}
}

// handleBye terminates an answered inbound leg.
func (c *Client) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().String()

	c.mu.Lock()
	call, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
	}
	c.mu.Unlock()

	tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))

	if ok {
		call.leg.setState(LegStateTerminated)
		c.logger.WithField("call_id", callID).Info("Inbound leg hung up")
	}
}

// requestHeaders flattens a SIP request's headers into the generic form
// the correlation extractor consumes.
func requestHeaders(req *sip.Request) map[string][]string {
	headers := make(map[string][]string)
	for _, h := range req.Headers() {
		headers[h.Name()] = append(headers[h.Name()], h.Value())
	}
	return headers
}
