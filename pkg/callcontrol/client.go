package callcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/errors"
	"callbridge-server/pkg/metrics"
)

// FeedConfig holds call-control client configuration
type FeedConfig struct {
	// APIURL is the REST base URL, e.g. https://platform.example.com/v1
	APIURL string

	// WSURL is the out-of-band session event feed endpoint
	WSURL string

	// AuthToken is sent as a bearer token on both surfaces
	AuthToken string

	RequestTimeout time.Duration
	DialTimeout    time.Duration
	ReconnectDelay time.Duration
}

// FeedClient talks to the call-control service: outbound calls go through
// its REST surface, and every telephony session the service knows about
// arrives through its websocket event feed.
type FeedClient struct {
	logger     *logrus.Logger
	config     FeedConfig
	httpClient *http.Client

	mu        sync.Mutex
	sessions  map[string]*remoteSession
	newFns    map[int]func(Session)
	nextFn    int
	conn      *websocket.Conn
	connected bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// sessionEvent is the wire form of one feed message and of the create-call
// response body.
type sessionEvent struct {
	ID        string       `json:"id"`
	PartyID   string       `json:"partyId,omitempty"`
	Direction string       `json:"direction,omitempty"`
	Status    SessionState `json:"status,omitempty"`
	From      string       `json:"from,omitempty"`
	To        string       `json:"to,omitempty"`
}

// createCallRequest is the create-call REST body.
type createCallRequest struct {
	DeviceID        string `json:"deviceId,omitempty"`
	PhoneNumber     string `json:"phoneNumber,omitempty"`
	ExtensionNumber string `json:"extensionNumber,omitempty"`
}

// NewFeedClient creates a call-control client. Connect must be called
// before feed events can arrive.
func NewFeedClient(logger *logrus.Logger, config FeedConfig) *FeedClient {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}

	return &FeedClient{
		logger:     logger,
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		sessions:   make(map[string]*remoteSession),
		newFns:     make(map[int]func(Session)),
		stopChan:   make(chan struct{}),
	}
}

// Connect dials the event feed and starts the read loop. The loop
// reconnects on its own until Disconnect is called.
func (c *FeedClient) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	metrics.SetFeedConnectionStatus(true)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(conn)
	}()

	c.logger.WithField("url", c.config.WSURL).Info("Connected to call-control event feed")
	return nil
}

func (c *FeedClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	header := http.Header{}
	if c.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.config.WSURL, header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to call-control event feed")
	}
	return conn, nil
}

// IsConnected reports whether the event feed is currently up.
func (c *FeedClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect stops the read loop and closes the feed.
func (c *FeedClient) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
	c.mu.Unlock()
	metrics.SetFeedConnectionStatus(false)

	c.wg.Wait()
}

// OnNewSession registers a callback fired once per telephony session the
// service starts reporting. The returned function removes the callback.
func (c *FeedClient) OnNewSession(fn func(Session)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextFn
	c.nextFn++
	c.newFns[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.newFns, id)
	}
}

// CreateCall asks the service to originate a call from the given device.
// The returned session is tracked so later feed events update it in place.
// A rejected request surfaces as an error and no session is created.
func (c *FeedClient) CreateCall(ctx context.Context, deviceID string, params CallParams) (Session, error) {
	body, err := json.Marshal(createCallRequest{
		DeviceID:        deviceID,
		PhoneNumber:     params.PhoneNumber,
		ExtensionNumber: params.ExtensionNumber,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode create-call request")
	}

	url := c.config.APIURL + "/telephony/call-out"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build create-call request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewTransportRequest("callcontrol", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.NewTransportRequest("callcontrol",
			fmt.Errorf("create-call returned %d: %s", resp.StatusCode, payload))
	}

	var event sessionEvent
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		return nil, errors.Wrap(err, "failed to decode create-call response")
	}
	if event.ID == "" {
		return nil, errors.NewTransportRequest("callcontrol",
			fmt.Errorf("create-call response missing session id"))
	}

	c.logger.WithFields(logrus.Fields{
		"telephony_session_id": event.ID,
		"device_id":            deviceID,
	}).Info("Created call-control session")

	session, _ := c.upsert(event)
	return session, nil
}

// readLoop consumes feed events until stopped, redialing on failure.
func (c *FeedClient) readLoop(conn *websocket.Conn) {
	for {
		var event sessionEvent
		if err := conn.ReadJSON(&event); err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			metrics.SetFeedConnectionStatus(false)

			select {
			case <-c.stopChan:
				return
			default:
			}

			c.logger.WithError(err).Warn("Call-control feed read failed, reconnecting")
			conn = c.redial()
			if conn == nil {
				return
			}
			continue
		}

		if event.ID == "" {
			metrics.RecordFeedEvent("ignored")
			c.logger.Debug("Ignoring feed event without session id")
			continue
		}

		metrics.RecordFeedEvent("ok")
		session, created := c.upsert(event)
		if created {
			c.logger.WithFields(logrus.Fields{
				"telephony_session_id": session.ID(),
				"direction":            session.Direction(),
				"status":               string(session.State()),
			}).Info("New telephony session reported")
		}
	}
}

// redial attempts to reconnect until it succeeds or the client stops.
func (c *FeedClient) redial() *websocket.Conn {
	for {
		select {
		case <-c.stopChan:
			return nil
		case <-time.After(c.config.ReconnectDelay):
		}

		conn, err := c.dial(context.Background())
		if err != nil {
			c.logger.WithError(err).Warn("Call-control feed reconnect failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()
		metrics.SetFeedConnectionStatus(true)

		c.logger.Info("Call-control event feed reconnected")
		return conn
	}
}

// upsert records a session event, creating the session and notifying
// new-session callbacks when the identifier was previously unknown.
func (c *FeedClient) upsert(event sessionEvent) (*remoteSession, bool) {
	c.mu.Lock()
	session, exists := c.sessions[event.ID]
	var fns []func(Session)
	if !exists {
		session = newRemoteSession(event.ID, event.PartyID, event.Direction, event.Status)
		c.sessions[event.ID] = session
		fns = make([]func(Session), 0, len(c.newFns))
		for _, fn := range c.newFns {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	if exists {
		session.update(event.PartyID, event.Status)
		if event.Status.Terminal() {
			c.mu.Lock()
			delete(c.sessions, event.ID)
			c.mu.Unlock()
		}
		return session, false
	}

	for _, fn := range fns {
		fn(session)
	}
	return session, true
}
