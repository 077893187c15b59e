package camaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Credentials identify a camera on the vendor P2P network.
type Credentials struct {
	UID      string `json:"uid" mapstructure:"uid"`
	ClientID string `json:"clientId" mapstructure:"client_id"`
	Service  string `json:"serviceParam" mapstructure:"service"`
	Password string `json:"password" mapstructure:"password"`
}

// Validate checks that the fields the connect call needs are present.
func (c Credentials) Validate() error {
	switch {
	case c.UID == "":
		return errors.New("credentials: uid is required")
	case c.Password == "":
		return errors.New("credentials: password is required")
	}
	return nil
}

// ConnectResult reports a connection attempt.
type ConnectResult struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Client  uintptr `json:"client,omitempty"`
}

// Connector establishes P2P sessions.
type Connector interface {
	Connect(ctx context.Context, creds Credentials) (uintptr, error)
}

type clientConnectFunc func(uid, clientID, service, password string) uintptr

// NativeConnector calls the vendor client_connect directly. The call shape
// is experimental.
type NativeConnector struct {
	symbols *SymbolBridge
	shape   CallShape
	logger  zerolog.Logger

	bindOnce sync.Once
	connect  clientConnectFunc
	bindErr  error

	client atomic.Uintptr
}

// NewNativeConnector creates a connector bound to client_connect.
func NewNativeConnector(symbols *SymbolBridge, logger *zerolog.Logger) *NativeConnector {
	return &NativeConnector{
		symbols: symbols,
		shape:   SymbolClientConnect.Shape(),
		logger:  componentLogger(logger, "connector"),
	}
}

// Connect opens a session and returns the client handle.
func (c *NativeConnector) Connect(ctx context.Context, creds Credentials) (uintptr, error) {
	if err := creds.Validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.bindOnce.Do(func() {
		if c.symbols == nil {
			c.bindErr = ErrNotSupported
			return
		}
		c.bindErr = c.symbols.Bind(c.shape, &c.connect)
	})
	if c.bindErr != nil {
		return 0, fmt.Errorf("client_connect: %w", c.bindErr)
	}

	var client uintptr
	err := c.symbols.Attempt(c.shape, func() error {
		client = c.connect(creds.UID, creds.ClientID, creds.Service, creds.Password)
		return nil
	})
	if err != nil {
		return 0, err
	}
	// A zero handle is a rejected login, not a bad call shape.
	if client == 0 {
		return 0, fmt.Errorf("connect %s: %w", creds.UID, ErrNotConnected)
	}
	c.client.Store(client)
	c.logger.Info().Str("uid", creds.UID).Msg("p2p client connected")
	return client, nil
}

// Client returns the last connected handle, or 0.
func (c *NativeConnector) Client() uintptr { return c.client.Load() }
