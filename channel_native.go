package camaudio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// clientReadFunc is the bound form of client_read. The return value is a
// status (0 or a negative code); size holds the buffer length on entry and
// the bytes read on return.
type clientReadFunc func(client uintptr, channel int32, buf *byte, size *int32, timeoutMs int32) int32

// NativeChannelClient reads P2P channels through the vendor's unexported
// client_read function.
type NativeChannelClient struct {
	symbols *SymbolBridge
	shape   CallShape
	logger  zerolog.Logger

	bindOnce sync.Once
	read     clientReadFunc
	bindErr  error
}

// NewNativeChannelClient creates a channel client over the symbol bridge.
// Binding happens on first read.
func NewNativeChannelClient(symbols *SymbolBridge, logger *zerolog.Logger) *NativeChannelClient {
	return &NativeChannelClient{
		symbols: symbols,
		shape:   SymbolClientRead.Shape(),
		logger:  componentLogger(logger, "client-read"),
	}
}

func (c *NativeChannelClient) bind() error {
	c.bindOnce.Do(func() {
		c.bindErr = c.symbols.Bind(c.shape, &c.read)
		if c.bindErr != nil {
			c.logger.Warn().Err(c.bindErr).Msg("client_read unavailable")
		}
	})
	return c.bindErr
}

// Available reports whether client_read resolved and bound.
func (c *NativeChannelClient) Available() bool {
	return c.bind() == nil
}

// ClientRead implements ChannelClient. The native call ignores ctx; its own
// timeout bounds the block.
func (c *NativeChannelClient) ClientRead(ctx context.Context, client uintptr, ch Channel, buf []byte, timeout time.Duration) ChannelReadResult {
	if client == 0 {
		return NewChannelReadResult(ChannelCodeNotConnected, nil)
	}
	if len(buf) == 0 || timeout < 0 {
		return NewChannelReadResult(ChannelCodeInvalidParameter, nil)
	}
	if ctx.Err() != nil {
		return NewChannelReadResult(ChannelCodeTimeout, nil)
	}
	if err := c.bind(); err != nil {
		return NewChannelReadResult(ChannelCodeNotConnected, nil)
	}

	size := int32(len(buf))
	var status int32
	call := func() error {
		status = c.read(client, int32(ch), &buf[0], &size, int32(timeout/time.Millisecond))
		return nil
	}

	if c.symbols.Verified(c.shape) {
		_ = call()
	} else if err := c.symbols.Attempt(c.shape, call); err != nil {
		if errors.Is(err, ErrKnownCrash) || errors.Is(err, ErrAlreadyAttempted) {
			return NewChannelReadResult(ChannelCodeInvalidConnection, nil)
		}
		return NewChannelReadResult(ChannelCodeNotConnected, nil)
	}

	if status < 0 {
		return NewChannelReadResult(status, nil)
	}
	return NewChannelReadResult(size, buf)
}
