package camaudio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient replays queued read results per channel. An exhausted
// queue yields timeouts, or empty reads once idle is set.
type scriptedClient struct {
	mu      sync.Mutex
	scripts map[Channel][]ChannelReadResult
	calls   map[Channel]int
	idle    bool
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		scripts: make(map[Channel][]ChannelReadResult),
		calls:   make(map[Channel]int),
	}
}

func (c *scriptedClient) push(ch Channel, results ...ChannelReadResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[ch] = append(c.scripts[ch], results...)
}

// keepOpen makes an exhausted queue look like a quiet but live channel.
func (c *scriptedClient) keepOpen() *scriptedClient {
	c.mu.Lock()
	c.idle = true
	c.mu.Unlock()
	return c
}

func (c *scriptedClient) ClientRead(ctx context.Context, client uintptr, ch Channel, buf []byte, timeout time.Duration) ChannelReadResult {
	c.mu.Lock()
	c.calls[ch]++
	q := c.scripts[ch]
	if len(q) == 0 {
		idle := c.idle
		c.mu.Unlock()
		if !idle {
			return NewChannelReadResult(ChannelCodeTimeout, nil)
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
		return NewChannelReadResult(0, nil)
	}
	defer c.mu.Unlock()
	res := q[0]
	c.scripts[ch] = q[1:]
	if res.BytesRead < 0 {
		return res
	}
	n := copy(buf, res.Payload)
	return NewChannelReadResult(int32(n), buf)
}

func (c *scriptedClient) callCount(ch Channel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[ch]
}

func payload(b ...byte) ChannelReadResult {
	return ChannelReadResult{BytesRead: int32(len(b)), Payload: b}
}

func fastReaderConfig() ChannelReaderConfig {
	return ChannelReaderConfig{
		BufferSize:        64,
		ReadTimeout:       time.Millisecond,
		MaxTimeoutRetries: 3,
		BackoffBase:       time.Microsecond,
		BackoffMax:        time.Millisecond,
		OutputRate:        G711SampleRate,
	}
}

func TestNewChannelReadResult_NegativeHasEmptyPayload(t *testing.T) {
	codes := []int32{
		ChannelCodeNotConnected,
		ChannelCodeTimeout,
		ChannelCodeInvalidParameter,
		ChannelCodeInvalidConnection,
		ChannelCodeRemoteClosed,
		ChannelCodeTimeoutClosed,
		-99,
	}
	for _, code := range codes {
		t.Run(ChannelCodeString(code), func(t *testing.T) {
			res := NewChannelReadResult(code, []byte{1, 2, 3})
			assert.Equal(t, code, res.BytesRead)
			assert.Empty(t, res.Payload)
			assert.False(t, res.OK())

			var chErr *ChannelError
			require.ErrorAs(t, res.Err(ChannelVoice), &chErr)
			assert.Equal(t, code, chErr.Code)
			assert.Equal(t, code == ChannelCodeTimeout, chErr.IsTimeout())
		})
	}
}

func TestNewChannelReadResult_TrimsPayload(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	res := NewChannelReadResult(2, buf)
	assert.Equal(t, []byte{1, 2}, res.Payload)
	assert.NoError(t, res.Err(ChannelVoice))

	res = NewChannelReadResult(10, buf)
	assert.Equal(t, int32(4), res.BytesRead)
}

func TestChannelCodeString(t *testing.T) {
	tests := []struct {
		code int32
		want string
	}{
		{0, "ok"},
		{128, "ok"},
		{ChannelCodeNotConnected, "not connected"},
		{ChannelCodeTimeout, "timeout"},
		{ChannelCodeRemoteClosed, "remote closed"},
		{-42, "unknown error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChannelCodeString(tt.code))
	}
}

func TestChannelReader_DecodesIntoRing(t *testing.T) {
	client := newScriptedClient()
	client.push(ChannelVoice, payload(0xD5, 0x55, 0xAA, 0x2A))
	client.push(ChannelVoice, NewChannelReadResult(ChannelCodeRemoteClosed, nil))

	ring := NewSampleRing(16)
	r := NewChannelReader(client, 1, ring, fastReaderConfig(), nil)

	err := r.Run(context.Background())
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, ChannelCodeRemoteClosed, chErr.Code)

	dst := make([]int16, 4)
	require.Equal(t, 4, ring.Read(dst))
	assert.Equal(t, []int16{8, -8, 32256, -32256}, dst)

	st := r.Stats()
	assert.Equal(t, uint64(2), st.Reads)
	assert.Equal(t, uint64(4), st.BytesRead)
	assert.Equal(t, uint64(1), st.Errors)
	assert.Equal(t, ChannelCodeRemoteClosed, st.LastCode)
}

func TestChannelReader_TimeoutRetriesExhausted(t *testing.T) {
	client := newScriptedClient()
	ring := NewSampleRing(16)
	r := NewChannelReader(client, 1, ring, fastReaderConfig(), nil)

	err := r.Run(context.Background())
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.True(t, chErr.IsTimeout())
	// The first read plus three retries.
	assert.Equal(t, 4, client.callCount(ChannelVoice))
	assert.Equal(t, uint64(4), r.Stats().Timeouts)
}

func TestChannelReader_SuccessResetsRetries(t *testing.T) {
	client := newScriptedClient()
	timeout := NewChannelReadResult(ChannelCodeTimeout, nil)
	client.push(ChannelVoice, timeout, timeout, timeout, payload(0xD5), timeout, timeout, timeout)

	r := NewChannelReader(client, 1, NewSampleRing(16), fastReaderConfig(), nil)
	err := r.Run(context.Background())
	require.Error(t, err)
	// 7 scripted reads, then the empty queue times out once more.
	assert.Equal(t, 8, client.callCount(ChannelVoice))
	assert.Equal(t, uint64(1), r.Stats().SamplesWritten)
}

func TestChannelReader_Upsamples(t *testing.T) {
	client := newScriptedClient()
	client.push(ChannelVoice, payload(0xAA, 0xAA))
	client.push(ChannelVoice, NewChannelReadResult(ChannelCodeRemoteClosed, nil))

	cfg := fastReaderConfig()
	cfg.OutputRate = 2 * G711SampleRate
	ring := NewSampleRing(16)
	r := NewChannelReader(client, 1, ring, cfg, nil)
	_ = r.Run(context.Background())

	dst := make([]int16, 4)
	require.Equal(t, 4, ring.Read(dst))
	assert.Equal(t, []int16{16128, 32256, 32256, 32256}, dst)
}

func TestChannelReader_CountsSilence(t *testing.T) {
	client := newScriptedClient()
	client.push(ChannelVoice, payload(0x55, 0xD5, 0x55, 0xD5))
	client.push(ChannelVoice, NewChannelReadResult(ChannelCodeRemoteClosed, nil))

	r := NewChannelReader(client, 1, NewSampleRing(16), fastReaderConfig(), nil)
	_ = r.Run(context.Background())
	assert.Equal(t, uint64(1), r.Stats().SilentPayloads)
}

type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *recordingSink) WritePayload(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, append([]byte(nil), p...))
	return nil
}

func TestChannelReader_FeedsSinks(t *testing.T) {
	client := newScriptedClient()
	client.push(ChannelVoice, payload(1, 2, 3), payload(4))
	client.push(ChannelVoice, NewChannelReadResult(ChannelCodeRemoteClosed, nil))

	sink := &recordingSink{}
	r := NewChannelReader(client, 1, NewSampleRing(16), fastReaderConfig(), nil)
	r.AddSink(sink)
	_ = r.Run(context.Background())

	assert.Equal(t, [][]byte{{1, 2, 3}, {4}}, sink.payloads)
}

type failingSink struct{ calls int }

func (s *failingSink) WritePayload([]byte) error {
	s.calls++
	return errors.New("sink closed")
}

func TestChannelReader_CountsSinkErrors(t *testing.T) {
	client := newScriptedClient()
	client.push(ChannelVoice, payload(1, 2), payload(3), payload(4))
	client.push(ChannelVoice, NewChannelReadResult(ChannelCodeRemoteClosed, nil))

	bad, good := &failingSink{}, &recordingSink{}
	ring := NewSampleRing(16)
	r := NewChannelReader(client, 1, ring, fastReaderConfig(), nil)
	r.AddSink(bad)
	r.AddSink(good)
	_ = r.Run(context.Background())

	// A failing sink neither stops the loop nor starves the others.
	assert.Equal(t, 3, bad.calls)
	assert.Len(t, good.payloads, 3)
	assert.Equal(t, uint64(3), r.Stats().SinkErrors)
	assert.Equal(t, 4, ring.Len())
}

// blockingClient returns data until ctx is cancelled.
type blockingClient struct{}

func (blockingClient) ClientRead(ctx context.Context, client uintptr, ch Channel, buf []byte, timeout time.Duration) ChannelReadResult {
	select {
	case <-ctx.Done():
		return NewChannelReadResult(ChannelCodeTimeout, nil)
	case <-time.After(time.Millisecond):
		buf[0] = 0xD5
		return NewChannelReadResult(1, buf)
	}
}

func TestChannelReader_StartStop(t *testing.T) {
	r := NewChannelReader(blockingClient{}, 1, NewSampleRing(64), fastReaderConfig(), nil)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return r.Stats().Reads > 2 }, time.Second, time.Millisecond)
	require.NoError(t, r.Stop())
	assert.NoError(t, r.Err())
	require.NoError(t, r.Stop())
}

func TestChannelReader_StartWithoutClient(t *testing.T) {
	r := NewChannelReader(blockingClient{}, 0, NewSampleRing(64), fastReaderConfig(), nil)
	assert.True(t, errors.Is(r.Start(context.Background()), ErrNotConnected))
}

func TestVerifyChannelStatus(t *testing.T) {
	tests := []struct {
		name        string
		video       ChannelReadResult
		voice       ChannelReadResult
		wantMissing bool
		wantPrefix  string
	}{
		{
			name:        "voice times out",
			video:       payload(0, 0, 1),
			voice:       NewChannelReadResult(ChannelCodeTimeout, nil),
			wantMissing: true,
			wantPrefix:  "channel 1 ok, channel 2 timeout",
		},
		{
			name:       "both streaming",
			video:      payload(0, 0, 1),
			voice:      payload(0xAA, 0x2A, 0xAA),
			wantPrefix: "both channels streaming",
		},
		{
			name:       "voice idle",
			video:      payload(0, 0, 1),
			voice:      payload(0x55, 0xD5, 0x55),
			wantPrefix: "both channels open",
		},
		{
			name:       "session down",
			video:      NewChannelReadResult(ChannelCodeNotConnected, nil),
			voice:      NewChannelReadResult(ChannelCodeNotConnected, nil),
			wantPrefix: "channel 1 not connected",
		},
		{
			name:       "voice closed",
			video:      payload(0, 0, 1),
			voice:      NewChannelReadResult(ChannelCodeRemoteClosed, nil),
			wantPrefix: "channel 2 remote closed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newScriptedClient()
			client.push(ChannelVideo, tt.video)
			client.push(ChannelVoice, tt.voice)

			rep := VerifyChannelStatus(context.Background(), client, 1, 32, time.Millisecond)
			assert.Equal(t, tt.wantMissing, rep.AudioEnableMissing)
			assert.Contains(t, rep.Conclusion, tt.wantPrefix)
			assert.Equal(t, ChannelVideo, rep.Video.Channel)
			assert.Equal(t, ChannelVoice, rep.Voice.Channel)
		})
	}
}

func TestNativeChannelClient_Guards(t *testing.T) {
	b := NewSymbolBridge(MapSymbolTable{}, SymbolBridgeConfig{})
	c := NewNativeChannelClient(b, nil)
	buf := make([]byte, 8)

	assert.Equal(t, ChannelCodeNotConnected, c.ClientRead(context.Background(), 0, ChannelVoice, buf, time.Second).BytesRead)
	assert.Equal(t, ChannelCodeInvalidParameter, c.ClientRead(context.Background(), 1, ChannelVoice, nil, time.Second).BytesRead)
	// client_read is not in the table.
	res := c.ClientRead(context.Background(), 1, ChannelVoice, buf, time.Second)
	assert.Equal(t, ChannelCodeNotConnected, res.BytesRead)
	assert.Empty(t, res.Payload)
	assert.False(t, c.Available())
}
