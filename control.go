package camaudio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// ControlRequest is one call from a control client.
type ControlRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ControlResponse answers the request with the same ID.
type ControlResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

const controlCallTimeout = 30 * time.Second

// ControlServer serves the bridge over a WebSocket as JSON requests.
type ControlServer struct {
	bridge  *AudioBridge
	track   *PCMATrackSink
	origins []string
	logger  zerolog.Logger

	conns atomic.Int64
}

// NewControlServer creates a server for bridge. origins are passed to the
// WebSocket accept check; nil allows same-origin only.
func NewControlServer(bridge *AudioBridge, origins []string, logger *zerolog.Logger) *ControlServer {
	return &ControlServer{bridge: bridge, origins: origins, logger: componentLogger(logger, "control")}
}

// SetTrackSink enables the webrtcOffer method.
func (s *ControlServer) SetTrackSink(t *PCMATrackSink) { s.track = t }

// Connections returns the number of open control connections.
func (s *ControlServer) Connections() int64 { return s.conns.Load() }

// ServeHTTP upgrades to a WebSocket and answers requests in order until the
// client goes away.
func (s *ControlServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	s.conns.Add(1)
	defer s.conns.Add(-1)
	l := s.logger.With().Str("remote", r.RemoteAddr).Logger()
	l.Info().Msg("control client connected")

	ctx := r.Context()
	for {
		var req ControlRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				l.Info().Msg("control client disconnected")
			default:
				if !errors.Is(err, context.Canceled) {
					l.Warn().Err(err).Msg("control read failed")
				}
			}
			return
		}

		resp := s.Handle(ctx, req)
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			l.Warn().Err(err).Str("method", req.Method).Msg("control write failed")
			return
		}
	}
}

// Handle runs one request against the bridge.
func (s *ControlServer) Handle(ctx context.Context, req ControlRequest) ControlResponse {
	ctx, cancel := context.WithTimeout(ctx, controlCallTimeout)
	defer cancel()

	resp := ControlResponse{ID: req.ID}
	fromResult := func(r Result) ControlResponse {
		resp.Success, resp.Message = r.Success, r.Message
		return resp
	}
	fail := func(err error) ControlResponse {
		resp.Message = err.Error()
		return resp
	}
	data := func(v any) ControlResponse {
		resp.Success, resp.Data = true, v
		return resp
	}

	b := s.bridge
	switch req.Method {
	case "startAudio":
		return fromResult(b.StartAudio(ctx))
	case "stopAudio":
		return fromResult(b.StopAudio(ctx))
	case "setMute":
		var p struct {
			Muted bool `json:"muted"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return fail(err)
		}
		return fromResult(b.SetMute(p.Muted))
	case "connectWithCredentials":
		var creds Credentials
		if err := decodeParams(req.Params, &creds); err != nil {
			return fail(err)
		}
		r := b.ConnectWithCredentials(ctx, creds)
		resp.Success, resp.Message = r.Success, r.Message
		if r.Success {
			resp.Data = r
		}
		return resp
	case "discoverSDKClasses":
		return data(b.DiscoverSDKClasses(ctx))
	case "runDiagnostics":
		return data(b.RunDiagnostics())
	case "verifyChannelStatus":
		var p struct {
			Client uint64 `json:"client"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return fail(err)
		}
		rep := b.VerifyChannelStatus(ctx, uintptr(p.Client))
		resp.Message = rep.Conclusion
		return data(rep)
	case "setStrategy":
		var p struct {
			Name string `json:"name"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return fail(err)
		}
		if err := b.SetStrategy(p.Name); err != nil {
			return fail(err)
		}
		resp.Message = "strategy " + p.Name
		return data(b.Strategies())
	case "strategies":
		return data(b.Strategies())
	case "statistics":
		resp.Message = b.StatisticsDescription()
		return data(b.Statistics())
	case "selfTest":
		return fromResult(b.SelfTest())
	case "probeAudioCGI":
		return data(b.ProbeAudioCGI(ctx))
	case "webrtcOffer":
		if s.track == nil {
			return fail(fmt.Errorf("webrtc: %w", ErrNotSupported))
		}
		var offer webrtc.SessionDescription
		if err := decodeParams(req.Params, &offer); err != nil {
			return fail(err)
		}
		answer, err := s.track.Answer(ctx, offer)
		if err != nil {
			return fail(err)
		}
		return data(answer)
	default:
		return fail(fmt.Errorf("unknown method %q", req.Method))
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
