package fwup

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Server is the control loop: it polls a transport and feeds every chunk to
// one Session. Flash work blocks the loop, so nothing is read from the
// transport while an erase or program is in progress.
type Server struct {
	session *Session
	cfg     serverConfig
	log     *logrus.Entry
}

// NewServer returns a server driving session.
func NewServer(session *Session, opts ...ServerOption) *Server {
	if session == nil {
		panic("fwup: session cannot be nil")
	}
	cfg := defaultServerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		session: session,
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "server"),
	}
}

// Session returns the session the server drives.
func (s *Server) Session() *Session { return s.session }

/*
 * @Description: 轮询传输层直到 ctx 结束或传输层失效
 * @receiver s
 * @param ctx 只在两块数据之间检查, 不会打断正在进行的 flash 操作
 * @param t 传输层
 * @return error
 */
func (s *Server) Serve(ctx context.Context, t Transport) error {
	buf := make([]byte, s.cfg.BufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := t.ReadChunk(buf)
		if err != nil {
			if errors.Is(err, ErrDisconnected) {
				if s.session.State() != StateIdle {
					s.log.WithField("received", s.session.Received()).Info("host disconnected mid-session")
				}
				s.session.Reset()
				s.sleep(ctx)
				continue
			}
			s.session.Reset()
			return errors.Wrap(err, "read chunk")
		}
		if n == 0 {
			s.sleep(ctx)
			continue
		}

		if err := s.session.Feed(buf[:n], t); err != nil {
			// The host sees no OK and times out; keep serving.
			s.log.WithError(err).Error("session aborted")
		}
	}
}

func (s *Server) sleep(ctx context.Context) {
	if s.cfg.IdleSleep <= 0 {
		return
	}
	t := time.NewTimer(s.cfg.IdleSleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
