// Package fwup implements the device side of the FWUP streaming firmware
// update protocol, and a host side uploader for it.
//
// The host sends the 4 bytes "FWUP", a little-endian u32 total size, then the
// payload in whatever chunks its transport likes. The device erases every
// sector the payload will touch, programs it page by page from flash address
// 0, and answers "OK" once the last byte is written. There is no negative
// acknowledgement: a host that never sees "OK" has failed.
package fwup

import (
	"hash"
	"hash/crc32"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tocurd/go-fwup/flash"
)

// State of an upload session.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Session is the upload state machine. It is driven by one control loop and
// is not safe for concurrent use.
type Session struct {
	flash Flasher
	cfg   config
	log   *logrus.Entry

	state    State
	expected uint32
	received uint32
	cursor   uint32
	pending  []byte
	crc      hash.Hash32
}

// NewSession returns an idle session writing to f.
func NewSession(f Flasher, opts ...Option) *Session {
	if f == nil {
		panic("fwup: flasher cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Session{
		flash: f,
		cfg:   cfg,
		log:   cfg.Logger.WithField("component", "session"),
		crc:   crc32.NewIEEE(),
	}
}

func (s *Session) State() State     { return s.state }
func (s *Session) Expected() uint32 { return s.expected }
func (s *Session) Received() uint32 { return s.received }
func (s *Session) Cursor() uint32   { return s.cursor }

// Checksum returns the CRC-32 (IEEE) of the payload accepted so far.
func (s *Session) Checksum() uint32 { return s.crc.Sum32() }

/*
 * @Description: 重置会话, 断开连接或会话头错误时调用
 * @receiver s
 */
func (s *Session) Reset() {
	if s.state != StateIdle {
		s.log.WithFields(logrus.Fields{
			"state":    s.state,
			"received": s.received,
			"expected": s.expected,
		}).Debug("session reset")
	}
	s.state = StateIdle
	s.expected = 0
	s.received = 0
	s.cursor = 0
	s.pending = nil
	s.crc.Reset()
}

/*
 * @Description: 处理传输层送来的一块数据
 * @receiver s
 * @param chunk 任意长度, 边界没有意义
 * @param reply 回复通道
 * @return error 只在 flash 操作失败时返回, 协议错误静默处理
 */
func (s *Session) Feed(chunk []byte, reply Replier) error {
	if len(chunk) == 0 {
		return nil
	}
	switch s.state {
	case StateIdle:
		return s.begin(chunk, reply)
	case StateComplete:
		return s.rearm(chunk, reply)
	default:
		if s.received == s.expected {
			// A zero-length session: nothing will ever be accepted.
			return s.rearm(chunk, reply)
		}
		return s.payload(chunk, reply)
	}
}

// rearm starts over when a finished session sees a new header and drops
// anything else. With header reassembly, the start of a header is enough.
func (s *Session) rearm(chunk []byte, reply Replier) error {
	if looksLikeHeader(chunk) || s.cfg.HeaderReassembly && magicPrefix(chunk) {
		s.log.Info("new header after finished session, starting over")
		s.Reset()
		return s.begin(chunk, reply)
	}
	s.log.WithFields(logrus.Fields{
		"dropped":  len(chunk),
		"expected": s.expected,
	}).Warn("dropping bytes past declared total")
	return nil
}

func (s *Session) begin(chunk []byte, reply Replier) error {
	data := chunk
	if s.cfg.HeaderReassembly {
		need := HeaderSize - len(s.pending)
		if len(chunk) < need {
			s.pending = append(s.pending, chunk...)
			if !magicPrefix(s.pending) {
				s.reject(&HeaderError{Reason: "bad magic", Got: s.pending})
			}
			return nil
		}
		data = append(s.pending, chunk...)
		s.pending = nil
	}

	total, rest, err := parseHeader(data)
	if err != nil {
		s.reject(err)
		return nil
	}
	if total > s.cfg.Capacity {
		s.reject(&HeaderError{
			Reason: "total exceeds flash capacity " + formatSize(s.cfg.Capacity),
			Got:    data[:HeaderSize],
		})
		return nil
	}

	s.expected = total
	s.state = StateReceiving
	log := s.log.WithField("total", total)
	log.Info("session started")
	if s.cfg.ProgressReplies {
		s.send(reply, headerOKReply(total))
		s.send(reply, ReplyEraseStart)
	}

	// 擦除可能需要很长时间, 期间不读取任何数据
	if err := s.flash.EraseRange(0, total); err != nil {
		s.Reset()
		return errors.Wrap(err, "erase")
	}
	log.Debug("erase done")
	if s.cfg.ProgressReplies {
		s.send(reply, ReplyEraseDone)
	}
	return s.payload(rest, reply)
}

// reject drops a malformed header. The protocol has no NACK, so the host is
// never told.
func (s *Session) reject(err error) {
	s.log.WithError(err).Warn("header rejected")
	s.Reset()
}

func (s *Session) payload(data []byte, reply Replier) error {
	if remaining := s.expected - s.received; uint64(len(data)) > uint64(remaining) {
		s.log.WithFields(logrus.Fields{
			"dropped":  uint64(len(data)) - uint64(remaining),
			"expected": s.expected,
		}).Warn("dropping bytes past declared total")
		data = data[:remaining]
	}

	// 按页拆分, 每次写入都不跨页
	for len(data) > 0 {
		off := s.cursor & (flash.PageSize - 1)
		n := min(flash.PageSize-off, uint32(len(data)))
		if err := s.flash.ProgramPage(s.cursor, data[:n]); err != nil {
			addr := s.cursor
			s.Reset()
			return errors.Wrapf(err, "program 0x%06X", addr)
		}
		s.crc.Write(data[:n])
		s.cursor += n
		s.received += n
		data = data[n:]
	}

	if s.received >= s.expected && s.expected != 0 {
		s.state = StateComplete
		s.log.WithFields(logrus.Fields{
			"total": s.expected,
			"crc32": formatCRC(s.Checksum()),
		}).Info("session complete")
		s.send(reply, ReplyOK)
	}
	s.report()
	return nil
}

func (s *Session) send(reply Replier, msg []byte) {
	if reply == nil {
		return
	}
	if err := reply.WriteReply(msg); err != nil {
		s.log.WithError(err).WithField("reply", string(msg)).Warn("reply not sent")
	}
}

func (s *Session) report() {
	if s.cfg.Progress != nil {
		s.cfg.Progress(Progress{State: s.state, Received: s.received, Expected: s.expected})
	}
}
