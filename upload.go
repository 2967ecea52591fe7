package fwup

import (
	"context"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultChunkSize matches the device read buffer.
const DefaultChunkSize = 4096

// maxDiscardReads bounds the drain before a header on a link that never
// goes quiet.
const maxDiscardReads = 64

type uploadConfig struct {
	Logger          logrus.FieldLogger
	ChunkSize       int
	AckTimeout      time.Duration
	EraseTimeout    time.Duration
	WaitAfterHeader time.Duration
	EraseHandshake  bool
	Progress        func(float64)
}

func defaultUploadConfig() uploadConfig {
	return uploadConfig{
		Logger:       logrus.StandardLogger(),
		ChunkSize:    DefaultChunkSize,
		AckTimeout:   10 * time.Second,
		EraseTimeout: 2 * time.Minute,
	}
}

// UploadOption configures an Uploader.
type UploadOption func(*uploadConfig)

func WithUploadLogger(l logrus.FieldLogger) UploadOption {
	return func(c *uploadConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithChunkSize sets the size of each payload write.
func WithChunkSize(n int) UploadOption {
	return func(c *uploadConfig) {
		if n > 0 {
			c.ChunkSize = n
		}
	}
}

// WithAckTimeout sets how long to wait for OK after the last byte.
func WithAckTimeout(d time.Duration) UploadOption {
	return func(c *uploadConfig) {
		if d > 0 {
			c.AckTimeout = d
		}
	}
}

// WithWaitAfterHeader pauses after the header so the device can erase before
// the payload piles up in the transport.
func WithWaitAfterHeader(d time.Duration) UploadOption {
	return func(c *uploadConfig) {
		if d >= 0 {
			c.WaitAfterHeader = d
		}
	}
}

// WithEraseHandshake waits for ERASE_DONE, up to timeout, before sending the
// payload. The device must run with progress replies enabled.
func WithEraseHandshake(timeout time.Duration) UploadOption {
	return func(c *uploadConfig) {
		c.EraseHandshake = true
		if timeout > 0 {
			c.EraseTimeout = timeout
		}
	}
}

// WithUploadProgress sets a callback receiving the sent percentage.
func WithUploadProgress(fn func(float64)) UploadOption {
	return func(c *uploadConfig) {
		c.Progress = fn
	}
}

// Uploader streams an image to a device over a link. The link's Read must
// return within a bounded time, with 0 bytes when nothing arrived.
type Uploader struct {
	Link io.ReadWriter

	cfg     uploadConfig
	log     *logrus.Entry
	pending []byte
}

func NewUploader(link io.ReadWriter, opts ...UploadOption) *Uploader {
	if link == nil {
		panic("fwup: link cannot be nil")
	}
	cfg := defaultUploadConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Uploader{
		Link: link,
		cfg:  cfg,
		log:  cfg.Logger.WithField("component", "uploader"),
	}
}

/*
 * @Description: 上传镜像, 等待设备回复 OK
 * @receiver u
 * @param ctx
 * @param image 从 flash 地址 0 开始写入
 * @return error 超时未收到 OK 时返回 ErrNoAck
 */
func (u *Uploader) Upload(ctx context.Context, image []byte) error {
	if uint64(len(image)) > math.MaxUint32 {
		return errors.Errorf("image of %d bytes does not fit the u32 size field", len(image))
	}
	if len(image) == 0 {
		return errors.Wrap(ErrNoAck, "empty image is never acknowledged")
	}
	total := uint32(len(image))
	log := u.log.WithFields(logrus.Fields{
		"total": total,
		"crc32": formatCRC(crc32.ChecksumIEEE(image)),
	})

	if err := u.discard(); err != nil {
		return err
	}
	if _, err := u.Link.Write(EncodeHeader(total)); err != nil {
		return errors.Wrap(err, "write header")
	}
	log.Debug("header sent")

	if u.cfg.WaitAfterHeader > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(u.cfg.WaitAfterHeader):
		}
	}
	if u.cfg.EraseHandshake {
		if err := u.waitReply(ctx, ReplyEraseDone, u.cfg.EraseTimeout); err != nil {
			return errors.Wrap(err, "wait for erase")
		}
		log.Debug("device finished erasing")
	}

	sent := 0
	for sent < len(image) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(u.cfg.ChunkSize, len(image)-sent)
		w, err := u.Link.Write(image[sent : sent+n])
		if err != nil {
			return errors.Wrapf(err, "write payload at %d", sent)
		}
		if w == 0 {
			return errors.Errorf("link accepted no bytes at %d", sent)
		}
		sent += w
		if u.cfg.Progress != nil {
			u.cfg.Progress(float64(sent) / float64(len(image)) * 100)
		}
	}

	if err := u.waitReply(ctx, ReplyOK, u.cfg.AckTimeout); err != nil {
		return err
	}
	log.Info("device acknowledged upload")
	return nil
}

/*
 * @Description: 加载镜像文件, 支持 .bin 与 Intel HEX
 * @receiver u
 * @param ctx
 * @param path
 * @return error
 */
func (u *Uploader) UploadFile(ctx context.Context, path string) error {
	image, base, segments, err := loadImage(path)
	if err != nil {
		return err
	}
	if segments > 0 {
		u.log.WithFields(logrus.Fields{
			"path":     path,
			"base":     base,
			"size":     len(image),
			"segments": segments,
		}).Debug("flattened hex image, written from flash address 0")
	}
	return u.Upload(ctx, image)
}

// discard drops replies left on the link by an earlier session, so a late
// OK cannot acknowledge this one.
func (u *Uploader) discard() error {
	u.pending = nil
	buff := make([]byte, 512)
	dropped := 0
	for i := 0; i < maxDiscardReads; i++ {
		n, err := u.Link.Read(buff)
		if err != nil {
			return errors.Wrap(err, "drain link")
		}
		if n == 0 {
			break
		}
		dropped += n
	}
	if dropped > 0 {
		u.log.WithField("dropped", dropped).Warn("discarded stale bytes from the link")
	}
	return nil
}

/*
 * @Description: 等待设备回复
 * @receiver u
 * @param reply 期望的回复
 * @param after 超时时间
 * @return error
 */
func (u *Uploader) waitReply(ctx context.Context, reply []byte, after time.Duration) error {
	timeout := time.After(after)
	buff := make([]byte, 512)
	for {
		if i := indexReply(u.pending, reply); i >= 0 {
			u.pending = u.pending[i+len(reply):]
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return errors.Wrapf(ErrNoAck, "waiting %s for %q", after, strings.TrimSpace(string(reply)))
		default:
			n, err := u.Link.Read(buff)
			if err != nil {
				return errors.Wrap(err, "read reply")
			}
			if n == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			u.pending = append(u.pending, buff[:n]...)
		}
	}
}

// LoadImage reads a firmware image. Intel HEX files (.hex, .ihex) are
// flattened into one contiguous block from their lowest address, gaps
// filled with 0xFF; anything else is taken as raw binary.
func LoadImage(path string) ([]byte, error) {
	image, _, _, err := loadImage(path)
	return image, err
}

// loadImage also reports the lowest address and segment count of a hex
// image; both are 0 for raw binaries.
func loadImage(path string) (image []byte, base uint32, segments int, err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
	default:
		data, err := os.ReadFile(path)
		return data, 0, 0, errors.Wrap(err, "read image")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, errors.Wrap(err, "open image")
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, 0, 0, errors.Wrapf(err, "parse %s", path)
	}
	segs := mem.GetDataSegments()
	if len(segs) == 0 {
		return nil, 0, 0, errors.Errorf("%s holds no data", path)
	}
	lo, hi := uint64(math.MaxUint32), uint64(0)
	for _, s := range segs {
		lo = min(lo, uint64(s.Address))
		hi = max(hi, uint64(s.Address)+uint64(len(s.Data)))
	}
	return mem.ToBinary(uint32(lo), uint32(hi-lo), 0xFF), uint32(lo), len(segs), nil
}
