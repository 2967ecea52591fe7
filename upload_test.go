package fwup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// loopback is a host link wired straight into a device session.
type loopback struct {
	session *Session
	inbound bytes.Buffer
	writes  int
	mute    bool
	err     error
}

func (l *loopback) Write(p []byte) (int, error) {
	l.writes++
	// Flash errors stay on the device, as they do behind a real link.
	l.err = l.session.Feed(p, l)
	return len(p), nil
}

func (l *loopback) WriteReply(p []byte) error {
	if !l.mute {
		l.inbound.Write(p)
	}
	return nil
}

func (l *loopback) Read(p []byte) (int, error) {
	if l.inbound.Len() == 0 {
		return 0, nil
	}
	return l.inbound.Read(p)
}

func newLoopback(t *testing.T, f Flasher, opts ...Option) *loopback {
	t.Helper()
	return &loopback{session: newTestSession(t, f, opts...)}
}

func newTestUploader(t *testing.T, link *loopback, opts ...UploadOption) *Uploader {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return NewUploader(link, append([]UploadOption{WithUploadLogger(logger)}, opts...)...)
}

func TestUploadRoundTrip(t *testing.T) {
	f := &fakeFlash{}
	link := newLoopback(t, f)
	var last float64
	u := newTestUploader(t, link, WithChunkSize(1000), WithUploadProgress(func(p float64) { last = p }))

	image := bytes.Repeat([]byte("0123456789"), 500)
	if err := u.Upload(context.Background(), image); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	checkWritten(t, f, image)
	if link.writes != 1+5 {
		t.Errorf("writes = %d, want header and 5 chunks", link.writes)
	}
	if last != 100 {
		t.Errorf("last progress = %v, want 100", last)
	}
}

func TestUploadTimesOutWithoutAck(t *testing.T) {
	link := newLoopback(t, &fakeFlash{})
	link.mute = true
	u := newTestUploader(t, link, WithAckTimeout(30*time.Millisecond))

	err := u.Upload(context.Background(), []byte("image"))
	if !errors.Is(err, ErrNoAck) {
		t.Fatalf("Upload = %v, want ErrNoAck", err)
	}
}

func TestUploadIgnoresOKInsideStatusLines(t *testing.T) {
	f := &fakeFlash{programErr: errors.New("bus fault")}
	link := newLoopback(t, f, WithProgressReplies(true))
	u := newTestUploader(t, link, WithAckTimeout(30*time.Millisecond))

	// The device says HEADER_OK, then fails to program and never says OK.
	err := u.Upload(context.Background(), []byte("image"))
	if !errors.Is(err, ErrNoAck) {
		t.Fatalf("Upload = %v, want ErrNoAck", err)
	}
	if link.err == nil {
		t.Error("device did not see the flash error")
	}
}

func TestUploadEraseHandshake(t *testing.T) {
	t.Run("device reports erase", func(t *testing.T) {
		f := &fakeFlash{}
		link := newLoopback(t, f, WithProgressReplies(true))
		u := newTestUploader(t, link, WithEraseHandshake(time.Second))

		image := bytes.Repeat([]byte{0xA5}, 9000)
		if err := u.Upload(context.Background(), image); err != nil {
			t.Fatalf("Upload: %v", err)
		}
		checkWritten(t, f, image)
	})

	t.Run("device stays silent", func(t *testing.T) {
		link := newLoopback(t, &fakeFlash{})
		u := newTestUploader(t, link, WithEraseHandshake(30*time.Millisecond))

		err := u.Upload(context.Background(), []byte("image"))
		if !errors.Is(err, ErrNoAck) {
			t.Fatalf("Upload = %v, want ErrNoAck", err)
		}
		if link.writes != 1 {
			t.Errorf("writes = %d, payload sent before the erase finished", link.writes)
		}
	})
}

func TestUploadEmptyImage(t *testing.T) {
	f := &fakeFlash{}
	link := newLoopback(t, f)
	u := newTestUploader(t, link, WithAckTimeout(time.Millisecond))

	if err := u.Upload(context.Background(), nil); !errors.Is(err, ErrNoAck) {
		t.Fatalf("Upload = %v, want ErrNoAck", err)
	}
	if link.writes != 0 || len(f.ops) != 0 {
		t.Errorf("writes = %d, ops = %v, want nothing sent", link.writes, f.ops)
	}
}

func TestUploadDiscardsStaleReplies(t *testing.T) {
	link := newLoopback(t, &fakeFlash{})
	// A late OK from an earlier session that timed out.
	link.inbound.WriteString("OK")
	link.mute = true
	u := newTestUploader(t, link, WithAckTimeout(30*time.Millisecond))

	err := u.Upload(context.Background(), []byte("image"))
	if !errors.Is(err, ErrNoAck) {
		t.Fatalf("Upload = %v, want ErrNoAck", err)
	}

	link.mute = false
	if err := u.Upload(context.Background(), []byte("image")); err != nil {
		t.Fatalf("Upload after the stale reply: %v", err)
	}
}

func TestUploadFileLogsHexLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.hex")
	if err := os.WriteFile(path, []byte(":02000800AABB91\n:00000001FF\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := &fakeFlash{}
	link := newLoopback(t, f)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	u := NewUploader(link, WithUploadLogger(logger))

	if err := u.UploadFile(context.Background(), path); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	checkWritten(t, f, []byte{0xAA, 0xBB})

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "flattened hex image, written from flash address 0" {
			found = true
			if e.Data["component"] != "uploader" || e.Data["base"] != uint32(8) || e.Data["segments"] != 1 {
				t.Errorf("log fields = %v", e.Data)
			}
		}
	}
	if !found {
		t.Error("hex layout not logged")
	}
}

func TestUploadCancelled(t *testing.T) {
	link := newLoopback(t, &fakeFlash{})
	u := newTestUploader(t, link, WithWaitAfterHeader(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := u.Upload(ctx, []byte("image")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Upload = %v, want canceled", err)
	}
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		want    []byte
		wantErr bool
	}{
		{
			name: "raw binary",
			path: write("app.bin", "\x01\x02\x03"),
			want: []byte{1, 2, 3},
		},
		{
			name: "intel hex with a gap",
			path: write("app.hex", ":0400000001020304F2\n:02000800AABB91\n:00000001FF\n"),
			want: []byte{1, 2, 3, 4, 0xFF, 0xFF, 0xFF, 0xFF, 0xAA, 0xBB},
		},
		{
			name:    "broken intel hex",
			path:    write("broken.hex", ":04000000010203\n"),
			wantErr: true,
		},
		{
			name:    "missing file",
			path:    filepath.Join(dir, "nope.bin"),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadImage(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("LoadImage = % X, want % X", got, tt.want)
			}
		})
	}
}
