// Package video keeps the most recent camera frame.
package video

import (
	"encoding/base64"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/dremian/simlink/internal/protocol"
	"github.com/dremian/simlink/internal/util"
)

// DefaultEncoding is assumed for frames that do not name one.
const DefaultEncoding = "jpeg"

// Frame is one decoded image. Frames are shared between readers and must
// not be modified.
type Frame struct {
	Data     []byte
	Width    int
	Height   int
	Encoding string
	Sequence uint64
}

// DecodeFrame decodes a camera_frame payload. Missing base64 padding is
// tolerated. The sequence number is assigned by Buffer.Put.
func DecodeFrame(p protocol.CameraFrame) (Frame, error) {
	data := strings.TrimSpace(p.Data)
	if i := strings.Index(data, ","); i >= 0 && strings.HasPrefix(data, "data:") {
		data = data[i+1:]
	}
	if rem := len(data) % 4; rem != 0 {
		data += strings.Repeat("=", 4-rem)
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Frame{}, errors.Wrap(err, "decode camera frame")
	}

	encoding := p.Encoding
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return Frame{Data: raw, Width: p.Width, Height: p.Height, Encoding: encoding}, nil
}

// Buffer holds only the latest frame. Put replaces the whole frame
// atomically, so Latest never observes a partially written one.
type Buffer struct {
	latest atomic.Pointer[Frame]
	count  atomic.Uint64
	subs   *util.Subscribers[Frame]
}

func NewBuffer() *Buffer {
	return &Buffer{subs: util.NewSubscribers[Frame]("frame")}
}

// Put stores f as the latest frame, stamps its sequence number and notifies
// frame callbacks, in registration order, on the calling goroutine.
func (b *Buffer) Put(f Frame) Frame {
	f.Sequence = b.count.Add(1)
	b.latest.Store(&f)
	b.subs.Emit(f)
	return f
}

// Latest returns the most recent frame, or false if none has arrived.
func (b *Buffer) Latest() (Frame, bool) {
	f := b.latest.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// FrameCount returns the number of frames put so far.
func (b *Buffer) FrameCount() uint64 {
	return b.count.Load()
}

// SetFrameCallback replaces the single frame callback. nil clears it.
func (b *Buffer) SetFrameCallback(fn func(Frame)) {
	b.subs.Set(fn)
}

// OnFrame adds a frame subscriber and returns a function removing it.
func (b *Buffer) OnFrame(fn func(Frame)) (cancel func()) {
	return b.subs.Add(fn)
}
