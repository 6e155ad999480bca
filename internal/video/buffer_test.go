package video

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dremian/simlink/internal/protocol"
)

func TestLatestEmpty(t *testing.T) {
	b := NewBuffer()

	_, ok := b.Latest()
	assert.False(t, ok)
	assert.Zero(t, b.FrameCount())
}

func TestPutSequence(t *testing.T) {
	b := NewBuffer()

	for i := 1; i <= 10; i++ {
		b.Put(Frame{Data: []byte{byte(i)}, Width: i})
	}

	f, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, []byte{10}, f.Data)
	assert.Equal(t, 10, f.Width)
	assert.Equal(t, uint64(10), f.Sequence)
	assert.Equal(t, uint64(10), b.FrameCount())
}

func TestConcurrentPutLatest(t *testing.T) {
	b := NewBuffer()
	const writes = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			n := byte(i % 256)
			b.Put(Frame{Data: bytes.Repeat([]byte{n}, 64), Width: int(n), Height: int(n)})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				f, ok := b.Latest()
				if !ok {
					continue
				}
				// Every field of a frame comes from the same Put.
				n := byte(f.Width)
				assert.Equal(t, f.Width, f.Height)
				assert.Equal(t, bytes.Repeat([]byte{n}, 64), f.Data)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(writes), b.FrameCount())
	f, _ := b.Latest()
	assert.Equal(t, uint64(writes), f.Sequence)
}

func TestFrameCallbacks(t *testing.T) {
	b := NewBuffer()

	var primary, extra []uint64
	b.SetFrameCallback(func(f Frame) { primary = append(primary, f.Sequence) })
	cancel := b.OnFrame(func(f Frame) { extra = append(extra, f.Sequence) })

	b.Put(Frame{})
	cancel()
	b.Put(Frame{})

	// Replacing the callback drops the old one.
	var replaced []uint64
	b.SetFrameCallback(func(f Frame) { replaced = append(replaced, f.Sequence) })
	b.Put(Frame{})
	b.SetFrameCallback(nil)
	b.Put(Frame{})

	assert.Equal(t, []uint64{1, 2}, primary)
	assert.Equal(t, []uint64{1}, extra)
	assert.Equal(t, []uint64{3}, replaced)
}

func TestFrameCallbacksRunInRegistrationOrder(t *testing.T) {
	b := NewBuffer()

	var calls []int
	b.SetFrameCallback(func(Frame) { calls = append(calls, 0) })
	for i := 1; i <= 5; i++ {
		b.OnFrame(func(Frame) { calls = append(calls, i) })
	}

	for range 50 {
		calls = calls[:0]
		b.Put(Frame{})
		require.Equal(t, []int{0, 1, 2, 3, 4, 5}, calls)
	}

	// Replacing the primary callback keeps its slot.
	b.SetFrameCallback(func(Frame) { calls = append(calls, 10) })
	calls = calls[:0]
	b.Put(Frame{})
	assert.Equal(t, []int{10, 1, 2, 3, 4, 5}, calls)
}

func TestCallbackPanicDoesNotBreakPut(t *testing.T) {
	b := NewBuffer()
	b.OnFrame(func(Frame) { panic("boom") })

	assert.NotPanics(t, func() { b.Put(Frame{}) })
	assert.Equal(t, uint64(1), b.FrameCount())
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name     string
		in       protocol.CameraFrame
		want     []byte
		encoding string
		wantErr  bool
	}{
		{"padded", protocol.CameraFrame{Data: "aGVsbG8=", Encoding: "png"}, []byte("hello"), "png", false},
		{"missing padding", protocol.CameraFrame{Data: "aGVsbG8"}, []byte("hello"), DefaultEncoding, false},
		{"data url", protocol.CameraFrame{Data: "data:image/jpeg;base64,aGk="}, []byte("hi"), DefaultEncoding, false},
		{"garbage", protocol.CameraFrame{Data: "!!!!"}, nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Data)
			assert.Equal(t, tt.encoding, f.Encoding)
		})
	}
}
