package pipe

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairLinksDirections(t *testing.T) {
	ctx := context.Background()
	transport, app := NewPair(DefaultOptions(), DefaultOptions())

	_, err := transport.Write(ctx, []byte("up"))
	require.NoError(t, err)
	_, err = app.Write(ctx, []byte("down"))
	require.NoError(t, err)

	got, err := app.ReadAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "up", string(got))

	got, err = transport.ReadAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "down", string(got))
}

func TestReadAvailableReturnsEverythingBuffered(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})
	for _, s := range []string{"a", "bc", "def"} {
		_, err := p.Write(ctx, []byte(s))
		require.NoError(t, err)
	}
	got, err := p.ReadAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(got))
	assert.Zero(t, p.Buffered())
}

func TestReadPartial(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})
	_, err := p.Write(ctx, []byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 2)
	n, err := p.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "he", string(buf[:n]))
	assert.EqualValues(t, 3, p.Buffered())
}

func TestCloseWriteDrainsThenEOF(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})
	_, err := p.Write(ctx, []byte("tail"))
	require.NoError(t, err)
	p.CloseWrite(nil)

	got, err := p.ReadAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(got))

	_, err = p.ReadAvailable(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCloseWriteCarriesError(t *testing.T) {
	boom := errors.New("boom")
	p := New(Options{})
	p.CloseWrite(boom)
	p.CloseWrite(nil)

	_, err := p.ReadAvailable(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestWriteAfterCloseReadFails(t *testing.T) {
	p := New(Options{})
	p.CloseRead(nil)
	_, err := p.Write(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrClosedPipe)
}

func TestReadBlocksUntilCancelled(t *testing.T) {
	p := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.ReadAvailable(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackpressure(t *testing.T) {
	ctx := context.Background()
	p := New(Options{HighWater: 4, LowWater: 2})

	// At the high watermark the writer is not yet suspended.
	_, err := p.Write(ctx, []byte("1234"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Write(ctx, []byte("5"))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("write over the high watermark should block")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 2)
	_, err = p.Read(ctx, buf)
	require.NoError(t, err)

	select {
	case <-done:
		t.Fatal("writer resumed above the low watermark")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = p.Read(ctx, buf[:1])
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer not resumed after draining to the low watermark")
	}
}

func TestBackpressureReleasedByCloseRead(t *testing.T) {
	ctx := context.Background()
	p := New(Options{HighWater: 1})

	done := make(chan error, 1)
	go func() {
		_, err := p.Write(ctx, []byte("toolong"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.CloseRead(nil)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosedPipe)
	case <-time.After(time.Second):
		t.Fatal("blocked writer not released")
	}
}

func TestBackpressureReleasedByCloseWrite(t *testing.T) {
	ctx := context.Background()
	p := New(Options{HighWater: 1})

	done := make(chan error, 1)
	go func() {
		_, err := p.Write(ctx, []byte("toolong"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.CloseWrite(nil)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosedPipe)
	case <-time.After(time.Second):
		t.Fatal("blocked writer not released")
	}

	b, err := p.ReadAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "toolong", string(b))
	_, err = p.ReadAvailable(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBlockedWriteHonoursContext(t *testing.T) {
	p := New(Options{HighWater: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	n, err := p.Write(ctx, []byte("abc"))
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnboundedNeverBlocks(t *testing.T) {
	p := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Write(ctx, make([]byte, 1<<20))
	require.NoError(t, err)
	assert.EqualValues(t, 1<<20, p.Buffered())
}

func TestReaderWriterAdapters(t *testing.T) {
	ctx := context.Background()
	transport, app := NewPair(DefaultOptions(), DefaultOptions())

	go func() {
		_, _ = io.WriteString(app.Writer(ctx), "streamed")
		app.CloseWrite(nil)
	}()

	got, err := io.ReadAll(transport.Reader(ctx))
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(got))
}
