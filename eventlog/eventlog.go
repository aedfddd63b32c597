// Package eventlog persists the arena's event stream to disk for replay and
// post-hoc analysis.
//
// A log file is self-describing: a plain-text JSON header line names the
// codec and compression, followed by a (possibly compressed) stream of one
// encoded event per line. Writer implements memviz.Sink, so it can be
// attached directly to an arena:
//
//	w, _ := eventlog.NewWriter("run.evlog")
//	defer w.Close()
//	arena, _ := memviz.New(1<<20, memviz.WithSink(w))
package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/memviz/memviz"
	"github.com/memviz/memviz/codec"
)

// Compression selects the stream compressor.
type Compression string

const (
	// CompressionNone stores plain encoded lines.
	CompressionNone Compression = "none"
	// CompressionZstd compresses the stream with zstandard.
	CompressionZstd Compression = "zstd"
	// CompressionLZ4 compresses the stream with lz4.
	CompressionLZ4 Compression = "lz4"
)

const (
	logMagic   = "memviz-events"
	logVersion = 1

	// maxLineBytes bounds a single encoded event during replay.
	maxLineBytes = 1 << 20
)

var (
	// ErrBadHeader is returned when a file does not start with a valid
	// event-log header.
	ErrBadHeader = errors.New("eventlog: bad header")
	// ErrClosed is returned when appending to a closed writer.
	ErrClosed = errors.New("eventlog: writer is closed")
)

// header is the self-describing first line of a log file, stored
// uncompressed so readers can pick the right codec and decompressor.
type header struct {
	Magic       string `json:"magic"`
	Version     int    `json:"version"`
	Codec       string `json:"codec"`
	Compression string `json:"compression"`
}

// Options configure a Writer.
type Options struct {
	// Codec encodes individual events. Defaults to codec.Default.
	Codec codec.Codec
	// Compression selects the stream compressor. Defaults to zstd.
	Compression Compression
}

// Writer appends events to a log file. It is safe for concurrent use and
// implements memviz.Sink.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	buf    *bufio.Writer
	stream io.Writer
	codec  codec.Codec
	comp   Compression
	closer func() error // finishes the compression stream
	closed bool
}

var _ memviz.Sink = (*Writer)(nil)

// NewWriter creates or truncates the log file at path.
func NewWriter(path string, optFns ...func(*Options)) (*Writer, error) {
	opts := Options{
		Codec:       codec.Default,
		Compression: CompressionZstd,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)

	hdr := header{
		Magic:       logMagic,
		Version:     logVersion,
		Codec:       opts.Codec.Name(),
		Compression: string(opts.Compression),
	}
	hdrLine, err := codec.JSON{}.Marshal(hdr)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := buf.Write(append(hdrLine, '\n')); err != nil {
		f.Close()
		return nil, err
	}

	w := &Writer{
		f:     f,
		buf:   buf,
		codec: opts.Codec,
		comp:  opts.Compression,
	}
	switch opts.Compression {
	case CompressionNone:
		w.stream = buf
		w.closer = func() error { return nil }
	case CompressionZstd:
		enc, err := zstd.NewWriter(buf)
		if err != nil {
			f.Close()
			return nil, err
		}
		w.stream = enc
		w.closer = enc.Close
	case CompressionLZ4:
		enc := lz4.NewWriter(buf)
		w.stream = enc
		w.closer = enc.Close
	default:
		f.Close()
		return nil, fmt.Errorf("eventlog: unknown compression %q", opts.Compression)
	}
	return w, nil
}

// Emit implements memviz.Sink.
func (w *Writer) Emit(batch []memviz.Event) error {
	return w.Append(batch)
}

// Append encodes and writes one batch of events.
func (w *Writer) Append(batch []memviz.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	for i := range batch {
		line, err := w.codec.Marshal(&batch[i])
		if err != nil {
			return err
		}
		if _, err := w.stream.Write(line); err != nil {
			return err
		}
		if _, err := w.stream.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return nil
}

// Close finishes the compression stream and syncs the file. Closing twice
// is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.closer()
	if ferr := w.buf.Flush(); err == nil {
		err = ferr
	}
	if serr := w.f.Sync(); err == nil {
		err = serr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Reader replays a log file.
type Reader struct {
	f       *os.File
	scanner *bufio.Scanner
	codec   codec.Codec
	closer  func()
}

// Open reads the header of the log file at path and prepares replay.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	buf := bufio.NewReader(f)
	hdrLine, err := buf.ReadBytes('\n')
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	var hdr header
	if err := (codec.JSON{}).Unmarshal(hdrLine, &hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if hdr.Magic != logMagic || hdr.Version != logVersion {
		f.Close()
		return nil, ErrBadHeader
	}
	c, ok := codec.ByName(hdr.Codec)
	if !ok {
		f.Close()
		return nil, fmt.Errorf("%w: unknown codec %q", ErrBadHeader, hdr.Codec)
	}

	r := &Reader{f: f, codec: c, closer: func() {}}
	var stream io.Reader
	switch Compression(hdr.Compression) {
	case CompressionNone:
		stream = buf
	case CompressionZstd:
		dec, err := zstd.NewReader(buf)
		if err != nil {
			f.Close()
			return nil, err
		}
		stream = dec
		r.closer = dec.Close
	case CompressionLZ4:
		stream = lz4.NewReader(buf)
	default:
		f.Close()
		return nil, fmt.Errorf("%w: unknown compression %q", ErrBadHeader, hdr.Compression)
	}

	r.scanner = bufio.NewScanner(stream)
	r.scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	return r, nil
}

// Next returns the next event, or io.EOF at the end of the log.
func (r *Reader) Next() (memviz.Event, error) {
	var e memviz.Event
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return e, err
		}
		return e, io.EOF
	}
	if err := r.codec.Unmarshal(r.scanner.Bytes(), &e); err != nil {
		return e, err
	}
	return e, nil
}

// Replay invokes fn for every event in order, stopping at the first error.
func (r *Reader) Replay(fn func(memviz.Event) error) error {
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Close releases the reader.
func (r *Reader) Close() error {
	r.closer()
	return r.f.Close()
}
