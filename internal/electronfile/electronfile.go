// Package electronfile implements the 10-byte declustered electron record
// format read from simulated input streams and written by the write-electron
// and declusterer-writer kernels.
package electronfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/pgzip"
)

// RecordSize is the on-wire size of one electron record: five little-endian
// uint16 fields.
const RecordSize = 10

// Record is one decoded (or synthetic) electron positioned on the scan grid.
type Record struct {
	KX        uint16
	KY        uint16
	RX        uint16
	RY        uint16
	ImageIndex uint16
}

// Terminator builds the sentinel record written at end-of-acquisition:
// (0,0,0,0, rep+1).
func Terminator(rep uint16) Record {
	return Record{ImageIndex: rep + 1}
}

// IsTerminator reports whether r signals the stream terminator for the
// given repetition count.
func (r Record) IsTerminator(rep uint16) bool {
	return r.KX == 0 && r.KY == 0 && r.RX == 0 && r.RY == 0 && r.ImageIndex == rep+1
}

// Writer appends electron records to an underlying io.Writer, matching the
// fixed little-endian layout byte for byte.
type Writer struct {
	w   *bufio.Writer
	buf [RecordSize]byte
}

// NewWriter wraps dest with a buffered electron record writer.
func NewWriter(dest io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(dest, 256*1024)}
}

// Write appends one record.
func (w *Writer) Write(r Record) error {
	binary.LittleEndian.PutUint16(w.buf[0:2], r.KX)
	binary.LittleEndian.PutUint16(w.buf[2:4], r.KY)
	binary.LittleEndian.PutUint16(w.buf[4:6], r.RX)
	binary.LittleEndian.PutUint16(w.buf[6:8], r.RY)
	binary.LittleEndian.PutUint16(w.buf[8:10], r.ImageIndex)
	if _, err := w.w.Write(w.buf[:]); err != nil {
		return fmt.Errorf("electronfile: writing record: %w", err)
	}
	return nil
}

// WriteTerminator appends the end-of-acquisition sentinel record.
func (w *Writer) WriteTerminator(rep uint16) error {
	return w.Write(Terminator(rep))
}

// Flush flushes any buffered bytes to the underlying writer.
func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("electronfile: flushing: %w", err)
	}
	return nil
}

// CompressedWriter is a Writer backed by a parallel gzip stream, for
// continuous acquisitions whose electron-file output would otherwise
// dominate disk I/O. It uses pgzip's block-parallel compressor rather than
// the single-core compress/gzip, since this stream has no outer framing to
// serialize compression against.
type CompressedWriter struct {
	*Writer
	gz *pgzip.Writer
}

// NewCompressedWriter wraps dest with a pgzip-compressed electron record
// writer. Close must be called to flush both the record buffer and the
// gzip trailer.
func NewCompressedWriter(dest io.Writer) (*CompressedWriter, error) {
	gz, err := pgzip.NewWriterLevel(dest, pgzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("electronfile: creating compressed writer: %w", err)
	}
	return &CompressedWriter{Writer: NewWriter(gz), gz: gz}, nil
}

// Close flushes the buffered record writer and the gzip trailer.
func (w *CompressedWriter) Close() error {
	if err := w.Writer.Flush(); err != nil {
		return err
	}
	if err := w.gz.Close(); err != nil {
		return fmt.Errorf("electronfile: closing compressed writer: %w", err)
	}
	return nil
}

// Reader reads electron records back from an io.Reader, one at a time.
type Reader struct {
	r   *bufio.Reader
	buf [RecordSize]byte
}

// NewReader wraps src with a buffered electron record reader.
func NewReader(src io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(src, 256*1024)}
}

// ErrShortRecord is returned when the stream ends mid-record.
var ErrShortRecord = fmt.Errorf("electronfile: truncated record")

// Read returns the next record, or io.EOF when the stream is exhausted on a
// record boundary.
func (r *Reader) Read() (Record, error) {
	n, err := io.ReadFull(r.r, r.buf[:])
	if err == io.EOF {
		return Record{}, io.EOF
	}
	if err != nil {
		if n > 0 {
			return Record{}, ErrShortRecord
		}
		return Record{}, fmt.Errorf("electronfile: reading record: %w", err)
	}
	return Record{
		KX:         binary.LittleEndian.Uint16(r.buf[0:2]),
		KY:         binary.LittleEndian.Uint16(r.buf[2:4]),
		RX:         binary.LittleEndian.Uint16(r.buf[4:6]),
		RY:         binary.LittleEndian.Uint16(r.buf[6:8]),
		ImageIndex: binary.LittleEndian.Uint16(r.buf[8:10]),
	}, nil
}

// ReadAll reads every record up to (but not including) the terminator for
// rep, returning them as a slice. Used by round-trip tests and by file-mode
// replay of a previously captured acquisition.
func ReadAll(src io.Reader, rep uint16) ([]Record, error) {
	rd := NewReader(src)
	var out []Record
	for {
		rec, err := rd.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if rec.IsTerminator(rep) {
			return out, nil
		}
		out = append(out, rec)
	}
}
