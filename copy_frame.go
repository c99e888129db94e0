package spacekeeper

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cockroachdb/errors"
)

// CopyFrameType identifies a frame on a space copy stream.
type CopyFrameType uint32

const (
	CopyFrameTypeBatch = CopyFrameType(1)
	CopyFrameTypeEnd   = CopyFrameType(2)
)

// CopyFrame is a single frame sent from the primary to a recovering backup.
type CopyFrame interface {
	io.ReaderFrom
	io.WriterTo
	Type() CopyFrameType
}

// ReadCopyFrame reads the frame type & frame from the reader.
func ReadCopyFrame(r io.Reader) (CopyFrame, error) {
	var typ CopyFrameType
	if err := binary.Read(r, binary.BigEndian, &typ); err != nil {
		return nil, err
	}

	var f CopyFrame
	switch typ {
	case CopyFrameTypeBatch:
		f = &BatchCopyFrame{}
	case CopyFrameTypeEnd:
		f = &EndCopyFrame{}
	default:
		return nil, fmt.Errorf("invalid copy frame type: 0x%02x", typ)
	}

	if _, err := f.ReadFrom(r); err == io.EOF {
		return nil, io.ErrUnexpectedEOF
	} else if err != nil {
		return nil, err
	}
	return f, nil
}

// WriteCopyFrame writes the frame type & frame to the writer.
func WriteCopyFrame(w io.Writer, f CopyFrame) error {
	if err := binary.Write(w, binary.BigEndian, f.Type()); err != nil {
		return err
	}
	_, err := f.WriteTo(w)
	return err
}

// BatchCopyFrame carries one replica batch.
type BatchCopyFrame struct {
	Batch ReplicaBatch
}

// Type returns the type of copy frame.
func (*BatchCopyFrame) Type() CopyFrameType { return CopyFrameTypeBatch }

func (f *BatchCopyFrame) ReadFrom(r io.Reader) (int64, error) {
	var hdr struct {
		SequenceID int64
		ItemN      uint32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	} else if err != nil {
		return 0, err
	}

	f.Batch = ReplicaBatch{SequenceID: int(hdr.SequenceID)}
	for i := uint32(0); i < hdr.ItemN; i++ {
		key, err := readChunked(r, MaxCopyKeySize)
		if err != nil {
			return 0, errors.Wrapf(err, "read key %d", i)
		}
		data, err := readChunked(r, MaxCopyDataSize)
		if err != nil {
			return 0, errors.Wrapf(err, "read data %d", i)
		}
		f.Batch.Items = append(f.Batch.Items, ReplicaData{Key: string(key), Data: data})
	}
	return 0, nil
}

func (f *BatchCopyFrame) WriteTo(w io.Writer) (int64, error) {
	hdr := struct {
		SequenceID int64
		ItemN      uint32
	}{int64(f.Batch.SequenceID), uint32(len(f.Batch.Items))}
	if err := binary.Write(w, binary.BigEndian, &hdr); err != nil {
		return 0, err
	}

	for _, item := range f.Batch.Items {
		if err := writeChunked(w, []byte(item.Key)); err != nil {
			return 0, err
		} else if err := writeChunked(w, item.Data); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// EndCopyFrame marks the end of a complete state transfer.
type EndCopyFrame struct{}

func (f *EndCopyFrame) Type() CopyFrameType               { return CopyFrameTypeEnd }
func (f *EndCopyFrame) ReadFrom(r io.Reader) (int64, error) { return 0, nil }
func (f *EndCopyFrame) WriteTo(w io.Writer) (int64, error)  { return 0, nil }

// Size limits for decoded batch items.
const (
	MaxCopyKeySize  = 64 * 1024
	MaxCopyDataSize = 64 * 1024 * 1024
)

// maxChunkSize is the largest chunk written on a copy stream.
const maxChunkSize = math.MaxUint16

// writeChunked writes data as a series of size-prefixed chunks followed by a
// zero-size terminator so values of any length can be streamed.
func writeChunked(w io.Writer, data []byte) error {
	for len(data) > 0 {
		chunk := data
		if len(chunk) > maxChunkSize {
			chunk = chunk[:maxChunkSize]
		}
		data = data[len(chunk):]

		if err := binary.Write(w, binary.BigEndian, uint16(len(chunk))); err != nil {
			return err
		} else if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.BigEndian, uint16(0))
}

// readChunked reads a value written by writeChunked. Returns an error if the
// value exceeds max bytes.
func readChunked(r io.Reader, max int) ([]byte, error) {
	var buf []byte
	for {
		var size uint16
		if err := binary.Read(r, binary.BigEndian, &size); err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		} else if err != nil {
			return nil, err
		} else if size == 0 {
			return buf, nil
		}

		if len(buf)+int(size) > max {
			return nil, errors.Newf("value exceeds %d bytes", max)
		}

		n := len(buf)
		buf = append(buf, make([]byte, size)...)
		if _, err := io.ReadFull(r, buf[n:]); err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		} else if err != nil {
			return nil, err
		}
	}
}
