package tile

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrProtocol is returned for any malformed wire-format Job record: an
// unknown tag's length-delimited payload doesn't matter, but a missing
// or truncated varint/bytes field for a known tag does.
var ErrProtocol = errors.New("tile: malformed job record")

// Wire field numbers for the Job record. The encoding is the spec's
// "Protocol-Buffers-style tagged fields": each field is a (tag, wire-type)
// pair followed by its value, in any order, unknown tags skipped — the
// same forward-compatible framing protobuf itself uses, implemented here
// at the protowire layer without a .proto file or generated code.
const (
	fieldStatus               = 1
	fieldX                    = 2
	fieldY                    = 3
	fieldZ                    = 4
	fieldClientID             = 5
	fieldStyle                = 6
	fieldFormat               = 7
	fieldImage                = 8
	fieldLastModified         = 9
	fieldRequestLastModified  = 10
)

// Marshal encodes a Job as a tagged-field binary record.
func Marshal(j Job) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(j.Status))
	b = protowire.AppendTag(b, fieldX, protowire.VarintType)
	b = protowire.AppendVarint(b, zigzag(int64(j.X)))
	b = protowire.AppendTag(b, fieldY, protowire.VarintType)
	b = protowire.AppendVarint(b, zigzag(int64(j.Y)))
	b = protowire.AppendTag(b, fieldZ, protowire.VarintType)
	b = protowire.AppendVarint(b, zigzag(int64(j.Z)))
	b = protowire.AppendTag(b, fieldClientID, protowire.VarintType)
	b = protowire.AppendVarint(b, j.ClientID)
	b = protowire.AppendTag(b, fieldStyle, protowire.BytesType)
	b = protowire.AppendString(b, j.Style)
	b = protowire.AppendTag(b, fieldFormat, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(j.Format))
	if len(j.Image) > 0 {
		b = protowire.AppendTag(b, fieldImage, protowire.BytesType)
		b = protowire.AppendBytes(b, j.Image)
	}
	if j.LastModified != 0 {
		b = protowire.AppendTag(b, fieldLastModified, protowire.VarintType)
		b = protowire.AppendVarint(b, zigzag(j.LastModified))
	}
	if j.RequestLastModified != 0 {
		b = protowire.AppendTag(b, fieldRequestLastModified, protowire.VarintType)
		b = protowire.AppendVarint(b, zigzag(j.RequestLastModified))
	}
	return b
}

// Unmarshal decodes a Job previously produced by Marshal. Unknown fields
// are skipped, matching the forward-compatible tagged-field framing.
func Unmarshal(b []byte) (Job, error) {
	var j Job
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Job{}, fmt.Errorf("%w: bad tag: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldStatus:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Job{}, fmt.Errorf("%w: status: %v", ErrProtocol, protowire.ParseError(n))
			}
			j.Status = Status(v)
			b = b[n:]
		case fieldX:
			v, n := consumeZigzag(b)
			if n < 0 {
				return Job{}, fmt.Errorf("%w: x", ErrProtocol)
			}
			j.X = int(v)
			b = b[n:]
		case fieldY:
			v, n := consumeZigzag(b)
			if n < 0 {
				return Job{}, fmt.Errorf("%w: y", ErrProtocol)
			}
			j.Y = int(v)
			b = b[n:]
		case fieldZ:
			v, n := consumeZigzag(b)
			if n < 0 {
				return Job{}, fmt.Errorf("%w: z", ErrProtocol)
			}
			j.Z = int(v)
			b = b[n:]
		case fieldClientID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Job{}, fmt.Errorf("%w: client_id", ErrProtocol)
			}
			j.ClientID = v
			b = b[n:]
		case fieldStyle:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Job{}, fmt.Errorf("%w: style", ErrProtocol)
			}
			j.Style = v
			b = b[n:]
		case fieldFormat:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Job{}, fmt.Errorf("%w: format", ErrProtocol)
			}
			j.Format = Format(v)
			b = b[n:]
		case fieldImage:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Job{}, fmt.Errorf("%w: image", ErrProtocol)
			}
			j.Image = append([]byte(nil), v...)
			b = b[n:]
		case fieldLastModified:
			v, n := consumeZigzag(b)
			if n < 0 {
				return Job{}, fmt.Errorf("%w: last_modified", ErrProtocol)
			}
			j.LastModified = v
			b = b[n:]
		case fieldRequestLastModified:
			v, n := consumeZigzag(b)
			if n < 0 {
				return Job{}, fmt.Errorf("%w: request_last_modified", ErrProtocol)
			}
			j.RequestLastModified = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Job{}, fmt.Errorf("%w: unknown field %d", ErrProtocol, num)
			}
			b = b[n:]
		}
	}
	return j, nil
}

func zigzag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

func consumeZigzag(b []byte) (int64, int) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, n
	}
	return unzigzag(v), n
}
