package program

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// Binary layout, little-endian:
//
//	magic "CLRB" | version u32 | binary type u32 | kernel count u32
//	per kernel: name | arg count u16 | per arg: qualifier u8, name, type, size u32
//	options
//
// Strings are a u16 length followed by the bytes.
const (
	binaryMagic   = "CLRB"
	binaryVersion = 1
	maxKernels    = 4096
	maxArgs       = 256
)

// ErrInvalidBinary is returned when a program binary cannot be parsed
var ErrInvalidBinary = errors.New("program: invalid binary")

// AddressQualifier says where a kernel argument lives.
type AddressQualifier uint8

const (
	AddressPrivate AddressQualifier = iota
	AddressGlobal
	AddressConstant
	AddressLocal
)

func (q AddressQualifier) String() string {
	switch q {
	case AddressGlobal:
		return "global"
	case AddressConstant:
		return "constant"
	case AddressLocal:
		return "local"
	default:
		return "private"
	}
}

// ArgInfo describes one kernel argument.
type ArgInfo struct {
	Name      string
	TypeName  string
	Qualifier AddressQualifier
	// Size is the byte size of a by-value argument. Pointer arguments
	// report the device pointer size.
	Size uint32
}

// IsBuffer reports whether the argument is set with a memory object.
func (a ArgInfo) IsBuffer() bool {
	return a.Qualifier == AddressGlobal || a.Qualifier == AddressConstant
}

// KernelInfo is the metadata extracted from a program binary.
type KernelInfo struct {
	Name string
	Args []ArgInfo
}

// Image is the decoded form of a program binary.
type Image struct {
	Type    BinaryType
	Kernels []KernelInfo
	Options string
}

// EncodeBinary serializes img.
func EncodeBinary(img Image) ([]byte, error) {
	if len(img.Kernels) > maxKernels {
		return nil, errors.Newf("program: %d kernels exceeds limit %d", len(img.Kernels), maxKernels)
	}
	var buf bytes.Buffer
	buf.WriteString(binaryMagic)
	writeU32(&buf, binaryVersion)
	writeU32(&buf, uint32(img.Type))
	writeU32(&buf, uint32(len(img.Kernels)))
	for _, k := range img.Kernels {
		if len(k.Args) > maxArgs {
			return nil, errors.Newf("program: kernel %s has %d arguments", k.Name, len(k.Args))
		}
		if err := writeString(&buf, k.Name); err != nil {
			return nil, err
		}
		binary.Write(&buf, binary.LittleEndian, uint16(len(k.Args)))
		for _, a := range k.Args {
			buf.WriteByte(byte(a.Qualifier))
			if err := writeString(&buf, a.Name); err != nil {
				return nil, err
			}
			if err := writeString(&buf, a.TypeName); err != nil {
				return nil, err
			}
			writeU32(&buf, a.Size)
		}
	}
	if err := writeString(&buf, img.Options); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseBinary decodes a program binary. Any malformed input yields an
// error wrapping ErrInvalidBinary.
func ParseBinary(data []byte) (Image, error) {
	var img Image
	r := bytes.NewReader(data)

	magic := make([]byte, len(binaryMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != binaryMagic {
		return img, errors.Wrap(ErrInvalidBinary, "bad magic")
	}
	var hdr struct {
		Version uint32
		Type    uint32
		Kernels uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return img, errors.Wrap(ErrInvalidBinary, "short header")
	}
	if hdr.Version != binaryVersion {
		return img, errors.Wrapf(ErrInvalidBinary, "unsupported version %d", hdr.Version)
	}
	if hdr.Type > uint32(BinaryExecutable) || hdr.Kernels > maxKernels {
		return img, errors.Wrap(ErrInvalidBinary, "header out of range")
	}
	img.Type = BinaryType(hdr.Type)

	for i := uint32(0); i < hdr.Kernels; i++ {
		var k KernelInfo
		var err error
		if k.Name, err = readString(r); err != nil {
			return img, errors.Wrapf(err, "kernel %d name", i)
		}
		var nargs uint16
		if err := binary.Read(r, binary.LittleEndian, &nargs); err != nil {
			return img, errors.Wrapf(ErrInvalidBinary, "kernel %s arg count", k.Name)
		}
		if nargs > maxArgs {
			return img, errors.Wrapf(ErrInvalidBinary, "kernel %s has %d arguments", k.Name, nargs)
		}
		for j := uint16(0); j < nargs; j++ {
			a, err := readArg(r)
			if err != nil {
				return img, errors.Wrapf(err, "kernel %s arg %d", k.Name, j)
			}
			k.Args = append(k.Args, a)
		}
		img.Kernels = append(img.Kernels, k)
	}

	opts, err := readString(r)
	if err != nil {
		return img, errors.Wrap(err, "options")
	}
	img.Options = opts
	if r.Len() != 0 {
		return img, errors.Wrapf(ErrInvalidBinary, "%d trailing bytes", r.Len())
	}
	return img, nil
}

func readArg(r *bytes.Reader) (ArgInfo, error) {
	var a ArgInfo
	q, err := r.ReadByte()
	if err != nil {
		return a, ErrInvalidBinary
	}
	if q > byte(AddressLocal) {
		return a, errors.Wrapf(ErrInvalidBinary, "address qualifier %d", q)
	}
	a.Qualifier = AddressQualifier(q)
	if a.Name, err = readString(r); err != nil {
		return a, err
	}
	if a.TypeName, err = readString(r); err != nil {
		return a, err
	}
	if err := binary.Read(r, binary.LittleEndian, &a.Size); err != nil {
		return a, ErrInvalidBinary
	}
	return a, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return errors.Newf("program: string of %d bytes too long", len(s))
	}
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", ErrInvalidBinary
	}
	if int(n) > r.Len() {
		return "", errors.Wrap(ErrInvalidBinary, "string runs past end")
	}
	b := make([]byte, n)
	io.ReadFull(r, b)
	return string(b), nil
}
