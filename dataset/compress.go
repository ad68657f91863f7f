package dataset

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"io"

	"github.com/xi2/xz"
)

type DataType byte

const (
	DataTypeInvalid DataType = iota
	DataTypeNoCompression
	DataTypeGzip
	DataTypeZip
	DataTypeXZ
	DataTypeBZip2
)

var byteCodeSigs = map[DataType][]byte{
	DataTypeGzip:  {0x1f, 0x8b, 0x08},
	DataTypeZip:   {0x50, 0x4b, 0x03, 0x04},
	DataTypeXZ:    {0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00},
	DataTypeBZip2: {0x42, 0x5a, 0x68},
}

// DetectDataType identifies a compressed stream by its leading bytes without
// consuming them. Byte code signatures from
// https://stackoverflow.com/a/19127748/199475
func DetectDataType(r *bufio.Reader) (DataType, error) {
	buff, err := r.Peek(6)
	if err != nil && err != io.EOF {
		return DataTypeInvalid, err
	}

	// Match known signatures
Outer:
	for dt, sig := range byteCodeSigs {
		if len(buff) < len(sig) {
			continue
		}
		for position := range sig {
			if buff[position] != sig[position] {
				continue Outer
			}
		}
		return dt, nil
	}

	return DataTypeNoCompression, nil
}

// MaybeDecompress transparently unwraps gzip, bzip2 and xz streams. Anything
// else, zip archives included, is returned as is.
func MaybeDecompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	dt, err := DetectDataType(br)
	if err != nil {
		return nil, err
	}

	switch dt {
	case DataTypeGzip:
		return gzip.NewReader(br)
	case DataTypeBZip2:
		return bzip2.NewReader(br), nil
	case DataTypeXZ:
		return xz.NewReader(br, 0)
	}

	return br, nil
}
