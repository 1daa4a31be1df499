package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/jackpal/bencode-go"
)

// Bencoding (BEP 3) on top of bencode-go.
//
// Decoded values are one of: string (raw bytes), int64, []any, map[string]any.
// Encode accepts any value bencode-go can marshal; tracker responses use
// maps, slices, []byte, strings and integers.

const maxBencodeDepth = 256

// Encode serializes v. Dictionary keys are written in raw byte order.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("bencode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses exactly one bencoded value from data.
// Unsorted dictionary keys are accepted; trailing bytes are not.
func Decode(data []byte) (v any, err error) {
	// bencode-go panics on negative or oversized string lengths
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, r)
		}
	}()

	r := bufio.NewReader(bytes.NewReader(data))
	v, err = bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after top-level value", ErrMalformedEncoding)
	}
	if err := checkDepth(v, 0); err != nil {
		return nil, err
	}
	return v, nil
}

func checkDepth(v any, depth int) error {
	if depth > maxBencodeDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrMalformedEncoding, maxBencodeDepth)
	}
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			if err := checkDepth(item, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		for _, item := range x {
			if err := checkDepth(item, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
