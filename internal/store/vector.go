package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeVector encodes a float32 vector to bytes.
// Uses little-endian encoding for compatibility.
func EncodeVector(vector []float32) []byte {
	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.LittleEndian, vector)
	if err != nil {
		// This should never happen with float32 slices
		panic(fmt.Sprintf("failed to encode vector: %v", err))
	}
	return buf.Bytes()
}

// DecodeVector decodes a byte slice back to a float32 vector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid vector data length: %d", len(data))
	}

	numFloats := len(data) / 4
	vector := make([]float32, numFloats)

	buf := bytes.NewReader(data)
	err := binary.Read(buf, binary.LittleEndian, &vector)
	if err != nil {
		return nil, fmt.Errorf("failed to decode vector: %w", err)
	}

	return vector, nil
}
