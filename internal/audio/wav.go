// Package audio validates and assembles PCM WAV artifacts. It backs the
// built-in handler for the mixall domain, which concatenates per-chunk
// synthesis output into one audio object.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAV header layout offsets and sizes.
const (
	riffHeaderSize  = 12
	chunkHeaderSize = 8
	fmtChunkMinSize = 16
	headerSize      = 44

	pcmFormatCode = 1
)

// Static errors for WAV parsing and assembly.
var (
	ErrNotWAV         = errors.New("data is not a RIFF/WAVE file")
	ErrTruncated      = errors.New("wav data is truncated")
	ErrMissingChunk   = errors.New("wav chunk not found")
	ErrNotPCM         = errors.New("wav is not PCM encoded")
	ErrFormatMismatch = errors.New("wav formats do not match")
	ErrNothingToMerge = errors.New("no wav chunks to merge")
)

// Format is the PCM sample format of one WAV file.
type Format struct {
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// File is one parsed WAV: its format and raw PCM data section.
type File struct {
	Format Format
	Data   []byte
}

// Parse validates the RIFF/WAVE structure and extracts the format block
// and data section.
func Parse(raw []byte) (*File, error) {
	if len(raw) < riffHeaderSize {
		return nil, ErrTruncated
	}

	if string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	format, err := parseFormatChunk(raw)
	if err != nil {
		return nil, err
	}

	data, err := chunkBody(raw, "data")
	if err != nil {
		return nil, err
	}

	return &File{Format: *format, Data: data}, nil
}

// Merge concatenates the data sections of files that share one sample
// format and re-emits a single WAV with a corrected header. A format
// mismatch between chunks is a permanent failure for the caller.
func Merge(files []*File) ([]byte, error) {
	if len(files) == 0 {
		return nil, ErrNothingToMerge
	}

	format := files[0].Format
	totalData := 0

	for index, file := range files {
		if file.Format != format {
			return nil, fmt.Errorf("%w: chunk %d is %+v, expected %+v",
				ErrFormatMismatch, index, file.Format, format)
		}

		totalData += len(file.Data)
	}

	out := make([]byte, 0, headerSize+totalData)
	out = append(out, buildHeader(format, totalData)...)

	for _, file := range files {
		out = append(out, file.Data...)
	}

	return out, nil
}

// parseFormatChunk reads the fmt chunk and rejects non-PCM encodings.
func parseFormatChunk(raw []byte) (*Format, error) {
	body, err := chunkBody(raw, "fmt ")
	if err != nil {
		return nil, err
	}

	if len(body) < fmtChunkMinSize {
		return nil, ErrTruncated
	}

	formatCode := binary.LittleEndian.Uint16(body[0:2])
	if formatCode != pcmFormatCode {
		return nil, fmt.Errorf("%w: format code %d", ErrNotPCM, formatCode)
	}

	return &Format{
		Channels:      binary.LittleEndian.Uint16(body[2:4]),
		SampleRate:    binary.LittleEndian.Uint32(body[4:8]),
		BitsPerSample: binary.LittleEndian.Uint16(body[14:16]),
	}, nil
}

// chunkBody walks the chunk list for the named chunk and returns its body.
func chunkBody(raw []byte, name string) ([]byte, error) {
	offset := riffHeaderSize

	for offset+chunkHeaderSize <= len(raw) {
		chunkName := string(raw[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(raw[offset+4 : offset+8]))

		bodyStart := offset + chunkHeaderSize
		bodyEnd := bodyStart + chunkSize

		if bodyEnd > len(raw) {
			return nil, ErrTruncated
		}

		if chunkName == name {
			return raw[bodyStart:bodyEnd], nil
		}

		// Chunks are word-aligned; odd sizes carry a pad byte.
		offset = bodyEnd + chunkSize%2
	}

	return nil, fmt.Errorf("%w: %q", ErrMissingChunk, name)
}

// buildHeader emits a canonical 44-byte PCM WAV header for the merged
// data section.
func buildHeader(format Format, dataSize int) []byte {
	blockAlign := format.Channels * format.BitsPerSample / 8
	byteRate := format.SampleRate * uint32(blockAlign)

	header := make([]byte, headerSize)

	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(headerSize-chunkHeaderSize+dataSize))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], fmtChunkMinSize)
	binary.LittleEndian.PutUint16(header[20:22], pcmFormatCode)
	binary.LittleEndian.PutUint16(header[22:24], format.Channels)
	binary.LittleEndian.PutUint32(header[24:28], format.SampleRate)
	binary.LittleEndian.PutUint32(header[28:32], byteRate)
	binary.LittleEndian.PutUint16(header[32:34], blockAlign)
	binary.LittleEndian.PutUint16(header[34:36], format.BitsPerSample)

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))

	return header
}
