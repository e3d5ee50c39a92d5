// Package dipfile reads and writes dipole fit results in the text (.dip),
// binary (.bdip) and fixed-dipole JSON formats.
package dipfile

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dipfit/internal/dipole"
)

var (
	// ErrFormat is wrapped by every error caused by malformed file contents.
	ErrFormat = errors.New("malformed dipole file")
	// ErrUnsupported is returned for file extensions no codec handles.
	ErrUnsupported = errors.New("unsupported dipole file type")
)

// MaxDecompressedSize bounds the data read from a gzip-compressed file (200MB).
const MaxDecompressedSize = 200 * 1024 * 1024

// Format identifies an on-disk dipole encoding.
type Format int

const (
	FormatText Format = iota
	FormatBinary
	FormatFixed
)

func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatBinary:
		return "bdip"
	case FormatFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// File is the decoded content of a dipole file. Exactly one of Dipole and
// Fixed is set.
type File struct {
	Format   Format
	Dipole   *dipole.Dipole
	Fixed    *dipole.Fixed
	Warnings []string
}

// DetectFormat picks the codec from the file extension. A trailing .gz marks
// gzip compression on top of any format.
func DetectFormat(path string) (Format, bool, error) {
	name := strings.ToLower(filepath.Base(path))
	compressed := strings.HasSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".gz")
	switch filepath.Ext(name) {
	case ".dip", ".txt":
		return FormatText, compressed, nil
	case ".bdip":
		return FormatBinary, compressed, nil
	case ".json":
		return FormatFixed, compressed, nil
	}
	return 0, false, fmt.Errorf("%w: %s (expected .dip, .txt, .bdip or .json, optionally .gz)", ErrUnsupported, path)
}

// Read decodes a dipole file, choosing the codec by extension. Warnings are
// logged and also returned in the File.
func Read(path string) (*File, error) {
	format, compressed, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dipole file: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if compressed {
		gzr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: creating gzip reader: %v", ErrFormat, err)
		}
		defer gzr.Close()
		r = &limitedReader{r: io.LimitReader(gzr, MaxDecompressedSize+1)}
	}

	out, err := Decode(r, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if lr, ok := r.(*limitedReader); ok && lr.n > MaxDecompressedSize {
		return nil, fmt.Errorf("%s: decompressed data exceeds maximum size of %d bytes", path, MaxDecompressedSize)
	}
	for _, w := range out.Warnings {
		slog.Warn(w, "file", path)
	}
	return out, nil
}

// Decode reads a dipole file of the given format from r.
func Decode(r io.Reader, format Format) (*File, error) {
	out := &File{Format: format}
	var err error
	switch format {
	case FormatText:
		out.Dipole, out.Warnings, err = ReadText(r)
	case FormatBinary:
		out.Dipole, err = ReadBinary(r)
	case FormatFixed:
		out.Fixed, err = ReadFixed(r)
	default:
		err = fmt.Errorf("%w: format %d", ErrUnsupported, int(format))
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write saves d, choosing text or binary encoding by extension.
func Write(path string, d *dipole.Dipole) error {
	format, compressed, err := DetectFormat(path)
	if err != nil {
		return err
	}
	var encode func(io.Writer) error
	switch format {
	case FormatText:
		encode = func(w io.Writer) error { return WriteText(w, d) }
	case FormatBinary:
		encode = func(w io.Writer) error { return WriteBinary(w, d) }
	default:
		return fmt.Errorf("%w: a time-varying dipole cannot be saved as %s, use .dip or .bdip", ErrUnsupported, format)
	}
	return writeFile(path, compressed, encode)
}

// WriteFixed saves a fixed dipole as JSON.
func WriteFixed(path string, fd *dipole.Fixed) error {
	format, compressed, err := DetectFormat(path)
	if err != nil {
		return err
	}
	if format != FormatFixed {
		return fmt.Errorf("%w: fixed dipoles are saved as .json, got %s", ErrUnsupported, path)
	}
	return writeFile(path, compressed, func(w io.Writer) error { return EncodeFixed(w, fd) })
}

func writeFile(path string, compressed bool, encode func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	if !compressed {
		if err := encode(f); err != nil {
			return err
		}
		return f.Close()
	}

	gzw, err := gzip.NewWriterLevel(f, gzip.DefaultCompression)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	if err := encode(gzw); err != nil {
		return err
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}
	return f.Close()
}

// ReadFixed decodes a fixed dipole from JSON.
func ReadFixed(r io.Reader) (*dipole.Fixed, error) {
	var fd dipole.Fixed
	if err := json.NewDecoder(r).Decode(&fd); err != nil {
		return nil, fmt.Errorf("%w: parsing fixed dipole: %v", ErrFormat, err)
	}
	if err := fd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return &fd, nil
}

// EncodeFixed writes fd as indented JSON.
func EncodeFixed(w io.Writer, fd *dipole.Fixed) error {
	if err := fd.Validate(); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fd); err != nil {
		return fmt.Errorf("marshaling fixed dipole: %w", err)
	}
	return nil
}

// limitedReader counts bytes so oversized decompressed input can be reported.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	return n, err
}
