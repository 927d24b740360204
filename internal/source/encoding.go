package source

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DecodeStream wraps a source stream with a streaming transcoder for the
// batch's declared encoding. An empty or utf-8 declaration passes the
// stream through with only BOM stripping. Transcoding is a transform over
// the stream, so memory stays O(1) per byte read.
func DecodeStream(r io.Reader, declared string) (io.Reader, error) {
	switch normalizeEncodingName(declared) {
	case "", "utf8":
		return transform.NewReader(r, unicode.BOMOverride(transform.Nop)), nil
	case "utf16", "utf16le":
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		return transform.NewReader(r, dec), nil
	case "utf16be":
		dec := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
		return transform.NewReader(r, dec), nil
	case "latin1", "iso88591":
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder()), nil
	case "windows1252", "cp1252":
		return transform.NewReader(r, charmap.Windows1252.NewDecoder()), nil
	default:
		return nil, fmt.Errorf("unsupported source encoding %q", declared)
	}
}

// ValidEncoding reports whether a declared encoding name is one
// DecodeStream can honor.
func ValidEncoding(name string) bool {
	switch normalizeEncodingName(name) {
	case "", "utf8", "utf16", "utf16le", "utf16be", "latin1", "iso88591", "windows1252", "cp1252":
		return true
	}
	return false
}

func normalizeEncodingName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	replacer := strings.NewReplacer("-", "", "_", "", " ", "")
	return replacer.Replace(name)
}
