package ingest

import (
	"bytes"
	"errors"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// DecodeBytes converts raw file bytes to a UTF-8 string, trying UTF-8,
// then BOM-signalled UTF-16, then the Latin single-byte encodings. The
// returned encoding name is informational.
func DecodeBytes(data []byte) (string, string, error) {
	if bytes.HasPrefix(data, bomUTF8) {
		stripped := data[len(bomUTF8):]
		if utf8.Valid(stripped) {
			return string(stripped), "utf-8", nil
		}
		return "", "", errors.New("utf-8 BOM present but content is not valid utf-8")
	}
	if bytes.HasPrefix(data, bomUTF16LE) {
		return decodeWith(data, unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder(), "utf-16le")
	}
	if bytes.HasPrefix(data, bomUTF16BE) {
		return decodeWith(data, unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder(), "utf-16be")
	}
	if utf8.Valid(data) {
		return string(data), "utf-8", nil
	}

	// No BOM and not UTF-8: Latin fallbacks. ISO-8859-1 leaves the
	// 0x80-0x9F range as control characters, so bytes there mean the
	// file is more plausibly Windows-1252.
	if hasC1Bytes(data) {
		return decodeWith(data, charmap.Windows1252.NewDecoder(), "windows-1252")
	}
	return decodeWith(data, charmap.ISO8859_1.NewDecoder(), "iso-8859-1")
}

func decodeWith(data []byte, decoder transform.Transformer, name string) (string, string, error) {
	decoded, _, err := transform.Bytes(decoder, data)
	if err != nil {
		return "", "", err
	}
	return string(decoded), name, nil
}

func hasC1Bytes(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 && b <= 0x9F {
			return true
		}
	}
	return false
}
