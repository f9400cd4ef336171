package semmap

import (
	"golang.org/x/text/encoding/unicode"
)

// DecodeUTF16LEName decodes a raw UTF-16LE byte buffer — the wire format
// Windows uses for UNICODE_STRINGs such as usernames and SIDs' friendly
// names — into a Go string, trimming a trailing NUL pair if present. It
// is the one spot in this package that touches the raw OS byte layout
// backing a User/Module/Handle entry; translators populate these maps
// with already-decoded fields, but a future OS-specific translator that
// only has raw bytes can call this instead of hand-rolling UTF-16
// decoding itself.
func DecodeUTF16LEName(b []byte) (string, error) {
	if len(b) >= 2 && b[len(b)-2] == 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-2]
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := decoder.Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
