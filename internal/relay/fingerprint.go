package relay

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/quailyquaily/relaymirror/internal/platform"
)

// Fingerprint is a short change-detection hash over a message's text and
// content kind. It is not meant for anything security related.
func Fingerprint(text string, kind platform.ContentKind) string {
	if kind == "" {
		kind = platform.KindText
	}
	d := xxhash.New()
	_, _ = d.WriteString(string(kind))
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(text)
	return fmt.Sprintf("%016x", d.Sum64())
}

func messageFingerprint(m platform.Message) string {
	return Fingerprint(m.Text, m.Kind())
}
