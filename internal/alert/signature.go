package alert

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	"github.com/kiranshivaraju/autopost/internal/external"
)

// Kind separates signature namespaces and suppression windows.
type Kind string

const (
	KindMonitor Kind = "monitor"
	KindReport  Kind = "report"
)

var (
	reDatetime   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reRequestID  = regexp.MustCompile(`(?i)\b[0-9a-f]{16,}\b`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

const maxNormalizedBytes = 2000

// Signature hashes content into a kind-prefixed dedupe key.
func Signature(kind Kind, content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s:%x", kind, sum)
}

// ReportSignature keys an externally reported trigger failure. Volatile
// fragments of the response (timestamps, ids) are collapsed so the same
// failure repeating is recognised as one alert.
func ReportSignature(status int, url, responseText string) string {
	return Signature(KindReport, fmt.Sprintf("%d|%s|%s", status, strings.TrimSpace(url), Normalize(responseText)))
}

// Normalize collapses the volatile parts of an error text.
func Normalize(msg string) string {
	msg = reDatetime.ReplaceAllString(msg, "TIME")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reRequestID.ReplaceAllString(msg, "HEX")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(strings.TrimSpace(msg))
	return external.Truncate(msg, maxNormalizedBytes)
}
