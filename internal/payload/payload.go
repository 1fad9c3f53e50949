// Package payload applies line-ending policies to outbound text.
package payload

// Append modes accepted by Apply. Any other value appends nothing.
const (
	ModeLF   = "lf"
	ModeCR   = "cr"
	ModeCRLF = "crlf"
)

// Apply returns the bytes to transmit for text under the given append mode.
func Apply(text string, mode string) []byte {
	var suffix string
	switch mode {
	case ModeLF:
		suffix = "\n"
	case ModeCR:
		suffix = "\r"
	case ModeCRLF:
		suffix = "\r\n"
	}

	out := make([]byte, 0, len(text)+len(suffix))
	out = append(out, text...)
	return append(out, suffix...)
}
