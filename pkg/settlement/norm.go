package settlement

import "golang.org/x/text/unicode/norm"

// NormalizeText NFC-normalizes free-text fields (evidence notes, dispute
// reasons) before they enter a canonical hash, so visually identical
// strings hash identically.
func NormalizeText(s string) string {
	return norm.NFC.String(s)
}
