// Package units decodes the engineering-notation values returned by the
// Mercury ITC and formats bare magnitudes for configuration commands.
//
// The instrument reports a value as a decimal numeral followed by a
// two-character suffix: an optional SI magnitude prefix and a unit letter,
// e.g. "7.000000mV" or "56.121n" + "A". Values without a prefix carry the
// unit letter directly after the numeral.
package units

import (
	"fmt"
	"strconv"
	"unicode"
)

// siPrefixes maps the magnitude prefix characters emitted by the instrument
// to their power-of-ten factors. The micro prefix is U+00B5, as sent on the
// wire.
var siPrefixes = map[rune]float64{
	'M': 1e6,
	'k': 1e3,
	'm': 1e-3,
	'µ': 1e-6,
	'n': 1e-9,
	'p': 1e-12,
}

// DecodeError indicates that a response token could not be converted into a
// numeric value. Token carries the raw offending token for diagnostics.
type DecodeError struct {
	Token string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("units: cannot decode token %q: %v", e.Token, e.Err)
	}
	return fmt.Sprintf("units: cannot decode token %q", e.Token)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PrefixFactor returns the power-of-ten factor for the given SI prefix
// character and whether the character is a recognized prefix.
func PrefixFactor(r rune) (float64, bool) {
	f, ok := siPrefixes[r]
	return f, ok
}

// Decode converts a value token of the form <numeral><prefix?><unit> into a
// float64 in base units.
//
// The final two characters of the token are stripped. When the second-to-last
// character is a digit the value carries no magnitude prefix and the remaining
// numeral is returned as-is; when it is a recognized SI prefix the numeral is
// scaled by the prefix factor. Any other character yields a *DecodeError
// naming the raw token.
func Decode(token string) (float64, error) {
	runes := []rune(token)
	if len(runes) < 2 {
		return 0, &DecodeError{Token: token}
	}

	numeral := string(runes[:len(runes)-2])
	mark := runes[len(runes)-2]

	if unicode.IsDigit(mark) {
		v, err := strconv.ParseFloat(numeral, 64)
		if err != nil {
			return 0, &DecodeError{Token: token, Err: err}
		}
		return v, nil
	}

	factor, ok := siPrefixes[mark]
	if !ok {
		return 0, &DecodeError{Token: token}
	}

	v, err := strconv.ParseFloat(numeral, 64)
	if err != nil {
		return 0, &DecodeError{Token: token, Err: err}
	}

	return v * factor, nil
}

// FormatMagnitude renders a bare fixed-point magnitude with no prefix
// character, for commands where the instrument expects an unprefixed
// base-unit numeral (e.g. an excitation magnitude in millivolts supplied as
// a bare number).
func FormatMagnitude(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
