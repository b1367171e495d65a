// Package mercury implements the client side of the Oxford Mercury ITC
// SCPI-like command protocol: command construction, response parsing, the
// device registry, and the Client composing them over a transport.
//
// The wire protocol is plain ASCII. Commands are colon-delimited paths with a
// verb prefix, e.g. "READ:DEV:DB7.T1:TEMP:SIG:TEMP"; responses echo the
// structured path and carry the value of interest in the trailing
// colon-delimited field.
package mercury

import "strings"

// Command verbs understood by the instrument. Identity and catalogue queries
// bypass the verb convention and are sent verbatim.
const (
	VerbRead = "READ:"
	VerbSet  = "SET:"
)

// Well-known query paths.
const (
	IdentityQuery = "*IDN?"
	CatalogPath   = "SYS:CAT"
)

// Signal names measurable on a sensor board.
const (
	SigTemperature = "TEMP"
	SigVoltage     = "VOLT"
	SigCurrent     = "CURR"
	SigResistance  = "RES"
)

// BuildRead constructs a READ command for the named signal of the device at
// the given address, e.g. BuildRead("DEV:DB7.T1:TEMP", "VOLT") yields
// "READ:DEV:DB7.T1:TEMP:SIG:VOLT".
func BuildRead(address, signal string) string {
	return BuildReadPath(address + ":SIG:" + signal)
}

// BuildReadPath constructs a READ command for a bare instrument path, such as
// the system catalogue path.
func BuildReadPath(path string) string {
	return VerbRead + path
}

// BuildSet constructs a SET command. The caller supplies the full path/value
// payload.
func BuildSet(path string) string {
	return VerbSet + path
}

// BuildQuery returns a verb-less query verbatim. It exists for queries such
// as the identity query that bypass the READ/SET convention entirely.
func BuildQuery(raw string) string {
	return raw
}

// ParseResponse extracts the payload from a raw response line: the final
// colon-delimited field. The echoed verb and path fields are not validated;
// the instrument habitually echoes structured acknowledgements
// ("STAT:SET:...") and the caller knows which field is semantically the
// value.
func ParseResponse(raw string) string {
	idx := strings.LastIndexByte(raw, ':')
	if idx < 0 {
		return raw
	}
	return raw[idx+1:]
}
