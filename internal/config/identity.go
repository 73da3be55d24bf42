package config

import (
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"strings"
)

// ProtocolVersion is the wire-protocol version this agent reports to the
// coordinator's connect URL.
const ProtocolVersion = "1.0.4"

// uuidSuffix is the fixed literal suffix every generated identity carries.
const uuidSuffix = "infoc"

// Identity is the agent's stable, across-restarts identity.
type Identity struct {
	UUID     string
	Name     string
	Runtime  string
	Platform string
	Version  string
}

// runtimeDescriptor and platformDescriptor mirror the Python original's
// "Python"+platform.python_version() / win64-or-win32 descriptors, adapted
// to what Go actually exposes about itself.
func runtimeDescriptor() string {
	return "Go" + strings.TrimPrefix(runtime.Version(), "go")
}

func platformDescriptor() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// generateUUID produces a canonical 8-4-4-4-12 uppercase hex identifier
// suffixed with the literal "infoc", per spec.md §3/§4.6 and the GLOSSARY.
func generateUUID() string {
	groups := []int{8, 4, 4, 4, 12}
	parts := make([]string, len(groups))
	for i, n := range groups {
		parts[i] = randomHex(n)
	}
	return strings.ToUpper(strings.Join(parts, "-")) + uuidSuffix
}

// randomHex returns n random lowercase hex characters.
func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		panic("config: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)[:n]
}
