package camaudio

import "strings"

// VendorSymbol identifies an unexported symbol inside the vendor binary.
type VendorSymbol uint8

const (
	SymbolClientRead           VendorSymbol = iota // P2P channel read
	SymbolClientWriteCGI                           // CGI command to camera
	SymbolClientConnect                            // P2P connect with credentials
	SymbolSessionChannelBuffer                     // CSession channel buffer accessor
	SymbolSessionDataRead                          // CSession raw data read
	SymbolPcmp2Init                                // pcmp2 listener init
	SymbolPcmp2SetListener                         // pcmp2 listener registration
	SymbolVoiceOutBuffer                           // voice output buffer pointer
	SymbolSessionAliveInterval                     // keep-alive interval variable
	symbolCount
)

// SymbolKind tells whether a symbol is invoked or dereferenced.
type SymbolKind uint8

const (
	SymbolKindFunction SymbolKind = iota
	SymbolKindVariable
)

func (k SymbolKind) String() string {
	if k == SymbolKindVariable {
		return "variable"
	}
	return "function"
}

// symbolMeta contains static metadata about a vendor symbol.
type symbolMeta struct {
	Name         string
	Kind         SymbolKind
	Signature    string // C-like shape, recorded in the crash ledger
	Experimental bool   // signature not independently verified
}

// Static metadata table - indexed by VendorSymbol.
var vendorSymbolInfo = [symbolCount]symbolMeta{
	SymbolClientRead:           {"client_read", SymbolKindFunction, "int32(ptr client, int32 channel, ptr buf, ptr size, int32 timeout_ms)", false},
	SymbolClientWriteCGI:       {"client_write_cgi", SymbolKindFunction, "int32(ptr client, cstr cgi)", true},
	SymbolClientConnect:        {"client_connect", SymbolKindFunction, "ptr(cstr uid, cstr client_id, cstr service, cstr password)", true},
	SymbolSessionChannelBuffer: {"CSession_ChannelBuffer_Get", SymbolKindFunction, "ptr(ptr session, int32 channel)", true},
	SymbolSessionDataRead:      {"CSession_Data_Read", SymbolKindFunction, "int32(ptr session, int32 channel, ptr buf, int32 size)", true},
	SymbolPcmp2Init:            {"pcmp2_init", SymbolKindFunction, "int32(void)", true},
	SymbolPcmp2SetListener:     {"pcmp2_setListener", SymbolKindFunction, "int32(fnptr listener, ptr user)", true},
	SymbolVoiceOutBuffer:       {"voice_out_buff", SymbolKindVariable, "ptr", false},
	SymbolSessionAliveInterval: {"session_alive_interval", SymbolKindVariable, "int32", false},
}

// AllVendorSymbols lists the catalog in declaration order.
func AllVendorSymbols() []VendorSymbol {
	out := make([]VendorSymbol, 0, symbolCount)
	for s := VendorSymbol(0); s < symbolCount; s++ {
		out = append(out, s)
	}
	return out
}

// String returns the linker name of the symbol.
func (s VendorSymbol) String() string {
	if s >= symbolCount {
		return "unknown"
	}
	return vendorSymbolInfo[s].Name
}

// Kind returns whether the symbol is a function or a variable.
func (s VendorSymbol) Kind() SymbolKind {
	if s >= symbolCount {
		return SymbolKindFunction
	}
	return vendorSymbolInfo[s].Kind
}

// Shape returns the call shape used to gate invocations of the symbol.
func (s VendorSymbol) Shape() CallShape {
	if s >= symbolCount {
		return CallShape{Symbol: "unknown", Experimental: true}
	}
	m := vendorSymbolInfo[s]
	return CallShape{Symbol: m.Name, Signature: m.Signature, Experimental: m.Experimental}
}

// CallShape is one way of calling a native function: its symbol plus the
// argument layout. Shapes, not symbols, are what crash.
type CallShape struct {
	Symbol       string
	Signature    string
	Experimental bool
}

// Key identifies the shape in the crash ledger.
func (c CallShape) Key() string {
	var b strings.Builder
	b.WriteString(c.Symbol)
	if c.Signature != "" {
		b.WriteString(" :: ")
		b.WriteString(c.Signature)
	}
	return b.String()
}

// Capabilities is the startup table of which catalog symbols exist in the
// running binary.
type Capabilities struct {
	present [symbolCount]bool
}

// Has returns true if the symbol was found at startup.
func (c Capabilities) Has(s VendorSymbol) bool {
	if s >= symbolCount {
		return false
	}
	return c.present[s]
}

// Count returns how many catalog symbols were found.
func (c Capabilities) Count() int {
	n := 0
	for _, ok := range c.present {
		if ok {
			n++
		}
	}
	return n
}

// Map returns a name to presence map for reporting.
func (c Capabilities) Map() map[string]bool {
	m := make(map[string]bool, symbolCount)
	for s := VendorSymbol(0); s < symbolCount; s++ {
		m[s.String()] = c.present[s]
	}
	return m
}
