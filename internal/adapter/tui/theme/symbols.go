package theme

import (
	"os"
	"strings"
)

// SymbolSet holds all UI symbols, allowing runtime switching between
// Unicode and ASCII fallback sets.
type SymbolSet struct {
	Success   string
	Error     string
	Warning   string
	Info      string
	Cancelled string
	ArrowR    string
	Bullet    string
	Ellipsis  string
}

var unicodeSymbols = SymbolSet{
	Success:   "\u2713", // ✓
	Error:     "\u2717", // ✗
	Warning:   "\u26A0", // ⚠
	Info:      "\u25CF", // ●
	Cancelled: "\u2298", // ⊘
	ArrowR:    "\u2192", // →
	Bullet:    "\u2022", // •
	Ellipsis:  "\u2026", // …
}

var asciiSymbols = SymbolSet{
	Success:   "[OK]",
	Error:     "[ERR]",
	Warning:   "[!]",
	Info:      "[i]",
	Cancelled: "[--]",
	ArrowR:    "->",
	Bullet:    "*",
	Ellipsis:  "...",
}

// DetectUnicodeSupport checks whether the terminal likely supports Unicode.
// Priority: GOVSTREAM_ASCII_SYMBOLS env (explicit override) > locale detection.
func DetectUnicodeSupport() bool {
	if v := os.Getenv("GOVSTREAM_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}

	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return true
		}
	}

	// Most modern terminals support Unicode.
	return true
}

// InitSymbols sets the package-level Symbol* variables based on terminal
// capabilities. Called by init(), and again by UseASCII.
func InitSymbols() {
	set := unicodeSymbols
	if !DetectUnicodeSupport() {
		set = asciiSymbols
	}
	apply(set)
}

// UseASCII forces the ASCII symbol set (ui.ascii in config), or re-runs
// detection when false.
func UseASCII(ascii bool) {
	if ascii {
		apply(asciiSymbols)
		return
	}
	InitSymbols()
}

func apply(set SymbolSet) {
	SymbolSuccess = set.Success
	SymbolError = set.Error
	SymbolWarning = set.Warning
	SymbolInfo = set.Info
	SymbolCancelled = set.Cancelled
	SymbolArrowR = set.ArrowR
	SymbolBullet = set.Bullet
	SymbolEllipsis = set.Ellipsis
}

func init() {
	InitSymbols()
}
