package pattern

import (
	"strings"
	"unicode"
)

// Vendor names as registered with the IEEE for the OUIs below.
const (
	VendorPhilips  = "Philips Lighting BV"
	VendorHP       = "HP Inc."
	VendorEero     = "eero Inc"
	VendorTPLink   = "TP-LINK TECHNOLOGIES CO.,LTD"
	VendorUbiquiti = "Ubiquiti Networks Inc"
	VendorRaspi    = "Raspberry Pi Foundation"
	VendorSynology = "Synology Incorporated"
	VendorAmazon   = "Amazon Technologies Inc."
	VendorGoogle   = "Google, Inc."
	VendorNest     = "Nest Labs Inc."
	VendorRoku     = "Roku, Inc"
	VendorSonos    = "Sonos, Inc."
)

// ouiVendors maps the first three octets of a MAC (upper-case hex, no separators) to a vendor.
var ouiVendors = map[string]string{
	"001788": VendorPhilips,
	"ECB5FA": VendorPhilips,

	"10E7C6": VendorHP,
	"3C5282": VendorHP,
	"A8B13B": VendorHP,

	"F8BBBF": VendorEero,
	"C03653": VendorEero,
	"50275A": VendorEero,

	"50C7BF": VendorTPLink,
	"EC086B": VendorTPLink,
	"F4F26D": VendorTPLink,

	"24A43C": VendorUbiquiti,
	"0418D6": VendorUbiquiti,
	"44D9E7": VendorUbiquiti,
	"802AA8": VendorUbiquiti,
	"F09FC2": VendorUbiquiti,
	"788A20": VendorUbiquiti,
	"FCECDA": VendorUbiquiti,

	"B827EB": VendorRaspi,
	"DCA632": VendorRaspi,

	"001132": VendorSynology,

	"44650D": VendorAmazon,
	"F0272D": VendorAmazon,
	"74C246": VendorAmazon,

	"F4F5D5": VendorGoogle,
	"546009": VendorGoogle,
	"3C5AB4": VendorGoogle,

	"18B430": VendorNest,
	"641666": VendorNest,

	"B0A737": VendorRoku,
	"DC3A5E": VendorRoku,
	"CC6DA0": VendorRoku,

	"000E58": VendorSonos,
	"5CAAFD": VendorSonos,
	"949F3E": VendorSonos,
	"7828CA": VendorSonos,
}

// LookupVendor returns the vendor registered for mac's OUI.
// Accepts colon, dash or dot separated forms.
func LookupVendor(mac string) (string, bool) {
	oui, ok := ouiPrefix(mac)
	if !ok {
		return "", false
	}
	v, ok := ouiVendors[oui]
	return v, ok
}

func ouiPrefix(mac string) (string, bool) {
	var b strings.Builder
	for _, c := range mac {
		switch {
		case c == ':' || c == '-' || c == '.':
			continue
		case unicode.Is(unicode.ASCII_Hex_Digit, c):
			b.WriteRune(unicode.ToUpper(c))
		default:
			return "", false
		}
	}
	hex := b.String()
	if len(hex) != 12 {
		return "", false
	}
	return hex[:6], true
}

// NormalizeVendor lower-cases s and drops everything but letters and digits,
// so "TP-LINK TECHNOLOGIES CO.,LTD" and "tp-link technologies co ltd" compare equal.
func NormalizeVendor(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(c) || unicode.IsDigit(c) {
			b.WriteRune(c)
		}
	}
	return b.String()
}
