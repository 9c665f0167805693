package domain

import "strings"

// SupportedMakes maps make names to their known models. Used by the layout
// extractor to recognise make/model mentions in free text and by validation
// to sanity-check reconciled records.
var SupportedMakes = map[string][]string{
	"Toyota":     {"Camry", "Corolla", "RAV4", "Highlander", "Tacoma", "Tundra", "4Runner", "Prius", "Sienna", "Venza", "GR86"},
	"Honda":      {"Civic", "Accord", "CR-V", "Pilot", "Odyssey", "HR-V", "Ridgeline", "Passport"},
	"Ford":       {"F-150", "F-250", "Mustang", "Explorer", "Escape", "Ranger", "Bronco", "Bronco Sport", "Edge", "Expedition", "Maverick"},
	"Chevrolet":  {"Silverado", "Equinox", "Malibu", "Traverse", "Tahoe", "Suburban", "Colorado", "Corvette", "Blazer", "Trax"},
	"BMW":        {"3 Series", "5 Series", "7 Series", "X3", "X5", "X7", "M3", "M5", "i4", "iX"},
	"Mercedes":   {"C-Class", "E-Class", "S-Class", "GLA", "GLC", "GLE", "GLS", "CLA", "Sprinter"},
	"Audi":       {"A3", "A4", "A6", "Q3", "Q5", "Q7", "Q8", "e-tron", "RS6", "TT"},
	"Nissan":     {"Altima", "Sentra", "Rogue", "Pathfinder", "Frontier", "Murano", "Kicks", "Ariya", "Z"},
	"Hyundai":    {"Elantra", "Sonata", "Tucson", "Santa Fe", "Kona", "Palisade", "Ioniq 5", "Ioniq 6", "Santa Cruz"},
	"Kia":        {"Forte", "K5", "Sportage", "Telluride", "Sorento", "Soul", "Seltos", "EV6", "Carnival"},
	"Volkswagen": {"Golf", "Jetta", "Tiguan", "Atlas", "ID.4", "ID. Buzz", "Taos"},
	"Subaru":     {"Outback", "Forester", "Crosstrek", "Impreza", "WRX", "Legacy", "Ascent", "BRZ"},
	"Mazda":      {"Mazda3", "CX-5", "CX-30", "CX-50", "CX-70", "CX-90", "MX-5 Miata"},
	"Jeep":       {"Wrangler", "Grand Cherokee", "Cherokee", "Compass", "Renegade", "Gladiator", "Wagoneer"},
	"Ram":        {"1500", "2500", "3500", "ProMaster", "ProMaster City"},
	"GMC":        {"Sierra", "Terrain", "Acadia", "Yukon", "Canyon"},
	"Dodge":      {"Charger", "Durango", "Hornet"},
	"Lexus":      {"ES", "IS", "RX", "NX", "GX", "LS", "LC", "UX"},
	"Acura":      {"TLX", "MDX", "RDX", "Integra", "ZDX"},
	"Tesla":      {"Model 3", "Model Y", "Model S", "Model X", "Cybertruck"},
	"Rivian":     {"R1T", "R1S"},
	"Volvo":      {"XC40", "XC60", "XC90", "S60", "EX30"},
}

// MinModelYear is the earliest year we accept.
const MinModelYear = 1980

// MaxModelYear is the latest year we accept (current + 1 for next-year models).
const MaxModelYear = 2027

// CanonicalMake resolves a case-insensitive make name to its canonical
// spelling, or "" if unknown.
func CanonicalMake(name string) string {
	for m := range SupportedMakes {
		if strings.EqualFold(m, name) {
			return m
		}
	}
	return ""
}

// CanonicalModel resolves model under make, case-insensitively.
func CanonicalModel(mk, model string) string {
	for _, m := range SupportedMakes[mk] {
		if strings.EqualFold(m, model) {
			return m
		}
	}
	return ""
}
