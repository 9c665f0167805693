package embed

import (
	"fmt"
	"sort"
	"strings"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
)

// CompositeText renders a vehicle record as the natural-language document
// that gets embedded. Field order is fixed so the same record always
// produces the same text, and therefore the same text hash.
func CompositeText(data domain.VehicleData) string {
	var b strings.Builder

	headline := strings.TrimSpace(strings.Join(nonEmpty(
		yearString(data.Year), data.Make, data.Model), " "))
	if headline != "" {
		fmt.Fprintf(&b, "%s.\n", headline)
	}
	if data.VIN != "" {
		fmt.Fprintf(&b, "VIN %s.\n", data.VIN)
	}
	if data.Mileage > 0 {
		fmt.Fprintf(&b, "Odometer reads %d miles.\n", data.Mileage)
	}
	if data.Price > 0 {
		fmt.Fprintf(&b, "Listed at $%.0f.\n", data.Price)
	}
	if len(data.Features) > 0 {
		fmt.Fprintf(&b, "Equipped with %s.\n", strings.Join(data.Features, ", "))
	}

	if len(data.Specs) > 0 {
		keys := make([]string, 0, len(data.Specs))
		for k := range data.Specs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s.\n", k, data.Specs[k])
		}
	}

	if data.Description != "" {
		b.WriteString(strings.TrimSpace(data.Description))
		b.WriteString("\n")
	}
	return b.String()
}

func yearString(year int) string {
	if year == 0 {
		return ""
	}
	return fmt.Sprintf("%d", year)
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
