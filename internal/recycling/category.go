// Package recycling maps detection labels onto plastic resin categories.
package recycling

import (
	"strings"
	"unicode"

	"github.com/karfong/frontend-plastic-detection/internal/detector"
)

// Category is a resin identification code. The zero value is Unrecognized.
type Category int

const (
	Unrecognized Category = iota
	PET
	HDPE
	PVC
	LDPE
	PP
	PS

	categoryCount
)

// Categories lists the recognized categories in resin-code order.
var Categories = []Category{PET, HDPE, PVC, LDPE, PP, PS}

var categoryNames = [categoryCount]string{
	Unrecognized: "Unrecognized",
	PET:          "PET",
	HDPE:         "HDPE",
	PVC:          "PVC",
	LDPE:         "LDPE",
	PP:           "PP",
	PS:           "PS",
}

var categoryTokens = [categoryCount][]string{
	PET:  {"pet", "pete"},
	HDPE: {"hdpe"},
	PVC:  {"pvc"},
	LDPE: {"ldpe"},
	PP:   {"pp"},
	PS:   {"ps"},
}

func (c Category) String() string {
	if c < 0 || c >= categoryCount {
		return categoryNames[Unrecognized]
	}
	return categoryNames[c]
}

// ResinCode returns the 1-6 resin identification code, or 0 when unrecognized.
func (c Category) ResinCode() int {
	if c <= Unrecognized || c >= categoryCount {
		return 0
	}
	return int(c)
}

// Recyclable reports whether items of this category are accepted for recycling.
func (c Category) Recyclable() bool {
	return c.ResinCode() != 0
}

// wordTokens are too short to match inside other words ("apple", "chips")
// and only count when they stand alone.
var wordTokens = map[string]bool{"pp": true, "ps": true}

// Classify maps a raw detection label to a category. The label is
// case-folded and a category matches when the label contains one of its
// tokens; "pp" and "ps" must appear as whole words. The first match in
// resin-code order wins, so a label maps to at most one category.
func Classify(label string) Category {
	folded := strings.ToLower(strings.TrimSpace(label))
	if folded == "" {
		return Unrecognized
	}
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, c := range Categories {
		for _, token := range categoryTokens[c] {
			if wordTokens[token] {
				if containsWord(words, token) {
					return c
				}
				continue
			}
			if strings.Contains(folded, token) {
				return c
			}
		}
	}
	return Unrecognized
}

func containsWord(words []string, token string) bool {
	for _, w := range words {
		if w == token {
			return true
		}
	}
	return false
}

// Counts holds the number of detections per category. It is a value type so
// a copy never aliases the original.
type Counts [categoryCount]int

// Get returns the count for c.
func (n Counts) Get(c Category) int {
	if c < 0 || c >= categoryCount {
		return 0
	}
	return n[c]
}

// Total sums the recognized categories; unrecognized detections are excluded.
func (n Counts) Total() int {
	total := 0
	for _, c := range Categories {
		total += n[c]
	}
	return total
}

// Tally projects a detection set onto per-category counts.
func Tally(detections []detector.Detection) Counts {
	var n Counts
	for _, d := range detections {
		n[Classify(d.Class)]++
	}
	return n
}
