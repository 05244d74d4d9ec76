package repository

import (
	"math"
	"strings"
	"time"
	"unicode"
)

const (
	// StaleAfter is the age since last modification after which an entry counts as stale
	StaleAfter = 90 * 24 * time.Hour

	// WeakStrength and below counts as weak
	WeakStrength = 1
	MaxStrength  = 4
)

// Stats summarises a repository from metadata only; nothing is decrypted.
type Stats struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"byCategory"`
	Favorites  int            `json:"favorites"`
	Weak       int            `json:"weak"`
	Stale      int            `json:"stale"`
	// SecurityScore is a 0..100 heuristic; an empty repository scores 100.
	SecurityScore int `json:"securityScore"`
}

func (r *Repository[C]) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Total: len(r.records), ByCategory: make(map[string]int, len(r.cfg.categories))}
	for _, c := range r.cfg.categories {
		s.ByCategory[c.String()] = 0
	}

	staleBefore := r.now().Add(-StaleAfter).UnixMilli()
	for _, rec := range r.records {
		s.ByCategory[rec.Category.String()]++
		if rec.Favorite {
			s.Favorites++
		}
		if r.cfg.strengthTracked && rec.Strength <= WeakStrength {
			s.Weak++
		}
		if rec.ModifiedAt < staleBefore {
			s.Stale++
		}
	}
	s.SecurityScore = securityScore(s)
	return s
}

// securityScore deducts up to 60 points for weak entries and 40 for stale ones,
// proportional to their share of the total
func securityScore(s Stats) int {
	if s.Total == 0 {
		return 100
	}
	penalty := 60*float64(s.Weak)/float64(s.Total) + 40*float64(s.Stale)/float64(s.Total)
	return int(math.Max(0, math.Round(100-penalty)))
}

var commonPasswords = map[string]struct{}{
	"password": {}, "123456": {}, "12345678": {}, "123456789": {}, "qwerty": {},
	"letmein": {}, "welcome": {}, "admin": {}, "iloveyou": {}, "monkey": {},
	"abc123": {}, "111111": {}, "passw0rd": {}, "p@ssw0rd": {}, "dragon": {},
}

// PasswordStrength rates a password from 0 (very weak) to 4 (strong) by length
// and character variety. Common passwords and single repeated characters score 0.
func PasswordStrength(password string) int {
	if password == "" {
		return 0
	}
	if _, common := commonPasswords[strings.ToLower(password)]; common {
		return 0
	}

	var lower, upper, digit, symbol bool
	distinct := make(map[rune]struct{})
	length := 0
	for _, ch := range password {
		length++
		distinct[ch] = struct{}{}
		switch {
		case unicode.IsLower(ch):
			lower = true
		case unicode.IsUpper(ch):
			upper = true
		case unicode.IsDigit(ch):
			digit = true
		default:
			symbol = true
		}
	}
	if len(distinct) == 1 {
		return 0
	}

	classes := 0
	for _, present := range []bool{lower, upper, digit, symbol} {
		if present {
			classes++
		}
	}

	score := 0
	switch {
	case length >= 16:
		score += 3
	case length >= 12:
		score += 2
	case length >= 8:
		score++
	}
	switch {
	case classes == 4:
		score += 2
	case classes == 3:
		score++
	}
	if length < 8 && score > 1 {
		score = 1
	}
	return min(score, MaxStrength)
}
