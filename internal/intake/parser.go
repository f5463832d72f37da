package intake

import (
	"regexp"
	"strings"
)

// MinCodesPerMessage is the fewest codes a message must carry to be acted on.
const MinCodesPerMessage = 10

var codePattern = regexp.MustCompile(`\b[A-Za-z0-9]{6,}\b`)

var deniedPrefixes = []string{
	"#", "*", "@", "https://", "(https://", "F*", "(", "m.",
	"789BET", "JUN88", "Jun88", "789", "Twitter", "ติดตาม", "เพื่มความรวด",
}

var deniedSuffixes = []string{"*", ")"}

// Compared case-insensitively against the whole token.
var deniedWords = []string{
	"Bigger", "Frenzy", "88OKPAY", "Official", "คาสโน", "สลอต", "แจก", "เกม", "โปรโมท",
	"ราย", "ได", "การ", "เงน", "facebook", "promotion", "telegarm", "instagram", "twitter",
	"789betthailand", "https", "freecode.06789bet.com", "m.99789bet.vip", "88Talk",
	"789BET", "JUN88", "LiveChat", "Bounty", "Google", "Chrome", "Youtude", "TELEGRAM",
	"Scatter", "SCATTER", "MINITERE",
}

// ParseCodes extracts promo codes from a channel message. It returns nil
// unless at least MinCodesPerMessage codes are found.
func ParseCodes(text string) []string {
	tokens := strings.Fields(stripEmoji(text))

	var codes []string
	for _, tok := range tokens {
		if !codePattern.MatchString(tok) || denied(tok) {
			continue
		}
		code := strings.ReplaceAll(tok, "`", "")
		if strings.TrimSpace(code) == "" {
			continue
		}
		codes = append(codes, code)
	}
	if len(codes) < MinCodesPerMessage {
		return nil
	}
	return codes
}

func denied(tok string) bool {
	for _, p := range deniedPrefixes {
		if strings.HasPrefix(tok, p) {
			return true
		}
	}
	for _, s := range deniedSuffixes {
		if strings.HasSuffix(tok, s) {
			return true
		}
	}
	for _, w := range deniedWords {
		if strings.EqualFold(tok, w) {
			return true
		}
	}
	return false
}

func stripEmoji(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x1F600 && r <= 0x1F64F, // emoticons
			r >= 0x1F300 && r <= 0x1F5FF, // symbols and pictographs
			r >= 0x1F680 && r <= 0x1F6FF, // transport and map
			r >= 0x1F1E0 && r <= 0x1F1FF: // flags
			return -1
		}
		return r
	}, s)
}
