package validator

import (
	"regexp"
	"strings"

	"github.com/billbatista/acasinha-ledger/extraction"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	fifty   = decimal.NewFromInt(50)

	ratioCueRe   = regexp.MustCompile(`^(\d{1,3}(?:\.\d+)?)\s*[/:-]\s*(\d{1,3}(?:\.\d+)?)$`)
	percentCueRe = regexp.MustCompile(`^(\d{1,3}(?:\.\d+)?)\s*%$`)
)

var evenCues = map[string]bool{
	"half": true, "halves": true, "half and half": true, "evenly": true, "equally": true,
	"split": true, "split it": true, "split evenly": true, "split equally": true,
	"fifty-fifty": true, "fifty fifty": true, "shared": true,
}

var senderCues = map[string]bool{
	"all mine": true, "on me": true, "all on me": true, "my treat": true,
}

var partnerCues = map[string]bool{
	"all yours": true, "all theirs": true, "on you": true, "on them": true,
}

// ParseSplit turns a shorthand cue into the payer's and the other member's
// percentages. Cues naming who bears the cost ("on me") need the payer.
// The last return is false when the cue cannot be resolved.
func ParseSplit(cue string, payer extraction.Payer) (decimal.Decimal, decimal.Decimal, bool) {
	cue = strings.ToLower(strings.TrimSpace(cue))
	cue = strings.TrimPrefix(cue, "split ")
	if cue == "" {
		return decimal.Zero, decimal.Zero, false
	}

	if m := ratioCueRe.FindStringSubmatch(cue); m != nil {
		payerPct := decimal.RequireFromString(m[1])
		otherPct := decimal.RequireFromString(m[2])
		return payerPct, otherPct, true
	}
	if m := percentCueRe.FindStringSubmatch(cue); m != nil {
		payerPct := decimal.RequireFromString(m[1])
		return payerPct, hundred.Sub(payerPct), true
	}
	if evenCues[cue] || evenCues["split "+cue] {
		return fifty, fifty, true
	}

	senderBears := senderCues[cue]
	if !senderBears && !partnerCues[cue] {
		return decimal.Zero, decimal.Zero, false
	}
	switch {
	case payer == "":
		return decimal.Zero, decimal.Zero, false
	case (payer == extraction.PayerUser) == senderBears:
		return hundred, decimal.Zero, true
	default:
		return decimal.Zero, hundred, true
	}
}
