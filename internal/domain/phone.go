package domain

import (
	"regexp"
	"strings"
)

var kenyanMobile = regexp.MustCompile(`^(?:\+?254|0)?([17]\d{8})$`)

func IsKenyanMobile(phone string) bool {
	return kenyanMobile.MatchString(compactPhone(phone))
}

// NormalizeMSISDN rewrites 07XXXXXXXX, +2547XXXXXXXX and 7XXXXXXXX to 2547XXXXXXXX.
// It returns "" for numbers that are not Kenyan mobiles.
func NormalizeMSISDN(phone string) string {
	m := kenyanMobile.FindStringSubmatch(compactPhone(phone))
	if m == nil {
		return ""
	}
	return "254" + m[1]
}

func compactPhone(phone string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))
}
