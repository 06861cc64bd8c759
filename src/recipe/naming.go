package recipe

import (
	"path/filepath"
	"regexp"
	"strings"
)

// trailingVersionDigits strips a trailing "-<digits...>" suffix to derive
// BPN from PN, e.g. "glibc-2" -> "glibc".
var trailingVersionDigits = regexp.MustCompile(`-[0-9][0-9.]*$`)

// deriveNames computes PN/PV/BPN/BP from a recipe's filename, which is
// conventionally "<name>_<version>.bb" (a bare "<name>.bb" yields an empty
// PV).
func deriveNames(path string) (pn, pv, bpn, bp string) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if idx := strings.LastIndex(base, "_"); idx >= 0 {
		pn, pv = base[:idx], base[idx+1:]
	} else {
		pn = base
	}
	bpn = trailingVersionDigits.ReplaceAllString(pn, "")
	if pv != "" {
		bp = bpn + "-" + pv
	} else {
		bp = bpn
	}
	return pn, pv, bpn, bp
}
