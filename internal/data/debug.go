package data

import "github.com/dreamware/quarry/internal/debug"

func debugf(format string, args ...any) {
	debug.Logf("data: "+format, args...)
}
