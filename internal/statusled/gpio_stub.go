//go:build !linux || (!arm && !arm64)

package statusled

import "fmt"

func openLine(pin int) (outputLine, error) {
	return nil, fmt.Errorf("statusled: gpio unsupported on this platform")
}

var openLineFn = openLine
