package contacts

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// RenderQR draws the link as a terminal QR code using Unicode half-block
// characters. Two bitmap rows become one terminal line.
func RenderQR(l Link) (string, error) {
	qr, err := qrcode.New(l.String(), qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("qr encode: %w", err)
	}
	bitmap := qr.Bitmap()
	rows := len(bitmap)

	var sb strings.Builder
	for y := 0; y < rows; y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x] // true = dark module
			bot := y+1 < rows && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String(), nil
}
