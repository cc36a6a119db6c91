package colors

import "fmt"

// Color is an ANSI SGR code.
type Color int

const (
	RED     Color = 31
	GREEN   Color = 32
	YELLOW  Color = 33
	BLUE    Color = 34
	CYAN    Color = 36
	BOLD    Color = 1
	DIMMED  Color = 2
	DEFAULT Color = 39
)

// LEFT_ARROW is the glyph printed in place of the "info" level marker.
const LEFT_ARROW = "⇾"

// ColorFunc colorizes any value into a string. Passing one to a logging call switches the color of the arguments
// that follow it.
type ColorFunc = func(s any) string

var enabled = true

// DisableColor makes every ColorFunc return its input unchanged.
func DisableColor() {
	enabled = false
}

// Colorize wraps s in the ANSI escape sequence for c, unless coloring is disabled or unsupported.
func Colorize(s any, c Color) string {
	if !enabled || !supported() {
		return fmt.Sprintf("%v", s)
	}
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}

// Reset renders s without color.
func Reset(s any) string {
	return fmt.Sprintf("%v", s)
}

func Bold(s any) string       { return Colorize(s, BOLD) }
func Dimmed(s any) string     { return Colorize(s, DIMMED) }
func Red(s any) string        { return Colorize(s, RED) }
func Green(s any) string      { return Colorize(s, GREEN) }
func Yellow(s any) string     { return Colorize(s, YELLOW) }
func Cyan(s any) string       { return Colorize(s, CYAN) }
func RedBold(s any) string    { return Colorize(Colorize(s, RED), BOLD) }
func GreenBold(s any) string  { return Colorize(Colorize(s, GREEN), BOLD) }
func YellowBold(s any) string { return Colorize(Colorize(s, YELLOW), BOLD) }
func BlueBold(s any) string   { return Colorize(Colorize(s, BLUE), BOLD) }
func CyanBold(s any) string   { return Colorize(Colorize(s, CYAN), BOLD) }
