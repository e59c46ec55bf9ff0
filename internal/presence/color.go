package presence

import "math/rand/v2"

// Palette holds the cursor colors handed out to joining sessions.
var Palette = [...]string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A", "#98D8C8",
	"#F7DC6F", "#BB8FCE", "#85C1E2", "#F8B195", "#C06C84",
}

// RandomColors picks uniformly from Palette. Two sessions on the same
// document may well receive the same color.
type RandomColors struct{}

func (RandomColors) Pick() string {
	return Palette[rand.IntN(len(Palette))]
}

// InPalette reports whether color is one of the palette entries.
func InPalette(color string) bool {
	for _, c := range Palette {
		if c == color {
			return true
		}
	}
	return false
}
