package model

// Level is a position in a SelectionChain.
type Level int

// Chain levels in dependency order.
const (
	LevelType Level = iota
	LevelAmp
	LevelMake
	LevelModel
)

// ChainDepth is the number of cascading levels in a chain.
const ChainDepth = 4

var levelNames = [ChainDepth]string{"type", "amp", "make", "model"}

func (l Level) String() string {
	if l < 0 || int(l) >= ChainDepth {
		return "unknown"
	}
	return levelNames[l]
}

// Valid reports whether l is one of the four chain levels.
func (l Level) Valid() bool {
	return l >= LevelType && int(l) < ChainDepth
}

// ParseLevel maps a level name back to a Level.
func ParseLevel(s string) (Level, bool) {
	for i, n := range levelNames {
		if n == s {
			return Level(i), true
		}
	}
	return 0, false
}

// SelectionChain holds the dependent selections for one equipment slot.
type SelectionChain struct {
	Type  string `json:"type"`
	Amp   string `json:"amp"`
	Make  string `json:"make"`
	Model string `json:"model"`
	IsNew bool   `json:"is_new"`
	Tag   string `json:"tag,omitempty"`
}

// Get returns the value held at level l.
func (c SelectionChain) Get(l Level) string {
	switch l {
	case LevelType:
		return c.Type
	case LevelAmp:
		return c.Amp
	case LevelMake:
		return c.Make
	case LevelModel:
		return c.Model
	}
	return ""
}

// With returns a copy of c with level l set to v.
func (c SelectionChain) With(l Level, v string) SelectionChain {
	switch l {
	case LevelType:
		c.Type = v
	case LevelAmp:
		c.Amp = v
	case LevelMake:
		c.Make = v
	case LevelModel:
		c.Model = v
	}
	return c
}

// Empty reports whether no level holds a value.
func (c SelectionChain) Empty() bool {
	return c.Type == "" && c.Amp == "" && c.Make == "" && c.Model == ""
}
