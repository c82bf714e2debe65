package staging

import "fmt"

type Mode string

const (
	ModeMemory     Mode = "Memory"
	ModeFileSystem Mode = "FileSystem"
)

func New(mode Mode, dir string) (Area, error) {
	switch mode {
	case ModeMemory:
		return NewMemory(), nil
	case ModeFileSystem:
		return NewFileSystem(dir)
	default:
		return nil, fmt.Errorf("unknown staging mode %q", mode)
	}
}
