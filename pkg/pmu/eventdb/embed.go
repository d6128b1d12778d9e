package eventdb

import "embed"

//go:embed data/*.yaml
var defaultFS embed.FS

// LoadDefault loads the event tables built into the binary. Operators who
// want to override or extend them without a rebuild can call Load against
// a directory on disk instead.
func LoadDefault() (*DB, error) {
	return Load(defaultFS, "data")
}
