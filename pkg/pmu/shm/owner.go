package shm

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// chownToGroup changes path's group ownership to the named unix group,
// the -g flag's effect (spec.md §6), leaving the owning user untouched.
func chownToGroup(path, group string) error {
	g, err := user.LookupGroup(group)
	if err != nil {
		return fmt.Errorf("lookup group %s: %w", group, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("parse gid for group %s: %w", group, err)
	}
	return os.Chown(path, -1, gid)
}
