package tftp

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// DropPrivileges switches the process to the named user and group. It must
// run after the privileged port is bound and is a no-op for an empty
// username. The group is dropped before the user; Setgid is not permitted
// once the uid has changed.
func DropPrivileges(username, groupname string) error {
	if username == "" {
		return nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("non-numeric uid %q: %w", u.Uid, err)
	}

	gidStr := u.Gid
	if groupname != "" {
		g, err := user.LookupGroup(groupname)
		if err != nil {
			return fmt.Errorf("lookup group %q: %w", groupname, err)
		}
		gidStr = g.Gid
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return fmt.Errorf("non-numeric gid %q: %w", gidStr, err)
	}

	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	return nil
}
